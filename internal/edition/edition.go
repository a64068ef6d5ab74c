// Package edition decides which handler implementation serves a signaling
// session.
package edition

import (
	"fmt"
	"strings"
)

// Edition is the deployment variant, read once at startup.
type Edition string

const (
	Baseline Edition = "baseline"
	Enhanced Edition = "enhanced"
)

func Parse(raw string) (Edition, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(Baseline), "community":
		return Baseline, nil
	case string(Enhanced), "enterprise":
		return Enhanced, nil
	default:
		return "", fmt.Errorf("unknown edition %q (expected %s or %s)", raw, Baseline, Enhanced)
	}
}

// Kind identifies a concrete handler or adapter implementation.
type Kind int

const (
	KindBaseline Kind = iota
	KindEnhanced
)

func (k Kind) String() string {
	switch k {
	case KindBaseline:
		return "baseline"
	case KindEnhanced:
		return "enhanced"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Resolve maps the deployment edition and a per-connection routing override
// to a handler kind. The override only has an effect on enhanced deployments,
// where it sends the connection to the baseline handler.
func Resolve(e Edition, routingOverride bool) Kind {
	if e == Enhanced && !routingOverride {
		return KindEnhanced
	}
	return KindBaseline
}
