package streamapp

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/lifecycle"
)

var (
	ErrPublishRejected = errors.New("publish rejected")
	ErrStreamRejected  = errors.New("stream parameters rejected")
)

// PublishSecurity vets a broadcast before it is admitted. Every registered
// check must pass.
type PublishSecurity interface {
	AllowPublish(ctx context.Context, app string, b lifecycle.Broadcast) bool
}

type PublishSecurityFunc func(ctx context.Context, app string, b lifecycle.Broadcast) bool

func (f PublishSecurityFunc) AllowPublish(ctx context.Context, app string, b lifecycle.Broadcast) bool {
	return f(ctx, app, b)
}

// StreamIDPattern only admits stream ids matching the expression.
func StreamIDPattern(expr string) (PublishSecurity, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	return PublishSecurityFunc(func(_ context.Context, _ string, b lifecycle.Broadcast) bool {
		return re.MatchString(b.StreamID)
	}), nil
}

// AcceptFilter limits incoming stream parameters. Zero values disable a check.
type AcceptFilter struct {
	MaxResolution int
	MaxBitrate    int
	VideoCodecs   []string
}

func (f AcceptFilter) Accept(p lifecycle.StreamParameters) bool {
	if f.MaxResolution > 0 && p.Height > f.MaxResolution {
		return false
	}
	if f.MaxBitrate > 0 && p.Bitrate > f.MaxBitrate {
		return false
	}
	if len(f.VideoCodecs) > 0 && p.VideoCodec != "" {
		for _, c := range f.VideoCodecs {
			if strings.EqualFold(c, p.VideoCodec) {
				return true
			}
		}
		return false
	}
	return true
}
