package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/lifecycle"
	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/metrics"
)

const maxHookBodyBytes = 64 << 10

// Hook event names accepted on POST /hooks/{app}/{event}.
const (
	HookPublishStarted        = "publish-started"
	HookPublishStopped        = "publish-stopped"
	HookPlayStarted           = "play-started"
	HookPlayStopped           = "play-stopped"
	HookSubscriberClosed      = "subscriber-closed"
	HookMuxFinished           = "mux-finished"
	HookQualityUpdated        = "quality-updated"
	HookMuxerAdded            = "muxer-added"
	HookMuxerRemoved          = "muxer-removed"
	HookValidStreamParameters = "valid-stream-parameters"
)

type playStartedHook struct {
	lifecycle.PlayItem
	Live bool `json:"live"`
}

type muxFinishedHook struct {
	StreamID   string `json:"streamId"`
	Output     string `json:"output"`
	DurationMS int64  `json:"durationMs"`
	Resolution int    `json:"resolution"`
}

type qualityUpdatedHook struct {
	StreamID string  `json:"streamId"`
	Quality  string  `json:"quality"`
	Speed    float64 `json:"speed"`
	Backlog  int     `json:"backlog"`
}

type hookError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var errUnknownHook = errors.New("unknown hook event")

// hookCall runs one decoded hook against the forwarder and returns the
// response payload, if any.
type hookCall func(ctx context.Context, fwd *lifecycle.Forwarder) (any, error)

func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	appName, event := r.PathValue("app"), r.PathValue("event")

	app, ok := s.cfg.Host.App(appName)
	if !ok {
		writeJSON(w, http.StatusNotFound, hookError{Code: "unknown_app", Message: fmt.Sprintf("no application %q", appName)})
		return
	}
	if !app.Running() || app.Forwarder() == nil {
		writeJSON(w, http.StatusServiceUnavailable, hookError{Code: "not_running", Message: fmt.Sprintf("application %q is not running", appName)})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxHookBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, hookError{Code: "body_too_large", Message: err.Error()})
		return
	}

	call, err := decodeHook(appName, event, body)
	if errors.Is(err, errUnknownHook) {
		writeJSON(w, http.StatusNotFound, hookError{Code: "unknown_event", Message: err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, hookError{Code: "bad_request", Message: err.Error()})
		return
	}

	resp, err := call(r.Context(), app.Forwarder())
	if err != nil {
		s.cfg.Metrics.Inc(metrics.LifecycleForwardFailed)
		s.log.Error("lifecycle hook failed", "app", appName, "event", event, "err", err)
		writeJSON(w, http.StatusInternalServerError, hookError{Code: "adapter_error", Message: err.Error()})
		return
	}
	s.cfg.Metrics.Inc(metrics.LifecycleForwarded)
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func decodeHook(appName, event string, body []byte) (hookCall, error) {
	switch event {
	case HookPublishStarted, HookPublishStopped:
		var b lifecycle.Broadcast
		if err := decodeStrictJSON(body, &b); err != nil {
			return nil, err
		}
		if b.StreamID == "" {
			return nil, errors.New("streamId is required")
		}
		if b.App == "" {
			b.App = appName
		}
		if event == HookPublishStarted {
			return func(ctx context.Context, f *lifecycle.Forwarder) (any, error) { return nil, f.PublishStarted(ctx, b) }, nil
		}
		return func(ctx context.Context, f *lifecycle.Forwarder) (any, error) { return nil, f.PublishStopped(ctx, b) }, nil
	case HookPlayStarted:
		var p playStartedHook
		if err := decodeStrictJSON(body, &p); err != nil {
			return nil, err
		}
		return func(ctx context.Context, f *lifecycle.Forwarder) (any, error) {
			return nil, f.PlayStarted(ctx, p.PlayItem, p.Live)
		}, nil
	case HookPlayStopped:
		var p lifecycle.PlayItem
		if err := decodeStrictJSON(body, &p); err != nil {
			return nil, err
		}
		return func(ctx context.Context, f *lifecycle.Forwarder) (any, error) { return nil, f.PlayStopped(ctx, p) }, nil
	case HookSubscriberClosed:
		var sub lifecycle.Subscriber
		if err := decodeStrictJSON(body, &sub); err != nil {
			return nil, err
		}
		return func(ctx context.Context, f *lifecycle.Forwarder) (any, error) {
			return nil, f.SubscriberClosed(ctx, sub)
		}, nil
	case HookMuxFinished:
		var m muxFinishedHook
		if err := decodeStrictJSON(body, &m); err != nil {
			return nil, err
		}
		return func(ctx context.Context, f *lifecycle.Forwarder) (any, error) {
			return nil, f.MuxFinished(ctx, m.StreamID, m.Output, time.Duration(m.DurationMS)*time.Millisecond, m.Resolution)
		}, nil
	case HookQualityUpdated:
		var q qualityUpdatedHook
		if err := decodeStrictJSON(body, &q); err != nil {
			return nil, err
		}
		return func(ctx context.Context, f *lifecycle.Forwarder) (any, error) {
			return nil, f.QualityUpdated(ctx, q.StreamID, q.Quality, q.Speed, q.Backlog)
		}, nil
	case HookMuxerAdded, HookMuxerRemoved:
		var m lifecycle.Muxer
		if err := decodeStrictJSON(body, &m); err != nil {
			return nil, err
		}
		if event == HookMuxerAdded {
			return func(ctx context.Context, f *lifecycle.Forwarder) (any, error) { return nil, f.MuxerAdded(ctx, m) }, nil
		}
		return func(ctx context.Context, f *lifecycle.Forwarder) (any, error) { return nil, f.MuxerRemoved(ctx, m) }, nil
	case HookValidStreamParameters:
		var p lifecycle.StreamParameters
		if err := decodeStrictJSON(body, &p); err != nil {
			return nil, err
		}
		return func(ctx context.Context, f *lifecycle.Forwarder) (any, error) {
			valid, err := f.ValidStreamParameters(ctx, p)
			if err != nil {
				return nil, err
			}
			return map[string]bool{"valid": valid}, nil
		}, nil
	default:
		return nil, fmt.Errorf("%w %q", errUnknownHook, event)
	}
}

func decodeStrictJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("unexpected trailing data")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
