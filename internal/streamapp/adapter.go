package streamapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/lifecycle"
	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/metrics"
)

// Adapter is the baseline application adapter. It keeps the stream table
// current and enforces publish security and the accept filter.
type Adapter struct {
	app *Application
}

func NewAdapter(app *Application) *Adapter {
	return &Adapter{app: app}
}

var errUnbound = errors.New("adapter has no application context")

func (a *Adapter) ready() error {
	if a.app == nil {
		return errUnbound
	}
	return nil
}

func (a *Adapter) logger() *slog.Logger {
	if a.app == nil {
		return slog.Default()
	}
	return a.app.logger
}

func (a *Adapter) PublishStarted(ctx context.Context, b lifecycle.Broadcast) error {
	if err := a.ready(); err != nil {
		return err
	}
	for _, check := range a.app.security {
		if !check.AllowPublish(ctx, a.app.name, b) {
			a.app.metrics.Inc(metrics.PublishRejected)
			return fmt.Errorf("%w: %s", ErrPublishRejected, b.StreamID)
		}
	}
	a.app.streams.Update(b.StreamID, func(s *Stream) {
		s.Status = StatusBroadcasting
		s.Origin = b.Origin
		s.Publisher = b.Publisher
	})
	a.logger().Info("publish started", "stream_id", b.StreamID, "origin", b.Origin)
	return nil
}

func (a *Adapter) PublishStopped(_ context.Context, b lifecycle.Broadcast) error {
	if err := a.ready(); err != nil {
		return err
	}
	a.app.streams.Update(b.StreamID, func(s *Stream) {
		s.Status = StatusFinished
		s.Viewers = 0
	})
	a.logger().Info("publish stopped", "stream_id", b.StreamID)
	return nil
}

func (a *Adapter) PlayStarted(_ context.Context, item lifecycle.PlayItem, live bool) error {
	if err := a.ready(); err != nil {
		return err
	}
	a.app.streams.Update(item.StreamID, func(s *Stream) { s.Viewers++ })
	a.logger().Debug("play started", "stream_id", item.StreamID, "live", live)
	return nil
}

func (a *Adapter) PlayStopped(_ context.Context, item lifecycle.PlayItem) error {
	if err := a.ready(); err != nil {
		return err
	}
	a.app.streams.Update(item.StreamID, func(s *Stream) {
		if s.Viewers > 0 {
			s.Viewers--
		}
	})
	return nil
}

func (a *Adapter) SubscriberClosed(_ context.Context, sub lifecycle.Subscriber) error {
	if err := a.ready(); err != nil {
		return err
	}
	a.logger().Debug("subscriber closed", "subscriber_id", sub.ID, "stream_id", sub.StreamID)
	return nil
}

func (a *Adapter) MuxFinished(_ context.Context, id, output string, duration time.Duration, resolution int) error {
	if err := a.ready(); err != nil {
		return err
	}
	a.app.streams.Update(id, func(s *Stream) {
		s.Recordings = append(s.Recordings, Recording{Output: output, Duration: duration, Resolution: resolution})
	})
	a.logger().Info("muxing finished", "stream_id", id, "output", output, "duration", duration, "resolution", resolution)
	return nil
}

func (a *Adapter) QualityUpdated(_ context.Context, id, quality string, speed float64, backlog int) error {
	if err := a.ready(); err != nil {
		return err
	}
	a.app.streams.Update(id, func(s *Stream) {
		s.Quality = quality
		s.Speed = speed
		s.Backlog = backlog
	})
	return nil
}

func (a *Adapter) MuxerAdded(_ context.Context, m lifecycle.Muxer) error {
	if err := a.ready(); err != nil {
		return err
	}
	a.app.streams.Update(m.StreamID, func(s *Stream) {
		for _, f := range s.Muxers {
			if f == m.Format {
				return
			}
		}
		s.Muxers = append(s.Muxers, m.Format)
	})
	return nil
}

func (a *Adapter) MuxerRemoved(_ context.Context, m lifecycle.Muxer) error {
	if err := a.ready(); err != nil {
		return err
	}
	a.app.streams.Update(m.StreamID, func(s *Stream) {
		kept := s.Muxers[:0]
		for _, f := range s.Muxers {
			if f != m.Format {
				kept = append(kept, f)
			}
		}
		s.Muxers = kept
	})
	return nil
}

func (a *Adapter) ValidStreamParameters(_ context.Context, p lifecycle.StreamParameters) (bool, error) {
	if err := a.ready(); err != nil {
		return false, err
	}
	return a.app.filter.Accept(p), nil
}

// EnhancedAdapter adds ingest health tracking on top of Adapter. It is built
// without arguments and receives its application through BindContext.
type EnhancedAdapter struct {
	Adapter

	// MinSpeed marks a stream degraded when encoding falls below it.
	MinSpeed float64
}

func NewEnhancedAdapter() *EnhancedAdapter {
	return &EnhancedAdapter{MinSpeed: 0.8}
}

func (a *EnhancedAdapter) BindContext(app lifecycle.Application) error {
	concrete, ok := app.(*Application)
	if !ok {
		return fmt.Errorf("unsupported application type %T", app)
	}
	a.app = concrete
	return nil
}

func (a *EnhancedAdapter) QualityUpdated(ctx context.Context, id, quality string, speed float64, backlog int) error {
	if err := a.Adapter.QualityUpdated(ctx, id, quality, speed, backlog); err != nil {
		return err
	}
	if speed > 0 && speed < a.MinSpeed {
		a.logger().Warn("stream encoding below real time", "stream_id", id, "speed", speed, "backlog", backlog)
		a.app.streams.Update(id, func(s *Stream) { s.Quality = "degraded" })
	}
	return nil
}

func (a *EnhancedAdapter) PublishStarted(ctx context.Context, b lifecycle.Broadcast) error {
	if b.Origin == "" {
		b.Origin = "webrtc"
	}
	return a.Adapter.PublishStarted(ctx, b)
}
