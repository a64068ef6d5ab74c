// Package lifecycle relays stream-lifecycle notifications from the media
// framework to the application adapter chosen at application start.
package lifecycle

import (
	"context"
	"time"
)

// Broadcast is a published (ingested) stream.
type Broadcast struct {
	StreamID  string `json:"streamId"`
	App       string `json:"app"`
	Name      string `json:"name,omitempty"`
	Publisher string `json:"publisher,omitempty"`
	// Origin is the ingest protocol, e.g. "webrtc" or "rtmp".
	Origin    string    `json:"origin,omitempty"`
	StartedAt time.Time `json:"startedAt,omitempty"`
}

// PlayItem is one stream a subscriber plays.
type PlayItem struct {
	StreamID string        `json:"streamId"`
	Name     string        `json:"name,omitempty"`
	Start    time.Duration `json:"start,omitempty"`
	Length   time.Duration `json:"length,omitempty"`
}

// Subscriber is a playback connection.
type Subscriber struct {
	ID       string `json:"id"`
	StreamID string `json:"streamId"`
}

// Muxer is a recording or packaging pipeline attached to a stream.
type Muxer struct {
	StreamID string `json:"streamId"`
	Format   string `json:"format"`
}

// StreamParameters describes an incoming stream before it is accepted.
type StreamParameters struct {
	StreamID   string `json:"streamId"`
	VideoCodec string `json:"videoCodec,omitempty"`
	AudioCodec string `json:"audioCodec,omitempty"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
	Bitrate    int    `json:"bitrate,omitempty"`
}

// Adapter receives lifecycle notifications for one application.
type Adapter interface {
	PublishStarted(ctx context.Context, b Broadcast) error
	PublishStopped(ctx context.Context, b Broadcast) error
	PlayStarted(ctx context.Context, item PlayItem, live bool) error
	PlayStopped(ctx context.Context, item PlayItem) error
	SubscriberClosed(ctx context.Context, s Subscriber) error
	MuxFinished(ctx context.Context, id, output string, duration time.Duration, resolution int) error
	QualityUpdated(ctx context.Context, id, quality string, speed float64, backlog int) error

	MuxerAdded(ctx context.Context, m Muxer) error
	MuxerRemoved(ctx context.Context, m Muxer) error
	ValidStreamParameters(ctx context.Context, p StreamParameters) (bool, error)
}

// Application is the context an adapter runs in.
type Application interface {
	Name() string
	Running() bool
}

// ContextBinder is implemented by adapters constructed without arguments;
// they receive their application once, before the first notification.
type ContextBinder interface {
	BindContext(app Application) error
}

// Forwarder hands every notification, unchanged, to the adapter it was built
// with. Adapter errors are returned to the caller as-is.
type Forwarder struct {
	adapter Adapter
}

func NewForwarder(adapter Adapter) *Forwarder {
	return &Forwarder{adapter: adapter}
}

func (f *Forwarder) Adapter() Adapter { return f.adapter }

func (f *Forwarder) PublishStarted(ctx context.Context, b Broadcast) error {
	return f.adapter.PublishStarted(ctx, b)
}

func (f *Forwarder) PublishStopped(ctx context.Context, b Broadcast) error {
	return f.adapter.PublishStopped(ctx, b)
}

func (f *Forwarder) PlayStarted(ctx context.Context, item PlayItem, live bool) error {
	return f.adapter.PlayStarted(ctx, item, live)
}

func (f *Forwarder) PlayStopped(ctx context.Context, item PlayItem) error {
	return f.adapter.PlayStopped(ctx, item)
}

func (f *Forwarder) SubscriberClosed(ctx context.Context, s Subscriber) error {
	return f.adapter.SubscriberClosed(ctx, s)
}

func (f *Forwarder) MuxFinished(ctx context.Context, id, output string, duration time.Duration, resolution int) error {
	return f.adapter.MuxFinished(ctx, id, output, duration, resolution)
}

func (f *Forwarder) QualityUpdated(ctx context.Context, id, quality string, speed float64, backlog int) error {
	return f.adapter.QualityUpdated(ctx, id, quality, speed, backlog)
}

func (f *Forwarder) MuxerAdded(ctx context.Context, m Muxer) error {
	return f.adapter.MuxerAdded(ctx, m)
}

func (f *Forwarder) MuxerRemoved(ctx context.Context, m Muxer) error {
	return f.adapter.MuxerRemoved(ctx, m)
}

func (f *Forwarder) ValidStreamParameters(ctx context.Context, p StreamParameters) (bool, error) {
	return f.adapter.ValidStreamParameters(ctx, p)
}
