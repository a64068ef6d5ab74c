package streamapp

import (
	"sort"
	"sync"
	"time"
)

type StreamStatus string

const (
	StatusCreated      StreamStatus = "created"
	StatusBroadcasting StreamStatus = "broadcasting"
	StatusFinished     StreamStatus = "finished"
)

// Recording is a finished mux output.
type Recording struct {
	Output     string        `json:"output"`
	Duration   time.Duration `json:"duration"`
	Resolution int           `json:"resolution"`
}

// Stream is the server's view of one stream id.
type Stream struct {
	ID         string       `json:"streamId"`
	Status     StreamStatus `json:"status"`
	Origin     string       `json:"origin,omitempty"`
	Publisher  string       `json:"publisher,omitempty"`
	Viewers    int          `json:"viewers"`
	Quality    string       `json:"quality,omitempty"`
	Speed      float64      `json:"speed,omitempty"`
	Backlog    int          `json:"backlog,omitempty"`
	Muxers     []string     `json:"muxers,omitempty"`
	Recordings []Recording  `json:"recordings,omitempty"`
	UpdatedAt  time.Time    `json:"updatedAt"`
}

// Streams is an in-memory table of streams, safe for concurrent use.
type Streams struct {
	mu      sync.Mutex
	now     func() time.Time
	streams map[string]*Stream
}

func NewStreams() *Streams {
	return &Streams{now: time.Now, streams: make(map[string]*Stream)}
}

// Get returns a copy.
func (s *Streams) Get(id string) (Stream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	if !ok {
		return Stream{}, false
	}
	return st.clone(), true
}

// List returns copies sorted by id.
func (s *Streams) List() []Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Stream, 0, len(s.streams))
	for _, st := range s.streams {
		out = append(out, st.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Update applies fn to the stream, creating it first if needed.
func (s *Streams) Update(id string, fn func(*Stream)) Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	if !ok {
		st = &Stream{ID: id, Status: StatusCreated}
		s.streams[id] = st
	}
	fn(st)
	st.UpdatedAt = s.now()
	return st.clone()
}

func (st *Stream) clone() Stream {
	c := *st
	c.Muxers = append([]string(nil), st.Muxers...)
	c.Recordings = append([]Recording(nil), st.Recordings...)
	return c
}
