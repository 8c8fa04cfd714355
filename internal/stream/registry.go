// Package stream tracks simulated live video feeds and serves their frames
// over server-sent events. Stream ids are caller-chosen; sessions idle out
// via TTL so an abandoned feed never leaks.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"

	"go-video-pipeline/internal/metrics"
	"go-video-pipeline/internal/video"
)

var (
	ErrStreamExists = errors.New("stream already exists")
	ErrNoStream     = errors.New("stream not found")
)

const (
	defaultTTL       = 5 * time.Minute
	defaultFrameRate = 30
)

// Session is one simulated live feed.
type Session struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"createdAt"`

	frames atomic.Int64
}

// Frames returns how many frames the feed has served so far.
func (s *Session) Frames() int64 { return s.frames.Load() }

// Config assembles a stream registry.
type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// TTL evicts sessions nobody consumed for this long. 0 means the
	// default.
	TTL time.Duration

	// FrameRate is how many frames per second a stream emits. 0 means
	// the default.
	FrameRate int
}

// Validate checks the config and fills defaults in place.
func (c *Config) Validate() error {
	if c.TTL < 0 {
		return fmt.Errorf("ttl must not be negative, got %v", c.TTL)
	}
	if c.TTL == 0 {
		c.TTL = defaultTTL
	}
	if c.FrameRate < 0 {
		return fmt.Errorf("frameRate must not be negative, got %d", c.FrameRate)
	}
	if c.FrameRate == 0 {
		c.FrameRate = defaultFrameRate
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Registry tracks live feeds by id.
type Registry struct {
	cfg      Config
	mu       sync.Mutex
	sessions *ttlcache.Cache[string, *Session]
}

// NewRegistry builds the feed registry and starts its eviction loop.
func NewRegistry(cfg Config) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sessions := ttlcache.New[string, *Session](
		ttlcache.WithTTL[string, *Session](cfg.TTL),
	)
	sessions.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *Session]) {
		metrics.StreamSessions.Dec()
		cfg.Logger.Info("stream stopped",
			"stream_id", item.Key(),
			"frames", item.Value().Frames(),
			"expired", reason == ttlcache.EvictionReasonExpired,
		)
	})
	go sessions.Start()

	return &Registry{cfg: cfg, sessions: sessions}, nil
}

// Stop halts the eviction loop.
func (r *Registry) Stop() {
	r.sessions.Stop()
}

// FrameRate returns the configured frames per second.
func (r *Registry) FrameRate() int {
	return r.cfg.FrameRate
}

// Open registers a live feed under a caller-chosen id. An empty source
// falls back to a synthetic default feed.
func (r *Registry) Open(id, source string) (*Session, error) {
	if source == "" {
		source = "default"
	}

	// The mutex makes the exists check and the insert one step.
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions.Has(id) {
		return nil, ErrStreamExists
	}
	session := &Session{
		ID:        id,
		Source:    source,
		CreatedAt: r.cfg.Clock.Now(),
	}
	r.sessions.Set(id, session, ttlcache.DefaultTTL)
	metrics.StreamSessions.Inc()
	r.cfg.Logger.Info("stream started", "stream_id", id, "source", source)
	return session, nil
}

// Close stops the feed with the given id.
func (r *Registry) Close(id string) error {
	if !r.sessions.Has(id) {
		return ErrNoStream
	}
	r.sessions.Delete(id)
	return nil
}

// Get returns the feed with the given id if one is running.
func (r *Registry) Get(id string) (*Session, bool) {
	item := r.sessions.Get(id)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

// List returns every running feed.
func (r *Registry) List() []*Session {
	items := r.sessions.Items()
	sessions := make([]*Session, 0, len(items))
	for _, item := range items {
		sessions = append(sessions, item.Value())
	}
	return sessions
}

// Serve writes the feed's frame metadata to w as server-sent events at the
// configured frame rate until the feed stops or ctx ends. Returns
// ErrNoStream when no feed with that id is running.
func (r *Registry) Serve(ctx context.Context, w http.ResponseWriter, id string) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return errors.New("response writer does not support streaming")
	}
	if !r.sessions.Has(id) {
		return ErrNoStream
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	interval := time.Second / time.Duration(r.cfg.FrameRate)
	ticker := r.cfg.Clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		// Touching the session here keeps an actively consumed feed from
		// idling out. A nil item means the feed was stopped mid-stream.
		item := r.sessions.Get(id)
		if item == nil {
			return nil
		}
		session := item.Value()

		index := int(session.frames.Add(1) - 1)
		frame := video.NewFrame(session.Source, index, r.cfg.Clock.Now())
		payload, err := json.Marshal(frame)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "event: frame\ndata: %s\n\n", payload)
		flusher.Flush()

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		}
	}
}
