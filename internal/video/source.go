package video

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// ------------------- Frame Sources -------------------

const (
	defaultFrameCount = 100
	defaultInterval   = 10 * time.Millisecond
)

// Source emits synthetic frames at a fixed cadence, standing in for a
// camera feed or a capture file being read in real time.
type Source struct {
	Name     string
	Frames   int
	Interval time.Duration
	Clock    clockwork.Clock
}

// Stream starts the feed and returns the frame channel. The channel closes
// after the configured number of frames, or early when ctx ends.
func (s Source) Stream(ctx context.Context) <-chan Frame {
	clock := s.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	frames := s.Frames
	if frames == 0 {
		frames = defaultFrameCount
	}
	interval := s.Interval
	if interval <= 0 {
		interval = defaultInterval
	}

	out := make(chan Frame)
	go func() {
		defer close(out)
		ticker := clock.NewTicker(interval)
		defer ticker.Stop()
		for i := 0; i < frames; i++ {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
			}
			select {
			case <-ctx.Done():
				return
			case out <- NewFrame(s.Name, i, clock.Now()):
			}
		}
	}()
	return out
}
