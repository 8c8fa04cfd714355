package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"go-video-pipeline/internal/model"
)

const (
	defaultBufferSize        = 16
	defaultRetryInitialDelay = 50 * time.Millisecond
	defaultRetryMaxDelay     = 2 * time.Second

	// Consecutive panics in one stage before it degrades to drain-only.
	panicDegradeThreshold = 3
)

// Transform turns one item's payload into the next stage's payload. The
// report callback may be called with a completion percentage in [0,100];
// transforms that do not track progress just ignore it. A returned error
// fails the attempt; wrap it with backoff.Permanent to suppress retries.
type Transform func(ctx context.Context, item model.Item, report func(percent float64)) (any, error)

// StageSpec configures one pipeline stage.
type StageSpec struct {
	Name      string
	Transform Transform

	// MaxConcurrency caps simultaneous transform executions. 0 means 1.
	MaxConcurrency int

	// MaxAttempts bounds executions per item, retries included. 0 means 1,
	// i.e. no retry. Every attempt re-enters the limiter.
	MaxAttempts int

	// Delays between attempts grow exponentially from RetryInitialDelay up
	// to RetryMaxDelay. Zero values take the defaults.
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
}

// Config assembles a pipeline.
type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// Stages run in order; stage i's successes feed stage i+1.
	Stages []StageSpec

	// BufferSize is the capacity of the channels between stages. 0 means
	// the default.
	BufferSize int
}

// Validate checks the config and fills defaults in place.
func (c *Config) Validate() error {
	if len(c.Stages) == 0 {
		return &ConfigError{Field: "stages", Reason: "at least one stage is required"}
	}
	if c.BufferSize < 0 {
		return &ConfigError{Field: "bufferSize", Reason: fmt.Sprintf("must not be negative, got %d", c.BufferSize)}
	}
	if c.BufferSize == 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}

	for i := range c.Stages {
		s := &c.Stages[i]
		if s.Transform == nil {
			return &ConfigError{Field: fmt.Sprintf("stages[%d].transform", i), Reason: "is required"}
		}
		if s.Name == "" {
			s.Name = fmt.Sprintf("stage-%d", i)
		}
		if s.MaxConcurrency == 0 {
			s.MaxConcurrency = 1
		}
		if s.MaxConcurrency < 1 {
			return &ConfigError{Field: fmt.Sprintf("stages[%d].maxConcurrency", i), Reason: fmt.Sprintf("must be at least 1, got %d", s.MaxConcurrency)}
		}
		if s.MaxAttempts == 0 {
			s.MaxAttempts = 1
		}
		if s.MaxAttempts < 1 {
			return &ConfigError{Field: fmt.Sprintf("stages[%d].maxAttempts", i), Reason: fmt.Sprintf("must be at least 1, got %d", s.MaxAttempts)}
		}
		if s.RetryInitialDelay == 0 {
			s.RetryInitialDelay = defaultRetryInitialDelay
		}
		if s.RetryMaxDelay == 0 {
			s.RetryMaxDelay = defaultRetryMaxDelay
		}
	}
	return nil
}
