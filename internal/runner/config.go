package runner

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"
)

const (
	defaultMaxRuns     = 4
	defaultResultBatch = 25
)

// Config assembles a run manager.
type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// MaxRuns caps concurrently executing runs; further runs queue until a
	// slot frees up. 0 means the default.
	MaxRuns int

	// ResultBatch is how many terminal results get grouped per database
	// write. 0 means the default.
	ResultBatch int

	// Persist mirrors run state, faults and results into the store.
	Persist bool
}

// Validate checks the config and fills defaults in place.
func (c *Config) Validate() error {
	if c.MaxRuns < 0 {
		return fmt.Errorf("maxRuns must not be negative, got %d", c.MaxRuns)
	}
	if c.MaxRuns == 0 {
		c.MaxRuns = defaultMaxRuns
	}
	if c.ResultBatch < 0 {
		return fmt.Errorf("resultBatch must not be negative, got %d", c.ResultBatch)
	}
	if c.ResultBatch == 0 {
		c.ResultBatch = defaultResultBatch
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// ErrRunNotFound is returned for operations on unknown or finished runs.
var ErrRunNotFound = errors.New("run not found")

// ErrManagerClosed is returned by Start after Shutdown.
var ErrManagerClosed = errors.New("run manager is shut down")
