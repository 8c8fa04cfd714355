package pipeline

import (
	"errors"
	"fmt"
)

// ErrPipelineClosed is returned by Submit once the pipeline stopped
// accepting new items (after Close or Cancel).
var ErrPipelineClosed = errors.New("pipeline is closed to new items")

// ErrStageDegraded marks results for items that hit a stage after it was
// degraded to drain-only.
var ErrStageDegraded = errors.New("stage degraded to drain-only")

// ConfigError reports an invalid pipeline or stage configuration. It is
// returned at construction time; no goroutines start when one is present.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid pipeline config: %s: %s", e.Field, e.Reason)
}

// Fault is an orchestrator-level failure surfaced on Errors(). Item-level
// transform failures never appear here; they become failed Results.
type Fault struct {
	Stage     int
	StageName string
	ItemID    string
	Err       error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("stage %q fault (item %s): %v", f.StageName, f.ItemID, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }
