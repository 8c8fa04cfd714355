package model

import (
	"fmt"
	"time"
)

// Phase is the coarse position of an item in its lifecycle.
type Phase int

const (
	PhasePending Phase = iota
	PhaseRunning
	PhaseCompleted
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhaseRunning:
		return "running"
	case PhaseCompleted:
		return "completed"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Status is the full position of an item: its phase plus, while running,
// the index of the stage that owns it. Transitions only move forward:
// pending -> stage 0 -> stage 1 -> ... -> exactly one of completed/failed.
type Status struct {
	Phase Phase `json:"phase"`
	Stage int   `json:"stage"`
}

func StatusPending() Status          { return Status{Phase: PhasePending} }
func StatusRunning(stage int) Status { return Status{Phase: PhaseRunning, Stage: stage} }
func StatusCompleted() Status        { return Status{Phase: PhaseCompleted} }
func StatusFailed() Status           { return Status{Phase: PhaseFailed} }

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s.Phase == PhaseCompleted || s.Phase == PhaseFailed
}

// Before reports whether s precedes o in the lifecycle ordering. Used to
// reject regressions when folding out-of-order events.
func (s Status) Before(o Status) bool {
	return s.rank() < o.rank()
}

func (s Status) rank() int {
	switch s.Phase {
	case PhasePending:
		return -1
	case PhaseRunning:
		return s.Stage
	default:
		// Terminal phases sort after any stage index.
		return int(^uint(0) >> 1)
	}
}

func (s Status) String() string {
	if s.Phase == PhaseRunning {
		return fmt.Sprintf("stage-%d", s.Stage)
	}
	return s.Phase.String()
}

// MarshalText lets Status serve as a JSON map key in snapshots.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Item is one unit of work moving through a pipeline. The payload is opaque
// to the pipeline; each stage replaces it with the stage's output. Only the
// stage that currently owns the item touches it.
type Item struct {
	ID          string    `json:"id"`
	Payload     any       `json:"payload,omitempty"`
	Status      Status    `json:"status"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Result is the immutable terminal record for one item: either the payload
// that came out of the last stage, or the error from the stage it died in.
// Never both.
type Result struct {
	ItemID     string        `json:"itemId"`
	Payload    any           `json:"payload,omitempty"`
	Err        error         `json:"-"`
	Stage      int           `json:"stage"`
	StageName  string        `json:"stageName"`
	Attempts   int           `json:"attempts"`
	Duration   time.Duration `json:"duration"`
	FinishedAt time.Time     `json:"finishedAt"`
}

// Failed reports whether the item ended with a failure cause.
func (r Result) Failed() bool { return r.Err != nil }

// ErrorText returns the failure cause as text, empty on success. Kept off
// the Err field so results serialize cleanly.
func (r Result) ErrorText() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}
