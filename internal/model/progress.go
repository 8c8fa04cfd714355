package model

import "time"

// ProgressEvent is a point-in-time report for one item inside one stage.
// Percent runs 0..100; Rate and Remaining are derived from wall time spent
// in the stage so far. Events for the same item supersede each other
// (last write wins); consumers may conflate freely.
type ProgressEvent struct {
	ItemID    string        `json:"itemId"`
	Stage     int           `json:"stage"`
	StageName string        `json:"stageName"`
	Percent   float64       `json:"percent"`
	Rate      float64       `json:"rate"`      // percent per second
	Remaining time.Duration `json:"remaining"` // 0 when unknown
	At        time.Time     `json:"at"`
}

// Snapshot is a read-only copy of the aggregated pipeline state. Each
// snapshot reflects a whole number of folded events, never a half-applied
// update.
type Snapshot struct {
	Counts    map[Status]int           `json:"counts"`
	Completed []Result                 `json:"completed"`
	Failed    []Result                 `json:"failed"`
	Faults    []string                 `json:"faults"`
	Active    map[string]ProgressEvent `json:"active"`
	Submitted int                      `json:"submitted"`
	Discarded int                      `json:"discarded"`
	Done      bool                     `json:"done"`
}
