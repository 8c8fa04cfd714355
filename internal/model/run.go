package model

// SourceSpec describes one simulated camera feed for a run.
type SourceSpec struct {
	Name     string `json:"name"`
	Frames   int    `json:"frames"`
	Interval string `json:"interval"` // per-frame interval, e.g. "10ms"
}

// StageTuning is the per-stage knob set accepted by the API.
type StageTuning struct {
	Name           string `json:"name"` // process, encode, publish
	MaxConcurrency int    `json:"maxConcurrency"`
	MaxAttempts    int    `json:"maxAttempts"`
	Cost           string `json:"cost"` // simulated per-frame cost, e.g. "50ms"
}

// RunSpec is the struct for POST /api/v1/runs.
type RunSpec struct {
	Sources    []SourceSpec  `json:"sources"`
	Stages     []StageTuning `json:"stages"`
	BufferSize int           `json:"bufferSize"`
	FailEvery  int           `json:"failEvery"`  // publish stage fails every Nth frame, 0 = never
	FilterEven bool          `json:"filterEven"` // drop odd-indexed frames before submission
}

// RunStatus is the lifecycle of a run as stored and reported by the API.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Finished reports whether the run can no longer change state.
func (s RunStatus) Finished() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}
