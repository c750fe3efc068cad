package model

import "time"

// RunStatus represents the state of a pipeline run.
type RunStatus string

const (
	RunStatusRunning     RunStatus = "running"
	RunStatusComplete    RunStatus = "complete"
	RunStatusFailed      RunStatus = "failed"
	RunStatusInterrupted RunStatus = "interrupted"
)

// PhaseStatus represents the state of a phase within a run.
type PhaseStatus string

const (
	PhaseStatusRunning     PhaseStatus = "running"
	PhaseStatusComplete    PhaseStatus = "complete"
	PhaseStatusSkipped     PhaseStatus = "skipped"
	PhaseStatusBlocked     PhaseStatus = "blocked"
	PhaseStatusFailed      PhaseStatus = "failed"
	PhaseStatusInterrupted PhaseStatus = "interrupted"
)

// Run is a single invocation of the pipeline runner.
type Run struct {
	ID        string    `json:"id"`
	Status    RunStatus `json:"status"`
	Phases    []string  `json:"phases"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PhaseRun records the outcome of one phase within a run.
type PhaseRun struct {
	ID             string      `json:"id"`
	RunID          string      `json:"run_id"`
	Name           string      `json:"name"`
	Status         PhaseStatus `json:"status"`
	TotalBatches   int         `json:"total_batches"`
	SkippedBatches int         `json:"skipped_batches"`
	FlaggedItems   int         `json:"flagged_items"`
	Error          string      `json:"error,omitempty"`
	StartedAt      time.Time   `json:"started_at"`
	FinishedAt     *time.Time  `json:"finished_at,omitempty"`
}

// ItemFailure records an item whose worker call failed and was replaced by a
// flagged placeholder.
type ItemFailure struct {
	ID         string        `json:"id"`
	RunID      string        `json:"run_id"`
	Phase      string        `json:"phase"`
	BatchIndex int           `json:"batch_index"`
	ItemID     string        `json:"item_id"`
	ErrorKind  string        `json:"error_kind"`
	Error      string        `json:"error"`
	Flags      []QualityFlag `json:"flags"`
	CreatedAt  time.Time     `json:"created_at"`
}
