package graph

// RunStatus is the terminal (or paused) outcome of one Run or Resume
// call.
type RunStatus string

const (
	// StatusSuccess means the run reached an output node.
	StatusSuccess RunStatus = "SUCCESS"

	// StatusFailed means the run stopped on an error.
	StatusFailed RunStatus = "FAILED"

	// StatusPaused means the run is WAITING on human input; resume with
	// the report's CheckpointID.
	StatusPaused RunStatus = "PAUSED"

	// StatusCancelled means the run's context was cancelled.
	StatusCancelled RunStatus = "CANCELLED"
)

// NodeReport summarizes one node's executions within a run.
type NodeReport struct {
	// NodeID identifies the node.
	NodeID string `json:"nodeId"`

	// Status is "ok", "error", "skipped" or "waiting".
	Status string `json:"status"`

	// Attempts counts executions including retries.
	Attempts int `json:"attempts"`

	// DurationMs is the total wall time across attempts.
	DurationMs int64 `json:"durationMs"`

	// Output is the node's data contribution, when it has one.
	Output any `json:"output,omitempty"`

	// Err is the final error for failed nodes.
	Err string `json:"error,omitempty"`
}

// RunReport is the outcome of Run or Resume.
type RunReport struct {
	// RunID identifies the run; it doubles as the checkpoint key.
	RunID string `json:"runId"`

	// GraphID identifies the executed graph.
	GraphID string `json:"graphId"`

	// Status is the run outcome.
	Status RunStatus `json:"status"`

	// Result is the output node selector's value for SUCCESS runs.
	Result any `json:"result,omitempty"`

	// NodeReports lists executed nodes in execution order.
	NodeReports []NodeReport `json:"nodeReports"`

	// PendingInteraction describes what a PAUSED run is waiting for.
	PendingInteraction *PendingInteraction `json:"pendingInteraction,omitempty"`

	// CheckpointID resumes a PAUSED run; equal to RunID.
	CheckpointID string `json:"checkpointId,omitempty"`

	// Err is the failure for FAILED runs.
	Err error `json:"-"`

	// FinalMessage is the message as the run ended.
	FinalMessage Message `json:"-"`
}
