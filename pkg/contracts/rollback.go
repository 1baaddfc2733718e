package contracts

import "time"

// RollbackSnapshot captures pre-execution state for a reversible action.
// Data is capability-specific: fs.write stores the prior file bytes (or the
// fact that the file did not exist), git.commit and memory.write store
// structural notes, unknown capabilities store raw caller kwargs.
//
// The only permitted state transition is not-rolled-back → rolled-back;
// it is one-way and idempotent.
type RollbackSnapshot struct {
	SnapshotID   string         `json:"snapshot_id"`
	TaskID       string         `json:"task_id"`
	StepIndex    int            `json:"step_index"`
	Capability   string         `json:"capability"`
	Target       string         `json:"target,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	Data         map[string]any `json:"snapshot_data,omitempty"`
	RolledBack   bool           `json:"rolled_back"`
	RolledBackAt *time.Time     `json:"rolled_back_at,omitempty"`
}
