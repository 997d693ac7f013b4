package api

import (
	"encoding/json"
	"time"
)

type (
	// RunStatus is the lifecycle state of a workflow run
	RunStatus string

	// Run is one top-level execution of a function for a triggering event.
	// A run may span multiple attempts; all attempts share its memo table.
	Run struct {
		ID         RunID           `json:"id"`
		FunctionID FunctionID      `json:"function_id"`
		EventID    EventID         `json:"event_id"`
		Status     RunStatus       `json:"status"`
		Attempt    int             `json:"attempt"`
		StartedAt  time.Time       `json:"started_at"`
		WakeAt     time.Time       `json:"wake_at,omitempty"`
		EndedAt    time.Time       `json:"ended_at,omitempty"`
		Result     json.RawMessage `json:"result,omitempty"`
		LastError  string          `json:"last_error,omitempty"`
		FinalError *Failure        `json:"final_error,omitempty"`
	}

	// StepMemo is the persisted outcome of a completed step, keyed by
	// (run, step name). A memo exists iff the step returned a value, failed
	// terminally, or checkpointed a wake time.
	StepMemo struct {
		RunID       RunID           `json:"run_id"`
		StepName    StepName        `json:"step_name"`
		Attempt     int             `json:"attempt"`
		CompletedAt time.Time       `json:"completed_at"`
		Result      json.RawMessage `json:"result,omitempty"`
		Error       *Failure        `json:"error,omitempty"`
		WakeAt      time.Time       `json:"wake_at,omitempty"`
		EventID     EventID         `json:"event_id,omitempty"`
	}
)

const (
	RunCreated   RunStatus = "created"
	RunRunning   RunStatus = "running"
	RunSleeping  RunStatus = "sleeping"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status permits no further transitions
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCancelled
}
