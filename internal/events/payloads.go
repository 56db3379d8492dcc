package events

import "github.com/ronappleton/runbook-engine/internal/runbook"

// StepCompleted is published when a step reaches a terminal status.
type StepCompleted struct {
	ExecutionID string                `json:"execution_id"`
	RunbookID   string                `json:"runbook_id"`
	Step        runbook.StepExecution `json:"step"`
}

// ExecutionStatusChanged is published on every execution status transition.
type ExecutionStatusChanged struct {
	ExecutionID  string                  `json:"execution_id"`
	RunbookID    string                  `json:"runbook_id"`
	Previous     runbook.ExecutionStatus `json:"previous"`
	Status       runbook.ExecutionStatus `json:"status"`
	ErrorMessage string                  `json:"error_message,omitempty"`
}
