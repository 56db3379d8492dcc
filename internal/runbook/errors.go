package runbook

import "errors"

var (
	ErrRunbookNotFound   = errors.New("runbook not found")
	ErrExecutionNotFound = errors.New("runbook execution not found")
)
