// Package trigger holds the adapters that turn manual requests, cron
// schedules, signed webhooks and file changes into runbook executions.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ronappleton/runbook-engine/internal/runbook"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrForbiddenSource  = errors.New("webhook source address not allowed")
	ErrRateLimited      = errors.New("webhook rate limit exceeded")
	ErrNotTriggerable   = errors.New("runbook has no matching trigger")
)

// Starter is the single entry point every adapter funnels into.
type Starter interface {
	StartExecution(ctx context.Context, rb runbook.Runbook, triggerInfo string) (runbook.Execution, error)
}

type RunbookSource interface {
	GetRunbook(ctx context.Context, id string) (runbook.Runbook, error)
}

// Manual starts executions on explicit request.
type Manual struct {
	runbooks RunbookSource
	starter  Starter
}

func NewManual(runbooks RunbookSource, starter Starter) *Manual {
	return &Manual{runbooks: runbooks, starter: starter}
}

func (m *Manual) Trigger(ctx context.Context, runbookID, actor string) (runbook.Execution, error) {
	rb, err := m.runbooks.GetRunbook(ctx, runbookID)
	if err != nil {
		return runbook.Execution{}, err
	}
	info := "manual"
	if actor = strings.TrimSpace(actor); actor != "" {
		info = fmt.Sprintf("manual by %s", actor)
	}
	return m.starter.StartExecution(ctx, rb, info)
}

func triggerOf(rb runbook.Runbook, kind runbook.TriggerKind) bool {
	return rb.Trigger != nil && rb.Trigger.Kind == kind
}
