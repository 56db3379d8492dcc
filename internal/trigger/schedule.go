package trigger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ronappleton/runbook-engine/internal/runbook"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler fires schedule-triggered runbooks from cron expressions. A
// timezone is applied through the CRON_TZ prefix.
type Scheduler struct {
	runbooks RunbookSource
	starter  Starter
	log      *zap.Logger
	cron     *cron.Cron
	parser   cron.Parser

	mu      sync.Mutex
	entries map[string]scheduled
}

type scheduled struct {
	id   cron.EntryID
	spec string
}

func NewScheduler(runbooks RunbookSource, starter Starter, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	parser := cronParser
	return &Scheduler{
		runbooks: runbooks,
		starter:  starter,
		log:      log.Named("scheduler"),
		cron:     cron.New(cron.WithParser(parser)),
		parser:   parser,
		entries:  map[string]scheduled{},
	}
}

// Spec builds the cron spec for a schedule trigger.
func Spec(t runbook.ScheduleTrigger) (string, error) {
	expr := strings.TrimSpace(t.Cron)
	if expr == "" {
		return "", fmt.Errorf("cron expression is empty")
	}
	if tz := strings.TrimSpace(t.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return "", fmt.Errorf("unknown timezone %q: %w", tz, err)
		}
		expr = "CRON_TZ=" + tz + " " + expr
	}
	return expr, nil
}

// ValidateSchedule reports whether t would be accepted by Register.
func ValidateSchedule(t runbook.ScheduleTrigger) error {
	spec, err := Spec(t)
	if err != nil {
		return err
	}
	if _, err := cronParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid cron %q: %w", t.Cron, err)
	}
	return nil
}

// Register schedules rb, replacing any previous entry. Runbooks without a
// schedule trigger, or disabled ones, are unscheduled.
func (s *Scheduler) Register(rb runbook.Runbook) error {
	if !triggerOf(rb, runbook.TriggerSchedule) || rb.Trigger.Schedule == nil || !rb.IsEnabled {
		s.Remove(rb.ID)
		return nil
	}
	spec, err := Spec(*rb.Trigger.Schedule)
	if err != nil {
		return fmt.Errorf("runbook %s: %w", rb.ID, err)
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("runbook %s: invalid cron %q: %w", rb.ID, rb.Trigger.Schedule.Cron, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.entries[rb.ID]; ok {
		if prev.spec == spec {
			return nil
		}
		s.cron.Remove(prev.id)
	}
	runbookID := rb.ID
	id, err := s.cron.AddFunc(spec, func() { s.fire(runbookID, spec) })
	if err != nil {
		return fmt.Errorf("runbook %s: %w", rb.ID, err)
	}
	s.entries[rb.ID] = scheduled{id: id, spec: spec}
	s.log.Info("runbook scheduled", zap.String("runbook_id", rb.ID), zap.String("spec", spec))
	return nil
}

func (s *Scheduler) Remove(runbookID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.entries[runbookID]; ok {
		s.cron.Remove(prev.id)
		delete(s.entries, runbookID)
	}
}

// Next reports the next activation time of a scheduled runbook.
func (s *Scheduler) Next(runbookID string) (time.Time, bool) {
	s.mu.Lock()
	e, ok := s.entries[runbookID]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	entry := s.cron.Entry(e.id)
	if entry.Next.IsZero() && entry.Schedule != nil {
		// not started yet
		return entry.Schedule.Next(time.Now()), true
	}
	return entry.Next, !entry.Next.IsZero()
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the scheduler and waits for running jobs to return or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) fire(runbookID, spec string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	rb, err := s.runbooks.GetRunbook(ctx, runbookID)
	if err != nil {
		s.log.Warn("scheduled runbook unavailable", zap.String("runbook_id", runbookID), zap.Error(err))
		return
	}
	if !rb.IsEnabled {
		return
	}
	exec, err := s.starter.StartExecution(ctx, rb, "schedule: "+spec)
	if err != nil {
		s.log.Error("scheduled start failed", zap.String("runbook_id", runbookID), zap.Error(err))
		return
	}
	s.log.Info("scheduled execution started", zap.String("runbook_id", runbookID), zap.String("execution_id", exec.ID))
}
