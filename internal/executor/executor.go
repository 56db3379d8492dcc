// Package executor drives runbook executions: it schedules eligible steps
// against the dependency graph, retries failed attempts and aggregates the
// final execution status.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ronappleton/runbook-engine/internal/events"
	"github.com/ronappleton/runbook-engine/internal/metrics"
	"github.com/ronappleton/runbook-engine/internal/runbook"
	"github.com/ronappleton/runbook-engine/internal/store"
)

var (
	ErrNotFound          = runbook.ErrExecutionNotFound
	ErrExecutionFinished = errors.New("execution already finished")
	ErrNotRunning        = errors.New("execution is not running")
	ErrNotPaused         = errors.New("execution is not paused")
	ErrRunbookDisabled   = errors.New("runbook is disabled")
)

type Store interface {
	GetRunbookVersion(ctx context.Context, id string, version int) (runbook.Runbook, error)
	CreateExecution(ctx context.Context, e runbook.Execution) error
	UpdateExecution(ctx context.Context, e runbook.Execution) error
	UpdateStepExecution(ctx context.Context, executionID string, step runbook.StepExecution) error
	GetExecution(ctx context.Context, id string) (runbook.Execution, error)
	ListExecutions(ctx context.Context, f store.ExecutionFilter) ([]runbook.Execution, error)
}

type Config struct {
	MaxParallelSteps   int
	DefaultStepTimeout time.Duration
}

type Option func(*Executor)

func WithMetrics(m *metrics.Metrics) Option {
	return func(x *Executor) { x.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(x *Executor) { x.now = now }
}

type Executor struct {
	store   Store
	runner  ScriptRunner
	bus     events.Publisher
	log     *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	cfg     Config
	sem     *semaphore.Weighted
	now     func() time.Time

	mu     sync.Mutex
	active map[string]*run
	wg     sync.WaitGroup
}

// run is the live state of one execution. Every field is guarded by mu.
type run struct {
	mu       sync.Mutex
	rb       runbook.Runbook
	exec     runbook.Execution
	ctx      context.Context
	cancel   context.CancelFunc
	inflight int
	canceled bool
	finished bool
	done     chan struct{}
}

func New(st Store, runner ScriptRunner, bus events.Publisher, log *zap.Logger, cfg Config, opts ...Option) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxParallelSteps <= 0 {
		cfg.MaxParallelSteps = 8
	}
	x := &Executor{
		store:  st,
		runner: runner,
		bus:    bus,
		log:    log.Named("executor"),
		tracer: otel.Tracer("github.com/ronappleton/runbook-engine/internal/executor"),
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.MaxParallelSteps)),
		now:    func() time.Time { return time.Now().UTC() },
		active: map[string]*run{},
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// StartExecution validates rb, records a new execution and begins
// scheduling its entry points. It returns once the execution is Running.
func (x *Executor) StartExecution(ctx context.Context, rb runbook.Runbook, triggerInfo string) (runbook.Execution, error) {
	if err := rb.Check(); err != nil {
		return runbook.Execution{}, err
	}
	if !rb.IsEnabled {
		return runbook.Execution{}, fmt.Errorf("%w: %s", ErrRunbookDisabled, rb.ID)
	}
	exec := runbook.Execution{
		ID:             runbook.NewID("exec"),
		RunbookID:      rb.ID,
		RunbookVersion: rb.Version,
		Status:         runbook.ExecutionPending,
		StartedAt:      x.now(),
		TriggerInfo:    triggerInfo,
	}
	for _, st := range rb.Steps {
		exec.Steps = append(exec.Steps, runbook.StepExecution{
			StepID:   st.ID,
			StepName: st.Name,
			Status:   runbook.StepPending,
		})
	}
	if err := x.store.CreateExecution(ctx, exec); err != nil {
		return runbook.Execution{}, fmt.Errorf("persist execution: %w", err)
	}
	x.log.Info("execution started",
		zap.String("execution_id", exec.ID),
		zap.String("runbook_id", rb.ID),
		zap.Int("runbook_version", rb.Version))

	r := x.track(ctx, rb, exec)
	x.metrics.ExecutionStarted()

	r.mu.Lock()
	defer r.mu.Unlock()
	x.setStatusLocked(r, runbook.ExecutionRunning)
	x.scheduleLocked(r)
	return r.exec.Clone(), nil
}

// Get returns the live state of an execution scheduled by this process, or
// the stored state otherwise.
func (x *Executor) Get(ctx context.Context, id string) (runbook.Execution, error) {
	if r := x.lookup(id); r != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.exec.Clone(), nil
	}
	return x.store.GetExecution(ctx, id)
}

// Wait blocks until the execution is terminal or ctx ends.
func (x *Executor) Wait(ctx context.Context, id string) (runbook.Execution, error) {
	if r := x.lookup(id); r != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
			return runbook.Execution{}, ctx.Err()
		}
	}
	return x.store.GetExecution(ctx, id)
}

func (x *Executor) PauseExecution(ctx context.Context, id string) (runbook.Execution, error) {
	r, err := x.liveRun(ctx, id, ErrNotRunning)
	if err != nil {
		return runbook.Execution{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return runbook.Execution{}, ErrExecutionFinished
	}
	if r.exec.Status != runbook.ExecutionRunning || r.canceled {
		return runbook.Execution{}, ErrNotRunning
	}
	x.setStatusLocked(r, runbook.ExecutionPaused)
	x.log.Info("execution paused", zap.String("execution_id", id))
	return r.exec.Clone(), nil
}

func (x *Executor) ResumeExecution(ctx context.Context, id string) (runbook.Execution, error) {
	r, err := x.liveRun(ctx, id, ErrNotPaused)
	if err != nil {
		return runbook.Execution{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return runbook.Execution{}, ErrExecutionFinished
	}
	if r.exec.Status != runbook.ExecutionPaused {
		return runbook.Execution{}, ErrNotPaused
	}
	x.setStatusLocked(r, runbook.ExecutionRunning)
	x.log.Info("execution resumed", zap.String("execution_id", id))
	x.scheduleLocked(r)
	return r.exec.Clone(), nil
}

// CancelExecution stops scheduling new steps and cancels in-flight attempts.
// Steps that already finished keep their status.
func (x *Executor) CancelExecution(ctx context.Context, id string) (runbook.Execution, error) {
	r := x.lookup(id)
	if r == nil {
		return x.cancelOrphan(ctx, id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return runbook.Execution{}, ErrExecutionFinished
	}
	r.canceled = true
	r.cancel()
	for i := range r.exec.Steps {
		se := &r.exec.Steps[i]
		if se.Status == runbook.StepPending || se.Status == runbook.StepWaiting {
			x.finishStepLocked(r, se, runbook.StepCanceled, "execution canceled")
		}
	}
	x.log.Info("execution cancel requested", zap.String("execution_id", id), zap.Int("in_flight", r.inflight))
	x.scheduleLocked(r)
	return r.exec.Clone(), nil
}

// cancelOrphan settles a non-terminal execution that no live run owns, for
// example one left behind by a crashed process and not yet recovered.
func (x *Executor) cancelOrphan(ctx context.Context, id string) (runbook.Execution, error) {
	exec, err := x.store.GetExecution(ctx, id)
	if err != nil {
		return runbook.Execution{}, err
	}
	if exec.Status.Terminal() {
		return runbook.Execution{}, ErrExecutionFinished
	}
	now := x.now()
	for i := range exec.Steps {
		if !exec.Steps[i].Status.Terminal() {
			exec.Steps[i].Status = runbook.StepCanceled
			exec.Steps[i].EndedAt = &now
		}
	}
	prev := exec.Status
	exec.Status = runbook.ExecutionCanceled
	exec.EndedAt = &now
	if err := x.store.UpdateExecution(ctx, exec); err != nil {
		return runbook.Execution{}, err
	}
	x.publish(events.TopicExecutionStatusChanged, events.ExecutionStatusChanged{
		ExecutionID: exec.ID,
		RunbookID:   exec.RunbookID,
		Previous:    prev,
		Status:      exec.Status,
	})
	return exec, nil
}

// Recover resumes executions that were left non-terminal by a previous
// process. Steps caught mid-attempt go back to Pending and keep their
// attempt counter.
func (x *Executor) Recover(ctx context.Context) (int, error) {
	execs, err := x.store.ListExecutions(ctx, store.ExecutionFilter{
		Statuses: []runbook.ExecutionStatus{runbook.ExecutionPending, runbook.ExecutionRunning, runbook.ExecutionPaused},
	})
	if err != nil {
		return 0, fmt.Errorf("list unfinished executions: %w", err)
	}
	recovered := 0
	for _, exec := range execs {
		if x.lookup(exec.ID) != nil {
			continue
		}
		rb, err := x.store.GetRunbookVersion(ctx, exec.RunbookID, exec.RunbookVersion)
		if err != nil {
			x.log.Warn("cannot recover execution",
				zap.String("execution_id", exec.ID), zap.Error(err))
			x.abandon(ctx, exec, fmt.Sprintf("runbook %s version %d unavailable", exec.RunbookID, exec.RunbookVersion))
			continue
		}
		for _, st := range rb.Steps {
			if _, ok := exec.Step(st.ID); !ok {
				exec.Steps = append(exec.Steps, runbook.StepExecution{StepID: st.ID, StepName: st.Name, Status: runbook.StepPending})
			}
		}
		for i := range exec.Steps {
			if s := exec.Steps[i].Status; s == runbook.StepRunning || s == runbook.StepWaiting {
				exec.Steps[i].Status = runbook.StepPending
			}
		}
		if err := x.store.UpdateExecution(ctx, exec); err != nil {
			x.log.Warn("persist recovered execution", zap.String("execution_id", exec.ID), zap.Error(err))
		}

		r := x.track(ctx, rb, exec)
		x.metrics.ExecutionStarted()
		r.mu.Lock()
		if r.exec.Status == runbook.ExecutionPending {
			x.setStatusLocked(r, runbook.ExecutionRunning)
		}
		x.scheduleLocked(r)
		r.mu.Unlock()
		recovered++
		x.log.Info("execution recovered", zap.String("execution_id", exec.ID), zap.String("status", string(exec.Status)))
	}
	return recovered, nil
}

func (x *Executor) abandon(ctx context.Context, exec runbook.Execution, reason string) {
	now := x.now()
	prev := exec.Status
	exec.Status = runbook.ExecutionFailed
	exec.ErrorMessage = reason
	exec.EndedAt = &now
	if err := x.store.UpdateExecution(ctx, exec); err != nil {
		x.log.Warn("persist abandoned execution", zap.String("execution_id", exec.ID), zap.Error(err))
		return
	}
	x.publish(events.TopicExecutionStatusChanged, events.ExecutionStatusChanged{
		ExecutionID:  exec.ID,
		RunbookID:    exec.RunbookID,
		Previous:     prev,
		Status:       exec.Status,
		ErrorMessage: reason,
	})
}

// Shutdown waits for live executions to finish or ctx to end. Executions
// still running afterwards are picked up by Recover on the next start.
func (x *Executor) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		x.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (x *Executor) track(ctx context.Context, rb runbook.Runbook, exec runbook.Execution) *run {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{
		rb:     rb,
		exec:   exec.Clone(),
		ctx:    runCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	x.mu.Lock()
	x.active[exec.ID] = r
	x.wg.Add(1)
	x.mu.Unlock()
	return r
}

func (x *Executor) untrack(r *run) {
	x.mu.Lock()
	delete(x.active, r.exec.ID)
	x.mu.Unlock()
	x.wg.Done()
}

func (x *Executor) lookup(id string) *run {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.active[id]
}

func (x *Executor) liveRun(ctx context.Context, id string, notLive error) (*run, error) {
	if r := x.lookup(id); r != nil {
		return r, nil
	}
	exec, err := x.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec.Status.Terminal() {
		return nil, ErrExecutionFinished
	}
	return nil, notLive
}

// scheduleLocked evaluates every Pending step whose dependencies are
// terminal, skipping or dispatching it, until nothing else changes. It
// finishes the execution once no step is in flight and none can start.
func (x *Executor) scheduleLocked(r *run) {
	if r.finished {
		return
	}
	if r.exec.Status == runbook.ExecutionRunning && !r.canceled {
		for progressed := true; progressed; {
			progressed = false
			results := r.results()
			for _, st := range r.rb.Steps {
				se := r.step(st.ID)
				if se == nil || se.Status != runbook.StepPending || !settled(st, results) {
					continue
				}
				if !st.ShouldExecute(results) {
					x.finishStepLocked(r, se, runbook.StepSkipped, "")
					progressed = true
					continue
				}
				se.Status = runbook.StepWaiting
				x.persistStepLocked(r, se)
				r.inflight++
				go x.runStep(r, st)
			}
		}
	}
	if r.inflight > 0 {
		return
	}
	if r.canceled || r.exec.Status == runbook.ExecutionRunning || r.allTerminal() {
		x.finishLocked(r)
	}
}

func (x *Executor) finishLocked(r *run) {
	r.finished = true
	for i := range r.exec.Steps {
		se := &r.exec.Steps[i]
		if se.Status.Terminal() {
			continue
		}
		if r.canceled {
			x.finishStepLocked(r, se, runbook.StepCanceled, "execution canceled")
		} else {
			x.finishStepLocked(r, se, runbook.StepSkipped, "")
		}
	}
	status := runbook.ExecutionCanceled
	if !r.canceled {
		status, r.exec.ErrorMessage = aggregate(r.rb, r.exec)
	}
	x.setStatusLocked(r, status)
	x.metrics.ExecutionFinished(string(status))
	x.log.Info("execution finished",
		zap.String("execution_id", r.exec.ID),
		zap.String("runbook_id", r.exec.RunbookID),
		zap.String("status", string(status)))
	r.cancel()
	close(r.done)
	x.untrack(r)
}

// aggregate derives the terminal status of a naturally completed execution.
// A failed step counts as recovered when a direct dependent gated on
// OnFailure, Always or an expression went on to succeed.
func aggregate(rb runbook.Runbook, exec runbook.Execution) (runbook.ExecutionStatus, string) {
	statuses := make(map[string]runbook.StepStatus, len(exec.Steps))
	for _, se := range exec.Steps {
		statuses[se.StepID] = se.Status
	}
	var failed, unrecovered []string
	for _, se := range exec.Steps {
		if se.Status != runbook.StepFailed {
			continue
		}
		failed = append(failed, se.StepID)
		if !recovered(rb, se.StepID, statuses) {
			msg := fmt.Sprintf("step %q failed", se.StepID)
			if se.ErrorMessage != "" {
				msg += ": " + se.ErrorMessage
			}
			unrecovered = append(unrecovered, msg)
		}
	}
	switch {
	case len(failed) == 0:
		return runbook.ExecutionSucceeded, ""
	case len(unrecovered) > 0:
		return runbook.ExecutionFailed, strings.Join(unrecovered, "; ")
	default:
		return runbook.ExecutionPartialSuccess, ""
	}
}

func recovered(rb runbook.Runbook, stepID string, statuses map[string]runbook.StepStatus) bool {
	for _, d := range rb.Dependents(stepID) {
		switch d.Condition.Kind {
		case runbook.ConditionOnFailure, runbook.ConditionAlways, runbook.ConditionExpression:
			if statuses[d.ID] == runbook.StepSucceeded {
				return true
			}
		}
	}
	return false
}

func settled(st runbook.Step, results map[string]runbook.StepStatus) bool {
	for _, dep := range st.DependsOn {
		if !results[dep].Terminal() {
			return false
		}
	}
	return true
}

func (x *Executor) runStep(r *run, st runbook.Step) {
	defer func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if p := recover(); p != nil {
			x.log.Error("step goroutine panic",
				zap.String("execution_id", r.exec.ID), zap.String("step_id", st.ID), zap.Any("panic", p))
			if se := r.step(st.ID); se != nil && !se.Status.Terminal() {
				x.finishStepLocked(r, se, runbook.StepFailed, fmt.Sprintf("internal error: %v", p))
			}
		}
		r.inflight--
		x.scheduleLocked(r)
	}()

	if err := x.sem.Acquire(r.ctx, 1); err != nil {
		r.mu.Lock()
		if se := r.step(st.ID); !se.Status.Terminal() {
			x.finishStepLocked(r, se, runbook.StepCanceled, "execution canceled")
		}
		r.mu.Unlock()
		return
	}
	defer x.sem.Release(1)

	maxAttempts := st.Attempts()
	for {
		r.mu.Lock()
		se := r.step(st.ID)
		if se.Status.Terminal() {
			r.mu.Unlock()
			return
		}
		if r.ctx.Err() != nil {
			x.finishStepLocked(r, se, runbook.StepCanceled, "execution canceled")
			r.mu.Unlock()
			return
		}
		if r.exec.Status == runbook.ExecutionPaused {
			// back to Pending; ResumeExecution dispatches it again
			se.Status = runbook.StepPending
			x.persistStepLocked(r, se)
			r.mu.Unlock()
			return
		}
		se.Attempt++
		attempt := se.Attempt
		se.Status = runbook.StepRunning
		if se.StartedAt == nil {
			now := x.now()
			se.StartedAt = &now
		}
		x.persistStepLocked(r, se)
		execID := r.exec.ID
		r.mu.Unlock()

		res, err := x.attempt(r.ctx, execID, st, attempt)

		r.mu.Lock()
		se = r.step(st.ID)
		if se.Status.Terminal() {
			r.mu.Unlock()
			return
		}
		se.ScriptRunID = res.RunID
		se.Output = res.Output
		switch {
		case err == nil:
			se.ErrorMessage = ""
			x.finishStepLocked(r, se, runbook.StepSucceeded, "")
			r.mu.Unlock()
			return
		case r.ctx.Err() != nil:
			x.finishStepLocked(r, se, runbook.StepCanceled, "execution canceled")
			r.mu.Unlock()
			return
		case attempt >= maxAttempts:
			x.finishStepLocked(r, se, runbook.StepFailed, err.Error())
			r.mu.Unlock()
			return
		}
		se.Status = runbook.StepWaiting
		se.ErrorMessage = err.Error()
		x.persistStepLocked(r, se)
		r.mu.Unlock()

		delay := st.Retry.Delay(attempt)
		x.log.Debug("retrying step",
			zap.String("execution_id", execID),
			zap.String("step_id", st.ID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		sleep(r.ctx, delay)
	}
}

func (x *Executor) attempt(ctx context.Context, execID string, st runbook.Step, n int) (res ScriptResult, err error) {
	timeout := st.Timeout.Std()
	if timeout <= 0 {
		timeout = x.cfg.DefaultStepTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ctx, span := x.tracer.Start(ctx, "runbook.step", trace.WithAttributes(
		attribute.String("execution_id", execID),
		attribute.String("step_id", st.ID),
		attribute.Int("attempt", n),
	))
	defer span.End()

	start := time.Now()
	res, err = x.safeRun(ctx, ScriptRequest{
		ExecutionID: execID,
		StepID:      st.ID,
		ThingID:     st.ThingID,
		ProfileID:   st.ProfileID,
		Arguments:   st.Arguments,
		Attempt:     n,
	})
	if err == nil && res.ExitCode != 0 {
		err = fmt.Errorf("script exited with code %d", res.ExitCode)
	}
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("attempt timed out after %s: %w", timeout, err)
	}

	outcome := "succeeded"
	if err != nil {
		outcome = "failed"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	x.metrics.StepAttempt(outcome, time.Since(start))
	return res, err
}

func (x *Executor) safeRun(ctx context.Context, req ScriptRequest) (res ScriptResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("script runner panic: %v", p)
		}
	}()
	return x.runner.Run(ctx, req)
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func (x *Executor) finishStepLocked(r *run, se *runbook.StepExecution, status runbook.StepStatus, msg string) {
	now := x.now()
	se.Status = status
	se.EndedAt = &now
	if msg != "" {
		se.ErrorMessage = msg
	}
	x.persistStepLocked(r, se)
	x.publish(events.TopicStepCompleted, events.StepCompleted{
		ExecutionID: r.exec.ID,
		RunbookID:   r.exec.RunbookID,
		Step:        *se,
	})
}

func (x *Executor) setStatusLocked(r *run, status runbook.ExecutionStatus) {
	prev := r.exec.Status
	if prev == status {
		return
	}
	r.exec.Status = status
	if status.Terminal() {
		now := x.now()
		r.exec.EndedAt = &now
	}
	ctx, cancel := persistCtx()
	defer cancel()
	if err := x.store.UpdateExecution(ctx, r.exec.Clone()); err != nil {
		x.log.Warn("persist execution status", zap.String("execution_id", r.exec.ID), zap.Error(err))
	}
	x.publish(events.TopicExecutionStatusChanged, events.ExecutionStatusChanged{
		ExecutionID:  r.exec.ID,
		RunbookID:    r.exec.RunbookID,
		Previous:     prev,
		Status:       status,
		ErrorMessage: r.exec.ErrorMessage,
	})
}

func (x *Executor) persistStepLocked(r *run, se *runbook.StepExecution) {
	ctx, cancel := persistCtx()
	defer cancel()
	if err := x.store.UpdateStepExecution(ctx, r.exec.ID, *se); err != nil {
		x.log.Warn("persist step status",
			zap.String("execution_id", r.exec.ID), zap.String("step_id", se.StepID), zap.Error(err))
	}
}

func (x *Executor) publish(topic string, payload any) {
	if x.bus == nil {
		return
	}
	if err := x.bus.Publish(context.Background(), topic, payload); err != nil {
		x.log.Warn("publish event", zap.String("topic", topic), zap.Error(err))
	}
}

// Store writes outlive the execution context so cancellation is recorded.
func persistCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

func (r *run) step(id string) *runbook.StepExecution {
	for i := range r.exec.Steps {
		if r.exec.Steps[i].StepID == id {
			return &r.exec.Steps[i]
		}
	}
	return nil
}

func (r *run) results() map[string]runbook.StepStatus {
	out := make(map[string]runbook.StepStatus, len(r.exec.Steps))
	for _, se := range r.exec.Steps {
		out[se.StepID] = se.Status
	}
	return out
}

func (r *run) allTerminal() bool {
	for _, se := range r.exec.Steps {
		if !se.Status.Terminal() {
			return false
		}
	}
	return true
}
