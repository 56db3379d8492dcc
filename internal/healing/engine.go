package healing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ronappleton/runbook-engine/internal/events"
	"github.com/ronappleton/runbook-engine/internal/metrics"
	"github.com/ronappleton/runbook-engine/internal/runbook"
)

type Store interface {
	UsageSource

	GetRunbook(ctx context.Context, id string) (runbook.Runbook, error)
	GetExecution(ctx context.Context, id string) (runbook.Execution, error)

	CreateRule(ctx context.Context, r Rule) error
	UpdateRule(ctx context.Context, r Rule) error
	DeleteRule(ctx context.Context, id string) error
	GetRule(ctx context.Context, id string) (Rule, error)
	ListRules(ctx context.Context, enabledOnly bool) ([]Rule, error)

	CreateHealingExecution(ctx context.Context, e Execution) error
	UpdateHealingExecution(ctx context.Context, e Execution) error
	GetHealingExecution(ctx context.Context, id string) (Execution, error)
	ListHealingExecutions(ctx context.Context, f ExecutionFilter) ([]Execution, error)
}

// Starter launches remediation runbooks.
type Starter interface {
	StartExecution(ctx context.Context, rb runbook.Runbook, triggerInfo string) (runbook.Execution, error)
}

type Bus interface {
	events.Publisher
	Subscribe(ctx context.Context, topic string) (<-chan events.Envelope, func(), error)
}

// Triggered is published when a remediation runbook starts for a rule.
type Triggered struct {
	Execution Execution `json:"execution"`
	Rule      Rule      `json:"rule"`
	Alert     *Alert    `json:"alert,omitempty"`
}

type ApprovalRequired struct {
	Execution Execution `json:"execution"`
	Rule      Rule      `json:"rule"`
	Alert     *Alert    `json:"alert,omitempty"`
}

type Completed struct {
	Execution         Execution               `json:"execution"`
	RemediationStatus runbook.ExecutionStatus `json:"remediation_status,omitempty"`
	ErrorMessage      string                  `json:"error_message,omitempty"`
}

type Config struct {
	LimitsSource string
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine turns fired alerts into remediation runs under each rule's rate
// limit, cooldown and approval policy.
type Engine struct {
	store   Store
	starter Starter
	bus     Bus
	limits  *Limiter
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	pending map[string]map[string]struct{} // rule id -> executions awaiting approval
	links   map[string]string              // remediation execution id -> healing execution id

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewEngine(st Store, starter Starter, bus Bus, log *zap.Logger, cfg Config, opts ...Option) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	var usage UsageSource
	if cfg.LimitsSource == LimitsStore {
		usage = st
	}
	e := &Engine{
		store:   st,
		starter: starter,
		bus:     bus,
		limits:  NewLimiter(usage),
		log:     log.Named("healing"),
		now:     func() time.Time { return time.Now().UTC() },
		pending: map[string]map[string]struct{}{},
		links:   map[string]string{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start restores approval and completion tracking from the store and
// subscribes to alert and execution status events.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.restore(ctx); err != nil {
		return err
	}
	if e.bus == nil {
		return nil
	}
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel

	fired, _, err := e.bus.Subscribe(subCtx, events.TopicAlertFired)
	if err != nil {
		cancel()
		return err
	}
	resolved, _, err := e.bus.Subscribe(subCtx, events.TopicAlertResolved)
	if err != nil {
		cancel()
		return err
	}
	status, _, err := e.bus.Subscribe(subCtx, events.TopicExecutionStatusChanged)
	if err != nil {
		cancel()
		return err
	}

	e.wg.Add(3)
	go e.consume(subCtx, fired, func(ctx context.Context, env events.Envelope) {
		ev, err := events.Decode[AlertFired](env)
		if err != nil {
			e.log.Warn("bad alert event", zap.Error(err))
			return
		}
		e.async(ctx, func(ctx context.Context) { _, _ = e.HandleAlertFired(ctx, ev) })
	})
	go e.consume(subCtx, resolved, func(ctx context.Context, env events.Envelope) {
		ev, err := events.Decode[AlertResolved](env)
		if err != nil {
			e.log.Warn("bad alert event", zap.Error(err))
			return
		}
		e.async(ctx, func(ctx context.Context) { _, _ = e.HandleAlertResolved(ctx, ev) })
	})
	go e.consume(subCtx, status, func(ctx context.Context, env events.Envelope) {
		ev, err := events.Decode[events.ExecutionStatusChanged](env)
		if err != nil {
			e.log.Warn("bad status event", zap.Error(err))
			return
		}
		if ev.Status.Terminal() {
			e.complete(ctx, ev.ExecutionID, ev.Status, ev.ErrorMessage)
		}
	})
	return nil
}

func (e *Engine) Stop(ctx context.Context) error {
	if e.cancel != nil {
		e.cancel()
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) consume(ctx context.Context, ch <-chan events.Envelope, handle func(context.Context, events.Envelope)) {
	defer e.wg.Done()
	for env := range ch {
		e.guard("event handler", func() { handle(ctx, env) })
	}
}

// async runs fn off the event pipeline so a slow rule cannot stall alert
// delivery.
func (e *Engine) async(ctx context.Context, fn func(context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.guard("alert handler", func() { fn(ctx) })
	}()
}

func (e *Engine) guard(what string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			e.log.Error("recovered panic", zap.String("in", what), zap.Any("panic", p))
		}
	}()
	fn()
}

func (e *Engine) restore(ctx context.Context) error {
	awaiting, err := e.store.ListHealingExecutions(ctx, ExecutionFilter{Status: StatusAwaitingApproval})
	if err != nil {
		return fmt.Errorf("list pending approvals: %w", err)
	}
	for _, he := range awaiting {
		e.addPending(he)
	}
	running, err := e.store.ListHealingExecutions(ctx, ExecutionFilter{Status: StatusRunning})
	if err != nil {
		return fmt.Errorf("list running remediations: %w", err)
	}
	for _, he := range running {
		if he.RemediationExecutionID == "" {
			continue
		}
		e.link(he.RemediationExecutionID, he.ID)
		e.catchUp(ctx, he.RemediationExecutionID)
	}
	return nil
}

func (e *Engine) CreateRule(ctx context.Context, r Rule) (Rule, error) {
	if r.ID == "" {
		r.ID = runbook.NewID("rule")
	}
	if err := e.validateRule(ctx, r); err != nil {
		return Rule{}, err
	}
	now := e.now()
	r.CreatedAt, r.UpdatedAt = now, now
	if err := e.store.CreateRule(ctx, r); err != nil {
		return Rule{}, err
	}
	e.log.Info("rule created", zap.String("rule_id", r.ID), zap.String("runbook_id", r.RunbookID))
	return r, nil
}

func (e *Engine) UpdateRule(ctx context.Context, r Rule) (Rule, error) {
	prev, err := e.store.GetRule(ctx, r.ID)
	if err != nil {
		return Rule{}, err
	}
	if err := e.validateRule(ctx, r); err != nil {
		return Rule{}, err
	}
	r.CreatedAt = prev.CreatedAt
	r.UpdatedAt = e.now()
	if err := e.store.UpdateRule(ctx, r); err != nil {
		return Rule{}, err
	}
	return r, nil
}

func (e *Engine) DeleteRule(ctx context.Context, id string) error {
	if err := e.store.DeleteRule(ctx, id); err != nil {
		return err
	}
	e.limits.Forget(id)
	e.log.Info("rule deleted", zap.String("rule_id", id))
	return nil
}

func (e *Engine) GetRule(ctx context.Context, id string) (Rule, error) {
	return e.store.GetRule(ctx, id)
}

func (e *Engine) ListRules(ctx context.Context) ([]Rule, error) {
	return e.store.ListRules(ctx, false)
}

func (e *Engine) GetExecution(ctx context.Context, id string) (Execution, error) {
	return e.store.GetHealingExecution(ctx, id)
}

func (e *Engine) ListExecutions(ctx context.Context, f ExecutionFilter) ([]Execution, error) {
	return e.store.ListHealingExecutions(ctx, f)
}

func (e *Engine) validateRule(ctx context.Context, r Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if _, err := e.store.GetRunbook(ctx, r.RunbookID); err != nil {
		if errors.Is(err, runbook.ErrRunbookNotFound) {
			return &runbook.ValidationError{Problems: []string{fmt.Sprintf("remediation runbook %q does not exist", r.RunbookID)}}
		}
		return err
	}
	return nil
}

// HandleAlertFired evaluates every enabled rule against the alert and
// returns the executions it created. Rules that are rate limited, cooling
// down or failing are logged and skipped.
func (e *Engine) HandleAlertFired(ctx context.Context, fired AlertFired) ([]Execution, error) {
	rules, err := e.store.ListRules(ctx, true)
	if err != nil {
		e.log.Error("list rules", zap.Error(err))
		return nil, err
	}
	var out []Execution
	for _, rule := range rules {
		if !e.matches(rule, fired) {
			continue
		}
		alert := fired.Alert
		he, err := e.trigger(ctx, rule, &alert)
		switch {
		case errors.Is(err, ErrRateLimited), errors.Is(err, ErrCoolingDown):
			e.log.Info("rule suppressed", zap.String("rule_id", rule.ID), zap.String("alert_id", alert.ID), zap.Error(err))
			continue
		case err != nil:
			e.log.Error("rule trigger failed", zap.String("rule_id", rule.ID), zap.String("alert_id", alert.ID), zap.Error(err))
			continue
		}
		out = append(out, he)
	}
	return out, nil
}

func (e *Engine) matches(rule Rule, fired AlertFired) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			e.log.Error("matcher panic", zap.String("rule_id", rule.ID), zap.Any("panic", p))
			ok = false
		}
	}()
	return Matches(rule.TriggerCondition, fired)
}

// HandleAlertResolved skips executions still waiting for approval on the
// resolved alert.
func (e *Engine) HandleAlertResolved(ctx context.Context, resolved AlertResolved) (int, error) {
	waiting, err := e.store.ListHealingExecutions(ctx, ExecutionFilter{AlertID: resolved.Alert.ID, Status: StatusAwaitingApproval})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, he := range waiting {
		if !e.takePending(he) {
			continue
		}
		if _, err := e.finish(ctx, he, StatusSkipped, "Alert resolved before approval", ""); err != nil {
			e.log.Warn("skip on resolve", zap.String("execution_id", he.ID), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}

// TriggerManually runs a rule without evaluating its trigger condition. The
// rate limit, cooldown and approval policy still apply.
func (e *Engine) TriggerManually(ctx context.Context, ruleID string) (Execution, error) {
	rule, err := e.store.GetRule(ctx, ruleID)
	if err != nil {
		return Execution{}, err
	}
	return e.trigger(ctx, rule, nil)
}

func (e *Engine) Approve(ctx context.Context, id string) (Execution, error) {
	he, err := e.store.GetHealingExecution(ctx, id)
	if err != nil {
		return Execution{}, err
	}
	if he.Status != StatusAwaitingApproval || !e.takePending(he) {
		return Execution{}, ErrNotAwaitingApproval
	}
	rule, err := e.store.GetRule(ctx, he.RuleID)
	if err != nil {
		return e.finish(ctx, he, StatusFailed, "rule no longer exists", "")
	}
	e.log.Info("execution approved", zap.String("execution_id", id), zap.String("rule_id", rule.ID))
	return e.startRemediation(ctx, rule, he, alertFor(he))
}

func (e *Engine) Reject(ctx context.Context, id string) (Execution, error) {
	he, err := e.store.GetHealingExecution(ctx, id)
	if err != nil {
		return Execution{}, err
	}
	if he.Status != StatusAwaitingApproval || !e.takePending(he) {
		return Execution{}, ErrNotAwaitingApproval
	}
	e.log.Info("execution rejected", zap.String("execution_id", id), zap.String("rule_id", he.RuleID))
	return e.finish(ctx, he, StatusSkipped, "Rejected by user", "")
}

func (e *Engine) trigger(ctx context.Context, rule Rule, alert *Alert) (Execution, error) {
	now := e.now()
	release, err := e.limits.Acquire(ctx, rule, now)
	if err != nil {
		e.metrics.HealingDecision(decision(err))
		return Execution{}, err
	}
	he := Execution{
		ID:        runbook.NewID("heal"),
		RuleID:    rule.ID,
		Status:    StatusPending,
		StartedAt: now,
	}
	if alert != nil {
		he.AlertID = alert.ID
	}
	if rule.RequiresApproval {
		he.Status = StatusAwaitingApproval
	}
	err = e.store.CreateHealingExecution(ctx, he)
	release(err == nil)
	if err != nil {
		return Execution{}, fmt.Errorf("record execution: %w", err)
	}

	if rule.RequiresApproval {
		e.addPending(he)
		e.metrics.HealingDecision("awaiting_approval")
		e.log.Info("remediation awaiting approval",
			zap.String("execution_id", he.ID), zap.String("rule_id", rule.ID))
		e.publish(events.TopicApprovalRequired, ApprovalRequired{Execution: he, Rule: rule, Alert: alert})
		return he, nil
	}
	return e.startRemediation(ctx, rule, he, alert)
}

func decision(err error) string {
	switch {
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrCoolingDown):
		return "cooling_down"
	default:
		return "error"
	}
}

// startRemediation launches the rule's runbook. A start failure is recorded
// on the execution rather than returned.
func (e *Engine) startRemediation(ctx context.Context, rule Rule, he Execution, alert *Alert) (Execution, error) {
	rb, err := e.store.GetRunbook(ctx, rule.RunbookID)
	var exec runbook.Execution
	if err == nil {
		exec, err = e.starter.StartExecution(ctx, rb, fmt.Sprintf("self-healing rule %s (%s)", rule.Name, he.ID))
	}
	if err != nil {
		e.metrics.HealingDecision("start_failed")
		e.log.Error("remediation start failed",
			zap.String("execution_id", he.ID), zap.String("rule_id", rule.ID), zap.Error(err))
		return e.finish(ctx, he, StatusFailed, "failed to start remediation: "+err.Error(), err.Error())
	}

	he.Status = StatusRunning
	he.RemediationExecutionID = exec.ID
	if err := e.store.UpdateHealingExecution(ctx, he); err != nil {
		e.log.Warn("persist running remediation", zap.String("execution_id", he.ID), zap.Error(err))
	}
	e.metrics.HealingDecision("started")
	e.log.Info("remediation started",
		zap.String("execution_id", he.ID),
		zap.String("rule_id", rule.ID),
		zap.String("remediation_execution_id", exec.ID))
	e.publish(events.TopicHealingTriggered, Triggered{Execution: he, Rule: rule, Alert: alert})

	e.link(exec.ID, he.ID)
	e.catchUp(ctx, exec.ID)
	return he, nil
}

// alertFor rebuilds the alert reference of a queued execution.
func alertFor(he Execution) *Alert {
	if he.AlertID == "" {
		return nil
	}
	return &Alert{ID: he.AlertID}
}

// catchUp completes a linked execution that finished before the link was
// recorded.
func (e *Engine) catchUp(ctx context.Context, remediationID string) {
	cur, err := e.store.GetExecution(ctx, remediationID)
	if err != nil {
		if !errors.Is(err, runbook.ErrExecutionNotFound) {
			e.log.Warn("check remediation status", zap.String("remediation_execution_id", remediationID), zap.Error(err))
		}
		return
	}
	if cur.Status.Terminal() {
		e.complete(ctx, remediationID, cur.Status, cur.ErrorMessage)
	}
}

func (e *Engine) complete(ctx context.Context, remediationID string, status runbook.ExecutionStatus, msg string) {
	e.mu.Lock()
	id, ok := e.links[remediationID]
	delete(e.links, remediationID)
	e.mu.Unlock()
	if !ok {
		return
	}
	he, err := e.store.GetHealingExecution(ctx, id)
	if err != nil {
		e.log.Warn("load healing execution", zap.String("execution_id", id), zap.Error(err))
		return
	}
	final := StatusFailed
	if status == runbook.ExecutionSucceeded || status == runbook.ExecutionPartialSuccess {
		final = StatusSucceeded
	}
	result := fmt.Sprintf("remediation %s finished %s", remediationID, status)
	if msg != "" {
		result += ": " + msg
	}
	if _, err := e.finishWith(ctx, he, final, result, status, msg); err != nil {
		e.log.Warn("record remediation outcome", zap.String("execution_id", id), zap.Error(err))
	}
}

func (e *Engine) finish(ctx context.Context, he Execution, status ExecutionStatus, result, errMsg string) (Execution, error) {
	return e.finishWith(ctx, he, status, result, "", errMsg)
}

func (e *Engine) finishWith(ctx context.Context, he Execution, status ExecutionStatus, result string, remediation runbook.ExecutionStatus, errMsg string) (Execution, error) {
	now := e.now()
	he.Status = status
	he.Result = result
	he.CompletedAt = &now
	if err := e.store.UpdateHealingExecution(ctx, he); err != nil {
		return he, err
	}
	e.log.Info("healing execution finished",
		zap.String("execution_id", he.ID),
		zap.String("rule_id", he.RuleID),
		zap.String("status", string(status)))
	e.publish(events.TopicHealingCompleted, Completed{Execution: he, RemediationStatus: remediation, ErrorMessage: errMsg})
	return he, nil
}

func (e *Engine) addPending(he Execution) {
	e.mu.Lock()
	defer e.mu.Unlock()
	set, ok := e.pending[he.RuleID]
	if !ok {
		set = map[string]struct{}{}
		e.pending[he.RuleID] = set
	}
	set[he.ID] = struct{}{}
}

// takePending removes he from the approval queue and reports whether it was
// there, so only one decision wins.
func (e *Engine) takePending(he Execution) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	set := e.pending[he.RuleID]
	if _, ok := set[he.ID]; !ok {
		return false
	}
	delete(set, he.ID)
	if len(set) == 0 {
		delete(e.pending, he.RuleID)
	}
	return true
}

// Pending lists execution ids awaiting approval for a rule.
func (e *Engine) Pending(ruleID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.pending[ruleID]))
	for id := range e.pending[ruleID] {
		out = append(out, id)
	}
	return out
}

func (e *Engine) link(remediationID, healingID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.links[remediationID] = healingID
}

func (e *Engine) publish(topic string, payload any) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(context.Background(), topic, payload); err != nil {
		e.log.Warn("publish event", zap.String("topic", topic), zap.Error(err))
	}
}
