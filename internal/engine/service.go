package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ronappleton/runbook-engine/internal/config"
	"github.com/ronappleton/runbook-engine/internal/events"
	"github.com/ronappleton/runbook-engine/internal/executor"
	"github.com/ronappleton/runbook-engine/internal/healing"
	"github.com/ronappleton/runbook-engine/internal/metrics"
	"github.com/ronappleton/runbook-engine/internal/runbook"
	"github.com/ronappleton/runbook-engine/internal/store"
	"github.com/ronappleton/runbook-engine/internal/trigger"
)

var (
	ErrRunbookExists   = errors.New("runbook already exists")
	ErrHealingDisabled = errors.New("self-healing is disabled")
)

// Service composes storage, the executor, the trigger adapters and the
// self-healing engine behind one API.
type Service struct {
	cfg     config.Config
	log     *zap.Logger
	store   store.Store
	bus     *events.Bus
	metrics *metrics.Metrics

	executor  *executor.Executor
	healing   *healing.Engine
	manual    *trigger.Manual
	webhook   *trigger.Webhook
	scheduler *trigger.Scheduler
	files     *trigger.FileWatcher
	forwarder *events.Forwarder

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewService builds the service from configuration: Postgres when a DSN is
// set, memory otherwise, and the HTTP script host runner.
func NewService(cfg config.Config, log *zap.Logger, m *metrics.Metrics) (*Service, error) {
	var st store.Store = store.NewMemoryStore()
	if dsn := strings.TrimSpace(cfg.Database.DSN); dsn != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		pg, err := store.NewPGStore(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		st = pg
		log.Info("using postgres store")
	} else {
		log.Warn("no database dsn configured, state is kept in memory")
	}
	runner := executor.NewHTTPRunner(cfg.ScriptHost.BaseURL, cfg.ScriptHost.APIKey, config.Duration(cfg.ScriptHost.Timeout, 10*time.Minute))
	return New(cfg, log, m, st, runner)
}

// New builds the service over an explicit store and script runner.
func New(cfg config.Config, log *zap.Logger, m *metrics.Metrics, st store.Store, runner executor.ScriptRunner) (*Service, error) {
	if log == nil {
		log = zap.NewNop()
	}
	bus := events.NewBus(log, 0)
	exec := executor.New(st, runner, bus, log, executor.Config{
		MaxParallelSteps:   cfg.Executor.MaxParallelSteps,
		DefaultStepTimeout: config.Duration(cfg.Executor.DefaultStepTimeout, 0),
	}, executor.WithMetrics(m))

	files, err := trigger.NewFileWatcher(st, exec, log)
	if err != nil {
		_ = bus.Close()
		return nil, fmt.Errorf("file watcher: %w", err)
	}

	s := &Service{
		cfg:       cfg,
		log:       log.Named("engine"),
		store:     st,
		bus:       bus,
		metrics:   m,
		executor:  exec,
		manual:    trigger.NewManual(st, exec),
		scheduler: trigger.NewScheduler(st, exec, log),
		files:     files,
		webhook: trigger.NewWebhook(st, exec, trigger.WebhookConfig{
			SignatureHeader: cfg.Webhook.SignatureHeader,
			RatePerSecond:   cfg.Webhook.RatePerSecond,
			Burst:           cfg.Webhook.Burst,
			MaxBodyBytes:    cfg.Webhook.MaxBodyBytes,
		}, log, m),
		forwarder: events.NewForwarder(cfg.Notify.AuditURL, cfg.Notify.Timeout, cfg.Notify.EventBusURL, cfg.Notify.Timeout, log),
	}
	if cfg.SelfHealing.Enabled {
		s.healing = healing.NewEngine(st, exec, bus, log, healing.Config{LimitsSource: cfg.SelfHealing.LimitsSource}, healing.WithMetrics(m))
	}
	return s, nil
}

// Start loads runbooks from the configured directory, registers triggers,
// resumes interrupted executions and begins consuming events.
func (s *Service) Start(ctx context.Context) error {
	if dir := strings.TrimSpace(s.cfg.Runbooks.Dir); dir != "" {
		if err := s.loadDir(ctx, dir); err != nil {
			return err
		}
	}
	stored, err := s.store.ListRunbooks(ctx)
	if err != nil {
		return fmt.Errorf("list runbooks: %w", err)
	}
	for _, rb := range stored {
		s.registerTriggers(rb)
	}

	n, err := s.executor.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover executions: %w", err)
	}
	if n > 0 {
		s.log.Info("resumed interrupted executions", zap.Int("count", n))
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if s.healing != nil {
		if err := s.healing.Start(runCtx); err != nil {
			cancel()
			return fmt.Errorf("start self-healing: %w", err)
		}
	}
	if err := s.forwarder.Run(runCtx, s.bus, events.AllTopics); err != nil {
		cancel()
		return fmt.Errorf("start event forwarding: %w", err)
	}
	s.scheduler.Start()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.files.Run(runCtx)
	}()

	s.mu.Lock()
	s.cancel, s.done = cancel, done
	s.mu.Unlock()
	s.log.Info("engine started", zap.Int("runbooks", len(stored)))
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	var errs []error
	errs = append(errs, s.scheduler.Stop(ctx))
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	errs = append(errs, s.files.Close())
	if s.healing != nil {
		errs = append(errs, s.healing.Stop(ctx))
	}
	errs = append(errs, s.executor.Shutdown(ctx))
	errs = append(errs, s.bus.Close())
	errs = append(errs, s.store.Close())
	return errors.Join(errs...)
}

// loadDir saves each runbook found in dir unless the stored copy already
// has the same content.
func (s *Service) loadDir(ctx context.Context, dir string) error {
	docs, err := runbook.LoadDir(dir)
	if err != nil {
		return err
	}
	for _, rb := range docs {
		if err := rb.Check(); err != nil {
			return fmt.Errorf("runbook %s: %w", rb.ID, err)
		}
		if err := s.checkTrigger(rb); err != nil {
			return fmt.Errorf("runbook %s: %w", rb.ID, err)
		}
		cur, err := s.store.GetRunbook(ctx, rb.ID)
		switch {
		case err == nil && sameContent(cur, rb):
			continue
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return err
		}
		saved, err := s.store.SaveRunbook(ctx, rb)
		if err != nil {
			return fmt.Errorf("save runbook %s: %w", rb.ID, err)
		}
		s.log.Info("runbook loaded", zap.String("runbook_id", saved.ID), zap.Int("version", saved.Version))
	}
	return nil
}

func sameContent(a, b runbook.Runbook) bool {
	strip := func(rb runbook.Runbook) runbook.Runbook {
		rb.Version = 0
		rb.CreatedAt, rb.UpdatedAt = time.Time{}, time.Time{}
		return rb
	}
	ja, errA := json.Marshal(strip(a))
	jb, errB := json.Marshal(strip(b))
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}

func (s *Service) registerTriggers(rb runbook.Runbook) {
	if err := s.scheduler.Register(rb); err != nil {
		s.log.Warn("schedule trigger not registered", zap.String("runbook_id", rb.ID), zap.Error(err))
	}
	if err := s.files.Register(rb); err != nil {
		s.log.Warn("file watch trigger not registered", zap.String("runbook_id", rb.ID), zap.Error(err))
	}
}

func (s *Service) unregisterTriggers(id string) {
	s.scheduler.Remove(id)
	s.files.Remove(id)
}

func (s *Service) Bus() *events.Bus { return s.bus }

func (s *Service) Webhook() *trigger.Webhook { return s.webhook }

// Healing is nil when self-healing is disabled.
func (s *Service) Healing() *healing.Engine { return s.healing }

func (s *Service) CreateRunbook(ctx context.Context, rb runbook.Runbook) (runbook.Runbook, error) {
	if rb.ID == "" {
		rb.ID = runbook.NewID("rb")
	} else if _, err := s.store.GetRunbook(ctx, rb.ID); err == nil {
		return runbook.Runbook{}, fmt.Errorf("%w: %s", ErrRunbookExists, rb.ID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return runbook.Runbook{}, err
	}
	return s.save(ctx, rb)
}

func (s *Service) UpdateRunbook(ctx context.Context, rb runbook.Runbook) (runbook.Runbook, error) {
	if _, err := s.store.GetRunbook(ctx, rb.ID); err != nil {
		return runbook.Runbook{}, err
	}
	return s.save(ctx, rb)
}

func (s *Service) save(ctx context.Context, rb runbook.Runbook) (runbook.Runbook, error) {
	if err := rb.Check(); err != nil {
		return runbook.Runbook{}, err
	}
	if err := s.checkTrigger(rb); err != nil {
		return runbook.Runbook{}, err
	}
	saved, err := s.store.SaveRunbook(ctx, rb)
	if err != nil {
		return runbook.Runbook{}, err
	}
	s.registerTriggers(saved)
	s.log.Info("runbook saved", zap.String("runbook_id", saved.ID), zap.Int("version", saved.Version))
	return saved, nil
}

// checkTrigger rejects trigger settings the adapters could not honour.
func (s *Service) checkTrigger(rb runbook.Runbook) error {
	if rb.Trigger == nil {
		return nil
	}
	var err error
	switch rb.Trigger.Kind {
	case runbook.TriggerSchedule:
		if rb.Trigger.Schedule == nil {
			err = errors.New("schedule trigger requires schedule settings")
		} else {
			err = trigger.ValidateSchedule(*rb.Trigger.Schedule)
		}
	case runbook.TriggerWebhook:
		err = trigger.ValidateWebhook(rb.Trigger.Webhook)
	}
	if err != nil {
		return &runbook.ValidationError{Problems: []string{err.Error()}}
	}
	return nil
}

func (s *Service) DeleteRunbook(ctx context.Context, id string) error {
	if err := s.store.DeleteRunbook(ctx, id); err != nil {
		return err
	}
	s.unregisterTriggers(id)
	s.log.Info("runbook deleted", zap.String("runbook_id", id))
	return nil
}

func (s *Service) GetRunbook(ctx context.Context, id string) (runbook.Runbook, error) {
	return s.store.GetRunbook(ctx, id)
}

func (s *Service) ListRunbooks(ctx context.Context) ([]runbook.Runbook, error) {
	return s.store.ListRunbooks(ctx)
}

func (s *Service) ListRunbookVersions(ctx context.Context, id string) ([]runbook.Runbook, error) {
	return s.store.ListRunbookVersions(ctx, id)
}

func (s *Service) GetRunbookVersion(ctx context.Context, id string, version int) (runbook.Runbook, error) {
	return s.store.GetRunbookVersion(ctx, id, version)
}

func (s *Service) NextScheduled(id string) (time.Time, bool) {
	return s.scheduler.Next(id)
}

func (s *Service) TriggerRunbook(ctx context.Context, id, actor string) (runbook.Execution, error) {
	return s.manual.Trigger(ctx, id, actor)
}

func (s *Service) GetExecution(ctx context.Context, id string) (runbook.Execution, error) {
	return s.executor.Get(ctx, id)
}

func (s *Service) ListExecutions(ctx context.Context, f store.ExecutionFilter) ([]runbook.Execution, error) {
	return s.store.ListExecutions(ctx, f)
}

func (s *Service) PauseExecution(ctx context.Context, id string) (runbook.Execution, error) {
	return s.executor.PauseExecution(ctx, id)
}

func (s *Service) ResumeExecution(ctx context.Context, id string) (runbook.Execution, error) {
	return s.executor.ResumeExecution(ctx, id)
}

func (s *Service) CancelExecution(ctx context.Context, id string) (runbook.Execution, error) {
	return s.executor.CancelExecution(ctx, id)
}

// PublishAlert puts an alert event on the bus for the self-healing engine.
func (s *Service) PublishAlert(ctx context.Context, topic string, payload any) error {
	if s.healing == nil {
		return ErrHealingDisabled
	}
	return s.bus.Publish(ctx, topic, payload)
}
