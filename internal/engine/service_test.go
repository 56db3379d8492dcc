package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ronappleton/runbook-engine/internal/config"
	"github.com/ronappleton/runbook-engine/internal/executor"
	"github.com/ronappleton/runbook-engine/internal/healing"
	"github.com/ronappleton/runbook-engine/internal/runbook"
	"github.com/ronappleton/runbook-engine/internal/store"
)

const restartDoc = `id: restart
name: Restart service
is_enabled: true
steps:
  - id: stop
    name: Stop
    thing_id: svc
    profile_id: stop
  - id: start
    name: Start
    thing_id: svc
    profile_id: start
    depends_on: [stop]
`

func okRunner() executor.ScriptRunner {
	return executor.RunnerFunc(func(context.Context, executor.ScriptRequest) (executor.ScriptResult, error) {
		return executor.ScriptResult{RunID: "run"}, nil
	})
}

func newTestService(t *testing.T, st store.Store, mutate func(*config.Config)) *Service {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := New(cfg, zap.NewNop(), nil, st, okRunner())
	require.NoError(t, err)
	return svc
}

func TestStartLoadsRunbookDirOnce(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "restart.yaml"), []byte(restartDoc), 0o600))
	st := store.NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		svc := newTestService(t, st, func(c *config.Config) { c.Runbooks.Dir = dir })
		require.NoError(t, svc.Start(ctx))
		require.NoError(t, svc.Stop(ctx))
	}

	versions, err := st.ListRunbookVersions(ctx, "restart")
	require.NoError(t, err)
	assert.Len(t, versions, 1, "unchanged documents are not re-versioned")
}

func TestStartRejectsInvalidRunbookDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "loop.yaml"), []byte(`id: loop
name: Loop
steps:
  - {id: a, name: A, thing_id: x, profile_id: y, depends_on: [b]}
  - {id: b, name: B, thing_id: x, profile_id: y, depends_on: [a]}
`), 0o600))
	svc := newTestService(t, store.NewMemoryStore(), func(c *config.Config) { c.Runbooks.Dir = dir })
	err := svc.Start(context.Background())
	var verr *runbook.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestRunbookLifecycle(t *testing.T) {
	svc := newTestService(t, store.NewMemoryStore(), nil)
	ctx := context.Background()
	require.NoError(t, svc.Start(ctx))
	defer func() { _ = svc.Stop(ctx) }()

	rb, err := runbook.Parse([]byte(restartDoc))
	require.NoError(t, err)
	created, err := svc.CreateRunbook(ctx, rb)
	require.NoError(t, err)
	assert.Equal(t, 1, created.Version)

	_, err = svc.CreateRunbook(ctx, rb)
	assert.ErrorIs(t, err, ErrRunbookExists)

	created.Description = "with description"
	updated, err := svc.UpdateRunbook(ctx, created)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)

	exec, err := svc.TriggerRunbook(ctx, "restart", "alice")
	require.NoError(t, err)
	assert.Equal(t, "manual by alice", exec.TriggerInfo)
	assert.Equal(t, 2, exec.RunbookVersion)

	done, err := svc.executor.Wait(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, runbook.ExecutionSucceeded, done.Status)

	listed, err := svc.ListExecutions(ctx, store.ExecutionFilter{RunbookID: "restart"})
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	require.NoError(t, svc.DeleteRunbook(ctx, "restart"))
	_, err = svc.GetRunbook(ctx, "restart")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSaveRejectsBadSchedule(t *testing.T) {
	svc := newTestService(t, store.NewMemoryStore(), nil)
	rb, err := runbook.Parse([]byte(restartDoc))
	require.NoError(t, err)
	rb.Trigger = &runbook.Trigger{Kind: runbook.TriggerSchedule, Schedule: &runbook.ScheduleTrigger{Cron: "0 * * * *", Timezone: "Mars/Olympus"}}

	_, err = svc.CreateRunbook(context.Background(), rb)
	var verr *runbook.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestSaveRejectsUnauthenticatedWebhook(t *testing.T) {
	svc := newTestService(t, store.NewMemoryStore(), nil)
	tests := []struct {
		name string
		hook *runbook.WebhookTrigger
	}{
		{"no settings", nil},
		{"empty secret", &runbook.WebhookTrigger{}},
		{"bad ip range", &runbook.WebhookTrigger{Secret: "s3cret", AllowedIPRange: "10.0.0.0/99"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rb, err := runbook.Parse([]byte(restartDoc))
			require.NoError(t, err)
			rb.Trigger = &runbook.Trigger{Kind: runbook.TriggerWebhook, Webhook: tt.hook}

			_, err = svc.CreateRunbook(context.Background(), rb)
			var verr *runbook.ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestStartRejectsWebhookWithBadIPRange(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hook.yaml"), []byte(restartDoc+`trigger:
  kind: webhook
  webhook:
    secret: s3cret
    allowed_ip_range: not-an-ip
`), 0o600))
	svc := newTestService(t, store.NewMemoryStore(), func(c *config.Config) { c.Runbooks.Dir = dir })
	err := svc.Start(context.Background())
	var verr *runbook.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestScheduleRegisteredOnSave(t *testing.T) {
	svc := newTestService(t, store.NewMemoryStore(), nil)
	ctx := context.Background()
	rb, err := runbook.Parse([]byte(restartDoc))
	require.NoError(t, err)
	rb.Trigger = &runbook.Trigger{Kind: runbook.TriggerSchedule, Schedule: &runbook.ScheduleTrigger{Cron: "@hourly"}}

	_, err = svc.CreateRunbook(ctx, rb)
	require.NoError(t, err)
	_, ok := svc.NextScheduled("restart")
	assert.True(t, ok)

	require.NoError(t, svc.DeleteRunbook(ctx, "restart"))
	_, ok = svc.NextScheduled("restart")
	assert.False(t, ok)
}

func TestAlertDrivesRemediation(t *testing.T) {
	svc := newTestService(t, store.NewMemoryStore(), nil)
	ctx := context.Background()
	require.NoError(t, svc.Start(ctx))
	defer func() { _ = svc.Stop(ctx) }()

	rb, err := runbook.Parse([]byte(restartDoc))
	require.NoError(t, err)
	_, err = svc.CreateRunbook(ctx, rb)
	require.NoError(t, err)
	rule, err := svc.Healing().CreateRule(ctx, healing.NewRule("errors", "severity >= error", "restart"))
	require.NoError(t, err)

	require.NoError(t, svc.PublishAlert(ctx, "alert.fired", healing.AlertFired{
		Alert: healing.Alert{ID: "al-1", Severity: healing.SeverityError, FiredAt: time.Now()},
	}))

	require.Eventually(t, func() bool {
		execs, err := svc.Healing().ListExecutions(ctx, healing.ExecutionFilter{RuleID: rule.ID})
		return err == nil && len(execs) == 1 && execs[0].Status == healing.StatusSucceeded
	}, 3*time.Second, 20*time.Millisecond)
}

func TestHealingDisabled(t *testing.T) {
	svc := newTestService(t, store.NewMemoryStore(), func(c *config.Config) { c.SelfHealing.Enabled = false })
	assert.Nil(t, svc.Healing())
	assert.ErrorIs(t, svc.PublishAlert(context.Background(), "alert.fired", healing.AlertFired{}), ErrHealingDisabled)
}
