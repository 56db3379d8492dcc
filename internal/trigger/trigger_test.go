package trigger

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ronappleton/runbook-engine/internal/runbook"
)

type fakeSource map[string]runbook.Runbook

func (f fakeSource) GetRunbook(_ context.Context, id string) (runbook.Runbook, error) {
	rb, ok := f[id]
	if !ok {
		return runbook.Runbook{}, fmt.Errorf("lookup %s: %w", id, runbook.ErrRunbookNotFound)
	}
	return rb, nil
}

type recordingStarter struct {
	mu    sync.Mutex
	infos []string
	ids   []string
}

func (r *recordingStarter) StartExecution(_ context.Context, rb runbook.Runbook, info string) (runbook.Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.infos = append(r.infos, info)
	r.ids = append(r.ids, rb.ID)
	return runbook.Execution{ID: fmt.Sprintf("exec-%d", len(r.ids)), RunbookID: rb.ID, Status: runbook.ExecutionRunning}, nil
}

func (r *recordingStarter) Infos() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.infos...)
}

func simple(id string, trig *runbook.Trigger) runbook.Runbook {
	return runbook.Runbook{
		ID:        id,
		Name:      id,
		IsEnabled: true,
		Trigger:   trig,
		Steps:     []runbook.Step{{ID: "a", Name: "A", ThingID: "t", ProfileID: "p"}},
	}
}

func TestManualTrigger(t *testing.T) {
	starter := &recordingStarter{}
	m := NewManual(fakeSource{"rb": simple("rb", nil)}, starter)

	exec, err := m.Trigger(context.Background(), "rb", "alice")
	require.NoError(t, err)
	assert.Equal(t, "rb", exec.RunbookID)
	_, err = m.Trigger(context.Background(), "rb", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"manual by alice", "manual"}, starter.Infos())

	_, err = m.Trigger(context.Background(), "missing", "")
	assert.ErrorIs(t, err, runbook.ErrRunbookNotFound)
}
