package trigger

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ronappleton/runbook-engine/internal/runbook"
)

func TestFileWatcherDebouncesMatchingChanges(t *testing.T) {
	dir := t.TempDir()
	rb := simple("watcher", &runbook.Trigger{
		Kind: runbook.TriggerFileWatch,
		FileWatch: &runbook.FileWatchTrigger{
			Path:     dir,
			Pattern:  "*.trigger",
			Debounce: runbook.Duration(100 * time.Millisecond),
		},
	})
	starter := &recordingStarter{}
	fw, err := NewFileWatcher(fakeSource{"watcher": rb}, starter, zap.NewNop())
	require.NoError(t, err)
	defer fw.Close()
	require.NoError(t, fw.Register(rb))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fw.Run(ctx)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("x"), 0o644))
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "deploy.trigger"), []byte{byte(i)}, 0o644))
	}

	require.Eventually(t, func() bool { return len(starter.Infos()) == 1 }, 3*time.Second, 20*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	infos := starter.Infos()
	require.Len(t, infos, 1, "a burst of writes starts one execution")
	assert.True(t, strings.HasPrefix(infos[0], "file_watch: "))
	assert.Contains(t, infos[0], "deploy.trigger")
	assert.NotContains(t, infos[0], "ignored.txt")
}

func TestFileWatcherRejectsMissingPath(t *testing.T) {
	fw, err := NewFileWatcher(fakeSource{}, &recordingStarter{}, nil)
	require.NoError(t, err)
	defer fw.Close()
	rb := simple("w", &runbook.Trigger{
		Kind:      runbook.TriggerFileWatch,
		FileWatch: &runbook.FileWatchTrigger{Path: filepath.Join(t.TempDir(), "missing")},
	})
	assert.Error(t, fw.Register(rb))
}
