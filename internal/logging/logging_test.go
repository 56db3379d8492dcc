package logging

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ronappleton/runbook-engine/internal/config"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(config.LoggingConfig{Level: "loud"}, "svc")
	assert.Error(t, err)
}

func TestNewConsoleFormat(t *testing.T) {
	log, err := New(config.LoggingConfig{Level: "debug", Format: "console"}, "svc")
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zap.DebugLevel))
}

func TestSinkForwardsWarnings(t *testing.T) {
	var (
		mu  sync.Mutex
		got []sinkEntry
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/logs", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		var e sinkEntry
		require.NoError(t, json.NewDecoder(r.Body).Decode(&e))
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	}))
	defer srv.Close()

	log, err := New(config.LoggingConfig{Level: "info", SinkURL: srv.URL, SinkAPIKey: "k"}, "runbook-engine")
	require.NoError(t, err)
	log = log.Named("executor").With(zap.String("execution_id", "exec-1"))
	log.Info("not forwarded")
	log.Warn("step failed", zap.Error(errors.New("boom")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "runbook-engine", got[0].Source)
	assert.Equal(t, "warn", got[0].Level)
	assert.Equal(t, "executor", got[0].Logger)
	assert.Equal(t, "step failed", got[0].Message)
	assert.Equal(t, "exec-1", got[0].Metadata["execution_id"])
	assert.Equal(t, "boom", got[0].Metadata["error"])
}

func TestSinkDropsWhenFull(t *testing.T) {
	s := newSinkSender("http://127.0.0.1:1", "", "svc")
	for i := 0; i < sinkBuffer+5; i++ {
		s.enqueue(sinkEntry{Message: "x"})
	}
	assert.Equal(t, int64(5), s.dropped.Load())
}
