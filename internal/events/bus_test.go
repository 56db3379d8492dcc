package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type statusChange struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
}

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus(zap.NewNop(), 8)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, stop, err := bus.Subscribe(ctx, TopicExecutionStatusChanged)
	require.NoError(t, err)
	defer stop()

	require.NoError(t, bus.Publish(ctx, TopicExecutionStatusChanged, statusChange{ExecutionID: "e1", Status: "RUNNING"}))
	require.NoError(t, bus.Publish(ctx, TopicExecutionStatusChanged, statusChange{ExecutionID: "e1", Status: "SUCCEEDED"}))

	var got []string
	for len(got) < 2 {
		select {
		case env := <-ch:
			assert.Equal(t, TopicExecutionStatusChanged, env.Topic)
			v, err := Decode[statusChange](env)
			require.NoError(t, err)
			got = append(got, v.Status)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	// delivery order across publishes is not guaranteed by the go channel backend
	assert.ElementsMatch(t, []string{"RUNNING", "SUCCEEDED"}, got)
}

func TestBusTopicsAreIsolated(t *testing.T) {
	bus := NewBus(nil, 0)
	defer bus.Close()
	ctx := context.Background()

	ch, stop, err := bus.Subscribe(ctx, TopicAlertFired)
	require.NoError(t, err)
	defer stop()

	require.NoError(t, bus.Publish(ctx, TopicAlertResolved, map[string]string{"id": "a"}))
	select {
	case env := <-ch:
		t.Fatalf("unexpected event on %s", env.Topic)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestForwarderPostsToEndpoints(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
		topic string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		paths = append(paths, r.URL.Path)
		if tp, ok := body["topic"].(string); ok {
			topic = tp
		}
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	f := NewForwarder(srv.URL, "1s", srv.URL, "1s", zap.NewNop())
	require.True(t, f.Enabled())
	f.Forward(context.Background(), Envelope{ID: "1", Topic: TopicHealingTriggered, OccurredAt: time.Now(), Payload: json.RawMessage(`{}`)})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/v1/events", "/v1/events"}, paths)
	assert.Equal(t, TopicHealingTriggered, topic)
}

func TestForwarderDisabledWithoutURLs(t *testing.T) {
	f := NewForwarder("", "", "", "", nil)
	assert.False(t, f.Enabled())
	assert.NoError(t, f.Run(context.Background(), nil, AllTopics))
}
