package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Forwarder mirrors bus events to external audit and event-bus services.
type Forwarder struct {
	auditLog *endpoint
	eventBus *endpoint
	client   *http.Client
	log      *zap.Logger
}

type endpoint struct {
	baseURL string
	timeout time.Duration
}

func NewForwarder(auditURL, auditTimeout, eventURL, eventTimeout string, log *zap.Logger) *Forwarder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Forwarder{
		auditLog: parseEndpoint(auditURL, auditTimeout),
		eventBus: parseEndpoint(eventURL, eventTimeout),
		client:   &http.Client{},
		log:      log,
	}
}

func (f *Forwarder) Enabled() bool {
	return f != nil && (f.auditLog != nil || f.eventBus != nil)
}

// Run subscribes to every topic and forwards until ctx ends.
func (f *Forwarder) Run(ctx context.Context, bus *Bus, topics []string) error {
	if !f.Enabled() {
		return nil
	}
	for _, topic := range topics {
		ch, _, err := bus.Subscribe(ctx, topic)
		if err != nil {
			return err
		}
		go func() {
			for env := range ch {
				f.Forward(ctx, env)
			}
		}()
	}
	return nil
}

func (f *Forwarder) Forward(ctx context.Context, env Envelope) {
	if f.auditLog != nil {
		f.post(ctx, f.auditLog, map[string]any{
			"event":   env.Topic,
			"id":      env.ID,
			"ts":      env.OccurredAt.Format(time.RFC3339),
			"payload": env.Payload,
		})
	}
	if f.eventBus != nil {
		f.post(ctx, f.eventBus, map[string]any{
			"topic":   env.Topic,
			"payload": env.Payload,
		})
	}
}

func (f *Forwarder) post(ctx context.Context, ep *endpoint, body map[string]any) {
	ctx, cancel := context.WithTimeout(ctx, ep.timeout)
	defer cancel()
	raw, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.baseURL+"/v1/events", bytes.NewReader(raw))
	if err != nil {
		f.log.Warn("build forward request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.client.Do(req)
	if err != nil {
		f.log.Warn("forward event", zap.String("url", ep.baseURL), zap.Error(err))
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		f.log.Warn("forward event rejected", zap.String("url", ep.baseURL), zap.Error(fmt.Errorf("status %d", resp.StatusCode)))
	}
}

func parseEndpoint(url, timeout string) *endpoint {
	if url == "" {
		return nil
	}
	dur, err := time.ParseDuration(timeout)
	if err != nil {
		dur = 5 * time.Second
	}
	return &endpoint{baseURL: url, timeout: dur}
}
