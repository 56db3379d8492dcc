package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ronappleton/runbook-engine/internal/config"
)

const sinkBuffer = 200

type sinkEntry struct {
	Source   string            `json:"source"`
	Level    string            `json:"level"`
	Logger   string            `json:"logger,omitempty"`
	Message  string            `json:"message"`
	Time     time.Time         `json:"time"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// sinkSender posts entries to <base>/v1/logs from a single goroutine. A full
// queue drops the entry.
type sinkSender struct {
	endpoint string
	apiKey   string
	source   string
	client   *http.Client
	queue    chan sinkEntry
	dropped  atomic.Int64
}

func newSinkSender(baseURL, apiKey, source string) *sinkSender {
	return &sinkSender{
		endpoint: strings.TrimRight(baseURL, "/") + "/v1/logs",
		apiKey:   apiKey,
		source:   source,
		client:   &http.Client{Timeout: 3 * time.Second},
		queue:    make(chan sinkEntry, sinkBuffer),
	}
}

func (s *sinkSender) run() {
	for entry := range s.queue {
		s.post(entry)
	}
}

func (s *sinkSender) post(entry sinkEntry) {
	body, err := json.Marshal(entry)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.client.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return
	}
	_ = resp.Body.Close()
}

func (s *sinkSender) enqueue(entry sinkEntry) {
	select {
	case s.queue <- entry:
	default:
		s.dropped.Add(1)
	}
}

func attachSink(logger *zap.Logger, cfg config.LoggingConfig, service string) *zap.Logger {
	if strings.TrimSpace(cfg.SinkURL) == "" {
		return logger
	}
	source := cfg.SinkSource
	if source == "" {
		source = service
	}
	sender := newSinkSender(cfg.SinkURL, cfg.SinkAPIKey, source)
	go sender.run()
	sink := &sinkCore{level: zapcore.WarnLevel, sender: sender}
	return logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, sink)
	}))
}

type sinkCore struct {
	level  zapcore.LevelEnabler
	fields []zapcore.Field
	sender *sinkSender
}

func (c *sinkCore) Enabled(level zapcore.Level) bool {
	return c.level.Enabled(level)
}

func (c *sinkCore) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.fields = make([]zapcore.Field, 0, len(c.fields)+len(fields))
	clone.fields = append(append(clone.fields, c.fields...), fields...)
	return &clone
}

func (c *sinkCore) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return checked.AddCore(entry, c)
	}
	return checked
}

func (c *sinkCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}
	var metadata map[string]string
	if len(enc.Fields) > 0 {
		metadata = make(map[string]string, len(enc.Fields))
		for k, v := range enc.Fields {
			metadata[k] = fmt.Sprint(v)
		}
	}
	c.sender.enqueue(sinkEntry{
		Source:   c.sender.source,
		Level:    entry.Level.String(),
		Logger:   entry.LoggerName,
		Message:  entry.Message,
		Time:     entry.Time,
		Metadata: metadata,
	})
	return nil
}

func (c *sinkCore) Sync() error { return nil }
