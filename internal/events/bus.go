package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.uber.org/zap"
)

const (
	TopicStepCompleted          = "runbook.step.completed"
	TopicExecutionStatusChanged = "runbook.execution.status_changed"
	TopicHealingTriggered       = "healing.triggered"
	TopicHealingCompleted       = "healing.completed"
	TopicApprovalRequired       = "healing.approval_required"
	TopicAlertFired             = "alert.fired"
	TopicAlertResolved          = "alert.resolved"
)

// AllTopics lists every topic the engine publishes or consumes.
var AllTopics = []string{
	TopicStepCompleted,
	TopicExecutionStatusChanged,
	TopicHealingTriggered,
	TopicHealingCompleted,
	TopicApprovalRequired,
	TopicAlertFired,
	TopicAlertResolved,
}

type Envelope struct {
	ID         string          `json:"id"`
	Topic      string          `json:"topic"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Decode unmarshals the envelope payload into T.
func Decode[T any](env Envelope) (T, error) {
	var v T
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return v, fmt.Errorf("decode %s payload: %w", env.Topic, err)
	}
	return v, nil
}

type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Bus is an in-process pub/sub backed by a watermill go channel. Publish
// never waits for subscribers, so consumers must not rely on ordering
// between separate publishes.
type Bus struct {
	pubsub *gochannel.GoChannel
	log    *zap.Logger
	buffer int
}

func NewBus(log *zap.Logger, buffer int) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            int64(buffer),
			BlockPublishUntilSubscriberAck: false,
		}, NewLoggerAdapter(log.Named("watermill"))),
		log:    log,
		buffer: buffer,
	}
}

func (b *Bus) Publish(_ context.Context, topic string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", topic, err)
	}
	env := Envelope{
		ID:         watermill.NewUUID(),
		Topic:      topic,
		OccurredAt: time.Now().UTC(),
		Payload:    raw,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	msg := message.NewMessage(env.ID, body)
	if err := b.pubsub.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe delivers envelopes for topic until ctx ends or the returned
// cancel func is called.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan Envelope, func(), error) {
	subCtx, cancel := context.WithCancel(ctx)
	msgs, err := b.pubsub.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	out := make(chan Envelope, b.buffer)
	go func() {
		defer close(out)
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var env Envelope
				err := json.Unmarshal(msg.Payload, &env)
				msg.Ack()
				if err != nil {
					b.log.Warn("drop malformed event", zap.String("topic", topic), zap.Error(err))
					continue
				}
				select {
				case out <- env:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()
	return out, cancel, nil
}

func (b *Bus) Close() error {
	return b.pubsub.Close()
}

type zapAdapter struct {
	log *zap.Logger
}

// NewLoggerAdapter routes watermill's internal logging through zap.
func NewLoggerAdapter(log *zap.Logger) watermill.LoggerAdapter {
	return zapAdapter{log: log}
}

func (a zapAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.log.Error(msg, append(zapFields(fields), zap.Error(err))...)
}

func (a zapAdapter) Info(msg string, fields watermill.LogFields) {
	a.log.Info(msg, zapFields(fields)...)
}

func (a zapAdapter) Debug(msg string, fields watermill.LogFields) {
	a.log.Debug(msg, zapFields(fields)...)
}

func (a zapAdapter) Trace(msg string, fields watermill.LogFields) {
	a.log.Debug(msg, zapFields(fields)...)
}

func (a zapAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return zapAdapter{log: a.log.With(zapFields(fields)...)}
}

func zapFields(fields watermill.LogFields) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}
