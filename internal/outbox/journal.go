// Package outbox journals outward realtime updates to a RabbitMQ stream and
// replays them from the beginning of the stream.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chat_realtime/internal/domain"
	"chat_realtime/internal/eventlog"

	"github.com/google/uuid"
	"github.com/rabbitmq/rabbitmq-stream-go-client/pkg/amqp"
	"github.com/rabbitmq/rabbitmq-stream-go-client/pkg/stream"
	"github.com/sirupsen/logrus"
)

const (
	KindDelivery = "delivery"
	KindTyping   = "typing"
	KindPresence = "presence"
)

// Record is one journaled update.
type Record struct {
	ID        uuid.UUID       `json:"id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// DeclareStream creates the stream if it does not exist yet.
func DeclareStream(env *stream.Environment, name string, maxBytes int64) error {
	opts := &stream.StreamOptions{}
	if maxBytes > 0 {
		opts.MaxLengthBytes = stream.ByteCapacity{}.B(maxBytes)
	}
	err := env.DeclareStream(name, opts)
	if err != nil && !errors.Is(err, stream.StreamAlreadyExists) {
		return fmt.Errorf("failed to declare stream %s: %w", name, err)
	}
	return nil
}

// Journal appends every update it receives to the stream.
type Journal struct {
	send  func(data []byte) error
	close func() error
	now   func() time.Time
	log   *eventlog.Feature
}

func NewJournal(env *stream.Environment, streamName string, events *eventlog.Log) (*Journal, error) {
	producer, err := env.NewProducer(streamName, stream.NewProducerOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to create stream producer: %w", err)
	}
	j := newJournal(func(data []byte) error {
		return producer.Send(amqp.NewMessage(data))
	}, events)
	j.close = producer.Close
	return j, nil
}

func newJournal(send func([]byte) error, events *eventlog.Log) *Journal {
	return &Journal{
		send:  send,
		close: func() error { return nil },
		now:   time.Now,
		log:   events.For(eventlog.FeatureSink),
	}
}

func (j *Journal) PublishDelivery(ctx context.Context, u domain.MessageDeliveryUpdate) error {
	return j.append(ctx, KindDelivery, u)
}

func (j *Journal) PublishTyping(ctx context.Context, u domain.TypingUpdate) error {
	return j.append(ctx, KindTyping, u)
}

func (j *Journal) PublishPresence(ctx context.Context, u domain.PresenceUpdate) error {
	return j.append(ctx, KindPresence, u)
}

func (j *Journal) append(ctx context.Context, kind string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s update: %w", kind, err)
	}
	data, err := json.Marshal(Record{
		ID:        uuid.New(),
		Kind:      kind,
		Payload:   raw,
		CreatedAt: j.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if err := j.send(data); err != nil {
		return fmt.Errorf("failed to publish to stream: %w", err)
	}
	j.log.Event("journaled", logrus.Fields{"kind": kind})
	return nil
}

func (j *Journal) Close() error {
	return j.close()
}
