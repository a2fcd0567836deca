package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"chat_realtime/internal/eventlog"

	"github.com/rabbitmq/rabbitmq-stream-go-client/pkg/amqp"
	"github.com/rabbitmq/rabbitmq-stream-go-client/pkg/stream"
)

var ErrBadRecord = errors.New("outbox: malformed record")

// Replayer reads the journal from its first offset.
type Replayer struct {
	env        *stream.Environment
	streamName string
	log        *eventlog.Feature
}

func NewReplayer(env *stream.Environment, streamName string, events *eventlog.Log) *Replayer {
	return &Replayer{
		env:        env,
		streamName: streamName,
		log:        events.For(eventlog.FeatureSink),
	}
}

// Run calls handle for every record until ctx is cancelled. Malformed
// records are logged and skipped. handle runs on the consumer goroutine.
func (r *Replayer) Run(ctx context.Context, handle func(Record)) error {
	consumer, err := r.env.NewConsumer(
		r.streamName,
		func(_ stream.ConsumerContext, message *amqp.Message) {
			r.process(message.GetData(), handle)
		},
		stream.NewConsumerOptions().
			SetOffset(stream.OffsetSpecification{}.First()),
	)
	if err != nil {
		return fmt.Errorf("failed to start stream consumer: %w", err)
	}
	defer consumer.Close()

	r.log.Info("replay_started", nil)
	<-ctx.Done()
	return nil
}

func (r *Replayer) process(data []byte, handle func(Record)) {
	rec, err := decodeRecord(data)
	if err != nil {
		r.log.Warn("record_dropped", err, nil)
		return
	}
	handle(rec)
}

func decodeRecord(data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrBadRecord, err)
	}
	switch rec.Kind {
	case KindDelivery, KindTyping, KindPresence:
	default:
		return Record{}, fmt.Errorf("%w: unknown kind %q", ErrBadRecord, rec.Kind)
	}
	if len(rec.Payload) == 0 {
		return Record{}, fmt.Errorf("%w: empty payload", ErrBadRecord)
	}
	return rec, nil
}
