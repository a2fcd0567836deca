package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"chat_realtime/internal/domain"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	key  string
	body []byte
}

type fakePublisher struct {
	sent []published
	err  error
}

func (f *fakePublisher) Publish(_ context.Context, routingKey string, msg Message) error {
	if f.err != nil {
		return f.err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	f.sent = append(f.sent, published{key: routingKey, body: data})
	return nil
}

func TestRoutingKey(t *testing.T) {
	assert.Equal(t, "delivery.c1", RoutingKey(KindDelivery, "c1"))
	assert.Equal(t, "typing.team_eng", RoutingKey(KindTyping, "team.eng"))
	assert.Equal(t, "presence._", RoutingKey(KindPresence, ""))
	assert.Equal(t, "typing.a_b_", RoutingKey(KindTyping, "a*b#"))
}

func TestUpdatePublisherRoutesByKind(t *testing.T) {
	fake := &fakePublisher{}
	p := NewUpdatePublisher(fake)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, p.PublishDelivery(ctx, domain.MessageDeliveryUpdate{
		MessageID: "m1", ConversationID: "c1", State: domain.StateServerAcked, Timestamp: at, Source: domain.SourceServer,
	}))
	require.NoError(t, p.PublishTyping(ctx, domain.TypingUpdate{
		ConversationID: "c2", UserID: "u2", IsTyping: true, Timestamp: at, Source: domain.SourcePeer,
	}))
	require.NoError(t, p.PublishPresence(ctx, domain.PresenceUpdate{
		IsOnline: true, Timestamp: at, Source: domain.SourceLocal,
	}))

	require.Len(t, fake.sent, 3)
	assert.Equal(t, "delivery.c1", fake.sent[0].key)
	assert.Equal(t, "typing.c2", fake.sent[1].key)
	assert.Equal(t, "presence.local", fake.sent[2].key)

	var msg struct {
		Type    string                       `json:"type"`
		Payload domain.MessageDeliveryUpdate `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(fake.sent[0].body, &msg))
	assert.Equal(t, KindDelivery, msg.Type)
	assert.Equal(t, "m1", msg.Payload.MessageID)
	assert.Equal(t, domain.StateServerAcked, msg.Payload.State)
}

func TestUpdatePublisherReturnsPublishErrors(t *testing.T) {
	boom := errors.New("channel closed")
	p := NewUpdatePublisher(&fakePublisher{err: boom})
	err := p.PublishPresence(context.Background(), domain.PresenceUpdate{Source: domain.SourcePeer})
	assert.ErrorIs(t, err, boom)
}

func TestNewPublishingTagsKind(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pub, err := newPublishing(Message{Type: KindTyping, Payload: domain.TypingUpdate{ConversationID: "c1", IsTyping: true}}, at)
	require.NoError(t, err)

	assert.Equal(t, "application/json", pub.ContentType)
	assert.Equal(t, amqp.Persistent, pub.DeliveryMode)
	assert.Equal(t, KindTyping, pub.Type)
	assert.Equal(t, at, pub.Timestamp)
	assert.NotEmpty(t, pub.MessageId)

	var back Message
	require.NoError(t, json.Unmarshal(pub.Body, &back))
	assert.Equal(t, KindTyping, back.Type)

	_, err = newPublishing(Message{Type: KindDelivery, Payload: make(chan int)}, at)
	assert.ErrorContains(t, err, "delivery")
}
