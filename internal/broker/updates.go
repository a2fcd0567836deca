package broker

import (
	"context"
	"strings"

	"chat_realtime/internal/domain"
)

// Publisher is the part of RabbitMQClient the update publisher needs.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, msg Message) error
}

// Message is the body published for every update.
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Update kinds, also the first routing key segment.
const (
	KindDelivery = "delivery"
	KindTyping   = "typing"
	KindPresence = "presence"
)

// UpdatePublisher forwards outward updates to the updates exchange. Delivery
// and typing updates are routed by conversation, presence by source.
type UpdatePublisher struct {
	pub Publisher
}

func NewUpdatePublisher(pub Publisher) *UpdatePublisher {
	return &UpdatePublisher{pub: pub}
}

func (p *UpdatePublisher) PublishDelivery(ctx context.Context, u domain.MessageDeliveryUpdate) error {
	return p.pub.Publish(ctx, RoutingKey(KindDelivery, u.ConversationID), Message{Type: KindDelivery, Payload: u})
}

func (p *UpdatePublisher) PublishTyping(ctx context.Context, u domain.TypingUpdate) error {
	return p.pub.Publish(ctx, RoutingKey(KindTyping, u.ConversationID), Message{Type: KindTyping, Payload: u})
}

func (p *UpdatePublisher) PublishPresence(ctx context.Context, u domain.PresenceUpdate) error {
	return p.pub.Publish(ctx, RoutingKey(KindPresence, string(u.Source)), Message{Type: KindPresence, Payload: u})
}

// RoutingKey joins kind and segment. Dots and topic wildcards inside the
// segment are replaced so each key has exactly two words.
func RoutingKey(kind, segment string) string {
	if segment == "" {
		segment = "_"
	}
	segment = strings.NewReplacer(".", "_", "*", "_", "#", "_").Replace(segment)
	return kind + "." + segment
}
