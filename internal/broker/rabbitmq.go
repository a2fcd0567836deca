package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeUpdates carries every outward realtime update, routed by kind.
const ExchangeUpdates = "realtime.updates"

type RabbitMQClient struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

func NewRabbitMQClient(url string) (*RabbitMQClient, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		ExchangeUpdates, // name
		"topic",         // type
		true,            // durable
		false,           // auto-deleted
		false,           // internal
		false,           // no-wait
		nil,             // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare updates exchange: %w", err)
	}

	return &RabbitMQClient{
		conn:    conn,
		channel: ch,
	}, nil
}

// Publish sends msg to the updates exchange as a persistent JSON message
// tagged with its kind.
func (c *RabbitMQClient) Publish(ctx context.Context, routingKey string, msg Message) error {
	pub, err := newPublishing(msg, time.Now())
	if err != nil {
		return err
	}
	if err := c.channel.PublishWithContext(ctx, ExchangeUpdates, routingKey, false, false, pub); err != nil {
		return fmt.Errorf("failed to publish %s update: %w", msg.Type, err)
	}
	return nil
}

func newPublishing(msg Message, now time.Time) (amqp.Publishing, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal %s update: %w", msg.Type, err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    now,
		Type:         msg.Type,
		AppId:        "realtime-agent",
		Body:         body,
	}, nil
}

// Close closes the channel, then the connection.
func (c *RabbitMQClient) Close() error {
	var errs []error
	if c.channel != nil {
		errs = append(errs, c.channel.Close())
	}
	if c.conn != nil {
		errs = append(errs, c.conn.Close())
	}
	return errors.Join(errs...)
}

// ConsumeUpdates creates a temporary exclusive queue bound to the updates
// exchange with bindingKey (for example "delivery.#") and consumes it.
func (c *RabbitMQClient) ConsumeUpdates(bindingKey string) (<-chan amqp.Delivery, error) {
	q, err := c.channel.QueueDeclare(
		"",    // name (empty = random auto-generated)
		false, // durable
		true,  // delete when unused
		true,  // exclusive (only this connection can read)
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("failed to declare updates queue: %w", err)
	}

	err = c.channel.QueueBind(
		q.Name,          // queue name
		bindingKey,      // routing key
		ExchangeUpdates, // exchange
		false,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to bind updates queue: %w", err)
	}

	return c.channel.Consume(
		q.Name, "", true, false, false, false, nil,
	)
}
