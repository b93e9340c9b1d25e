package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageType identifies the payload of a Message.
type MessageType string

// MessageTypeJobReady announces a job row that is ready to run.
const MessageTypeJobReady MessageType = "job.ready"

// Message is the envelope for everything published to the broker.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// JobReadyPayload is the payload of a job.ready message.
type JobReadyPayload struct {
	JobID uuid.UUID `json:"job_id"`
	RunID string    `json:"run_id"`
}

// NewMessage wraps payload in an envelope with a fresh ID.
func NewMessage(t MessageType, payload any) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Type:      t,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// Publisher publishes persistent JSON messages.
type Publisher struct {
	conn     *Connection
	topology Topology
	logger   *slog.Logger
}

// NewPublisher creates a Publisher on conn.
func NewPublisher(conn *Connection, topology Topology, logger *slog.Logger) *Publisher {
	return &Publisher{conn: conn, topology: topology, logger: logger}
}

// Publish sends msg to exchange with routingKey.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(ctx, string(exchange), string(routingKey), false, false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    msg.ID,
				Timestamp:    msg.Timestamp,
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)
		return nil
	})
}

// PublishJobReady announces that job jobID for runID can be picked up.
func (p *Publisher) PublishJobReady(ctx context.Context, jobID uuid.UUID, runID string) error {
	msg := NewMessage(MessageTypeJobReady, JobReadyPayload{JobID: jobID, RunID: runID})
	return p.Publish(ctx, ExchangeJobs, p.topology.ReadyRoutingKey(), msg)
}
