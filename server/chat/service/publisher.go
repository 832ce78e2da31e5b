package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"supportdesk/server/common/infra/mq"
)

const EventsExchange = "livechat.events"

// Routing keys on EventsExchange.
const (
	KeySessionCreated  = "session.created"
	KeySessionAssigned = "session.assigned"
	KeySessionEnded    = "session.ended"
	KeyMessageCreated  = "message.created"
)

// Publisher hands domain events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, key string, payload any) error
	Close()
}

type AMQPPublisher struct {
	mu      sync.Mutex
	channel *amqp.Channel
}

func NewAMQPPublisher(conn *amqp.Connection) (*AMQPPublisher, error) {
	ch, err := mq.DeclareTopic(conn, EventsExchange)
	if err != nil {
		return nil, err
	}
	return &AMQPPublisher{channel: ch}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, key string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel == nil {
		return amqp.ErrClosed
	}
	return p.channel.PublishWithContext(ctx, EventsExchange, key, false, false, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   uuid.NewString(),
		Body:        body,
		Timestamp:   time.Now(),
	})
}

func (p *AMQPPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		_ = p.channel.Close()
		p.channel = nil
	}
}

// NopPublisher drops every event. It stands in when the broker is disabled.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, key string, payload any) error { return nil }
func (NopPublisher) Close()                                                     {}
