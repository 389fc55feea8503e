package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPPublisher publishes events to a topic exchange, routed by event type.
type AMQPPublisher struct {
	conn     *amqp.Connection
	exchange string

	mu sync.Mutex
	ch *amqp.Channel
}

// NewAMQPPublisher dials url and declares a durable topic exchange.
func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("amqp url required")
	}
	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		exchange = "library.loans"
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &AMQPPublisher{conn: conn, exchange: exchange, ch: ch}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, evt Event) error {
	msg, err := amqpMessage(evt)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(ctx, p.exchange, string(evt.Type), false, false, msg)
}

// Close closes the channel and the connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.ch.Close()
	return p.conn.Close()
}

func amqpMessage(evt Event) (amqp.Publishing, error) {
	body, err := json.Marshal(evt)
	if err != nil {
		return amqp.Publishing{}, err
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    evt.LoanID + ":" + string(evt.Type),
		Type:         string(evt.Type),
		Timestamp:    evt.OccurredAt.Truncate(time.Second),
		Body:         body,
	}, nil
}
