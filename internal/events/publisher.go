// Package events publishes batch lifecycle events to RabbitMQ.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/timmy/phonefarm/internal/domain"
)

// BatchCompleted is the body of the batch completion event.
type BatchCompleted struct {
	BatchID         string    `json:"batch_id"`
	TotalRequested  int       `json:"total_requested"`
	Successful      int       `json:"successful"`
	Failed          int       `json:"failed"`
	DurationSeconds int       `json:"duration_seconds"`
	FailedAccounts  []string  `json:"failed_accounts,omitempty"`
	CompletedAt     time.Time `json:"completed_at"`
}

// NewBatchCompleted builds the event body from a summary.
func NewBatchCompleted(s *domain.BatchSummary, at time.Time) BatchCompleted {
	ev := BatchCompleted{
		BatchID:         s.BatchID,
		TotalRequested:  s.TotalRequested,
		Successful:      s.Successful,
		Failed:          s.Failed,
		DurationSeconds: s.DurationSeconds,
		CompletedAt:     at,
	}
	for _, r := range s.Results {
		if !r.Success {
			ev.FailedAccounts = append(ev.FailedAccounts, r.AccountID)
		}
	}
	return ev
}

// Publisher sends JSON events to a topic exchange.
type Publisher struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	exchange   string
	routingKey string
}

// Dial connects to the broker and declares the exchange.
func Dial(url, exchange, routingKey string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	p, err := NewPublisher(conn, exchange, routingKey)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

func NewPublisher(conn *amqp.Connection, exchange, routingKey string) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true, // durable
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	return &Publisher{
		channel:    ch,
		exchange:   exchange,
		routingKey: routingKey,
	}, nil
}

// PublishBatchCompleted sends the completion event for a batch.
func (p *Publisher) PublishBatchCompleted(ctx context.Context, s *domain.BatchSummary) error {
	body, err := json.Marshal(NewBatchCompleted(s, time.Now().UTC()))
	if err != nil {
		return err
	}
	return p.channel.PublishWithContext(ctx,
		p.exchange,
		p.routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    s.BatchID,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}

// Close releases the channel and, when owned, the connection.
func (p *Publisher) Close() error {
	err := p.channel.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
