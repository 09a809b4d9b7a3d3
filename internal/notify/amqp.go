package notify

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"bookline/internal/domain"
)

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQP publishes status updates to a topic exchange with routing key
// booking.<status>.
type AMQP struct {
	conn     *amqp.Connection
	ch       amqpChannel
	exchange string
}

// DialAMQP connects to the broker and declares the exchange.
func DialAMQP(url, exchange string) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &AMQP{conn: conn, ch: ch, exchange: exchange}, nil
}

// RoutingKey is the topic a status is published under.
func RoutingKey(status string) string {
	return "booking." + status
}

func (a *AMQP) SendBookingStatusUpdate(ctx context.Context, booking domain.Timeslot, infra domain.Infrastructure, update domain.StatusUpdate) error {
	b, err := json.Marshal(NewMessage(booking, infra, update))
	if err != nil {
		return err
	}
	err = a.ch.PublishWithContext(ctx, a.exchange, RoutingKey(update.Status), false, false, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   booking.ID + ":" + update.Status,
		Body:        b,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", RoutingKey(update.Status), err)
	}
	return nil
}

func (a *AMQP) Close() error {
	if a.ch != nil {
		_ = a.ch.Close()
	}
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}
