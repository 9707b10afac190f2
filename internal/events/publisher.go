// Package events publishes booking lifecycle events to RabbitMQ.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"parking-service/internal/availability"
)

// BookingEvent is the message body for every booking routing key.
type BookingEvent struct {
	Event           string `json:"event"`
	BookingID       string `json:"booking_id"`
	ParkingID       string `json:"parking_id"`
	UserID          string `json:"user_id"`
	Status          string `json:"status"`
	StartsAt        string `json:"starts_at"`
	EndsAt          string `json:"ends_at"`
	TotalPriceCents int64  `json:"total_price_cents"`
	OccurredAt      string `json:"occurred_at"`
}

func NewBookingEvent(event string, b availability.Booking, at time.Time) BookingEvent {
	return BookingEvent{
		Event:           event,
		BookingID:       b.ID,
		ParkingID:       b.ParkingID,
		UserID:          b.UserID,
		Status:          string(b.Status),
		StartsAt:        b.Interval.Start.UTC().Format(time.RFC3339),
		EndsAt:          b.Interval.End.UTC().Format(time.RFC3339),
		TotalPriceCents: b.TotalPriceCents,
		OccurredAt:      at.UTC().Format(time.RFC3339),
	}
}

// AMQPPublisher publishes persistent JSON messages on a durable topic
// exchange, using the event name as routing key.
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

func DialAMQP(url, exchange string) (*AMQPPublisher, error) {
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
	return &AMQPPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

func (p *AMQPPublisher) BookingChanged(ctx context.Context, event string, b availability.Booking) error {
	now := time.Now()
	body, err := json.Marshal(NewBookingEvent(event, b, now))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(ctx, p.exchange, event, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    now.UTC(),
		MessageId:    b.ID + ":" + event,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", event, err)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	Events []BookingEvent
}

func (r *Recorder) BookingChanged(_ context.Context, event string, b availability.Booking) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, NewBookingEvent(event, b, time.Now()))
	return nil
}

func (r *Recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.Events))
	for i, e := range r.Events {
		out[i] = e.Event
	}
	return out
}
