// Package events publishes order lifecycle events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"restaurant-ordering/batch"
	"restaurant-ordering/models"
)

type Type string

const (
	OrderPersisted     Type = "order.persisted"
	OrderStatusChanged Type = "order.status_changed"
)

type Event struct {
	Type         Type               `json:"type"`
	OrderID      uint               `json:"order_id"`
	UserID       uint               `json:"user_id"`
	RestaurantID uint               `json:"restaurant_id"`
	TotalAmount  string             `json:"total_amount,omitempty"`
	FromStatus   models.OrderStatus `json:"from_status,omitempty"`
	ToStatus     models.OrderStatus `json:"to_status"`
	ChangedBy    uint               `json:"changed_by,omitempty"`
	OccurredAt   time.Time          `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Kafka struct {
	writer messageWriter
}

// NewKafka builds a publisher writing to topic on brokers. Messages are keyed
// by order id so one order's events stay on one partition.
func NewKafka(brokers []string, topic string) *Kafka {
	return &Kafka{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.CRC32Balancer{},
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}}
}

func (k *Kafka) Publish(ctx context.Context, events ...Event) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		body, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(strconv.FormatUint(uint64(e.OrderID), 10)),
			Value: body,
			Headers: []kafka.Header{
				{Key: "type", Value: []byte(e.Type)},
			},
			Time: e.OccurredAt,
		})
	}
	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write %d events: %w", len(msgs), err)
	}
	return nil
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}

type Nop struct{}

func (Nop) Publish(context.Context, ...Event) error { return nil }
func (Nop) Close() error                            { return nil }

// StatusChanged describes a committed transition of order.
func StatusChanged(order *models.Order, from models.OrderStatus, changedBy uint, at time.Time) Event {
	return Event{
		Type:         OrderStatusChanged,
		OrderID:      order.ID,
		UserID:       order.UserID,
		RestaurantID: order.RestaurantID,
		FromStatus:   from,
		ToStatus:     order.Status,
		ChangedBy:    changedBy,
		OccurredAt:   at.UTC(),
	}
}

// OnCommit returns a flusher hook publishing one order.persisted event per
// order in a committed batch. Publish errors are logged; the batch is
// already durable.
func OnCommit(pub Publisher, logger zerolog.Logger) batch.CommitHook {
	return func(ctx context.Context, records []batch.Record) {
		var evs []Event
		for _, r := range records {
			if r.Kind() != batch.KindOrder {
				continue
			}
			evs = append(evs, Event{
				Type:         OrderPersisted,
				OrderID:      r.Order.ID,
				UserID:       r.Order.UserID,
				RestaurantID: r.Order.RestaurantID,
				TotalAmount:  r.Order.TotalAmount.StringFixed(2),
				ToStatus:     r.Order.Status,
				OccurredAt:   r.Order.OrderTime,
			})
		}
		if err := pub.Publish(ctx, evs...); err != nil {
			logger.Warn().Err(err).Int("events", len(evs)).Msg("failed to publish order.persisted events")
		}
	}
}
