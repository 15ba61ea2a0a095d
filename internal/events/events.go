package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"PaymentProcessor/internal/models"

	"github.com/holiman/uint256"
	"github.com/segmentio/kafka-go"
)

const DefaultTopic = "payment-processor.audit"

type envelope struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	MerchantID  string    `json:"merchant_id"`
	OrderID     string    `json:"order_id"`
	Counterpart string    `json:"counterpart,omitempty"`
	Asset       string    `json:"asset,omitempty"`
	Price       string    `json:"price,omitempty"`
	Fee         string    `json:"fee,omitempty"`
	Discount    string    `json:"discount,omitempty"`
	Amount      string    `json:"amount,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Encode renders an audit event as the JSON document consumers read.
// Amounts are decimal strings; the native asset is omitted.
func Encode(merchantID string, ev *models.Event) ([]byte, error) {
	return json.Marshal(envelope{
		ID:          ev.ID,
		Type:        string(ev.Kind),
		MerchantID:  merchantID,
		OrderID:     strconv.FormatUint(ev.OrderID, 10),
		Counterpart: ev.Counterpart.String(),
		Asset:       ev.Asset.String(),
		Price:       dec(ev.Price),
		Fee:         dec(ev.Fee),
		Discount:    dec(ev.Discount),
		Amount:      dec(ev.Amount),
		Reason:      ev.Reason,
		OccurredAt:  ev.CreatedAt,
	})
}

func dec(v *uint256.Int) string {
	if v == nil {
		return ""
	}
	return v.Dec()
}

type KafkaPublisher struct {
	writer       *kafka.Writer
	merchantID   string
	topic        string
	topicByEvent map[string]string
}

func NewKafkaPublisher(brokers []string, merchantID, topic string, topicByEvent map[string]string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
		merchantID:   merchantID,
		topic:        topic,
		topicByEvent: topicByEvent,
	}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev *models.Event) error {
	msg, err := p.message(ev)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, msg)
}

// message keys by order id so one order's events stay on one partition.
func (p *KafkaPublisher) message(ev *models.Event) (kafka.Message, error) {
	payload, err := Encode(p.merchantID, ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	topic := p.topic
	if mapped, ok := p.topicByEvent[string(ev.Kind)]; ok && mapped != "" {
		topic = mapped
	}
	return kafka.Message{
		Topic: topic,
		Key:   []byte(strconv.FormatUint(ev.OrderID, 10)),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event-id", Value: []byte(ev.ID)},
			{Key: "event-type", Value: []byte(ev.Kind)},
		},
		Time: time.Now().UTC(),
	}, nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher writes events to the structured log, for deployments
// without a broker.
type LogPublisher struct {
	MerchantID string
	Logger     *slog.Logger
}

func (p LogPublisher) Publish(ctx context.Context, ev *models.Event) error {
	payload, err := Encode(p.MerchantID, ev)
	if err != nil {
		return err
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "audit event", slog.String("event_id", ev.ID), slog.String("type", string(ev.Kind)), slog.String("payload", string(payload)))
	return nil
}

func (p LogPublisher) Close() error { return nil }
