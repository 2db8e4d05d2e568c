package notify

import (
	"context"
	"encoding/json"
	"time"

	"digital-delivery/internal/domain"

	"github.com/IBM/sarama"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Dispatcher sends the buyer's receipt once an order is paid.
type Dispatcher interface {
	SendReceipt(ctx context.Context, order *domain.Order, grants []domain.Grant) error
}

// ReceiptEvent is the message consumed by the mailer.
type ReceiptEvent struct {
	EventType   string      `json:"event_type"`
	OrderID     string      `json:"order_id"`
	BuyerID     string      `json:"buyer_id"`
	TotalAmount int64       `json:"total_amount"`
	Currency    string      `json:"currency"`
	PaidAt      *time.Time  `json:"paid_at,omitempty"`
	Grants      []GrantLine `json:"grants"`
}

type GrantLine struct {
	GrantID      string     `json:"grant_id"`
	FileID       string     `json:"file_id"`
	MaxDownloads *int       `json:"max_downloads,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

func InitProducer(brokers []string, logger *zap.Logger) (sarama.SyncProducer, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, errors.Wrap(err, "create kafka producer")
	}

	logger.Info("Kafka producer initialized")
	return producer, nil
}

type kafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, logger *zap.Logger) Dispatcher {
	return &kafkaDispatcher{producer: producer, topic: topic, logger: logger}
}

func (d *kafkaDispatcher) SendReceipt(ctx context.Context, order *domain.Order, grants []domain.Grant) error {
	event := ReceiptEvent{
		EventType:   "order_receipt",
		OrderID:     order.ID.String(),
		BuyerID:     order.BuyerID.String(),
		TotalAmount: order.TotalAmount,
		Currency:    order.Currency,
		PaidAt:      order.PaidAt,
		Grants:      make([]GrantLine, 0, len(grants)),
	}
	for _, g := range grants {
		event.Grants = append(event.Grants, GrantLine{
			GrantID:      g.ID.String(),
			FileID:       g.FileID.String(),
			MaxDownloads: g.MaxDownloads,
			ExpiresAt:    g.ExpiresAt,
		})
	}

	value, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshal receipt")
	}

	partition, offset, err := d.producer.SendMessage(&sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(event.OrderID),
		Value: sarama.ByteEncoder(value),
	})
	if err != nil {
		return errors.Wrap(err, "send receipt")
	}

	d.logger.Info("Receipt published",
		zap.String("order_id", event.OrderID),
		zap.String("topic", d.topic),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}

// logDispatcher stands in when Kafka is disabled.
type logDispatcher struct {
	logger *zap.Logger
}

func NewLogDispatcher(logger *zap.Logger) Dispatcher {
	return &logDispatcher{logger: logger}
}

func (d *logDispatcher) SendReceipt(_ context.Context, order *domain.Order, grants []domain.Grant) error {
	d.logger.Info("Receipt (kafka disabled)",
		zap.String("order_id", order.ID.String()),
		zap.Int("grants", len(grants)),
	)
	return nil
}
