package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"settlement-svc/logging"
	"settlement-svc/models"
	"settlement-svc/payment"

	"github.com/IBM/sarama"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("settlement-service")

// Refunder is the refund engine as seen by the refund request consumer.
type Refunder interface {
	InitiateRequestedRefund(ctx context.Context, requestID string, id models.PaymentOrderID, amount *decimal.Decimal, reason string) (*models.PaymentRefund, error)
}

func InitConsumer(broker string, logger *zap.Logger) (sarama.Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Return.Errors = true

	consumer, err := sarama.NewConsumer([]string{broker}, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
	}

	logger.Info("Kafka consumer initialized", zap.String("broker", broker))
	return consumer, nil
}

// StartConsumer feeds refund requests from topic into the refund engine until
// ctx is cancelled.
func StartConsumer(ctx context.Context, consumer sarama.Consumer, topic string, refunds Refunder, logger *zap.Logger) error {
	partitionConsumer, err := consumer.ConsumePartition(topic, 0, sarama.OffsetNewest)
	if err != nil {
		return fmt.Errorf("failed to consume partition: %w", err)
	}
	defer partitionConsumer.Close()

	logger.Info("Kafka consumer started", zap.String("topic", topic))

	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-partitionConsumer.Messages():
			if !ok {
				return nil
			}
			if err := handleMessage(message, refunds, logger); err != nil {
				logger.Error("Failed to handle message", zap.Error(err))
			}
		case err, ok := <-partitionConsumer.Errors():
			if ok {
				logger.Error("Kafka consumer error", zap.Error(err))
			}
		}
	}
}

func handleMessage(message *sarama.ConsumerMessage, refunds Refunder, logger *zap.Logger) error {
	// Extract trace context from Kafka message headers
	carrier := saramaHeaderCarrierConsumer(message.Headers)
	ctx := otel.GetTextMapPropagator().Extract(context.Background(), carrier)

	ctx, span := tracer.Start(ctx, "ProcessRefundRequest")
	defer span.End()

	var req models.RefundRequest
	if err := json.Unmarshal(message.Value, &req); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to unmarshal refund request: %w", err)
	}
	if req.PaymentOrderID == "" {
		return errors.New("refund request without payment_order_id")
	}
	// requests without an id are keyed by their log position
	requestID := req.RequestID
	if requestID == "" {
		requestID = fmt.Sprintf("%s/%d/%d", message.Topic, message.Partition, message.Offset)
	}
	span.SetAttributes(
		attribute.String("payment_order.id", req.PaymentOrderID.String()),
		attribute.String("refund.request_id", requestID),
	)

	logger = logging.FromContext(ctx, logger).With(
		zap.String("payment_order_id", req.PaymentOrderID.String()),
		zap.String("request_id", requestID),
	)
	ctx = logging.WithLogger(ctx, logger)

	refund, err := refunds.InitiateRequestedRefund(ctx, requestID, req.PaymentOrderID, req.Amount, req.Reason)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, payment.ErrValidation) {
			// replaying an invalid request cannot succeed
			logger.Warn("Refund request rejected", zap.Error(err))
			return nil
		}
		return fmt.Errorf("failed to process refund request: %w", err)
	}

	span.SetAttributes(attribute.String("refund.id", refund.ID.String()))
	logger.Info("Refund request processed",
		zap.String("refund_id", refund.ID.String()),
		zap.String("status", string(refund.Status)),
		zap.String("amount", refund.Amount.StringFixed(2)),
	)
	return nil
}

// saramaHeaderCarrierConsumer implements the TextMapCarrier interface for Kafka headers (for consumer)
type saramaHeaderCarrierConsumer []*sarama.RecordHeader

func (c saramaHeaderCarrierConsumer) Get(key string) string {
	for _, h := range c {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c saramaHeaderCarrierConsumer) Set(key, value string) {
	// Not needed for extraction
}

func (c saramaHeaderCarrierConsumer) Keys() []string {
	keys := make([]string, len(c))
	for i, h := range c {
		keys[i] = string(h.Key)
	}
	return keys
}
