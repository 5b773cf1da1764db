package consumer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"reconciler-service/awsx"
	"reconciler-service/models"
	"reconciler-service/services"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"
)

// SQSConsumer drains the webhook relay queue: deliveries the edge relay
// captured while this service was down or unreachable. Each message carries
// the original raw body and signature headers, so the same verification gate
// applies as on the live endpoint.
type SQSConsumer struct {
	client   *sqs.Client
	queueURL string
	verifier *services.WebhookVerifier
	ingestor *services.Ingestor
	metrics  *awsx.MetricsClient
	logger   *zap.Logger
}

func NewSQSConsumer(queueURL string, verifier *services.WebhookVerifier, ingestor *services.Ingestor, metrics *awsx.MetricsClient, logger *zap.Logger) (*SQSConsumer, error) {
	cfg, err := awsx.LoadAWSConfig(context.Background())
	if err != nil {
		return nil, err
	}
	return &SQSConsumer{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
		verifier: verifier,
		ingestor: ingestor,
		metrics:  metrics,
		logger:   logger,
	}, nil
}

func (c *SQSConsumer) Start(ctx context.Context) {
	c.logger.Info("Webhook relay consumer started", zap.String("queue", c.queueURL))
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Webhook relay consumer shutting down")
			return
		default:
			c.poll(ctx)
		}
	}
}

func (c *SQSConsumer) poll(ctx context.Context) {
	output, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     5, // long polling
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.logger.Error("SQS receive error", zap.Error(err))
		time.Sleep(5 * time.Second)
		return
	}

	for _, msg := range output.Messages {
		c.processMessage(ctx, msg.Body, msg.ReceiptHandle)
	}
}

// snsEnvelope unwraps the SNS → SQS message wrapper.
type snsEnvelope struct {
	Message string `json:"Message"`
}

// relayedDelivery is one captured webhook: the raw body plus the original
// signature headers, body base64-encoded to survive the double JSON hop.
type relayedDelivery struct {
	DeliveryID string `json:"delivery_id"`
	Timestamp  string `json:"timestamp"`
	Signature  string `json:"signature"`
	Body       string `json:"body"`
}

func (c *SQSConsumer) processMessage(ctx context.Context, body *string, receiptHandle *string) {
	if body == nil || *body == "" {
		c.logger.Error("Received empty SQS message body")
		return
	}
	if receiptHandle == nil || *receiptHandle == "" {
		c.logger.Error("Received empty SQS receipt handle")
		return
	}

	var envelope snsEnvelope
	if err := json.Unmarshal([]byte(*body), &envelope); err != nil {
		c.logger.Error("Failed to unmarshal SNS envelope", zap.Error(err))
		c.deleteMessage(ctx, receiptHandle) // unparseable; delete to avoid an infinite loop
		return
	}

	var delivery relayedDelivery
	if err := json.Unmarshal([]byte(envelope.Message), &delivery); err != nil {
		c.logger.Error("Failed to unmarshal relayed delivery", zap.Error(err))
		c.deleteMessage(ctx, receiptHandle)
		return
	}

	raw, err := base64.StdEncoding.DecodeString(delivery.Body)
	if err != nil {
		// Older relay versions sent the body as a plain string.
		raw = []byte(delivery.Body)
	}

	headers := map[string]string{
		services.HeaderDeliveryID: delivery.DeliveryID,
		services.HeaderTimestamp:  delivery.Timestamp,
		services.HeaderSignature:  delivery.Signature,
	}
	// Relayed deliveries are usually past the freshness window; staleness
	// does not make them inauthentic, so only the signature gate holds.
	if err := c.verifier.Verify(raw, headers); err != nil && !errors.Is(err, models.ErrStaleTimestamp) {
		c.logger.Warn("Relayed delivery failed verification",
			zap.String("delivery_id", delivery.DeliveryID),
			zap.Error(err),
		)
		c.countMetric(awsx.MetricWebhooksRejected)
		c.deleteMessage(ctx, receiptHandle)
		return
	}

	occurredAt := time.Now().UTC()
	if ts, err := strconv.ParseFloat(delivery.Timestamp, 64); err == nil {
		occurredAt = time.Unix(int64(ts), 0).UTC()
	}

	if _, err := c.ingestor.Process(ctx, delivery.DeliveryID, occurredAt, raw); err != nil {
		c.logger.Error("Failed to process relayed delivery",
			zap.String("delivery_id", delivery.DeliveryID),
			zap.Error(err),
		)
		return // SQS retries after the visibility timeout
	}

	c.countMetric(awsx.MetricSQSMessages)
	c.deleteMessage(ctx, receiptHandle)
}

func (c *SQSConsumer) deleteMessage(ctx context.Context, receiptHandle *string) {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: receiptHandle,
	})
	if err != nil {
		c.logger.Error("Failed to delete SQS message", zap.Error(err))
	}
}

func (c *SQSConsumer) countMetric(name string) {
	if c.metrics == nil {
		return
	}
	go func() {
		bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.metrics.RecordCount(bg, name, nil)
	}()
}
