package controllers

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"reconciler-service/services"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

// WebhookProcessor is the ingest pipeline behind the endpoint.
type WebhookProcessor interface {
	Process(ctx context.Context, deliveryID string, occurredAt time.Time, body []byte) (services.IngestResult, error)
}

// WebhookController is the provider's inbound delivery endpoint: verify the
// signature gate, then hand the raw body to the ingest pipeline.
type WebhookController struct {
	verifier *services.WebhookVerifier
	ingestor WebhookProcessor
	logger   *zap.Logger
}

func NewWebhookController(verifier *services.WebhookVerifier, ingestor WebhookProcessor, logger *zap.Logger) *WebhookController {
	return &WebhookController{verifier: verifier, ingestor: ingestor, logger: logger}
}

// Receive handles POST /webhooks/provider.
//
// Status contract: 401 for anything the signature gate rejects, 400 for
// structurally unusable requests past the gate, 200 for everything accepted
// or deliberately suppressed, 5xx only when retrying could help.
func (wc *WebhookController) Receive(ctx *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxWebhookBody))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	headers := map[string]string{
		services.HeaderDeliveryID: ctx.GetHeader(services.HeaderDeliveryID),
		services.HeaderTimestamp:  ctx.GetHeader(services.HeaderTimestamp),
		services.HeaderSignature:  ctx.GetHeader(services.HeaderSignature),
	}
	if err := wc.verifier.Verify(body, headers); err != nil {
		wc.logger.Warn("Webhook rejected",
			zap.String("delivery_id", headers[services.HeaderDeliveryID]),
			zap.Error(err),
		)
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	deliveryID := headers[services.HeaderDeliveryID]
	if deliveryID == "" {
		// Verification bypassed and the relay sent no id; nothing to dedup on.
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "missing webhook-id header"})
		return
	}

	occurredAt := time.Now().UTC()
	if ts, err := strconv.ParseFloat(headers[services.HeaderTimestamp], 64); err == nil {
		occurredAt = time.Unix(int64(ts), 0).UTC()
	}

	result, err := wc.ingestor.Process(ctx.Request.Context(), deliveryID, occurredAt, body)
	if err != nil {
		if result.Status == services.IngestIgnored {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		wc.logger.Error("Webhook processing failed",
			zap.String("delivery_id", deliveryID),
			zap.Error(err),
		)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"status": string(result.Status),
		"kind":   string(result.Kind),
	})
}
