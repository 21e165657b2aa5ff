package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/escolalink/escola-api/internal/service"
)

const signatureHeader = "X-Kiwify-Signature"

type webhookService interface {
	VerifySignature(body []byte, signature string) bool
	Process(ctx context.Context, body []byte) (*service.WebhookResult, error)
}

// WebhookHandler receives Kiwify payment events.
//
// The endpoint speaks the provider's contract rather than the API envelope:
// 200 acknowledges the event (including informational outcomes), 401 rejects
// a bad signature and 400 reports a processing failure so the provider
// retries delivery.
type WebhookHandler struct {
	service webhookService
	logger  *zap.Logger
}

// NewWebhookHandler constructs the handler.
func NewWebhookHandler(service webhookService, logger *zap.Logger) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandler{service: service, logger: logger}
}

// Kiwify godoc
// @Summary Ingest Kiwify webhook
// @Description Verify the HMAC signature and apply the payment event
// @Tags Webhooks
// @Accept json
// @Produce json
// @Param X-Kiwify-Signature header string true "Hex HMAC-SHA256 of the raw body"
// @Success 200 {object} map[string]string
// @Failure 400 {object} map[string]string
// @Failure 401 {object} map[string]string
// @Router /webhooks/kiwify [post]
func (h *WebhookHandler) Kiwify(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	if !h.service.VerifySignature(body, c.GetHeader(signatureHeader)) {
		h.logger.Warn("kiwify webhook rejected: bad signature", zap.String("ip", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}
	result, err := h.service.Process(c.Request.Context(), body)
	if err != nil {
		h.logger.Error("kiwify webhook processing failed", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": result.Message})
}
