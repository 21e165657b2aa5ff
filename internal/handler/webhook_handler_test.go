package handler

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/escolalink/escola-api/internal/service"
)

type webhookServiceStub struct {
	validSignature string
	result         *service.WebhookResult
	err            error
	processed      int
}

func (s *webhookServiceStub) VerifySignature(body []byte, signature string) bool {
	return signature != "" && signature == s.validSignature
}

func (s *webhookServiceStub) Process(ctx context.Context, body []byte) (*service.WebhookResult, error) {
	s.processed++
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func newWebhookTestRouter(stub *webhookServiceStub) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/webhooks/kiwify", NewWebhookHandler(stub, nil).Kiwify)
	return r
}

func postWebhook(r *gin.Engine, body, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/kiwify", bytes.NewBufferString(body))
	if signature != "" {
		req.Header.Set("X-Kiwify-Signature", signature)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestWebhookHandlerAcknowledgesValidEvent(t *testing.T) {
	stub := &webhookServiceStub{
		validSignature: "good",
		result:         &service.WebhookResult{Outcome: service.OutcomeGranted, Message: "purchase recorded and access granted"},
	}
	w := postWebhook(newWebhookTestRouter(stub), `{"webhook_event_type":"purchase_approved"}`, "good")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "access granted")
	assert.Equal(t, 1, stub.processed)
}

func TestWebhookHandlerRejectsBadSignature(t *testing.T) {
	stub := &webhookServiceStub{validSignature: "good"}
	w := postWebhook(newWebhookTestRouter(stub), `{"webhook_event_type":"purchase_approved"}`, "tampered")

	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "invalid signature")
	assert.Equal(t, 0, stub.processed, "payload must not be processed on signature failure")
}

func TestWebhookHandlerRejectsMissingSignature(t *testing.T) {
	stub := &webhookServiceStub{validSignature: "good"}
	w := postWebhook(newWebhookTestRouter(stub), `{"webhook_event_type":"purchase_approved"}`, "")

	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, 0, stub.processed)
}

func TestWebhookHandlerReportsProcessingFailure(t *testing.T) {
	stub := &webhookServiceStub{
		validSignature: "good",
		err:            errors.New("no purchase recorded for transaction"),
	}
	w := postWebhook(newWebhookTestRouter(stub), `{"webhook_event_type":"purchase_refunded"}`, "good")

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "no purchase recorded")
}
