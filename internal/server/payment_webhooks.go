package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/mawared/internal/payment/webhook"
	"go.uber.org/zap"
)

func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	body := http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBodyBytes)
	payload, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.log.Warn("webhook body too large", zap.Int64("limit", tooLarge.Limit))
		}
		c.Set("webhook_state", string(webhook.StateRejectedPayload))
		c.JSON(http.StatusBadRequest, webhook.Result{
			Success: false,
			Error:   "Invalid payload",
			Code:    webhook.CodeInvalidPayload,
		})
		return
	}

	result := s.webhooks.Ingest(c.Request.Context(), payload, c.Request.Header)
	c.Set("webhook_state", string(result.State))
	if result.Event != "" {
		c.Set("webhook_event", result.Event)
	}
	c.JSON(result.StatusCode, result)
}

func (s *Server) GetPaymentWebhookStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.webhooks.Status(c.Request.Context()))
}
