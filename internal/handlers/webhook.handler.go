package handlers

import (
	"context"

	"github.com/fasthttp/router"
	"github.com/nimasrn/message-dispatch/internal/model"
	xhttp "github.com/nimasrn/message-dispatch/pkg/http"
	"github.com/nimasrn/message-dispatch/pkg/logger"
)

type WebhookService interface {
	HandleWebhook(ctx context.Context, providerName string, payload []byte) (*model.DeliveryReceipt, error)
}

// WebhookHandler receives provider delivery callbacks. No tenant auth here:
// providers authenticate out of band (signed URLs, IP allowlists), and a bad
// payload is answered with 400 rather than retried forever by the provider.
type WebhookHandler struct {
	svc WebhookService
}

func RegisterWebhookRoutes(e *router.Group, h *WebhookHandler) {
	e.POST("/webhooks/{provider}", h.ReceiveCallback)
}

func NewWebhookHandler(svc WebhookService) *WebhookHandler {
	return &WebhookHandler{
		svc: svc,
	}
}

func (h *WebhookHandler) ReceiveCallback(ctx *xhttp.RequestCtx) {
	providerName, _ := ctx.UserValue("provider").(string)

	receipt, err := h.svc.HandleWebhook(ctx, providerName, ctx.PostBody())
	if err != nil {
		logger.Warn("webhook rejected", "provider", providerName, "error", err)
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, 200, receipt)
}
