package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/genforge/api/internal/service"
	"github.com/genforge/api/pkg/response"
)

const headerWebhookToken = "X-Webhook-Token"

type WebhookHandler struct {
	webhooks *service.WebhookService
}

func NewWebhookHandler(webhooks *service.WebhookService) *WebhookHandler {
	return &WebhookHandler{webhooks: webhooks}
}

// Receive handles POST /webhooks/provider. The shared token comes from the
// query string we registered with the provider, or from a header.
func (h *WebhookHandler) Receive(c *fiber.Ctx) error {
	token := c.Query("token")
	if token == "" {
		token = c.Get(headerWebhookToken)
	}
	if err := h.webhooks.Authorize(token); err != nil {
		return writeError(c, err, nil)
	}

	job, err := h.webhooks.HandleCallback(c.UserContext(), c.Body())
	if err != nil {
		return writeError(c, err, nil)
	}
	return response.OK(c, fiber.Map{"status": "ok", "job_status": job.Status})
}
