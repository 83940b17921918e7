package handlers

import (
	"context"
	"io"
	"net/http"

	"chirp/internal/api/response"
	"chirp/internal/drip"
	"chirp/internal/utils/logger"
	"chirp/internal/whatsapp"

	"github.com/labstack/echo/v4"
)

const maxWebhookBody = 1 << 20

// EventApplier consumes parsed WhatsApp events.
type EventApplier interface {
	Apply(ctx context.Context, events []whatsapp.Event) (drip.TrackReport, error)
}

// 📬 WebhookHandler receives WhatsApp Cloud API callbacks.
type WebhookHandler struct {
	appSecret   string
	verifyToken string
	events      EventApplier
	log         *logger.Logger
}

func NewWebhookHandler(appSecret, verifyToken string, events EventApplier) *WebhookHandler {
	return &WebhookHandler{
		appSecret:   appSecret,
		verifyToken: verifyToken,
		events:      events,
		log:         logger.New("WEBHOOK"),
	}
}

// Verify answers the subscription handshake by echoing hub.challenge.
// @Summary Verify WhatsApp webhook
// @Produce plain
// @Param hub.mode query string true "subscribe"
// @Param hub.verify_token query string true "Configured verify token"
// @Param hub.challenge query string true "Challenge to echo"
// @Success 200 {string} string
// @Failure 403 {object} response.AppError
// @Router /webhooks/whatsapp [get]
func (h *WebhookHandler) Verify(c echo.Context) error {
	if c.QueryParam("hub.mode") != "subscribe" || h.verifyToken == "" || c.QueryParam("hub.verify_token") != h.verifyToken {
		return response.Forbidden("Webhook verification failed")
	}
	return c.String(http.StatusOK, c.QueryParam("hub.challenge"))
}

// Receive applies delivery statuses and replies. Payloads without a valid
// signature are rejected; everything else is acknowledged with 200 so the
// platform does not redeliver events we already stored.
func (h *WebhookHandler) Receive(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return response.BadRequest("Unreadable body")
	}
	if !whatsapp.VerifySignature(h.appSecret, body, c.Request().Header.Get("X-Hub-Signature-256")) {
		return response.Unauthorized("Invalid signature")
	}

	payload, err := whatsapp.ParseWebhook(body)
	if err != nil {
		return response.BadRequest("Invalid payload")
	}

	report, err := h.events.Apply(c.Request().Context(), payload.Events())
	if err != nil {
		h.log.Error("failed to apply webhook events: %v", err)
		return response.Internal(err)
	}
	return response.OK(c, report)
}
