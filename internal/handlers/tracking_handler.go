package handlers

import (
	"context"
	"net/http"

	"chirp/internal/api/response"
	"chirp/internal/drip"
	"chirp/internal/models"
	"chirp/internal/utils"
	"chirp/internal/utils/logger"

	"github.com/labstack/echo/v4"
)

var trackingLog = logger.New("TRACKING_HANDLER")

// ClickRecorder stores a click on a tracked link.
type ClickRecorder interface {
	RecordClick(ctx context.Context, click drip.Click) (*models.MessageLog, error)
}

// 🔍 TrackingHandler handles click tracking for links in drip messages
type TrackingHandler struct {
	clicks ClickRecorder
}

// 🆕 NewTrackingHandler creates a new tracking handler
func NewTrackingHandler(clicks ClickRecorder) *TrackingHandler {
	return &TrackingHandler{clicks: clicks}
}

// 🔗 TrackClick records the click and redirects to the original link
// @Summary Track a link click
// @Param logId path string true "Message log ID"
// @Param u query string true "Target URL"
// @Success 302 "Redirect to target"
// @Failure 400 {object} response.AppError "Missing or unsafe target"
// @Router /t/{logId} [get]
func (h *TrackingHandler) TrackClick(c echo.Context) error {
	target := c.QueryParam("u")
	if !utils.IsSafeRedirect(target) {
		return response.BadRequest("Invalid redirect target")
	}

	// the visitor is redirected even when recording fails
	_, err := h.clicks.RecordClick(c.Request().Context(), drip.Click{
		MessageLogID: c.Param("logId"),
		URL:          target,
		IPAddress:    c.RealIP(),
		UserAgent:    c.Request().UserAgent(),
	})
	if err != nil {
		trackingLog.Warn("click on %s not recorded: %v", c.Param("logId"), err)
	}
	return c.Redirect(http.StatusFound, target)
}
