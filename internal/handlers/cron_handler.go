package handlers

import (
	"context"

	"chirp/internal/api/response"
	"chirp/internal/drip"

	"github.com/labstack/echo/v4"
)

// DripRunner runs one processing pass.
type DripRunner interface {
	Run(ctx context.Context) (drip.RunReport, error)
}

// CronHandler lets an external scheduler trigger the drip processor.
type CronHandler struct {
	drips DripRunner
}

func NewCronHandler(drips DripRunner) *CronHandler {
	return &CronHandler{drips: drips}
}

// ProcessDrips enqueues due steps, declares A/B winners and prunes old logs.
// Per-enrollment failures are listed in the report; the pass still succeeds.
func (h *CronHandler) ProcessDrips(c echo.Context) error {
	report, err := h.drips.Run(c.Request().Context())
	if err != nil {
		return response.Internal(err)
	}
	return response.OK(c, report)
}
