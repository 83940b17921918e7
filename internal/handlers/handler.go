package handlers

import (
	"errors"
	"net/http"

	"chirp/internal/api/response"
	"chirp/internal/drip"
	"chirp/internal/importer"
	"chirp/internal/services"
	"chirp/internal/tasks"

	"github.com/labstack/echo/v4"
)

// bind decodes and validates a request body.
func bind(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return response.BadRequest("Invalid request body")
	}
	return c.Validate(v)
}

// serviceError maps domain errors onto the HTTP taxonomy. Anything unknown
// goes through response.FromError.
func serviceError(err error, resource string) error {
	switch {
	case errors.Is(err, services.ErrInvalidCredentials):
		return response.Unauthorized("Invalid credentials")
	case errors.Is(err, services.ErrPlanLimit):
		return response.Forbidden(err.Error())
	case errors.Is(err, services.ErrInvalidState),
		errors.Is(err, services.ErrNoWinner),
		errors.Is(err, services.ErrInvalidPlan),
		errors.Is(err, drip.ErrCampaignNotActive),
		errors.Is(err, drip.ErrNoSteps):
		return response.Conflict(err.Error())
	case errors.Is(err, importer.ErrEmptyFile),
		errors.Is(err, importer.ErrNoPhoneColumn),
		errors.Is(err, importer.ErrInvalidPhone),
		errors.Is(err, importer.ErrPhoneRequired):
		return response.Validation(err.Error(), nil)
	case errors.Is(err, tasks.ErrQueueNotInitialized):
		return &response.AppError{Status: http.StatusNotFound, Message: err.Error(), Code: response.CodeNotFound, Err: err}
	}
	appErr := response.FromError(err)
	if appErr.Status == http.StatusNotFound && resource != "" {
		return response.NotFound(resource)
	}
	return appErr
}
