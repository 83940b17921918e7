package response

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"chirp/internal/api/pagination"
	"chirp/internal/utils/logger"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"gorm.io/gorm"
)

// Error codes of the JSON error body.
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeInvalidCursor      = "INVALID_CURSOR"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeNotFound           = "NOT_FOUND"
	CodeConflict           = "CONFLICT"
	CodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	CodeInternal           = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeBadRequest         = "BAD_REQUEST"
)

// AppError is rendered as {error, code, details}.
type AppError struct {
	Status  int         `json:"-"`
	Message string      `json:"error"`
	Code    string      `json:"code"`
	Details interface{} `json:"details"`
	Err     error       `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

// FieldError is one entry of a validation error's details.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   string `json:"value,omitempty"`
}

func Validation(message string, details interface{}) *AppError {
	return &AppError{Status: http.StatusBadRequest, Message: message, Code: CodeValidation, Details: details}
}

func BadRequest(message string) *AppError {
	return &AppError{Status: http.StatusBadRequest, Message: message, Code: CodeBadRequest}
}

func InvalidCursor() *AppError {
	return &AppError{Status: http.StatusBadRequest, Message: "Invalid cursor", Code: CodeInvalidCursor, Err: pagination.ErrInvalidCursor}
}

func Unauthorized(message string) *AppError {
	return &AppError{Status: http.StatusUnauthorized, Message: message, Code: CodeUnauthorized}
}

func Forbidden(message string) *AppError {
	return &AppError{Status: http.StatusForbidden, Message: message, Code: CodeForbidden}
}

func NotFound(resource string) *AppError {
	return &AppError{Status: http.StatusNotFound, Message: resource + " not found", Code: CodeNotFound}
}

func Conflict(message string) *AppError {
	return &AppError{Status: http.StatusConflict, Message: message, Code: CodeConflict}
}

func RateLimited(details interface{}) *AppError {
	return &AppError{Status: http.StatusTooManyRequests, Message: "Too many requests", Code: CodeRateLimitExceeded, Details: details}
}

func Internal(err error) *AppError {
	return &AppError{Status: http.StatusInternalServerError, Message: "Internal server error", Code: CodeInternal, Err: err}
}

func Unavailable(message string, err error) *AppError {
	return &AppError{Status: http.StatusServiceUnavailable, Message: message, Code: CodeServiceUnavailable, Err: err}
}

// FromError maps any error onto the taxonomy.
func FromError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		details := make([]FieldError, 0, len(verrs))
		for _, fe := range verrs {
			details = append(details, FieldError{
				Field:   fe.Field(),
				Message: validationMessage(fe),
				Value:   fmt.Sprintf("%v", fe.Value()),
			})
		}
		return Validation("Validation failed", details)
	}

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		return fromHTTPError(httpErr)
	}

	switch {
	case errors.Is(err, pagination.ErrInvalidCursor):
		return InvalidCursor()
	case errors.Is(err, gorm.ErrRecordNotFound):
		return &AppError{Status: http.StatusNotFound, Message: "Resource not found", Code: CodeNotFound, Err: err}
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return &AppError{Status: http.StatusConflict, Message: "Resource already exists", Code: CodeConflict, Err: err}
	}

	return Internal(err)
}

func fromHTTPError(he *echo.HTTPError) *AppError {
	msg := http.StatusText(he.Code)
	if m, ok := he.Message.(string); ok && m != "" {
		msg = m
	}

	code := CodeInternal
	switch he.Code {
	case http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusRequestEntityTooLarge:
		code = CodeBadRequest
	case http.StatusUnauthorized:
		code = CodeUnauthorized
	case http.StatusForbidden:
		code = CodeForbidden
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		code = CodeNotFound
	case http.StatusConflict:
		code = CodeConflict
	case http.StatusTooManyRequests:
		code = CodeRateLimitExceeded
	case http.StatusServiceUnavailable:
		code = CodeServiceUnavailable
	}
	return &AppError{Status: he.Code, Message: msg, Code: code, Err: he.Internal}
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "email":
		return "must be a valid email address"
	case "e164":
		return "must be a phone number in E.164 format"
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "min", "max", "len":
		return fmt.Sprintf("failed %s=%s", fe.Tag(), fe.Param())
	default:
		return "is invalid"
	}
}

// HTTPErrorHandler renders every handler error as the JSON error body.
func HTTPErrorHandler(log *logger.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		appErr := FromError(err)
		if appErr.Status >= http.StatusInternalServerError {
			log.Error("%s %s: %v", c.Request().Method, c.Request().URL.Path, err)
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(appErr.Status)
		} else {
			err = c.JSON(appErr.Status, appErr)
		}
		if err != nil {
			log.Error("failed to write error response: %v", err)
		}
	}
}
