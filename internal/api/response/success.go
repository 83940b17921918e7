package response

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Envelope wraps successful payloads.
type Envelope struct {
	Data interface{} `json:"data"`
	Meta interface{} `json:"meta,omitempty"`
}

func OK(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, Envelope{Data: data})
}

func Created(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusCreated, Envelope{Data: data})
}

func Accepted(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusAccepted, Envelope{Data: data})
}

func WithMeta(c echo.Context, data, meta interface{}) error {
	return c.JSON(http.StatusOK, Envelope{Data: data, Meta: meta})
}

// Page is a list response: {data, pagination}.
type Page struct {
	Data       interface{} `json:"data"`
	Pagination interface{} `json:"pagination"`
}

func Paginated(c echo.Context, data, meta interface{}) error {
	return c.JSON(http.StatusOK, Page{Data: data, Pagination: meta})
}
