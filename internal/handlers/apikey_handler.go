package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"chirp/internal/api/middleware"
	"chirp/internal/api/response"
	"chirp/internal/models"

	"github.com/labstack/echo/v4"
)

// APIKeyService manages an organization's API keys.
type APIKeyService interface {
	CreateAPIKey(ctx context.Context, orgID, name string, scopes []string, expiresAt *time.Time) (*models.APIKey, string, error)
	ListAPIKeys(ctx context.Context, orgID string) ([]models.APIKey, error)
	RevokeAPIKey(ctx context.Context, orgID, id string) error
}

// 🔑 APIKeyHandler issues and revokes API keys.
type APIKeyHandler struct {
	keys APIKeyService
}

func NewAPIKeyHandler(keys APIKeyService) *APIKeyHandler {
	return &APIKeyHandler{keys: keys}
}

type createAPIKeyRequest struct {
	Name      string     `json:"name" validate:"required,max=100"`
	Scopes    []string   `json:"scopes" validate:"required,min=1"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

// createdAPIKey carries the plaintext key; it is shown once.
type createdAPIKey struct {
	*models.APIKey
	Key string `json:"key"`
}

var validScopes = map[string]bool{
	middleware.ScopeRead:  true,
	middleware.ScopeWrite: true,
	middleware.ScopeAdmin: true,
}

// Create issues a key with scopes like "contacts:READ" or "*:ADMIN".
// @Summary Create API key
// @Accept json
// @Produce json
// @Success 201 {object} createdAPIKey
// @Router /api/v2/api-keys [post]
func (h *APIKeyHandler) Create(c echo.Context) error {
	var req createAPIKeyRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	for i, s := range req.Scopes {
		res, scope, ok := strings.Cut(s, ":")
		scope = strings.ToUpper(scope)
		if !ok || res == "" || !validScopes[scope] {
			return response.Validation("Validation failed", []response.FieldError{{
				Field:   fmt.Sprintf("scopes[%d]", i),
				Message: "must look like resource:READ, resource:WRITE or resource:ADMIN",
				Value:   s,
			}})
		}
		req.Scopes[i] = res + ":" + scope
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(time.Now()) {
		return response.Validation("expiresAt must be in the future", nil)
	}

	key, plain, err := h.keys.CreateAPIKey(c.Request().Context(), middleware.GetOrganizationID(c), req.Name, req.Scopes, req.ExpiresAt)
	if err != nil {
		return response.Internal(err)
	}
	return response.Created(c, createdAPIKey{APIKey: key, Key: plain})
}

func (h *APIKeyHandler) List(c echo.Context) error {
	keys, err := h.keys.ListAPIKeys(c.Request().Context(), middleware.GetOrganizationID(c))
	if err != nil {
		return response.Internal(err)
	}
	return response.OK(c, keys)
}

func (h *APIKeyHandler) Revoke(c echo.Context) error {
	if err := h.keys.RevokeAPIKey(c.Request().Context(), middleware.GetOrganizationID(c), c.Param("id")); err != nil {
		return serviceError(err, "API key")
	}
	return c.NoContent(http.StatusNoContent)
}
