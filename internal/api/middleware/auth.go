package middleware

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chirp/internal/api/response"
	"chirp/internal/models"
	"chirp/internal/utils"

	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
	"gorm.io/gorm"
)

// Context keys set by the auth middleware.
const (
	ContextUserID         = "userID"
	ContextOrganizationID = "organizationID"
	ContextRole           = "role"
	ContextScopes         = "scopes"
	ContextIsAPIKey       = "isAPIKey"
)

// APIKeyStore resolves an API key by its sha3 hash.
type APIKeyStore interface {
	FindAPIKeyByHash(ctx context.Context, hash string) (*models.APIKey, error)
	TouchAPIKey(ctx context.Context, id string, at time.Time) error
}

type AuthMiddleware struct {
	jwtSecret string
	keys      APIKeyStore
	now       func() time.Time
}

func NewAuthMiddleware(jwtSecret string, keys APIKeyStore) *AuthMiddleware {
	return &AuthMiddleware{
		jwtSecret: jwtSecret,
		keys:      keys,
		now:       time.Now,
	}
}

func (m *AuthMiddleware) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			// Check API Key first
			if apiKey := c.Request().Header.Get("X-API-Key"); apiKey != "" {
				if err := m.validateAPIKey(c, apiKey); err != nil {
					return err
				}
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return response.Unauthorized("Missing authorization header")
			}

			tokenParts := strings.SplitN(authHeader, " ", 2)
			if len(tokenParts) != 2 || !strings.EqualFold(tokenParts[0], "Bearer") {
				return response.Unauthorized("Invalid authorization header format")
			}

			if err := m.validateJWT(c, tokenParts[1]); err != nil {
				return err
			}
			return next(c)
		}
	}
}

func (m *AuthMiddleware) validateAPIKey(c echo.Context, key string) error {
	if m.keys == nil {
		return response.Unauthorized("API keys are not enabled")
	}

	ctx := c.Request().Context()
	info, err := m.keys.FindAPIKeyByHash(ctx, utils.HashAPIKey(key))
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && info == nil) {
		return response.Unauthorized("Invalid API key")
	}
	if err != nil {
		return response.Internal(fmt.Errorf("failed to look up api key: %w", err))
	}

	now := m.now()
	if info.Expired(now) {
		return response.Unauthorized("API key has expired")
	}
	// Usage stamp only, a failure here must not reject the request.
	_ = m.keys.TouchAPIKey(ctx, info.ID, now)

	c.Set(ContextOrganizationID, info.OrganizationID)
	c.Set(ContextScopes, []string(info.Scopes))
	c.Set(ContextIsAPIKey, true)
	return nil
}

func (m *AuthMiddleware) validateJWT(c echo.Context, tokenString string) error {
	claims := &utils.TokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.jwtSecret), nil
	})
	if err != nil || !token.Valid {
		return response.Unauthorized("Invalid token")
	}
	if claims.OrganizationID == "" {
		return response.Unauthorized("Token has no organization")
	}

	c.Set(ContextUserID, claims.UserID)
	c.Set(ContextOrganizationID, claims.OrganizationID)
	c.Set("email", claims.Email)
	c.Set(ContextRole, claims.Role)
	c.Set(ContextScopes, claims.Scopes)
	c.Set(ContextIsAPIKey, false)
	return nil
}

// Helper functions to get values from context
func GetUserID(c echo.Context) string {
	if id, ok := c.Get(ContextUserID).(string); ok {
		return id
	}
	return ""
}

func GetOrganizationID(c echo.Context) string {
	if id, ok := c.Get(ContextOrganizationID).(string); ok {
		return id
	}
	return ""
}

func GetUserRole(c echo.Context) string {
	if role, ok := c.Get(ContextRole).(string); ok {
		return role
	}
	return ""
}

func GetScopes(c echo.Context) []string {
	if scopes, ok := c.Get(ContextScopes).([]string); ok {
		return scopes
	}
	return nil
}

func IsAPIKey(c echo.Context) bool {
	if isAPIKey, ok := c.Get(ContextIsAPIKey).(bool); ok {
		return isAPIKey
	}
	return false
}
