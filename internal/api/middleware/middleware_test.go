package middleware

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"chirp/internal/api/response"
	"chirp/internal/models"
	"chirp/internal/ratelimit"
	"chirp/internal/utils"
	"chirp/internal/utils/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testSecret = "test-secret"

type fakeKeys struct {
	keys    map[string]*models.APIKey
	touched []string
}

func (f *fakeKeys) FindAPIKeyByHash(_ context.Context, hash string) (*models.APIKey, error) {
	if k, ok := f.keys[hash]; ok {
		return k, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeKeys) TouchAPIKey(_ context.Context, id string, _ time.Time) error {
	f.touched = append(f.touched, id)
	return nil
}

type fakePlans map[string]models.PlanTier

func (f fakePlans) OrganizationPlan(_ context.Context, orgID string) (models.PlanTier, error) {
	if p, ok := f[orgID]; ok {
		return p, nil
	}
	return "", gorm.ErrRecordNotFound
}

func newEcho() *echo.Echo {
	e := echo.New()
	e.HTTPErrorHandler = response.HTTPErrorHandler(logger.New("TEST").WithOutput(io.Discard))
	return e
}

func echoContext(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"userId":         GetUserID(c),
		"organizationId": GetOrganizationID(c),
		"isApiKey":       IsAPIKey(c),
		"version":        GetAPIVersion(c),
	})
}

func do(e *echo.Echo, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestAuth_JWT(t *testing.T) {
	e := newEcho()
	auth := NewAuthMiddleware(testSecret, nil)
	e.GET("/me", echoContext, auth.Middleware())

	rec := do(e, http.MethodGet, "/me", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, response.CodeUnauthorized, decode(t, rec)["code"])

	rec = do(e, http.MethodGet, "/me", map[string]string{"Authorization": "Token abc"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	bad, err := utils.IssueToken(utils.TokenClaims{UserID: "u1", OrganizationID: "o1"}, "other", time.Hour)
	require.NoError(t, err)
	rec = do(e, http.MethodGet, "/me", map[string]string{"Authorization": "Bearer " + bad})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	expired, err := utils.IssueToken(utils.TokenClaims{UserID: "u1", OrganizationID: "o1"}, testSecret, -time.Minute)
	require.NoError(t, err)
	rec = do(e, http.MethodGet, "/me", map[string]string{"Authorization": "Bearer " + expired})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	good, err := utils.IssueToken(utils.TokenClaims{UserID: "u1", OrganizationID: "o1", Role: "OWNER"}, testSecret, time.Hour)
	require.NoError(t, err)
	rec = do(e, http.MethodGet, "/me", map[string]string{"Authorization": "Bearer " + good})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "u1", body["userId"])
	assert.Equal(t, "o1", body["organizationId"])
	assert.Equal(t, false, body["isApiKey"])
}

func TestAuth_APIKey(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	keys := &fakeKeys{keys: map[string]*models.APIKey{
		utils.HashAPIKey("chk_live"):    {Base: models.Base{ID: "k1"}, OrganizationID: "o1", Scopes: []string{"contacts:READ"}},
		utils.HashAPIKey("chk_expired"): {Base: models.Base{ID: "k2"}, OrganizationID: "o1", ExpiresAt: &past},
	}}
	e := newEcho()
	e.GET("/me", echoContext, NewAuthMiddleware(testSecret, keys).Middleware())

	rec := do(e, http.MethodGet, "/me", map[string]string{"X-API-Key": "chk_live"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "o1", body["organizationId"])
	assert.Equal(t, "", body["userId"])
	assert.Equal(t, true, body["isApiKey"])
	assert.Equal(t, []string{"k1"}, keys.touched)

	rec = do(e, http.MethodGet, "/me", map[string]string{"X-API-Key": "chk_expired"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "API key has expired", decode(t, rec)["error"])

	rec = do(e, http.MethodGet, "/me", map[string]string{"X-API-Key": "chk_unknown"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHasScope(t *testing.T) {
	scopes := []string{"contacts:READ", "campaigns:write"}
	assert.True(t, HasScope(scopes, "contacts", http.MethodGet))
	assert.False(t, HasScope(scopes, "contacts", http.MethodPost))
	assert.True(t, HasScope(scopes, "campaigns", http.MethodPost))
	assert.True(t, HasScope(scopes, "campaigns", http.MethodGet))
	assert.False(t, HasScope(scopes, "imports", http.MethodGet))
	assert.True(t, HasScope([]string{"*:ADMIN"}, "jobs", http.MethodDelete))
	assert.False(t, HasScope([]string{"garbage"}, "contacts", http.MethodGet))
}

func TestRequirePermissions(t *testing.T) {
	e := newEcho()
	setKey := func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(ContextIsAPIKey, c.Request().Header.Get("X-Test-Key") != "")
			c.Set(ContextScopes, []string{c.Request().Header.Get("X-Test-Key")})
			c.Set(ContextRole, c.Request().Header.Get("X-Test-Role"))
			return next(c)
		}
	}
	e.Use(setKey)
	e.POST("/contacts", echoContext, RequirePermissions("contacts"))
	e.DELETE("/jobs", echoContext, RequireRole(models.UserRoleOwner, models.UserRoleAdmin))

	assert.Equal(t, http.StatusOK, do(e, http.MethodPost, "/contacts", nil).Code)
	assert.Equal(t, http.StatusForbidden, do(e, http.MethodPost, "/contacts", map[string]string{"X-Test-Key": "contacts:READ"}).Code)
	assert.Equal(t, http.StatusOK, do(e, http.MethodPost, "/contacts", map[string]string{"X-Test-Key": "contacts:WRITE"}).Code)

	assert.Equal(t, http.StatusForbidden, do(e, http.MethodDelete, "/jobs", map[string]string{"X-Test-Role": "member"}).Code)
	assert.Equal(t, http.StatusOK, do(e, http.MethodDelete, "/jobs", map[string]string{"X-Test-Role": "admin"}).Code)
	assert.Equal(t, http.StatusForbidden, do(e, http.MethodDelete, "/jobs", map[string]string{"X-Test-Key": "jobs:WRITE"}).Code)
	assert.Equal(t, http.StatusOK, do(e, http.MethodDelete, "/jobs", map[string]string{"X-Test-Key": "*:ADMIN"}).Code)
}

func TestRequireFeature(t *testing.T) {
	plans := fakePlans{"free": models.PlanFree, "pro": models.PlanPro}
	e := newEcho()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if org := c.Request().Header.Get("X-Test-Org"); org != "" {
				c.Set(ContextOrganizationID, org)
			}
			c.Set(ContextIsAPIKey, c.Request().Header.Get("X-Test-Key") != "")
			return next(c)
		}
	})
	e.GET("/ab", echoContext, RequireFeature(plans, models.FeatureABTesting))
	e.GET("/api", echoContext, RequireAPIAccess(plans))

	rec := do(e, http.MethodGet, "/ab", map[string]string{"X-Test-Org": "free"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, response.CodeForbidden, body["code"])
	assert.Equal(t, "ab_testing", body["details"].(map[string]interface{})["feature"])

	assert.Equal(t, http.StatusOK, do(e, http.MethodGet, "/ab", map[string]string{"X-Test-Org": "pro"}).Code)
	assert.Equal(t, http.StatusUnauthorized, do(e, http.MethodGet, "/ab", nil).Code)
	assert.Equal(t, http.StatusInternalServerError, do(e, http.MethodGet, "/ab", map[string]string{"X-Test-Org": "gone"}).Code)

	assert.Equal(t, http.StatusOK, do(e, http.MethodGet, "/api", map[string]string{"X-Test-Org": "free"}).Code)
	assert.Equal(t, http.StatusForbidden, do(e, http.MethodGet, "/api", map[string]string{"X-Test-Org": "free", "X-Test-Key": "1"}).Code)
	assert.Equal(t, http.StatusOK, do(e, http.MethodGet, "/api", map[string]string{"X-Test-Org": "pro", "X-Test-Key": "1"}).Code)
}

func TestRateLimit_DeniesWithHeaders(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	e := newEcho()
	e.POST("/login", echoContext, RateLimit(ratelimit.NewLimiter(client), ratelimit.Auth))
	headers := map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"}

	for i := 1; i <= 10; i++ {
		rec := do(e, http.MethodPost, "/login", headers)
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
		assert.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, strconv.Itoa(10-i), rec.Header().Get("X-RateLimit-Remaining"))
		assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
	}

	rec := do(e, http.MethodPost, "/login", headers)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, retry, 1)
	assert.LessOrEqual(t, retry, 60)
	body := decode(t, rec)
	assert.Equal(t, response.CodeRateLimitExceeded, body["code"])
	assert.NotNil(t, body["details"])

	// Another client IP has its own window.
	rec = do(e, http.MethodPost, "/login", map[string]string{"X-Real-IP": "198.51.100.7"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, mr.Exists("ratelimit:auth:ip:203.0.113.9"))
}

func TestRateLimit_FailsOpen(t *testing.T) {
	e := newEcho()
	e.GET("/x", echoContext, RateLimit(ratelimit.NewLimiter(nil), ratelimit.Strict))
	for i := 0; i < 20; i++ {
		rec := do(e, http.MethodGet, "/x", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "5", rec.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestResolveVersion(t *testing.T) {
	cases := []struct {
		name                        string
		path, accept, header, query string
		want                        string
		ok                          bool
	}{
		{"path wins over header", "/api/v1/x", "", "v2", "", "v1", true},
		{"path wins over everything", "/api/v2/x", "application/vnd.chirp.v1+json", "v1", "v1", "v2", true},
		{"accept", "/api/contacts", "application/vnd.chirp.v1+json", "v2", "v2", "v1", true},
		{"header over query", "/api/contacts", "application/json", "1", "v2", "v1", true},
		{"query", "/api/contacts", "", "", "v1", "v1", true},
		{"unknown header ignored", "/api/contacts", "", "v9", "v1", "v1", true},
		{"default", "/api/contacts", "", "", "", LatestVersion, true},
		{"unsupported path", "/api/v3/x", "", "v1", "", "v3", false},
		{"bare version path", "/api/v1", "", "", "", "v1", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ResolveVersion(tc.path, tc.accept, tc.header, tc.query)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.ok, ok)
		})
	}
}

func TestVersioningMiddleware(t *testing.T) {
	e := newEcho()
	e.Use(Versioning())
	e.GET("/api/v1/x", echoContext)
	e.GET("/api/v2/x", echoContext)

	rec := do(e, http.MethodGet, "/api/v1/x", map[string]string{"X-API-Version": "v2"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "v1", decode(t, rec)["version"])
	assert.Equal(t, "v1", rec.Header().Get("X-API-Version"))
	assert.Equal(t, "true", rec.Header().Get("Deprecation"))

	rec = do(e, http.MethodGet, "/api/v2/x", nil)
	assert.Equal(t, "v2", rec.Header().Get("X-API-Version"))
	assert.Empty(t, rec.Header().Get("Deprecation"))

	rec = do(e, http.MethodGet, "/api/v3/x", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, response.CodeNotFound, decode(t, rec)["code"])
}

func TestCronSecret(t *testing.T) {
	e := newEcho()
	e.POST("/cron", echoContext, CronSecret("s3cret"))
	e.POST("/off", echoContext, CronSecret(""))

	assert.Equal(t, http.StatusUnauthorized, do(e, http.MethodPost, "/cron", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(e, http.MethodPost, "/cron", map[string]string{"Authorization": "Bearer nope"}).Code)
	assert.Equal(t, http.StatusOK, do(e, http.MethodPost, "/cron", map[string]string{"Authorization": "Bearer s3cret"}).Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(e, http.MethodPost, "/off", map[string]string{"Authorization": "Bearer "}).Code)
}
