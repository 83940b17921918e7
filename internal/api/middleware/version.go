package middleware

import (
	"regexp"
	"strings"

	"chirp/internal/api/response"

	"github.com/labstack/echo/v4"
)

const (
	VersionV1     = "v1"
	VersionV2     = "v2"
	LatestVersion = VersionV2

	ContextAPIVersion = "apiVersion"
)

var (
	supportedVersions  = map[string]bool{VersionV1: true, VersionV2: true}
	deprecatedVersions = map[string]bool{VersionV1: true}

	pathVersion   = regexp.MustCompile(`^/api/(v\d+)(?:/|$)`)
	acceptVersion = regexp.MustCompile(`application/vnd\.chirp\.(v\d+)\+json`)
)

// ResolveVersion picks the API version of a request. The path wins over the
// Accept vendor type, which wins over X-API-Version, which wins over the
// api-version query parameter. Unsupported header and query values are
// ignored. ok is false only when the path names an unsupported version.
func ResolveVersion(path, accept, header, query string) (version string, ok bool) {
	if m := pathVersion.FindStringSubmatch(path); m != nil {
		return m[1], supportedVersions[m[1]]
	}
	if m := acceptVersion.FindStringSubmatch(accept); m != nil && supportedVersions[m[1]] {
		return m[1], true
	}
	for _, v := range []string{header, query} {
		v = normalizeVersion(v)
		if supportedVersions[v] {
			return v, true
		}
	}
	return LatestVersion, true
}

// normalizeVersion accepts "2", "v2" and "V2".
func normalizeVersion(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

// Versioning resolves the request's API version, stores it on the context and
// echoes it back in X-API-Version.
func Versioning() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			version, ok := ResolveVersion(
				req.URL.Path,
				req.Header.Get(echo.HeaderAccept),
				req.Header.Get("X-API-Version"),
				req.URL.Query().Get("api-version"),
			)
			if !ok {
				appErr := response.NotFound("API version " + version)
				appErr.Details = map[string]interface{}{"supported": []string{VersionV1, VersionV2}}
				return appErr
			}

			c.Set(ContextAPIVersion, version)
			c.Response().Header().Set("X-API-Version", version)
			if deprecatedVersions[version] {
				c.Response().Header().Set("Deprecation", "true")
			}
			return next(c)
		}
	}
}

// GetAPIVersion returns the version resolved by Versioning, or the latest.
func GetAPIVersion(c echo.Context) string {
	if v, ok := c.Get(ContextAPIVersion).(string); ok {
		return v
	}
	return LatestVersion
}
