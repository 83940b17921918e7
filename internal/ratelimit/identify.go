package ratelimit

import (
	"net/http"
	"strings"
)

// ipHeaders are consulted in order; the first non-empty one wins.
var ipHeaders = []string{
	"X-Forwarded-For",
	"X-Real-IP",
	"CF-Connecting-IP",
	"X-Vercel-Forwarded-For",
}

// Identify picks the rate limit identity: user, then organization, then
// client IP.
func Identify(userID, organizationID string, h http.Header) string {
	switch {
	case userID != "":
		return "user:" + userID
	case organizationID != "":
		return "org:" + organizationID
	default:
		return "ip:" + ClientIP(h)
	}
}

// ClientIP reads the client address from proxy headers, or "unknown".
func ClientIP(h http.Header) string {
	for _, name := range ipHeaders {
		v := strings.TrimSpace(h.Get(name))
		if v == "" {
			continue
		}
		// forwarded lists are client, proxy1, proxy2
		if first, _, found := strings.Cut(v, ","); found {
			v = strings.TrimSpace(first)
		}
		if v != "" {
			return v
		}
	}
	return "unknown"
}
