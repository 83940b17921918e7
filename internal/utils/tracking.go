package utils

import (
	"net/url"
	"regexp"
	"strings"
)

var linkPattern = regexp.MustCompile(`https?://[^\s<>"]+`)

// 🔗 TrackedURL builds the click-tracking redirect for one message log.
func TrackedURL(baseURL, logID, target string) string {
	return strings.TrimRight(baseURL, "/") + "/t/" + logID + "?u=" + url.QueryEscape(target)
}

// 🔗 RewriteLinks replaces every http(s) link in body with its tracked
// redirect. Links already pointing at baseURL are left alone.
func RewriteLinks(body, baseURL, logID string) string {
	if baseURL == "" || logID == "" {
		return body
	}
	return linkPattern.ReplaceAllStringFunc(body, func(link string) string {
		if strings.HasPrefix(link, baseURL) {
			return link
		}
		return TrackedURL(baseURL, logID, link)
	})
}

// IsSafeRedirect only allows absolute http(s) targets.
func IsSafeRedirect(target string) bool {
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
