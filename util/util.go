package util

import (
	"regexp"
	"strings"
)

var replaceHTTPSRe = regexp.MustCompile("^(http)(s?)")

// MakeWsURL converts http:// to ws:// and https:// to wss://
func MakeWsURL(url string) string {
	return replaceHTTPSRe.ReplaceAllString(url, "ws$2")
}

// ExtractBearer returns the token portion of a "Bearer <token>"
// Authorization header value, or "" if the header is not bearer-style.
func ExtractBearer(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}
