package identity

import (
	"regexp"
	"strings"

	"github.com/koltyakov/edgeproxy/internal/netutil"
)

// ShouldTrack reports whether a response should carry identity cookies:
// HTML pages and error responses, but never assets, API calls or streams.
func ShouldTrack(p, contentType string, status int) bool {
	if netutil.IsAssetPath(p) {
		return false
	}
	if p == "/api" || strings.HasPrefix(p, "/api/") {
		return false
	}
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if strings.HasPrefix(ct, "text/event-stream") {
		return false
	}
	if status == 101 {
		return false
	}
	return strings.HasPrefix(ct, "text/html") || status >= 400
}

var botPattern = regexp.MustCompile(
	`(?i)(?:` +
		`bot\b|bot/|crawler|spider|slurp` +
		`|facebookexternalhit|embedly|quora link preview|whatsapp|telegrambot` +
		`|headlesschrome|phantomjs|lighthouse|pingdom|uptimerobot` +
		`|curl/|wget/|python-requests|go-http-client|okhttp|httpie` +
		`)`,
)

// IsBot reports whether userAgent belongs to a crawler or scripted client.
// An empty user agent counts as a bot.
func IsBot(userAgent string) bool {
	if strings.TrimSpace(userAgent) == "" {
		return true
	}
	return botPattern.MatchString(userAgent)
}
