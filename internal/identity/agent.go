package identity

import (
	"strings"

	"github.com/mssola/useragent"
)

// Device types reported by ParseAgent.
const (
	DeviceDesktop = "desktop"
	DeviceMobile  = "mobile"
	DeviceTablet  = "tablet"
	DeviceCrawler = "crawler"
	DeviceUnknown = "unknown"
)

// Agent is what a User-Agent header says about the client.
type Agent struct {
	Browser         string
	BrowserVersion  string
	OperatingSystem string
	DeviceType      string
	// BotName is set for crawlers and scripted clients.
	BotName string
}

// ParseAgent classifies userAgent. Crawlers are recognised with the same
// rules as IsBot, so both always agree.
func ParseAgent(userAgent string) Agent {
	if IsBot(userAgent) {
		return Agent{DeviceType: DeviceCrawler, BotName: BotName(userAgent)}
	}
	ua := useragent.New(userAgent)
	var a Agent
	a.Browser, a.BrowserVersion = ua.Browser()
	a.OperatingSystem = ua.OSInfo().Name
	lower := strings.ToLower(userAgent)
	switch {
	case strings.Contains(lower, "ipad"), strings.Contains(lower, "tablet"),
		strings.Contains(lower, "android") && !strings.Contains(lower, "mobile"):
		a.DeviceType = DeviceTablet
	case ua.Mobile():
		a.DeviceType = DeviceMobile
	case a.OperatingSystem != "":
		a.DeviceType = DeviceDesktop
	default:
		a.DeviceType = DeviceUnknown
	}
	return a
}

// BotName returns the product token of the crawler named in userAgent, or ""
// when there is none.
func BotName(userAgent string) string {
	loc := botPattern.FindStringIndex(userAgent)
	if loc == nil {
		return ""
	}
	const sep = " ;()"
	start := strings.LastIndexAny(userAgent[:loc[0]], sep) + 1
	end := len(userAgent)
	if i := strings.IndexAny(userAgent[loc[0]:], sep); i >= 0 {
		end = loc[0] + i
	}
	name, _, _ := strings.Cut(userAgent[start:end], "/")
	return strings.TrimSpace(name)
}
