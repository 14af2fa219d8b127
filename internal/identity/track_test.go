package identity

import (
	"strings"
	"testing"
)

func TestShouldTrack(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path   string
		ct     string
		status int
		want   bool
	}{
		{"/", "text/html; charset=utf-8", 200, true},
		{"/pricing", "TEXT/HTML", 200, true},
		{"/missing", "application/json", 404, true},
		{"/api/health", "application/json", 200, false},
		{"/api/broken", "text/html", 500, false},
		{"/assets/app.css", "text/css", 200, false},
		{"/images/logo.PNG", "image/png", 200, false},
		{"/img/missing.png", "text/html", 404, false},
		{"/events", "text/event-stream", 200, false},
		{"/ws", "", 101, false},
		{"/data", "application/json", 200, false},
	}
	for _, tt := range tests {
		if got := ShouldTrack(tt.path, tt.ct, tt.status); got != tt.want {
			t.Fatalf("ShouldTrack(%q, %q, %d) = %v, want %v", tt.path, tt.ct, tt.status, got, tt.want)
		}
	}
}

func TestIsBot(t *testing.T) {
	t.Parallel()

	bots := []string{
		"",
		"Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)",
		"Mozilla/5.0 (compatible; bingbot/2.0)",
		"curl/8.4.0",
		"python-requests/2.31",
		"facebookexternalhit/1.1",
	}
	for _, ua := range bots {
		if !IsBot(ua) {
			t.Fatalf("expected %q to be a bot", ua)
		}
	}
	if IsBot(browserUA) {
		t.Fatal("expected a desktop browser not to be a bot")
	}
}

func TestBotName(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)": "Googlebot",
		"Mozilla/5.0 (compatible; bingbot/2.0)":                                    "bingbot",
		"curl/8.4.0":                                                               "curl",
		"python-requests/2.31":                                                     "python-requests",
		"facebookexternalhit/1.1":                                                  "facebookexternalhit",
		"":                                                                         "",
		browserUA:                                                                  "",
	}
	for ua, want := range tests {
		if got := BotName(ua); got != want {
			t.Errorf("BotName(%q) = %q, want %q", ua, got, want)
		}
	}
}

func TestParseAgent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		ua         string
		browser    string
		os         string
		deviceType string
		botName    string
	}{
		{name: "desktop chrome", ua: browserUA, browser: "Chrome", os: "Mac OS X", deviceType: DeviceDesktop},
		{
			name:       "iphone safari",
			ua:         "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1",
			browser:    "Safari",
			deviceType: DeviceMobile,
		},
		{
			name:       "ipad",
			ua:         "Mozilla/5.0 (iPad; CPU OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Safari/604.1",
			browser:    "Safari",
			deviceType: DeviceTablet,
		},
		{name: "crawler", ua: "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)", deviceType: DeviceCrawler, botName: "Googlebot"},
		{name: "empty", ua: "", deviceType: DeviceCrawler},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := ParseAgent(tt.ua)
			if got.DeviceType != tt.deviceType || got.BotName != tt.botName {
				t.Fatalf("unexpected classification %+v", got)
			}
			if tt.browser != "" && got.Browser != tt.browser {
				t.Fatalf("browser: got %q, want %q", got.Browser, tt.browser)
			}
			if tt.os != "" && !strings.Contains(got.OperatingSystem, tt.os) {
				t.Fatalf("os: got %q, want %q", got.OperatingSystem, tt.os)
			}
			if tt.deviceType != DeviceCrawler && got.BrowserVersion == "" {
				t.Fatalf("expected a browser version for %q", tt.ua)
			}
		})
	}
}
