// Package device parses client user agents into display metadata for device
// rows and approval emails.
package device

import (
	"github.com/mssola/useragent"
)

// Info is the parsed device metadata captured on a device row.
type Info struct {
	Browser    string
	OS         string
	DeviceType string // "desktop", "mobile", "bot" or "unknown"
}

// ParseUserAgent resolves a raw User-Agent header into device metadata.
// Pure function, no side effects.
func ParseUserAgent(rawUA string) Info {
	if rawUA == "" {
		return Info{Browser: "Unknown", OS: "Unknown", DeviceType: "unknown"}
	}

	ua := useragent.New(rawUA)

	browser, _ := ua.Browser()
	if browser == "" {
		browser = "Unknown"
	}

	os := ua.OS()
	if os == "" {
		os = "Unknown"
	}

	deviceType := "desktop"
	switch {
	case ua.Bot():
		deviceType = "bot"
	case ua.Mobile():
		deviceType = "mobile"
	}

	return Info{Browser: browser, OS: os, DeviceType: deviceType}
}
