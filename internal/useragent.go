package internal

import (
	"strings"

	"visitorhub/internal/storage"
)

// sniffUserAgent fills in coarse browser, OS, and device fields from a user
// agent string. The dashboard only needs broad buckets, so a few substring
// checks cover the common cases.
func sniffUserAgent(ua string, meta *storage.Metadata) {
	if ua == "" {
		return
	}
	lower := strings.ToLower(ua)

	switch {
	case strings.Contains(lower, "edg/"):
		meta.Browser = "Edge"
	case strings.Contains(lower, "opr/"), strings.Contains(lower, "opera"):
		meta.Browser = "Opera"
	case strings.Contains(lower, "chrome/"):
		meta.Browser = "Chrome"
	case strings.Contains(lower, "safari/") && strings.Contains(lower, "version/"):
		meta.Browser = "Safari"
	case strings.Contains(lower, "firefox/"):
		meta.Browser = "Firefox"
	}

	switch {
	case strings.Contains(lower, "windows"):
		meta.OS = "Windows"
	case strings.Contains(lower, "android"):
		meta.OS = "Android"
	case strings.Contains(lower, "iphone"), strings.Contains(lower, "ipad"):
		meta.OS = "iOS"
	case strings.Contains(lower, "mac os x"), strings.Contains(lower, "macintosh"):
		meta.OS = "macOS"
	case strings.Contains(lower, "linux"):
		meta.OS = "Linux"
	}

	switch {
	case strings.Contains(lower, "ipad"), strings.Contains(lower, "tablet"):
		meta.Device = "Tablet"
	case strings.Contains(lower, "mobile"), strings.Contains(lower, "iphone"), strings.Contains(lower, "android"):
		meta.Device = "Mobile"
	default:
		meta.Device = "Desktop"
	}
}
