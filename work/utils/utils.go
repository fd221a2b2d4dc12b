package utils

import (
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"
)

var obfuscateURLs atomic.Bool

// SetURLObfuscation turns URL obfuscation in logs on or off
func SetURLObfuscation(enabled bool) {
	obfuscateURLs.Store(enabled)
}

// LogURL returns either the original URL or an obfuscated version for logging
func LogURL(rawURL string) string {
	if obfuscateURLs.Load() {
		return ObfuscateURL(rawURL)
	}
	return rawURL
}

// SanitizeChannelName turns a channel name into an identifier safe for playlist
// attributes and file names.
func SanitizeChannelName(name string) string {
	replacer := strings.NewReplacer(
		" ", "_", ",", "_", "\"", "", "'", "", "/", "_", "\\", "_", "?", "_", "&", "_",
		"=", "_", ":", "_", ";", "_", "|", "_", "*", "_", "<", "_", ">", "_",
	)
	sanitized := replacer.Replace(name)

	// Remove consecutive underscores
	for strings.Contains(sanitized, "__") {
		sanitized = strings.ReplaceAll(sanitized, "__", "_")
	}

	return strings.Trim(sanitized, "_")
}

// ObfuscateURL keeps the scheme and host of urlStr and masks everything else
func ObfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}

	u, err := url.Parse(urlStr)
	if err != nil || u.Host == "" {
		return "***OBFUSCATED***"
	}

	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}

	return result
}

// FormatBytes renders a byte count with a binary unit suffix
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

// FormatDuration renders d coarsely for status pages: seconds, minutes, hours and
// minutes, or days and hours
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd %dh", int(d.Hours())/24, int(d.Hours())%24)
	}
}
