package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestObfuscateURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"https://cdn.example/live/seg1.ts?md5=abc&expires=1", "https://cdn.example/***?***"},
		{"https://cdn.example/", "https://cdn.example"},
		{"not a url", "***OBFUSCATED***"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ObfuscateURL(tt.in), tt.in)
	}
}

func TestLogURL(t *testing.T) {
	defer SetURLObfuscation(false)
	u := "https://cdn.example/live/seg1.ts"

	SetURLObfuscation(false)
	assert.Equal(t, u, LogURL(u))
	SetURLObfuscation(true)
	assert.Equal(t, "https://cdn.example/***", LogURL(u))
}

func TestSanitizeChannelName(t *testing.T) {
	assert.Equal(t, "A_E_USA", SanitizeChannelName("A&E USA"))
	assert.Equal(t, "Sky_Sports_F1", SanitizeChannelName(" Sky Sports / F1 "))
	assert.Equal(t, "ESPN", SanitizeChannelName("'ESPN'"))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.5 KiB", FormatBytes(1536))
	assert.Equal(t, "3.0 MiB", FormatBytes(3<<20))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "42s", FormatDuration(42*time.Second))
	assert.Equal(t, "5m", FormatDuration(5*time.Minute+10*time.Second))
	assert.Equal(t, "2h 30m", FormatDuration(150*time.Minute))
	assert.Equal(t, "1d 3h", FormatDuration(27*time.Hour))
}
