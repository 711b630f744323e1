package crawler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/al-bashkir/accessgate/internal/session"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		ua   string
		want bool
	}{
		{"googlebot", "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)", true},
		{"googlebot exact", "Googlebot", true},
		{"ads bot", "AdsBot-Google (+http://www.google.com/adsbot.html)", true},
		{"media partners", "Mediapartners-Google", true},
		{"apis", "APIs-Google (+https://developers.google.com/webmasters/APIs-Google.html)", true},
		{"adwords", "Google-Adwords-Instant", true},
		{"page speed", "Mozilla/5.0 (X11; Linux x86_64) Google Page Speed Insights", true},
		{"feedfetcher", "FeedFetcher-Google; (+http://www.google.com/feedfetcher.html)", true},
		{"upper case", "GOOGLEBOT-IMAGE/1.0", true},
		{"browser", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 Chrome/120.0", false},
		{"curl", "curl/8.4.0", false},
		{"empty", "", false},
		{"other bot", "bingbot/2.0", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.ua))
		})
	}
}

func TestCandidate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	sess, ok := Candidate("Googlebot/2.1", now)
	require.True(t, ok)

	require.NotNil(t, sess.Principal)
	assert.Equal(t, session.ProviderBot, sess.Principal.Provider)
	assert.Equal(t, "crawler", sess.Principal.ID)
	assert.Equal(t, "Crawler", sess.Principal.DisplayName)
	assert.Equal(t, now.Add(365*24*time.Hour), sess.AccessExpiry)
	assert.Len(t, sess.ID, 64)
	assert.Equal(t, session.Elevated, sess.State(now))
}

func TestCandidate_NoMatch(t *testing.T) {
	_, ok := Candidate("Mozilla/5.0 Firefox/121.0", time.Now())
	assert.False(t, ok)
}

func TestCandidate_DoesNotShareThePrincipal(t *testing.T) {
	sess, ok := Candidate("Googlebot", time.Now())
	require.True(t, ok)

	sess.Principal.DisplayName = "changed"
	assert.Equal(t, "Crawler", Principal.DisplayName)
}
