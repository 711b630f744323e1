// Package crawler recognizes automated agents by their User-Agent string.
//
// Matching is a plain substring test with no reverse-DNS or signature check,
// so any client can claim to be a crawler. Anything that matches is granted
// content access; that is an accepted policy, not an oversight.
package crawler

import (
	"strings"
	"time"

	"github.com/al-bashkir/accessgate/internal/session"
)

// Window is the elevation granted to an admitted crawler.
const Window = 365 * 24 * time.Hour

// signatures are lower-case fragments of known crawler user agents.
var signatures = []string{
	"googlebot",            // generic crawler
	"adsbot-google",        // ads crawler
	"mediapartners-google", // media partner crawler
	"apis-google",          // API fetcher
	"google-adwords",
	"google page speed", // page speed insights
	"feedfetcher-google",
}

// Principal is the synthetic identity given to admitted crawlers.
var Principal = session.Principal{
	ID:          "crawler",
	DisplayName: "Crawler",
	Provider:    session.ProviderBot,
}

// Classify reports whether userAgent matches a known crawler signature.
func Classify(userAgent string) bool {
	if userAgent == "" {
		return false
	}
	ua := strings.ToLower(userAgent)
	for _, sig := range signatures {
		if strings.Contains(ua, sig) {
			return true
		}
	}
	return false
}

// Candidate builds the elevated session a matching crawler would receive.
// It is a proposal only: the caller decides whether to accept it, and it is
// never written to a session store.
func Candidate(userAgent string, now time.Time) (session.Session, bool) {
	if !Classify(userAgent) {
		return session.Session{}, false
	}
	id, err := session.NewID()
	if err != nil {
		return session.Session{}, false
	}
	p := Principal
	return session.Session{
		ID:            id,
		Principal:     &p,
		AccessExpiry:  now.Add(Window),
		CreatedAt:     now,
		LastTouchedAt: now,
	}, true
}
