package summary

import (
	"regexp"
	"strings"
	"time"
)

var (
	spaceRe         = regexp.MustCompile(`\s+`)
	trailingPunctRe = regexp.MustCompile(`[\s?.!,;:]+$`)
)

// NormalizeCacheKey lower-cases q, collapses whitespace and strips trailing
// punctuation, so trivially different phrasings share a cache entry.
func NormalizeCacheKey(q string) string {
	key := strings.ToLower(strings.TrimSpace(q))
	key = spaceRe.ReplaceAllString(key, " ")
	key = trailingPunctRe.ReplaceAllString(key, "")
	return strings.TrimSpace(key)
}

// RefreshSchedule is the daily time at which the price table is reloaded.
type RefreshSchedule struct {
	Hour     int
	Minute   int
	Location *time.Location
}

// MinTTL is the shortest time-to-live worth writing. Answers produced closer
// than this to a refresh are not cached.
const MinTTL = time.Minute

// TTLUntilNextRefresh returns the time from now until the next scheduled
// refresh. Cached answers must not outlive it.
func TTLUntilNextRefresh(now time.Time, s RefreshSchedule) time.Duration {
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), s.Hour, s.Minute, 0, 0, loc)
	if !next.After(local) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(local)
}
