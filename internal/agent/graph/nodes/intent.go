package nodes

import (
	"regexp"

	"github.com/ask-mandi/server/internal/agent/model"
)

var trendRe = regexp.MustCompile(`(?i)\b(?:trends?|trending|over time|history|historical|since|daily|weekly|monthly|per day|each day|over the (?:last|past)|(?:last|past) \d+ (?:days?|weeks?|months?)|(?:last|past) (?:week|month|year)|changed?|movement)\b`)

// ClassifyIntent decides whether a question asks for a time series. Anything
// not explicitly about change over time is a latest-price question.
func ClassifyIntent(question string) model.Intent {
	if trendRe.MatchString(question) {
		return model.IntentTrend
	}
	return model.IntentLatest
}
