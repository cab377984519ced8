package parsers

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ask-mandi/server/internal/agent/model"
)

func TestParseClassification(t *testing.T) {
	c, err := ParseClassification(`{"match": "Gujarat", "confidence": 0.92}`)
	require.NoError(t, err)
	assert.Equal(t, "Gujarat", c.Name())
	assert.InDelta(t, 0.92, c.Confidence, 1e-9)

	c, err = ParseClassification("```json\n{\"match\": null, \"confidence\": 0}\n```")
	require.NoError(t, err)
	assert.Equal(t, "", c.Name())
}

func TestParseClassificationRejectsLooseOutput(t *testing.T) {
	inputs := []string{
		`Sure! {"match": "Gujarat", "confidence": 0.9}`,
		`{"match": "Gujarat", "confidence": 1.5}`,
		`{"match": "Gujarat"}`,
		`{"match": "Gujarat", "confidence": 0.9, "reason": "x"}`,
		`{"match": "Gujarat", "confidence": "high"}`,
		`{"match": "{nested}", "confidence": 0.9`,
		strings.Repeat(" ", maxContentLen+1),
	}
	for _, in := range inputs {
		_, err := ParseClassification(in)
		assert.ErrorIs(t, err, ErrInvalidModelJSON, in)
	}
}

func TestParseLocations(t *testing.T) {
	content := `{"locations": [
		{"name": "Kalyan", "type": "city", "parentDistrict": "Thane", "parentState": "Maharashtra"},
		{"name": "Kerala", "type": "state", "parentDistrict": null, "parentState": "null"}
	]}`

	got, err := ParseLocations(content)
	require.NoError(t, err)
	assert.Equal(t, []model.LocationMention{
		{Name: "Kalyan", Type: model.LocationCity, ParentDistrict: "Thane", ParentState: "Maharashtra"},
		{Name: "Kerala", Type: model.LocationState},
	}, got)
}

func TestParseLocationsEmpty(t *testing.T) {
	got, err := ParseLocations(`{"locations": []}`)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestParseLocationsRejectsUnknownType(t *testing.T) {
	_, err := ParseLocations(`{"locations": [{"name": "Pune", "type": "village"}]}`)
	assert.ErrorIs(t, err, ErrInvalidModelJSON)

	_, err = ParseLocations(`[]`)
	assert.ErrorIs(t, err, ErrInvalidModelJSON)
}
