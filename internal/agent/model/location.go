package model

// LocationContext is built once per request by the location resolver and
// rendered into the planner prompt as filter hints. It is never persisted.
type LocationContext struct {
	RequestedPlace string   `json:"requestedPlace"`
	State          string   `json:"state,omitempty"`
	District       string   `json:"district,omitempty"`
	SearchTerms    []string `json:"searchTerms"`
	IsExact        bool     `json:"isExact"`
}

// LocationType is the administrative level of an extracted place.
type LocationType string

const (
	LocationState    LocationType = "state"
	LocationDistrict LocationType = "district"
	LocationCity     LocationType = "city"
)

// LocationMention is one place extracted from a user message by the
// fallback location extractor.
type LocationMention struct {
	Name           string       `json:"name"`
	Type           LocationType `json:"type"`
	ParentDistrict string       `json:"parentDistrict,omitempty"`
	ParentState    string       `json:"parentState,omitempty"`
}
