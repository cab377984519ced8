package parsers

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"github.com/kaptinlin/jsonschema"

	"github.com/ask-mandi/server/internal/agent/model"
	errx "github.com/ask-mandi/server/internal/core/error"
	logx "github.com/ask-mandi/server/pkg/logger"
)

// basic safety limits to avoid pathological inputs
const (
	maxContentLen = 16 * 1024
	maxErrSnippet = 200
)

var ErrInvalidModelJSON = errors.New("model output is not valid JSON for the expected schema")

//go:embed schema/*.json
var schemaFS embed.FS

var (
	fenceRe = regexp.MustCompile("(?is)^```[a-z]*\\s*(.*?)\\s*```$")

	compileOnce    sync.Once
	compileErr     error
	classification *jsonschema.Schema
	locations      *jsonschema.Schema
)

// Classification is the reply of a state or district classification call.
type Classification struct {
	Match      *string `json:"match"`
	Confidence float64 `json:"confidence"`
}

// Name returns the matched name, or "" when the model returned null.
func (c Classification) Name() string {
	if c.Match == nil {
		return ""
	}
	v := strings.TrimSpace(*c.Match)
	if strings.EqualFold(v, "null") {
		return ""
	}
	return v
}

type locationsReply struct {
	Locations []struct {
		Name           string  `json:"name"`
		Type           string  `json:"type"`
		ParentDistrict *string `json:"parentDistrict"`
		ParentState    *string `json:"parentState"`
	} `json:"locations"`
}

func compileSchemas() error {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		load := func(name string) *jsonschema.Schema {
			if compileErr != nil {
				return nil
			}
			data, err := schemaFS.ReadFile("schema/" + name)
			if err != nil {
				compileErr = fmt.Errorf("read schema %s: %w", name, err)
				return nil
			}
			s, err := compiler.Compile(data)
			if err != nil {
				compileErr = fmt.Errorf("compile schema %s: %w", name, err)
				return nil
			}
			return s
		}
		classification = load("classification.json")
		locations = load("locations.json")
	})
	return compileErr
}

// ParseClassification decodes a classification reply. The whole reply must
// be one JSON object (an enclosing code fence is tolerated).
func ParseClassification(content string) (out *Classification, err error) {
	defer recoverParser("classification_parser", &err)

	data, err := prepare(content)
	if err != nil {
		return nil, err
	}
	if err := validate(classification, data); err != nil {
		return nil, err
	}
	var c Classification
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidModelJSON, err)
	}
	return &c, nil
}

// ParseLocations decodes a location extraction reply into mentions. Null
// and "null" parents are dropped.
func ParseLocations(content string) (out []model.LocationMention, err error) {
	defer recoverParser("locations_parser", &err)

	data, err := prepare(content)
	if err != nil {
		return nil, err
	}
	if err := validate(locations, data); err != nil {
		return nil, err
	}
	var reply locationsReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidModelJSON, err)
	}

	mentions := make([]model.LocationMention, 0, len(reply.Locations))
	for _, loc := range reply.Locations {
		mentions = append(mentions, model.LocationMention{
			Name:           strings.TrimSpace(loc.Name),
			Type:           model.LocationType(loc.Type),
			ParentDistrict: optional(loc.ParentDistrict),
			ParentState:    optional(loc.ParentState),
		})
	}
	return mentions, nil
}

func prepare(content string) ([]byte, error) {
	if err := compileSchemas(); err != nil {
		return nil, err
	}
	if len(content) > maxContentLen {
		logx.Warn().
			Str("component", "location_parser").
			Int("max_len", maxContentLen).
			Int("orig_len", len(content)).
			Msg("model reply rejected due to size limit")
		return nil, fmt.Errorf("%w: reply too large", ErrInvalidModelJSON)
	}
	s := strings.TrimSpace(content)
	if m := fenceRe.FindStringSubmatch(s); m != nil {
		s = m[1]
	}
	if !json.Valid([]byte(s)) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidModelJSON, safeSnippet(s))
	}
	return []byte(s), nil
}

func validate(schema *jsonschema.Schema, data []byte) error {
	result := schema.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrInvalidModelJSON, result.Errors)
}

func recoverParser(component string, err *error) {
	if r := recover(); r != nil {
		logx.Error().Str("component", component).Msgf("panic recovered: %v", r)
		*err = errx.New(fmt.Errorf("%s panic", component), http.StatusInternalServerError, errx.SystemErrorMessage)
	}
}

func optional(s *string) string {
	if s == nil {
		return ""
	}
	v := strings.TrimSpace(*s)
	if strings.EqualFold(v, "null") {
		return ""
	}
	return v
}

func safeSnippet(s string) string {
	if len(s) <= maxErrSnippet {
		return s
	}
	return s[:maxErrSnippet]
}
