// Package enrich turns message text into structured disaster reports: a
// relevance check, a structured extraction and a geocoding lookup.
package enrich

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
)

var (
	// ErrEnrichmentFailed wraps any extraction or parsing failure.
	ErrEnrichmentFailed = errors.New("enrichment failed")
	// ErrNotRelevant means the classifier rejected the text.
	ErrNotRelevant = errors.New("text not relevant")
)

// Months are the allowed month values.
var Months = []string{
	"January", "February", "March", "April", "May", "June",
	"July", "August", "September", "October", "November", "December",
}

// DisasterCategories are the allowed disaster_category values.
var DisasterCategories = []string{
	"wildfire", "flood", "earthquake", "storm", "drought", "heatwave", "landslide", "climate", "other",
}

// Extraction is the validated result of the structured-extraction call.
type Extraction struct {
	City             string `json:"city"`
	Country          string `json:"country"`
	Year             int    `json:"year"`
	Month            string `json:"month"`
	Day              int    `json:"day"`
	DisasterCategory string `json:"disaster_category"`
}

// Place is the free-text location handed to the geocoder.
func (e *Extraction) Place() string {
	parts := make([]string, 0, 2)
	for _, p := range []string{e.City, e.Country} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

var fence = regexp.MustCompile("(?s)^\\s*```(?:json)?\\s*(.*?)\\s*```\\s*$")

// ParseExtraction decodes model output, tolerating a markdown code fence,
// and validates every enumerated field.
func ParseExtraction(text string) (*Extraction, error) {
	if m := fence.FindStringSubmatch(text); m != nil {
		text = m[1]
	}
	var e Extraction
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &e); err != nil {
		return nil, fmt.Errorf("%w: decode extraction: %v", ErrEnrichmentFailed, err)
	}
	if err := e.validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

func (e *Extraction) validate() error {
	var errs []error
	if month, ok := canonical(Months, e.Month); ok {
		e.Month = month
	} else {
		errs = append(errs, fmt.Errorf("month %q", e.Month))
	}
	if e.Day < 1 || e.Day > 31 {
		errs = append(errs, fmt.Errorf("day %d", e.Day))
	}
	if e.Year < 1900 || e.Year > 2100 {
		errs = append(errs, fmt.Errorf("year %d", e.Year))
	}
	if cat, ok := canonical(DisasterCategories, e.DisasterCategory); ok {
		e.DisasterCategory = cat
	} else {
		errs = append(errs, fmt.Errorf("disaster_category %q", e.DisasterCategory))
	}
	if strings.TrimSpace(e.City) == "" && strings.TrimSpace(e.Country) == "" {
		errs = append(errs, errors.New("no location"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: invalid %w", ErrEnrichmentFailed, errors.Join(errs...))
	}
	return nil
}

func canonical(allowed []string, v string) (string, bool) {
	i := slices.IndexFunc(allowed, func(a string) bool { return strings.EqualFold(a, strings.TrimSpace(v)) })
	if i < 0 {
		return "", false
	}
	return allowed[i], true
}
