package enrich

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Completer is a text-in, text-out language model call.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Classifier decides whether text describes an event worth extracting.
type Classifier interface {
	IsRelevant(ctx context.Context, text string) (bool, error)
}

// Extractor produces a validated Extraction from text.
type Extractor interface {
	Extract(ctx context.Context, text string) (*Extraction, error)
}

const classifySystem = `You label social media posts. Answer with exactly one word: yes or no.`

const classifyPrompt = `Does the following post report a concrete natural disaster or extreme climate event at an identifiable place?

Post:
%s`

const extractSystem = `You extract structured data from social media posts and answer with a single JSON object and nothing else.`

var extractPrompt = `Extract the event described in the post below as JSON with these fields:
  "city": string, empty if unknown
  "country": string, empty if unknown
  "year": integer
  "month": one of ` + strings.Join(Months, ", ") + `
  "day": integer from 1 to 31
  "disaster_category": one of ` + strings.Join(DisasterCategories, ", ") + `

If the post does not state the date, use the publication date %s.

Post:
%s`

var yesNo = regexp.MustCompile(`(?i)\b(yes|no)\b`)

// ModelExtractor implements Classifier and Extractor on top of a Completer.
type ModelExtractor struct {
	llm Completer
}

// NewModelExtractor wraps llm.
func NewModelExtractor(llm Completer) *ModelExtractor {
	return &ModelExtractor{llm: llm}
}

func (m *ModelExtractor) IsRelevant(ctx context.Context, text string) (bool, error) {
	out, err := m.llm.Complete(ctx, classifySystem, fmt.Sprintf(classifyPrompt, text))
	if err != nil {
		return false, fmt.Errorf("%w: classify: %v", ErrEnrichmentFailed, err)
	}
	match := yesNo.FindString(out)
	if match == "" {
		return false, fmt.Errorf("%w: classifier answered %q", ErrEnrichmentFailed, strings.TrimSpace(out))
	}
	return strings.EqualFold(match, "yes"), nil
}

// Extract asks for the structured record.
func (m *ModelExtractor) Extract(ctx context.Context, text string) (*Extraction, error) {
	return m.ExtractAt(ctx, text, "")
}

// ExtractAt is Extract with the post's publication date in the prompt.
func (m *ModelExtractor) ExtractAt(ctx context.Context, text, published string) (*Extraction, error) {
	if published == "" {
		published = "unknown"
	}
	out, err := m.llm.Complete(ctx, extractSystem, fmt.Sprintf(extractPrompt, published, text))
	if err != nil {
		return nil, fmt.Errorf("%w: extract: %v", ErrEnrichmentFailed, err)
	}
	return ParseExtraction(out)
}
