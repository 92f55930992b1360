package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/chanscrape/chanscrape/internal/logging"
)

// Sentinels written when geocoding cannot place the event.
const (
	NoLatitude  = "no latitude"
	NoLongitude = "no longitude"
)

// Locator resolves a place name to coordinates.
type Locator interface {
	Lookup(ctx context.Context, place string) (Coordinates, bool, error)
}

// Row is one enriched message.
type Row struct {
	MessageID        int64     `json:"message_id"`
	Date             time.Time `json:"date"`
	Text             string    `json:"text"`
	City             string    `json:"city"`
	Country          string    `json:"country"`
	Year             int       `json:"year"`
	Month            string    `json:"month"`
	Day              int       `json:"day"`
	DisasterCategory string    `json:"disaster_category"`
	Latitude         string    `json:"latitude"`
	Longitude        string    `json:"longitude"`
}

type dateExtractor interface {
	ExtractAt(ctx context.Context, text, published string) (*Extraction, error)
}

// Enricher runs classification, extraction and geocoding for one text.
type Enricher struct {
	classifier Classifier
	extractor  Extractor
	locator    Locator
	log        logging.Logger
}

// NewEnricher wires the stages. locator may be nil, in which case every row
// carries the coordinate sentinels.
func NewEnricher(classifier Classifier, extractor Extractor, locator Locator, log logging.Logger) *Enricher {
	if log == nil {
		log = logging.NewNop()
	}
	return &Enricher{classifier: classifier, extractor: extractor, locator: locator, log: log}
}

// Enrich returns ErrNotRelevant for texts the classifier rejects and wraps
// ErrEnrichmentFailed when extraction fails. Geocoding failures never fail
// the row.
func (e *Enricher) Enrich(ctx context.Context, text string, date time.Time) (*Row, error) {
	relevant, err := e.classifier.IsRelevant(ctx, text)
	if err != nil {
		return nil, err
	}
	if !relevant {
		return nil, ErrNotRelevant
	}

	var ex *Extraction
	if de, ok := e.extractor.(dateExtractor); ok && !date.IsZero() {
		ex, err = de.ExtractAt(ctx, text, date.Format(time.DateOnly))
	} else {
		ex, err = e.extractor.Extract(ctx, text)
	}
	if err != nil {
		if !errors.Is(err, ErrEnrichmentFailed) {
			err = fmt.Errorf("%w: %v", ErrEnrichmentFailed, err)
		}
		return nil, err
	}

	row := &Row{
		Date:             date,
		Text:             text,
		City:             ex.City,
		Country:          ex.Country,
		Year:             ex.Year,
		Month:            ex.Month,
		Day:              ex.Day,
		DisasterCategory: ex.DisasterCategory,
		Latitude:         NoLatitude,
		Longitude:        NoLongitude,
	}
	if e.locator == nil {
		return row, nil
	}

	coords, found, err := e.locator.Lookup(ctx, ex.Place())
	switch {
	case err != nil:
		e.log.Warn("geocoding failed", logging.String("place", ex.Place()), logging.Error(err))
	case found:
		row.Latitude = strconv.FormatFloat(coords.Latitude, 'f', -1, 64)
		row.Longitude = strconv.FormatFloat(coords.Longitude, 'f', -1, 64)
	}
	return row, nil
}

// WriteRows serializes rows as an indented JSON array.
func WriteRows(w io.Writer, rows []Row) error {
	if rows == nil {
		rows = []Row{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rows); err != nil {
		return fmt.Errorf("encode enrichment rows: %w", err)
	}
	return nil
}
