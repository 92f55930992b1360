package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// Coordinates is a resolved location.
type Coordinates struct {
	Latitude  float64
	Longitude float64
}

type cached struct {
	coords Coordinates
	found  bool
}

// Geocoder resolves place names through a Nominatim-compatible search
// endpoint. Results, including misses, are cached.
type Geocoder struct {
	endpoint   string
	userAgent  string
	httpClient *http.Client
	limiter    *rate.Limiter
	cache      *lru.Cache[string, cached]
}

// NewGeocoder creates a Geocoder limited to rps requests per second.
func NewGeocoder(endpoint, userAgent string, rps float64) (*Geocoder, error) {
	if rps <= 0 {
		rps = 1
	}
	cache, err := lru.New[string, cached](1024)
	if err != nil {
		return nil, fmt.Errorf("create geocode cache: %w", err)
	}
	return &Geocoder{
		endpoint:   endpoint,
		userAgent:  userAgent,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		cache:      cache,
	}, nil
}

// Lookup returns the coordinates of place. found is false when the service
// knows no such place.
func (g *Geocoder) Lookup(ctx context.Context, place string) (coords Coordinates, found bool, err error) {
	key := strings.ToLower(strings.TrimSpace(place))
	if key == "" {
		return Coordinates{}, false, nil
	}
	if c, ok := g.cache.Get(key); ok {
		return c.coords, c.found, nil
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return Coordinates{}, false, fmt.Errorf("geocode %q: %w", place, err)
	}

	q := url.Values{"q": {place}, "format": {"json"}, "limit": {"1"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return Coordinates{}, false, fmt.Errorf("geocode request: %w", err)
	}
	req.Header.Set("User-Agent", g.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return Coordinates{}, false, fmt.Errorf("geocode %q: %w", place, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Coordinates{}, false, fmt.Errorf("geocode %q: status %d", place, resp.StatusCode)
	}

	var results []struct {
		Lat string `json:"lat"`
		Lon string `json:"lon"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return Coordinates{}, false, fmt.Errorf("decode geocode response: %w", err)
	}
	if len(results) == 0 {
		g.cache.Add(key, cached{})
		return Coordinates{}, false, nil
	}

	lat, err := strconv.ParseFloat(results[0].Lat, 64)
	if err != nil {
		return Coordinates{}, false, fmt.Errorf("parse latitude %q: %w", results[0].Lat, err)
	}
	lon, err := strconv.ParseFloat(results[0].Lon, 64)
	if err != nil {
		return Coordinates{}, false, fmt.Errorf("parse longitude %q: %w", results[0].Lon, err)
	}
	c := Coordinates{Latitude: lat, Longitude: lon}
	g.cache.Add(key, cached{coords: c, found: true})
	return c, true, nil
}
