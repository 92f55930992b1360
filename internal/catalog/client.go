// Package catalog talks to the metadata catalog service that issues upload
// URLs and records where artifacts live.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chanscrape/chanscrape/internal/logging"
	"github.com/chanscrape/chanscrape/pkg/lfn"
)

var (
	// ErrCatalogUnreachable means the service did not answer or failed its ping.
	ErrCatalogUnreachable = errors.New("catalog unreachable")
	// ErrContractViolation means the service echoed something other than what was sent.
	ErrContractViolation = errors.New("catalog contract violation")
	// ErrRequestFailed means the service answered with a non-200 status.
	ErrRequestFailed = errors.New("catalog request failed")
)

// RegisterMode selects the registration request body.
type RegisterMode string

const (
	// RegisterLFN posts {"lfn": <lfn>}.
	RegisterLFN RegisterMode = "lfn"
	// RegisterPFNList posts {"lfns": [<pfn>]}.
	RegisterPFNList RegisterMode = "pfn_list"
)

// PFNResolver resolves the PFN registered in pfn_list mode.
type PFNResolver interface {
	LFNToPFN(l lfn.LFN) (string, error)
}

// Config configures a Client.
type Config struct {
	BaseURL           string
	AuthToken         string
	AuthHeader        string // defaults to x-auth-token
	KnowledgeSourceID int64
	Mode              RegisterMode
	Timeout           time.Duration
}

// Client is an HTTP client for the catalog service.
type Client struct {
	cfg        Config
	resolver   PFNResolver
	httpClient *http.Client
	log        logging.Logger
}

// SourceData is the record the catalog returns after registration.
type SourceData struct {
	ID   int64   `json:"id,omitempty"`
	Name string  `json:"name,omitempty"`
	LFN  lfn.LFN `json:"-"`
	// Raw holds the full source_data object as returned.
	Raw json.RawMessage `json:"-"`
}

// New creates a Client. resolver may be nil unless Mode is RegisterPFNList.
func New(cfg Config, resolver PFNResolver, log logging.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("catalog base url is required")
	}
	if cfg.AuthHeader == "" {
		cfg.AuthHeader = "x-auth-token"
	}
	if cfg.Mode == "" {
		cfg.Mode = RegisterLFN
	}
	if cfg.Mode == RegisterPFNList && resolver == nil {
		return nil, fmt.Errorf("pfn_list registration needs a resolver")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &Client{
		cfg:        cfg,
		resolver:   resolver,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        log.With(logging.String("component", "catalog")),
	}, nil
}

func (c *Client) url(p string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + p
}

func (c *Client) do(ctx context.Context, method, rawURL string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.AuthToken != "" {
		req.Header.Set(c.cfg.AuthHeader, c.cfg.AuthToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCatalogUnreachable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrCatalogUnreachable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s %s returned %d: %s",
			ErrRequestFailed, method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return respBody, nil
}

// Ping reports whether the service answers GET /ping with 200.
func (c *Client) Ping(ctx context.Context) bool {
	_, err := c.do(ctx, http.MethodGet, c.url("/ping"), nil)
	if err != nil {
		c.log.Warn("catalog ping failed", logging.Error(err))
		return false
	}
	return true
}

// EnsureReachable pings the service and returns ErrCatalogUnreachable if it
// does not respond successfully.
func (c *Client) EnsureReachable(ctx context.Context) error {
	if !c.Ping(ctx) {
		return fmt.Errorf("%w: ping %s", ErrCatalogUnreachable, c.cfg.BaseURL)
	}
	return nil
}

// GenerateSignedURL requests a write-capable URL for l.
func (c *Client) GenerateSignedURL(ctx context.Context, l lfn.LFN) (string, error) {
	q := url.Values{"lfn": {l.String()}}
	body, err := c.do(ctx, http.MethodGet, c.url("/get_client_data_for_upload?"+q.Encode()), nil)
	if err != nil {
		return "", fmt.Errorf("generate signed url: %w", err)
	}

	var resp struct {
		LFN       json.RawMessage `json:"lfn"`
		SignedURL string          `json:"signed_url"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("%w: decode signed url response: %v", ErrContractViolation, err)
	}
	if err := checkEcho(l, resp.LFN); err != nil {
		return "", fmt.Errorf("generate signed url: %w", err)
	}
	if resp.SignedURL == "" {
		return "", fmt.Errorf("%w: empty signed_url", ErrContractViolation)
	}
	c.log.Debug("signed url issued", logging.String("lfn", l.RelativePath()))
	return resp.SignedURL, nil
}

// RegisterNewSourceData records that the artifact named by l now exists.
// Only call it after the upload succeeded.
func (c *Client) RegisterNewSourceData(ctx context.Context, l lfn.LFN) (*SourceData, error) {
	var payload any
	switch c.cfg.Mode {
	case RegisterPFNList:
		pfn, err := c.resolver.LFNToPFN(l)
		if err != nil {
			return nil, fmt.Errorf("register source data: %w", err)
		}
		payload = map[string][]string{"lfns": {pfn}}
	default:
		payload = map[string]lfn.LFN{"lfn": l}
	}

	endpoint := c.url(fmt.Sprintf("/knowledge_source/%d/source_data", c.cfg.KnowledgeSourceID))
	body, err := c.do(ctx, http.MethodPost, endpoint, payload)
	if err != nil {
		return nil, fmt.Errorf("register source data: %w", err)
	}

	var resp struct {
		SourceData json.RawMessage `json:"source_data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || len(resp.SourceData) == 0 {
		return nil, fmt.Errorf("%w: response has no source_data", ErrContractViolation)
	}

	var sd SourceData
	if err := json.Unmarshal(resp.SourceData, &sd); err != nil {
		return nil, fmt.Errorf("%w: decode source_data: %v", ErrContractViolation, err)
	}
	sd.Raw = resp.SourceData

	var echoed struct {
		LFN json.RawMessage `json:"lfn"`
	}
	if err := json.Unmarshal(resp.SourceData, &echoed); err != nil {
		return nil, fmt.Errorf("%w: decode source_data: %v", ErrContractViolation, err)
	}
	if err := checkEcho(l, echoed.LFN); err != nil {
		return nil, fmt.Errorf("register source data: %w", err)
	}
	sd.LFN = l

	c.log.Info("source data registered",
		logging.String("relative_path", l.RelativePath()),
		logging.Int64("source_data_id", sd.ID))
	return &sd, nil
}

// checkEcho requires raw to decode to exactly sent.
func checkEcho(sent lfn.LFN, raw json.RawMessage) error {
	if len(raw) == 0 || string(raw) == "null" {
		return fmt.Errorf("%w: no lfn echoed", ErrContractViolation)
	}
	// Some deployments return the lfn as a JSON-encoded string.
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		raw = json.RawMessage(text)
	}
	got, err := lfn.Parse(string(raw))
	if err != nil {
		return fmt.Errorf("%w: echoed lfn invalid: %v", ErrContractViolation, err)
	}
	if got != sent {
		return fmt.Errorf("%w: sent %s, got %s", ErrContractViolation, sent, got)
	}
	return nil
}
