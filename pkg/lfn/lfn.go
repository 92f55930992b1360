// Package lfn defines the logical file name, the protocol-independent
// identifier for every artifact produced by a scrape.
package lfn

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidLFN is returned when an LFN fails validation.
var ErrInvalidLFN = errors.New("invalid lfn")

// Protocol identifies the storage backend an LFN is destined for.
type Protocol string

const (
	ProtocolS3    Protocol = "s3"
	ProtocolLocal Protocol = "local"
	ProtocolGCS   Protocol = "gs"
)

// ParseProtocol accepts the protocol names used in configuration,
// case-insensitively.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "s3", "minio":
		return ProtocolS3, nil
	case "local", "file":
		return ProtocolLocal, nil
	case "gs", "gcs":
		return ProtocolGCS, nil
	default:
		return "", fmt.Errorf("%w: unknown protocol %q", ErrInvalidLFN, s)
	}
}

func (p Protocol) valid() bool {
	switch p {
	case ProtocolS3, ProtocolLocal, ProtocolGCS:
		return true
	}
	return false
}

// Source identifies where the content was scraped from.
type Source string

const (
	SourceTelegram  Source = "telegram"
	SourceTwitter   Source = "twitter"
	SourceYouTube   Source = "youtube"
	SourceAugmented Source = "augmented"
)

// ParseSource validates a source name.
func ParseSource(s string) (Source, error) {
	src := Source(s)
	if !src.valid() {
		return "", fmt.Errorf("%w: unknown source %q", ErrInvalidLFN, s)
	}
	return src, nil
}

func (s Source) valid() bool {
	switch s {
	case SourceTelegram, SourceTwitter, SourceYouTube, SourceAugmented:
		return true
	}
	return false
}

// LFN is an immutable logical file name. Construct with New; the zero value
// is not valid.
type LFN struct {
	protocol     Protocol
	tracerID     string
	jobID        int64
	source       Source
	relativePath string
}

// New builds an LFN, sanitizing relativePath if it does not already carry a
// uniqueness marker.
func New(protocol Protocol, tracerID string, jobID int64, source Source, relativePath string) (LFN, error) {
	return build(protocol, tracerID, jobID, source, Sanitize(relativePath))
}

// FromParts builds an LFN from already-sanitized parts, as recovered from a
// PFN or the catalog. The relative path is validated but never rewritten.
func FromParts(protocol Protocol, tracerID string, jobID int64, source Source, relativePath string) (LFN, error) {
	return build(protocol, tracerID, jobID, source, relativePath)
}

func build(protocol Protocol, tracerID string, jobID int64, source Source, relativePath string) (LFN, error) {
	if !protocol.valid() {
		return LFN{}, fmt.Errorf("%w: unknown protocol %q", ErrInvalidLFN, protocol)
	}
	if !source.valid() {
		return LFN{}, fmt.Errorf("%w: unknown source %q", ErrInvalidLFN, source)
	}
	if err := ValidTracerID(tracerID); err != nil {
		return LFN{}, err
	}
	if jobID < 0 {
		return LFN{}, fmt.Errorf("%w: negative job id %d", ErrInvalidLFN, jobID)
	}
	if !IsSafe(relativePath) {
		return LFN{}, fmt.Errorf("%w: unsafe relative path %q", ErrInvalidLFN, relativePath)
	}
	return LFN{
		protocol:     protocol,
		tracerID:     tracerID,
		jobID:        jobID,
		source:       source,
		relativePath: relativePath,
	}, nil
}

func (l LFN) Protocol() Protocol { return l.protocol }
func (l LFN) TracerID() string { return l.tracerID }
func (l LFN) JobID() int64 { return l.jobID }
func (l LFN) Source() Source { return l.source }
func (l LFN) RelativePath() string { return l.relativePath }
func (l LFN) IsZero() bool { return l == LFN{} }

// WithProtocol returns a copy of l destined for another backend.
func (l LFN) WithProtocol(p Protocol) LFN {
	l.protocol = p
	return l
}

// String renders the canonical JSON form.
func (l LFN) String() string {
	b, err := json.Marshal(l)
	if err != nil {
		return fmt.Sprintf("lfn(%s/%s/%d/%s)", l.tracerID, l.source, l.jobID, l.relativePath)
	}
	return string(b)
}

type wire struct {
	Protocol     Protocol `json:"protocol"`
	TracerID     string   `json:"tracer_id"`
	JobID        int64    `json:"job_id"`
	Source       Source   `json:"source"`
	RelativePath string   `json:"relative_path"`
}

// MarshalJSON emits the canonical field order used by the catalog.
func (l LFN) MarshalJSON() ([]byte, error) {
	return json.Marshal(wire{
		Protocol:     l.protocol,
		TracerID:     l.tracerID,
		JobID:        l.jobID,
		Source:       l.source,
		RelativePath: l.relativePath,
	})
}

// UnmarshalJSON validates without sanitizing, so an echoed LFN compares
// equal to the one that was sent only if nothing was rewritten.
func (l *LFN) UnmarshalJSON(data []byte) error {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidLFN, err)
	}
	parsed, err := FromParts(w.Protocol, w.TracerID, w.JobID, w.Source, w.RelativePath)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Parse decodes the canonical textual form.
func Parse(text string) (LFN, error) {
	var l LFN
	if err := json.Unmarshal([]byte(text), &l); err != nil {
		return LFN{}, err
	}
	return l, nil
}
