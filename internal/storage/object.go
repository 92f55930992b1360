package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chanscrape/chanscrape/pkg/lfn"
)

// ObjectStore is the minimal bucket API the object gateway needs.
type ObjectStore interface {
	Put(ctx context.Context, bucket, key, localPath string) error
	Get(ctx context.Context, bucket, key, localPath string) error
	List(ctx context.Context, bucket string) ([]string, error)
	BucketExists(ctx context.Context, bucket string) (bool, error)
	CreateBucket(ctx context.Context, bucket string) error
}

// EnsureBucket creates bucket unless it already exists.
func EnsureBucket(ctx context.Context, store ObjectStore, bucket string) error {
	exists, err := store.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if exists {
		return nil
	}
	if err := store.CreateBucket(ctx, bucket); err != nil {
		return fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	return nil
}

// URLSigner issues write-capable URLs for an LFN.
type URLSigner interface {
	GenerateSignedURL(ctx context.Context, l lfn.LFN) (string, error)
}

// ObjectConfig describes where an object gateway writes.
type ObjectConfig struct {
	Protocol lfn.Protocol // s3 or gs
	Host     string       // s3 only
	Port     string       // s3 only
	Bucket   string
}

// Prefix returns the PFN prefix, without a trailing slash.
func (c ObjectConfig) Prefix() string {
	if c.Protocol == lfn.ProtocolGCS {
		return "gs://" + c.Bucket
	}
	return fmt.Sprintf("s3://%s:%s/%s", c.Host, c.Port, c.Bucket)
}

// ObjectStorage implements Gateway on top of an ObjectStore. When a signer is
// configured, Save uploads through a signed URL instead of the store.
type ObjectStorage struct {
	cfg        ObjectConfig
	store      ObjectStore
	signer     URLSigner
	httpClient *http.Client
}

// ObjectOption customizes an ObjectStorage.
type ObjectOption func(*ObjectStorage)

// WithSigner routes saves through signed URLs.
func WithSigner(s URLSigner) ObjectOption {
	return func(o *ObjectStorage) { o.signer = s }
}

// WithHTTPClient sets the client used for signed-URL uploads.
func WithHTTPClient(c *http.Client) ObjectOption {
	return func(o *ObjectStorage) { o.httpClient = c }
}

// NewObjectStorage creates an object gateway.
func NewObjectStorage(cfg ObjectConfig, store ObjectStore, opts ...ObjectOption) *ObjectStorage {
	o := &ObjectStorage{
		cfg:        cfg,
		store:      store,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (s *ObjectStorage) Protocol() lfn.Protocol { return s.cfg.Protocol }

// Bucket returns the bucket this gateway writes to.
func (s *ObjectStorage) Bucket() string { return s.cfg.Bucket }

// Store returns the underlying object store.
func (s *ObjectStorage) Store() ObjectStore { return s.store }

func (s *ObjectStorage) LFNToPFN(l lfn.LFN) (string, error) {
	if l.Protocol() != s.cfg.Protocol {
		return "", fmt.Errorf("%w: %s storage cannot serve %q", ErrUnsupportedProtocol, s.cfg.Protocol, l.Protocol())
	}
	return s.cfg.Prefix() + "/" + objectKey(l), nil
}

func (s *ObjectStorage) PFNToLFN(pfn string) (lfn.LFN, error) {
	prefix := s.cfg.Prefix() + "/"
	if !strings.HasPrefix(pfn, prefix) {
		return lfn.LFN{}, fmt.Errorf("%w: %q is not under %s", ErrMalformedPFN, pfn, prefix)
	}
	return parseKey(s.cfg.Protocol, pfn, strings.TrimPrefix(pfn, prefix))
}

// Save uploads localPath and returns its PFN.
func (s *ObjectStorage) Save(ctx context.Context, l lfn.LFN, localPath string) (string, error) {
	pfn, err := s.LFNToPFN(l)
	if err != nil {
		return "", err
	}

	if s.signer != nil {
		url, err := s.signer.GenerateSignedURL(ctx, l)
		if err != nil {
			return "", err
		}
		if err := s.putSigned(ctx, url, localPath); err != nil {
			return "", writeFailed(pfn, err)
		}
		return pfn, nil
	}

	if err := s.store.Put(ctx, s.cfg.Bucket, objectKey(l), localPath); err != nil {
		return "", writeFailed(pfn, err)
	}
	return pfn, nil
}

func (s *ObjectStorage) putSigned(ctx context.Context, url, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(localPath), err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", filepath.Base(localPath), err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, f)
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.ContentLength = info.Size()

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("upload returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func (s *ObjectStorage) Retrieve(ctx context.Context, l lfn.LFN, destPath string) error {
	if _, err := s.LFNToPFN(l); err != nil {
		return err
	}
	if err := s.store.Get(ctx, s.cfg.Bucket, objectKey(l), destPath); err != nil {
		return fmt.Errorf("retrieve %s: %w", objectKey(l), err)
	}
	return nil
}

func (s *ObjectStorage) List(ctx context.Context) ([]lfn.LFN, error) {
	keys, err := s.store.List(ctx, s.cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", s.cfg.Bucket, err)
	}
	out := make([]lfn.LFN, 0, len(keys))
	for _, key := range keys {
		if l, err := parseKey(s.cfg.Protocol, key, key); err == nil {
			out = append(out, l)
		}
	}
	return out, nil
}
