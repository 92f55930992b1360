package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chanscrape/chanscrape/internal/catalog"
	"github.com/chanscrape/chanscrape/internal/enrich"
	"github.com/chanscrape/chanscrape/internal/logging"
	"github.com/chanscrape/chanscrape/internal/storage"
	"github.com/chanscrape/chanscrape/pkg/config"
	"github.com/chanscrape/chanscrape/pkg/lfn"
)

// Components holds the collaborators built from configuration.
type Components struct {
	Gateway  storage.Gateway
	Catalog  *catalog.Client
	Enricher *enrich.Enricher
	Retry    RetryPolicy

	minTextLength int
	closers       []func() error
}

// Build creates the storage gateway, catalog client and optional enricher
// described by cfg.
func Build(ctx context.Context, cfg *config.Config, log logging.Logger) (*Components, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	c := &Components{
		Retry: RetryPolicy{
			MaxAttempts:     cfg.Retry.MaxAttempts,
			InitialInterval: time.Duration(cfg.Retry.InitialInterval) * time.Millisecond,
			MaxInterval:     time.Duration(cfg.Retry.MaxInterval) * time.Millisecond,
		},
		minTextLength: cfg.Enrichment.MinTextLength,
	}

	if err := c.buildStorage(ctx, cfg, log); err != nil {
		_ = c.Close()
		return nil, err
	}
	if cfg.Enrichment.Enabled {
		e, err := buildEnricher(ctx, cfg.Enrichment, log)
		if err != nil {
			_ = c.Close()
			return nil, err
		}
		c.Enricher = e
	}
	return c, nil
}

func (c *Components) buildStorage(ctx context.Context, cfg *config.Config, log logging.Logger) error {
	protocol := cfg.StorageProtocol()
	if protocol == lfn.ProtocolLocal {
		c.Gateway = storage.NewLocalStorage(cfg.Storage.DataDir)
		return nil
	}

	var store storage.ObjectStore
	switch protocol {
	case lfn.ProtocolS3:
		s3, err := storage.NewS3Store(ctx, storage.S3Config{
			Region:    cfg.Storage.Region,
			Endpoint:  cfg.StorageEndpoint(),
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
		})
		if err != nil {
			return err
		}
		store = s3
	case lfn.ProtocolGCS:
		gs, err := storage.NewGCSStore(ctx, cfg.Storage.GCSProject, cfg.Storage.GCSCredentialsFile)
		if err != nil {
			return err
		}
		c.closers = append(c.closers, gs.Close)
		store = gs
	}

	obj := storage.NewObjectStorage(storage.ObjectConfig{
		Protocol: protocol,
		Host:     cfg.Storage.Host,
		Port:     cfg.Storage.Port,
		Bucket:   cfg.Storage.Bucket,
	}, store)

	cat, err := catalog.New(catalog.Config{
		BaseURL:           cfg.CatalogURL(),
		AuthToken:         cfg.Catalog.AuthToken,
		AuthHeader:        cfg.Catalog.AuthHeader,
		KnowledgeSourceID: cfg.Catalog.KnowledgeSourceID,
		Mode:              catalog.RegisterMode(cfg.Catalog.RegisterMode),
		Timeout:           cfg.CatalogTimeout(),
	}, obj, log)
	if err != nil {
		return fmt.Errorf("create catalog client: %w", err)
	}
	// Signed URLs are issued for the S3 deployment only.
	if protocol == lfn.ProtocolS3 && cfg.Storage.SignedUpload {
		storage.WithSigner(cat)(obj)
	}

	c.Gateway = obj
	c.Catalog = cat
	return nil
}

func buildEnricher(ctx context.Context, cfg config.EnrichmentConfig, log logging.Logger) (*enrich.Enricher, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("enrichment is enabled but no model api key is set")
	}
	var llm enrich.Completer
	switch cfg.Provider {
	case "gemini":
		g, err := enrich.NewGeminiCompleter(ctx, cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, err
		}
		llm = g
	default:
		llm = enrich.NewAnthropicCompleter(cfg.APIKey, cfg.Model)
	}

	var locator enrich.Locator
	if cfg.GeocoderURL != "" {
		g, err := enrich.NewGeocoder(cfg.GeocoderURL, cfg.UserAgent, cfg.GeocoderRate)
		if err != nil {
			return nil, err
		}
		locator = g
	}

	model := enrich.NewModelExtractor(llm)
	return enrich.NewEnricher(model, model, locator, log.With(logging.String("component", "enrich"))), nil
}

// Pipeline creates a Pipeline over the built collaborators. opts are applied
// after the configured ones.
func (c *Components) Pipeline(log logging.Logger, opts ...Option) *Pipeline {
	base := []Option{
		WithLogger(log),
		WithRetry(c.Retry),
		WithMinTextLength(c.minTextLength),
	}
	if c.Catalog != nil {
		base = append(base, WithCatalog(c.Catalog))
	}
	if c.Enricher != nil {
		base = append(base, WithEnricher(c.Enricher))
	}
	return New(c.Gateway, append(base, opts...)...)
}

// Close releases clients that hold connections.
func (c *Components) Close() error {
	var errs []error
	for _, fn := range c.closers {
		errs = append(errs, fn())
	}
	return errors.Join(errs...)
}
