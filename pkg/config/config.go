// Package config handles loading and managing chanscrape configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/chanscrape/chanscrape/pkg/lfn"
)

// Config is the top-level configuration for chanscrape.
type Config struct {
	Storage    StorageConfig    `yaml:"storage"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Source     SourceConfig     `yaml:"source"`
	Enrichment EnrichmentConfig `yaml:"enrichment"`
	Retry      RetryConfig      `yaml:"retry"`
	Database   DatabaseConfig   `yaml:"database"`
	Logging    LoggingConfig    `yaml:"logging"`
	Server     ServerConfig     `yaml:"server"`
}

// StorageConfig selects and configures the storage gateway.
type StorageConfig struct {
	Protocol string `yaml:"protocol"` // s3, local or gcs
	DataDir  string `yaml:"data_dir"`

	Host      string `yaml:"host"`
	Port      string `yaml:"port"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
	// SignedUpload uploads through catalog-issued URLs instead of credentials.
	SignedUpload bool `yaml:"signed_upload"`

	GCSCredentialsFile string `yaml:"gcs_credentials_file"`
	GCSProject         string `yaml:"gcs_project"`
}

// CatalogConfig points at the metadata catalog service.
type CatalogConfig struct {
	Host              string `yaml:"host"`
	Port              string `yaml:"port"`
	AuthToken         string `yaml:"auth_token"`
	AuthHeader        string `yaml:"auth_header"`
	KnowledgeSourceID int64  `yaml:"knowledge_source_id"`
	RegisterMode      string `yaml:"register_mode"` // lfn or pfn_list
	Timeout           int    `yaml:"timeout"`       // seconds
}

// SourceConfig configures the messaging source.
type SourceConfig struct {
	ExportDir string `yaml:"export_dir"`
}

// EnrichmentConfig controls the optional enrichment stage.
type EnrichmentConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Provider      string  `yaml:"provider"` // anthropic or gemini
	Model         string  `yaml:"model"`
	APIKey        string  `yaml:"api_key"`
	MinTextLength int     `yaml:"min_text_length"`
	GeocoderURL   string  `yaml:"geocoder_url"`
	GeocoderRate  float64 `yaml:"geocoder_rate"` // requests per second
	UserAgent     string  `yaml:"user_agent"`
}

// RetryConfig bounds retries of media download and storage writes.
type RetryConfig struct {
	MaxAttempts     int `yaml:"max_attempts"`
	InitialInterval int `yaml:"initial_interval_ms"`
	MaxInterval     int `yaml:"max_interval_ms"`
}

// DatabaseConfig configures the Postgres job store. Empty URL means in-memory.
type DatabaseConfig struct {
	URL         string `yaml:"url"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// ServerConfig controls the HTTP job service.
type ServerConfig struct {
	Port           string `yaml:"port"`
	APIKey         string `yaml:"api_key"`
	JobManagerName string `yaml:"job_manager_name"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Protocol:     "s3",
			DataDir:      "data",
			Host:         "localhost",
			Port:         "9000",
			Bucket:       "chanscrape",
			Region:       "us-east-1",
			SignedUpload: true,
		},
		Catalog: CatalogConfig{
			Host:              "http://localhost",
			Port:              "8000",
			AuthHeader:        "x-auth-token",
			KnowledgeSourceID: 1,
			RegisterMode:      "lfn",
			Timeout:           30,
		},
		Enrichment: EnrichmentConfig{
			Provider:      "anthropic",
			Model:         "claude-sonnet-4-20250514",
			MinTextLength: 20,
			GeocoderURL:   "https://nominatim.openstreetmap.org/search",
			GeocoderRate:  1,
			UserAgent:     "chanscrape",
		},
		Retry: RetryConfig{
			MaxAttempts:     3,
			InitialInterval: 500,
			MaxInterval:     5000,
		},
		Logging: LoggingConfig{
			Level: "warn",
		},
		Server: ServerConfig{
			Port:           "8080",
			JobManagerName: "telegram",
		},
	}
}

// Load reads a config file from the given path, then applies .env files and
// environment overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config: %w", err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if err := loadEnvFiles(); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadEnvFiles loads ENV_FILE if set, otherwise .env.local then .env.
// godotenv never overrides variables that are already set.
func loadEnvFiles() error {
	if f := os.Getenv("ENV_FILE"); f != "" {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load env file %s: %w", f, err)
		}
		return nil
	}
	for _, f := range []string{".env.local", ".env"} {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("STORAGE_PROTOCOL", &c.Storage.Protocol)
	str("DATA_DIR", &c.Storage.DataDir)
	str("MINIO_HOST", &c.Storage.Host)
	str("MINIO_PORT", &c.Storage.Port)
	str("MINIO_BUCKET", &c.Storage.Bucket)
	str("MINIO_ACCESS_KEY", &c.Storage.AccessKey)
	str("MINIO_SECRET_KEY", &c.Storage.SecretKey)
	str("AWS_REGION", &c.Storage.Region)
	str("GOOGLE_APPLICATION_CREDENTIALS", &c.Storage.GCSCredentialsFile)
	str("GOOGLE_CLOUD_PROJECT", &c.Storage.GCSProject)
	str("KERNEL_PLANCKSTER_HOST", &c.Catalog.Host)
	str("KERNEL_PLANCKSTER_PORT", &c.Catalog.Port)
	str("KERNEL_PLANCKSTER_AUTH_TOKEN", &c.Catalog.AuthToken)
	str("TELEGRAM_EXPORT_DIR", &c.Source.ExportDir)
	str("DATABASE_URL", &c.Database.URL)
	str("LOG_LEVEL", &c.Logging.Level)
	str("PORT", &c.Server.Port)
	str("API_KEY", &c.Server.APIKey)
	str("JOB_MANAGER_NAME", &c.Server.JobManagerName)
	str("GEOCODER_URL", &c.Enrichment.GeocoderURL)

	if v, ok := lookup("KNOWLEDGE_SOURCE_ID"); ok && v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("parse KNOWLEDGE_SOURCE_ID: %w", err)
		}
		c.Catalog.KnowledgeSourceID = id
	}
	if v, ok := lookup("ENRICHMENT_ENABLED"); ok && v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse ENRICHMENT_ENABLED: %w", err)
		}
		c.Enrichment.Enabled = enabled
	}

	switch c.Enrichment.Provider {
	case "gemini":
		str("GEMINI_API_KEY", &c.Enrichment.APIKey)
	default:
		str("ANTHROPIC_API_KEY", &c.Enrichment.APIKey)
	}
	return nil
}

// Validate checks the configuration for the chosen storage protocol.
func (c *Config) Validate() error {
	protocol, err := lfn.ParseProtocol(c.Storage.Protocol)
	if err != nil {
		return fmt.Errorf("storage.protocol: %w", err)
	}

	var errs []error
	switch protocol {
	case lfn.ProtocolLocal:
		if c.Storage.DataDir == "" {
			errs = append(errs, errors.New("storage.data_dir is required for local storage"))
		}
	case lfn.ProtocolS3, lfn.ProtocolGCS:
		if c.Storage.Bucket == "" {
			errs = append(errs, errors.New("storage.bucket is required for object storage"))
		}
		if c.Catalog.Host == "" {
			errs = append(errs, errors.New("catalog.host is required for object storage"))
		}
	}
	if protocol == lfn.ProtocolS3 && c.Storage.Host == "" {
		errs = append(errs, errors.New("storage.host is required for s3 storage"))
	}
	if c.Catalog.RegisterMode != "lfn" && c.Catalog.RegisterMode != "pfn_list" {
		errs = append(errs, fmt.Errorf("catalog.register_mode %q must be lfn or pfn_list", c.Catalog.RegisterMode))
	}
	if c.Enrichment.Enabled && c.Enrichment.Provider != "anthropic" && c.Enrichment.Provider != "gemini" {
		errs = append(errs, fmt.Errorf("enrichment.provider %q must be anthropic or gemini", c.Enrichment.Provider))
	}
	return errors.Join(errs...)
}

// StorageProtocol returns the parsed storage protocol.
func (c *Config) StorageProtocol() lfn.Protocol {
	p, err := lfn.ParseProtocol(c.Storage.Protocol)
	if err != nil {
		return lfn.ProtocolLocal
	}
	return p
}

// StorageEndpoint returns the S3 endpoint URL built from host and port.
func (c *Config) StorageEndpoint() string {
	scheme := "http"
	if c.Storage.Secure {
		scheme = "https"
	}
	if c.Storage.Port == "" {
		return scheme + "://" + c.Storage.Host
	}
	return scheme + "://" + c.Storage.Host + ":" + c.Storage.Port
}

// CatalogURL returns the catalog base URL, host and port joined.
func (c *Config) CatalogURL() string {
	if c.Catalog.Port == "" {
		return c.Catalog.Host
	}
	return c.Catalog.Host + ":" + c.Catalog.Port
}

// CatalogTimeout returns the catalog request timeout.
func (c *Config) CatalogTimeout() time.Duration {
	if c.Catalog.Timeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Catalog.Timeout) * time.Second
}

// FindConfigFile looks for .chanscrape/config.yaml in the given directory
// and its parents, returning the path if found, or "" if not.
func FindConfigFile(dir string) string {
	for {
		candidate := filepath.Join(dir, ".chanscrape", "config.yaml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}
