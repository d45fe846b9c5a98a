// Package mirror copies finished archives to a second location: another local
// directory, an S3-compatible bucket or an Azure Blob container.
package mirror

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Backend stores archives by name.
type Backend interface {
	// Upload stores r under name, replacing any existing object.
	Upload(ctx context.Context, name string, r io.Reader, size int64) error

	// Download writes the object stored under name to w.
	Download(ctx context.Context, name string, w io.Writer) error

	// List returns the names starting with prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes name. Deleting a missing object is not an error.
	Delete(ctx context.Context, name string) error

	// Close releases any resources held by the backend.
	Close() error

	// Type returns the backend identifier ("local", "s3", "azure").
	Type() string
}

// Config selects and configures a backend.
type Config struct {
	// Backend is "none", "local", "s3" or "azure".
	Backend string
	// Prefix is prepended to every object key for the remote backends.
	Prefix string

	LocalPath string

	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3UseSSL    bool
	S3PathStyle bool

	AzureConnectionString   string
	AzureAccountName        string
	AzureAccountKey         string
	AzureSASToken           string
	AzureUseManagedIdentity bool
	AzureContainer          string
	AzureEndpoint           string

	// Remote backends are wrapped in a circuit breaker. Zero values use the defaults.
	BreakerMaxFailures int
	BreakerCooldown    time.Duration
}

// New creates the configured backend. It returns nil, nil when mirroring is disabled.
func New(cfg *Config, logger zerolog.Logger) (Backend, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "none":
		return nil, nil
	case "local":
		return NewLocalBackend(cfg.LocalPath, logger)
	case "s3", "minio":
		b, err := NewS3Backend(&S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			UseSSL:    cfg.S3UseSSL,
			PathStyle: cfg.S3PathStyle,
			Prefix:    cfg.Prefix,
		}, logger)
		if err != nil {
			return nil, err
		}
		return guard(b, cfg, logger), nil
	case "azure", "azblob":
		b, err := NewAzureBlobBackend(&AzureBlobConfig{
			ConnectionString:   cfg.AzureConnectionString,
			AccountName:        cfg.AzureAccountName,
			AccountKey:         cfg.AzureAccountKey,
			SASToken:           cfg.AzureSASToken,
			UseManagedIdentity: cfg.AzureUseManagedIdentity,
			ContainerName:      cfg.AzureContainer,
			Endpoint:           cfg.AzureEndpoint,
			Prefix:             cfg.Prefix,
		}, logger)
		if err != nil {
			return nil, err
		}
		return guard(b, cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown mirror backend %q", cfg.Backend)
	}
}

func guard(b Backend, cfg *Config, logger zerolog.Logger) Backend {
	return NewGuarded(b, &BreakerConfig{
		MaxFailures: cfg.BreakerMaxFailures,
		Cooldown:    cfg.BreakerCooldown,
	}, logger)
}

// validName rejects names that are empty or contain path separators; archives
// are always stored flat.
func validName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." || strings.Contains(name, "\x00") {
		return fmt.Errorf("invalid object name %q", name)
	}
	return nil
}

func joinKey(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return strings.TrimSuffix(prefix, "/") + "/" + name
}
