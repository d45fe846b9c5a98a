package main

import (
	"fmt"
	"html/template"
	"time"

	"github.com/basekick-labs/keepsake/internal/archive"
	"github.com/basekick-labs/keepsake/internal/backup"
	"github.com/basekick-labs/keepsake/internal/config"
	"github.com/basekick-labs/keepsake/internal/logger"
	"github.com/basekick-labs/keepsake/internal/metrics"
	"github.com/basekick-labs/keepsake/internal/mirror"
	"github.com/basekick-labs/keepsake/internal/resource"
	"github.com/basekick-labs/keepsake/internal/secrets"
)

// Resource priorities. Higher backs up first.
const (
	prioritySQLite    = 30
	prioritySensitive = 20
	priorityFiles     = 10
)

// runtimeEnv is everything a command needs once configuration is loaded.
type runtimeEnv struct {
	cfg     *config.Config
	service *backup.Service
	mirror  mirror.Backend
	secrets *secrets.Store
}

func (e *runtimeEnv) close() {
	if e.mirror != nil {
		e.mirror.Close()
	}
	e.secrets.Purge()
}

// setup loads configuration, configures logging and builds the backup service.
func setup() (*runtimeEnv, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if cfg.App.Version == "" {
		cfg.App.Version = Version
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Setup(cfg.Log.Level, cfg.Log.Format)
	metrics.Init(logger.Get("metrics"))

	registry, err := buildRegistry(cfg)
	if err != nil {
		return nil, err
	}

	mirrorBackend, err := mirror.New(&mirror.Config{
		Backend:                 cfg.Mirror.Backend,
		Prefix:                  cfg.Mirror.Prefix,
		LocalPath:               cfg.Mirror.LocalPath,
		S3Bucket:                cfg.Mirror.S3Bucket,
		S3Region:                cfg.Mirror.S3Region,
		S3Endpoint:              cfg.Mirror.S3Endpoint,
		S3AccessKey:             cfg.Mirror.S3AccessKey,
		S3SecretKey:             cfg.Mirror.S3SecretKey,
		S3UseSSL:                cfg.Mirror.S3UseSSL,
		S3PathStyle:             cfg.Mirror.S3PathStyle,
		AzureConnectionString:   cfg.Mirror.AzureConnectionString,
		AzureAccountName:        cfg.Mirror.AzureAccountName,
		AzureAccountKey:         cfg.Mirror.AzureAccountKey,
		AzureSASToken:           cfg.Mirror.AzureSASToken,
		AzureUseManagedIdentity: cfg.Mirror.AzureUseManagedIdentity,
		AzureContainer:          cfg.Mirror.AzureContainer,
		AzureEndpoint:           cfg.Mirror.AzureEndpoint,
		BreakerMaxFailures:      cfg.Mirror.BreakerMaxFailures,
		BreakerCooldown:         time.Duration(cfg.Mirror.BreakerCooldownSeconds) * time.Second,
	}, logger.Get("mirror"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize mirror: %w", err)
	}

	var tmpl *template.Template
	if cfg.Backup.TemplatePath != "" {
		if tmpl, err = archive.LoadTemplate(cfg.Backup.TemplatePath); err != nil {
			return nil, err
		}
	}

	var launcher backup.Launcher
	if cfg.App.Binary != "" {
		launcher = &backup.ExecLauncher{
			Binary:      cfg.App.Binary,
			ProfileFlag: cfg.App.ProfileFlag,
			Logger:      logger.Get("launcher"),
		}
	}

	store := secrets.NewStore()
	svc, err := backup.NewService(&backup.ServiceConfig{
		ProfileDir:       cfg.Profile.Dir,
		ProfileName:      cfg.Profile.Name,
		ProfilesRoot:     cfg.Profile.ProfilesRoot,
		AppName:          cfg.App.Name,
		AppVersion:       cfg.App.Version,
		BuildID:          cfg.App.BuildID,
		ProfileGroupID:   cfg.Profile.GroupID,
		Destination:      cfg.Backup.Destination,
		DocumentsDir:     cfg.Backup.DocumentsDir,
		ArchiveFileName:  cfg.Backup.ArchiveFileName,
		CompressionLevel: cfg.Backup.CompressionLevel,
		ChunkSize:        int(cfg.Backup.ChunkSize),
		Template:         tmpl,
		SupportURL:       cfg.Backup.SupportURL,
		DownloadURL:      cfg.Backup.DownloadURL,
		Registry:         registry,
		Mirror:           mirrorBackend,
		Launcher:         launcher,
		Secrets:          store,
		Logger:           logger.Get("backup"),
	})
	if err != nil {
		if mirrorBackend != nil {
			mirrorBackend.Close()
		}
		return nil, fmt.Errorf("failed to initialize backup service: %w", err)
	}

	return &runtimeEnv{cfg: cfg, service: svc, mirror: mirrorBackend, secrets: store}, nil
}

// buildRegistry turns the configured resource specs into resources.
func buildRegistry(cfg *config.Config) (*resource.Registry, error) {
	var resources []resource.Resource

	sqliteSpecs, err := config.ParseResourceSpecs(cfg.Resources.SQLite)
	if err != nil {
		return nil, err
	}
	for _, spec := range sqliteSpecs {
		r, err := resource.NewSQLiteResource(&resource.SQLiteConfig{
			Key:       spec.Key,
			Priority:  prioritySQLite,
			Databases: spec.Paths,
			Logger:    logger.Get("resource"),
		})
		if err != nil {
			return nil, err
		}
		resources = append(resources, r)
	}

	groups := []struct {
		entries   []string
		sensitive bool
		priority  int
	}{
		{cfg.Resources.SensitiveFiles, true, prioritySensitive},
		{cfg.Resources.Files, false, priorityFiles},
	}
	for _, g := range groups {
		specs, err := config.ParseResourceSpecs(g.entries)
		if err != nil {
			return nil, err
		}
		for _, spec := range specs {
			r, err := resource.NewFileSetResource(&resource.FileSetConfig{
				Key:                spec.Key,
				Priority:           g.priority,
				RequiresEncryption: g.sensitive,
				Files:              spec.Paths,
				Logger:             logger.Get("resource"),
			})
			if err != nil {
				return nil, err
			}
			resources = append(resources, r)
		}
	}

	return resource.NewRegistry(resources...)
}
