package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Config holds all configuration for keepsake
type Config struct {
	Profile   ProfileConfig
	App       AppConfig
	Backup    BackupConfig
	Scheduler SchedulerConfig
	Resources ResourcesConfig
	Mirror    MirrorConfig
	Server    ServerConfig
	Log       LogConfig
	Shutdown  ShutdownConfig
}

type ProfileConfig struct {
	Dir          string
	Name         string
	ProfilesRoot string // Where recovered profiles are created (default: parent of Dir)
	GroupID      string
}

type AppConfig struct {
	Name        string
	Version     string
	BuildID     string
	Binary      string // Application launched against a recovered profile
	ProfileFlag string
}

type BackupConfig struct {
	Destination      string
	DocumentsDir     string
	ArchiveFileName  string
	CompressionLevel int
	ChunkSize        int64
	TemplatePath     string
	SupportURL       string
	DownloadURL      string
}

type SchedulerConfig struct {
	Enabled              bool
	IdleThresholdSeconds int
	MinIntervalSeconds   int
	DebounceSeconds      int
	FallbackSchedule     string // Cron expression; empty disables
	WatchProfile         bool
	MeasureOnStart       bool
}

// ResourcesConfig lists resource specs in "key:path1,path2" form, paths
// relative to the profile directory.
type ResourcesConfig struct {
	Files          []string
	SensitiveFiles []string
	SQLite         []string
}

type MirrorConfig struct {
	Backend   string // none, local, s3, azure
	Prefix    string
	LocalPath string

	// S3/MinIO configuration
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string // or AWS_ACCESS_KEY_ID
	S3SecretKey string // or AWS_SECRET_ACCESS_KEY
	S3UseSSL    bool
	S3PathStyle bool

	// Azure Blob Storage configuration
	AzureContainer          string
	AzureConnectionString   string
	AzureAccountName        string
	AzureAccountKey         string
	AzureSASToken           string
	AzureEndpoint           string
	AzureUseManagedIdentity bool

	// Circuit breaker for the remote backends
	BreakerMaxFailures     int
	BreakerCooldownSeconds int
}

type ServerConfig struct {
	Enabled      bool
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	APIToken     string // Required in the x-api-key header when set
}

type LogConfig struct {
	Level  string
	Format string
}

type ShutdownConfig struct {
	TimeoutSeconds int
}

// Load reads configuration from defaults, an optional keepsake.toml and
// KEEPSAKE_* environment variables. A non-empty configFile is read instead of
// searching the default locations.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Environment variables
	v.SetEnvPrefix("KEEPSAKE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("keepsake")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/keepsake/")
		v.AddConfigPath("$HOME/.keepsake/")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || configFile != "" {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found is OK, use defaults
	}

	chunkSize, err := ParseSize(v.GetString("backup.chunk_size"))
	if err != nil {
		return nil, fmt.Errorf("invalid backup.chunk_size: %w", err)
	}

	cfg := &Config{
		Profile: ProfileConfig{
			Dir:          v.GetString("profile.dir"),
			Name:         v.GetString("profile.name"),
			ProfilesRoot: v.GetString("profile.profiles_root"),
			GroupID:      v.GetString("profile.group_id"),
		},
		App: AppConfig{
			Name:        v.GetString("app.name"),
			Version:     v.GetString("app.version"),
			BuildID:     v.GetString("app.build_id"),
			Binary:      v.GetString("app.binary"),
			ProfileFlag: v.GetString("app.profile_flag"),
		},
		Backup: BackupConfig{
			Destination:      v.GetString("backup.destination"),
			DocumentsDir:     v.GetString("backup.documents_dir"),
			ArchiveFileName:  v.GetString("backup.archive_file_name"),
			CompressionLevel: v.GetInt("backup.compression_level"),
			ChunkSize:        chunkSize,
			TemplatePath:     v.GetString("backup.template_path"),
			SupportURL:       v.GetString("backup.support_url"),
			DownloadURL:      v.GetString("backup.download_url"),
		},
		Scheduler: SchedulerConfig{
			Enabled:              v.GetBool("scheduler.enabled"),
			IdleThresholdSeconds: v.GetInt("scheduler.idle_threshold_seconds"),
			MinIntervalSeconds:   v.GetInt("scheduler.min_interval_seconds"),
			DebounceSeconds:      v.GetInt("scheduler.debounce_seconds"),
			FallbackSchedule:     v.GetString("scheduler.fallback_schedule"),
			WatchProfile:         v.GetBool("scheduler.watch_profile"),
			MeasureOnStart:       v.GetBool("scheduler.measure_on_start"),
		},
		Resources: ResourcesConfig{
			Files:          v.GetStringSlice("resources.files"),
			SensitiveFiles: v.GetStringSlice("resources.sensitive_files"),
			SQLite:         v.GetStringSlice("resources.sqlite"),
		},
		Mirror: MirrorConfig{
			Backend:                 v.GetString("mirror.backend"),
			Prefix:                  v.GetString("mirror.prefix"),
			LocalPath:               v.GetString("mirror.local_path"),
			S3Bucket:                v.GetString("mirror.s3_bucket"),
			S3Region:                v.GetString("mirror.s3_region"),
			S3Endpoint:              v.GetString("mirror.s3_endpoint"),
			S3AccessKey:             v.GetString("mirror.s3_access_key"),
			S3SecretKey:             v.GetString("mirror.s3_secret_key"),
			S3UseSSL:                v.GetBool("mirror.s3_use_ssl"),
			S3PathStyle:             v.GetBool("mirror.s3_path_style"),
			AzureContainer:          v.GetString("mirror.azure_container"),
			AzureConnectionString:   v.GetString("mirror.azure_connection_string"),
			AzureAccountName:        v.GetString("mirror.azure_account_name"),
			AzureAccountKey:         v.GetString("mirror.azure_account_key"),
			AzureSASToken:           v.GetString("mirror.azure_sas_token"),
			AzureEndpoint:           v.GetString("mirror.azure_endpoint"),
			AzureUseManagedIdentity: v.GetBool("mirror.azure_use_managed_identity"),
			BreakerMaxFailures:      v.GetInt("mirror.breaker_max_failures"),
			BreakerCooldownSeconds:  v.GetInt("mirror.breaker_cooldown_seconds"),
		},
		Server: ServerConfig{
			Enabled:      v.GetBool("server.enabled"),
			Host:         v.GetString("server.host"),
			Port:         v.GetInt("server.port"),
			ReadTimeout:  v.GetInt("server.read_timeout"),
			WriteTimeout: v.GetInt("server.write_timeout"),
			APIToken:     v.GetString("server.api_token"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Shutdown: ShutdownConfig{
			TimeoutSeconds: v.GetInt("shutdown.timeout_seconds"),
		},
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Profile defaults
	v.SetDefault("profile.dir", "")
	v.SetDefault("profile.name", "")
	v.SetDefault("profile.profiles_root", "")
	v.SetDefault("profile.group_id", "")

	// App defaults
	v.SetDefault("app.name", "keepsake")
	v.SetDefault("app.version", "")
	v.SetDefault("app.build_id", "")
	v.SetDefault("app.binary", "")
	v.SetDefault("app.profile_flag", "--profile")

	// Backup defaults
	v.SetDefault("backup.destination", "")
	v.SetDefault("backup.documents_dir", "")
	v.SetDefault("backup.archive_file_name", "Backup")
	v.SetDefault("backup.compression_level", -1) // flate.DefaultCompression
	v.SetDefault("backup.chunk_size", "1MB")
	v.SetDefault("backup.template_path", "")
	v.SetDefault("backup.support_url", "")
	v.SetDefault("backup.download_url", "")

	// Scheduler defaults
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.idle_threshold_seconds", 300)
	v.SetDefault("scheduler.min_interval_seconds", 3600)
	v.SetDefault("scheduler.debounce_seconds", 10)
	v.SetDefault("scheduler.fallback_schedule", "0 */6 * * *")
	v.SetDefault("scheduler.watch_profile", true)
	v.SetDefault("scheduler.measure_on_start", true)

	// Resource defaults
	v.SetDefault("resources.files", []string{"preferences:prefs.js,user.js,xulstore.json"})
	v.SetDefault("resources.sensitive_files", []string{"credentials:logins.json,key4.db"})
	v.SetDefault("resources.sqlite", []string{"places:places.sqlite,favicons.sqlite"})

	// Mirror defaults
	v.SetDefault("mirror.backend", "none")
	v.SetDefault("mirror.prefix", "")
	v.SetDefault("mirror.local_path", "")
	v.SetDefault("mirror.s3_bucket", "")
	v.SetDefault("mirror.s3_region", "us-east-1")
	v.SetDefault("mirror.s3_endpoint", "")
	v.SetDefault("mirror.s3_access_key", "")
	v.SetDefault("mirror.s3_secret_key", "")
	v.SetDefault("mirror.s3_use_ssl", true)
	v.SetDefault("mirror.s3_path_style", false)
	v.SetDefault("mirror.azure_container", "")
	v.SetDefault("mirror.azure_connection_string", "")
	v.SetDefault("mirror.azure_account_name", "")
	v.SetDefault("mirror.azure_account_key", "")
	v.SetDefault("mirror.azure_sas_token", "")
	v.SetDefault("mirror.azure_endpoint", "")
	v.SetDefault("mirror.azure_use_managed_identity", false)
	v.SetDefault("mirror.breaker_max_failures", 3)
	v.SetDefault("mirror.breaker_cooldown_seconds", 600)

	// Server defaults
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8470)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)
	v.SetDefault("server.api_token", "")

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Shutdown defaults
	v.SetDefault("shutdown.timeout_seconds", 30)
}

// Validate checks the fields every command needs.
func (cfg *Config) Validate() error {
	if cfg.Profile.Dir == "" {
		return fmt.Errorf("profile.dir is required")
	}
	if cfg.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}
	if cfg.App.Version == "" {
		return fmt.Errorf("app.version is required")
	}
	if cfg.Backup.CompressionLevel < -2 || cfg.Backup.CompressionLevel > 9 {
		return fmt.Errorf("backup.compression_level must be between -2 and 9")
	}
	if cfg.Backup.ChunkSize <= 0 || cfg.Backup.ChunkSize > 64*1024*1024 {
		return fmt.Errorf("backup.chunk_size must be between 1B and 64MB")
	}
	if cfg.Scheduler.IdleThresholdSeconds <= 0 {
		return fmt.Errorf("scheduler.idle_threshold_seconds must be positive")
	}
	if s := cfg.Scheduler.FallbackSchedule; s != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		if _, err := parser.Parse(s); err != nil {
			return fmt.Errorf("invalid scheduler.fallback_schedule %q: %w", s, err)
		}
	}
	for _, group := range [][]string{cfg.Resources.Files, cfg.Resources.SensitiveFiles, cfg.Resources.SQLite} {
		if _, err := ParseResourceSpecs(group); err != nil {
			return err
		}
	}
	if cfg.Server.Enabled && (cfg.Server.Port <= 0 || cfg.Server.Port > 65535) {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	return nil
}

// ParseSize parses a human-readable size string (e.g., "1MB", "512KB") to bytes.
// Supports: B, KB, MB, GB (case-insensitive).
func ParseSize(sizeStr string) (int64, error) {
	sizeStr = strings.TrimSpace(strings.ToUpper(sizeStr))
	if sizeStr == "" {
		return 0, fmt.Errorf("empty size string")
	}

	units := []struct {
		suffix     string
		multiplier int64
	}{
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"B", 1},
	}

	for _, unit := range units {
		if !strings.HasSuffix(sizeStr, unit.suffix) {
			continue
		}
		numStr := strings.TrimSpace(strings.TrimSuffix(sizeStr, unit.suffix))

		var num float64
		var trailing string
		n, _ := fmt.Sscanf(numStr, "%f%s", &num, &trailing)
		if n == 0 {
			return 0, fmt.Errorf("invalid size number: %s", numStr)
		}
		if trailing != "" {
			return 0, fmt.Errorf("invalid size format: %s (use e.g., '1MB', '512KB')", sizeStr)
		}
		if num < 0 {
			return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
		}
		return int64(num * float64(unit.multiplier)), nil
	}

	// Plain number of bytes
	var num int64
	var trailing string
	n, _ := fmt.Sscanf(sizeStr, "%d%s", &num, &trailing)
	if n == 0 || trailing != "" {
		return 0, fmt.Errorf("invalid size format: %s (use e.g., '1MB', '512KB')", sizeStr)
	}
	if num < 0 {
		return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
	}
	return num, nil
}
