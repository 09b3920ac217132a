// Package config provides configuration management for convertd using Viper.
// Values come from defaults, an optional YAML file and CONVERTD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "CONVERTD"

// Default configuration values.
const (
	defaultServerPort        = 8080
	defaultServerTimeout     = 60 * time.Second
	defaultShutdownTimeout   = 15 * time.Second
	defaultMaxOpenConns      = 25
	defaultMaxIdleConns      = 10
	defaultConnMaxIdleTime   = 30 * time.Minute
	defaultConcurrency       = 4
	defaultQueueSize         = 256
	defaultRetryDelay        = 10 * time.Second
	defaultSweepInterval     = "@every 30s"
	defaultPollInterval      = "@every 15s"
	defaultCleanupInterval   = "@hourly"
	defaultTempMaxAge        = time.Hour
	defaultMaxInputSize      = "500MB"
	defaultInlineMaxSize     = "50MB"
	defaultFFmpegMaxSize     = "100MB"
	defaultImageMaxSize      = "200MB"
	defaultDocumentMaxSize   = "100MB"
	defaultRemoteMaxSize     = "1GB"
	defaultFFmpegTimeout     = 30 * time.Minute
	defaultImageTimeout      = 5 * time.Minute
	defaultDocumentTimeout   = 10 * time.Minute
	defaultRemoteTimeout     = 5 * time.Minute
	defaultRemoteJobTimeout  = 30 * time.Minute
	defaultHTTPTimeout       = 60 * time.Second
	defaultProbeTimeout      = 30 * time.Second
	defaultWatchDebounce     = 2 * time.Second
	minEngineTimeout         = 5 * time.Minute
	maxEngineTimeout         = 30 * time.Minute
	defaultRemoteEnvironment = "production"
)

// Execution environments.
const (
	EnvironmentLocal       = "local"
	EnvironmentDevelopment = "development"
	EnvironmentProduction  = "production"
)

// Remote provider names.
const (
	ProviderCloudConvert = "cloudconvert"
	ProviderConvertio    = "convertio"
)

// Config holds all configuration for the application.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	FFmpeg      FFmpegConfig      `mapstructure:"ffmpeg"`
	ImageMagick ImageMagickConfig `mapstructure:"imagemagick"`
	LibreOffice LibreOfficeConfig `mapstructure:"libreoffice"`
	Remote      RemoteConfig      `mapstructure:"remote"`
	Watch       WatchConfig       `mapstructure:"watch"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	PublicURL       string        `mapstructure:"public_url"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"`
}

// StorageConfig holds blob and scratch storage configuration.
type StorageConfig struct {
	BaseDir    string        `mapstructure:"base_dir"`
	TempDir    string        `mapstructure:"temp_dir"`
	PublicURL  string        `mapstructure:"public_url"`
	TempMaxAge time.Duration `mapstructure:"temp_max_age"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// WorkerConfig holds the worker pool configuration.
type WorkerConfig struct {
	Concurrency     int           `mapstructure:"concurrency"`
	QueueSize       int           `mapstructure:"queue_size"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	TaskTimeout     time.Duration `mapstructure:"task_timeout"`
	MaxInputSize    ByteSize      `mapstructure:"max_input_size"`
	InlineMaxSize   ByteSize      `mapstructure:"inline_max_size"`
	SweepSchedule   string        `mapstructure:"sweep_schedule"`
	CleanupSchedule string        `mapstructure:"cleanup_schedule"`
}

// FFmpegConfig holds FFmpeg adapter configuration.
type FFmpegConfig struct {
	BinaryPath   string        `mapstructure:"binary_path"`
	ProbePath    string        `mapstructure:"probe_path"`
	Timeout      time.Duration `mapstructure:"timeout"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	MaxInputSize ByteSize      `mapstructure:"max_input_size"`
	Threads      int           `mapstructure:"threads"`
}

// ImageMagickConfig holds ImageMagick adapter configuration.
type ImageMagickConfig struct {
	BinaryPath   string        `mapstructure:"binary_path"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxInputSize ByteSize      `mapstructure:"max_input_size"`
}

// LibreOfficeConfig holds LibreOffice adapter configuration.
type LibreOfficeConfig struct {
	BinaryPath   string        `mapstructure:"binary_path"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxInputSize ByteSize      `mapstructure:"max_input_size"`
}

// RemoteConfig holds remote provider configuration.
type RemoteConfig struct {
	Environment    string             `mapstructure:"environment"`
	Provider       string             `mapstructure:"provider"`
	WebhookEnabled bool               `mapstructure:"webhook_enabled"`
	PollSchedule   string             `mapstructure:"poll_schedule"`
	PollBatchSize  int                `mapstructure:"poll_batch_size"`
	Timeout        time.Duration      `mapstructure:"timeout"`
	JobTimeout     time.Duration      `mapstructure:"job_timeout"`
	HTTPTimeout    time.Duration      `mapstructure:"http_timeout"`
	MaxInputSize   ByteSize           `mapstructure:"max_input_size"`
	CloudConvert   CloudConvertConfig `mapstructure:"cloudconvert"`
	Convertio      ConvertioConfig    `mapstructure:"convertio"`
}

// CloudConvertConfig holds CloudConvert API settings.
type CloudConvertConfig struct {
	APIKey        string `mapstructure:"api_key"`
	BaseURL       string `mapstructure:"base_url"`
	Sandbox       bool   `mapstructure:"sandbox"`
	SigningSecret string `mapstructure:"signing_secret"`
}

// ConvertioConfig holds Convertio API settings.
type ConvertioConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

// WatchConfig holds the inbox watch-folder configuration.
type WatchConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	InboxDir string        `mapstructure:"inbox_dir"`
	Debounce time.Duration `mapstructure:"debounce"`
}

// MetricsConfig holds Prometheus exposition configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Load reads configuration from file, environment and defaults.
// An empty configPath searches the default locations; a missing file is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("convertd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/convertd")
		v.AddConfigPath("$HOME/.convertd")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	return FromViper(v)
}

// FromViper decodes and validates the configuration held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(DecodeHook())); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.applyDerived()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// DecodeHook returns the mapstructure hooks for durations and byte sizes.
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.public_url", "")
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "convertd.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("storage.base_dir", "./data")
	v.SetDefault("storage.temp_dir", "")
	v.SetDefault("storage.public_url", "")
	v.SetDefault("storage.temp_max_age", defaultTempMaxAge)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", "")

	v.SetDefault("worker.concurrency", defaultConcurrency)
	v.SetDefault("worker.queue_size", defaultQueueSize)
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("worker.retry_delay", defaultRetryDelay)
	v.SetDefault("worker.task_timeout", maxEngineTimeout)
	v.SetDefault("worker.max_input_size", defaultMaxInputSize)
	v.SetDefault("worker.inline_max_size", defaultInlineMaxSize)
	v.SetDefault("worker.sweep_schedule", defaultSweepInterval)
	v.SetDefault("worker.cleanup_schedule", defaultCleanupInterval)

	v.SetDefault("ffmpeg.binary_path", "")
	v.SetDefault("ffmpeg.probe_path", "")
	v.SetDefault("ffmpeg.timeout", defaultFFmpegTimeout)
	v.SetDefault("ffmpeg.probe_timeout", defaultProbeTimeout)
	v.SetDefault("ffmpeg.max_input_size", defaultFFmpegMaxSize)
	v.SetDefault("ffmpeg.threads", 0)

	v.SetDefault("imagemagick.binary_path", "")
	v.SetDefault("imagemagick.timeout", defaultImageTimeout)
	v.SetDefault("imagemagick.max_input_size", defaultImageMaxSize)

	v.SetDefault("libreoffice.binary_path", "")
	v.SetDefault("libreoffice.timeout", defaultDocumentTimeout)
	v.SetDefault("libreoffice.max_input_size", defaultDocumentMaxSize)

	v.SetDefault("remote.environment", defaultRemoteEnvironment)
	v.SetDefault("remote.provider", ProviderCloudConvert)
	v.SetDefault("remote.webhook_enabled", false)
	v.SetDefault("remote.poll_schedule", defaultPollInterval)
	v.SetDefault("remote.poll_batch_size", 50)
	v.SetDefault("remote.timeout", defaultRemoteTimeout)
	v.SetDefault("remote.job_timeout", defaultRemoteJobTimeout)
	v.SetDefault("remote.http_timeout", defaultHTTPTimeout)
	v.SetDefault("remote.max_input_size", defaultRemoteMaxSize)
	v.SetDefault("remote.cloudconvert.api_key", "")
	v.SetDefault("remote.cloudconvert.base_url", "")
	v.SetDefault("remote.cloudconvert.sandbox", false)
	v.SetDefault("remote.cloudconvert.signing_secret", "")
	v.SetDefault("remote.convertio.api_key", "")
	v.SetDefault("remote.convertio.base_url", "")

	v.SetDefault("watch.enabled", false)
	v.SetDefault("watch.inbox_dir", "./inbox")
	v.SetDefault("watch.debounce", defaultWatchDebounce)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// applyDerived fills values that depend on other settings.
func (c *Config) applyDerived() {
	if c.Storage.TempDir == "" {
		c.Storage.TempDir = filepath.Join(c.Storage.BaseDir, "tmp")
	}
	c.Remote.Environment = strings.ToLower(strings.TrimSpace(c.Remote.Environment))
	c.Remote.Provider = strings.ToLower(strings.TrimSpace(c.Remote.Provider))
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if c.Storage.BaseDir == "" {
		return fmt.Errorf("storage.base_dir is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be at least 1")
	}
	if c.Worker.QueueSize < c.Worker.Concurrency {
		return fmt.Errorf("worker.queue_size must be at least worker.concurrency")
	}
	if c.Worker.MaxAttempts < 1 {
		return fmt.Errorf("worker.max_attempts must be at least 1")
	}
	if c.Worker.MaxInputSize <= 0 {
		return fmt.Errorf("worker.max_input_size must be positive")
	}

	engineTimeouts := map[string]time.Duration{
		"worker.task_timeout": c.Worker.TaskTimeout,
		"ffmpeg.timeout":      c.FFmpeg.Timeout,
		"imagemagick.timeout": c.ImageMagick.Timeout,
		"libreoffice.timeout": c.LibreOffice.Timeout,
		"remote.timeout":      c.Remote.Timeout,
		"remote.job_timeout":  c.Remote.JobTimeout,
	}
	for key, d := range engineTimeouts {
		if d < minEngineTimeout || d > maxEngineTimeout {
			return fmt.Errorf("%s must be between %s and %s", key, minEngineTimeout, maxEngineTimeout)
		}
	}

	switch c.Remote.Environment {
	case EnvironmentLocal, EnvironmentDevelopment, EnvironmentProduction:
	default:
		return fmt.Errorf("remote.environment must be one of: local, development, production")
	}
	switch c.Remote.Provider {
	case ProviderCloudConvert, ProviderConvertio:
	default:
		return fmt.Errorf("remote.provider must be one of: cloudconvert, convertio")
	}

	if c.Watch.Enabled && c.Watch.InboxDir == "" {
		return fmt.Errorf("watch.inbox_dir is required when watch is enabled")
	}
	return nil
}

// Address returns the server listen address.
func (c *ServerConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// BaseURL returns the externally reachable base URL of the HTTP server.
func (c *ServerConfig) BaseURL() string {
	if c.PublicURL != "" {
		return strings.TrimRight(c.PublicURL, "/")
	}
	host := c.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(c.Port))
}

// RemoteEnabled reports whether remote providers may be used as a fallback.
func (c *RemoteConfig) RemoteEnabled() bool {
	return c.Environment == EnvironmentProduction
}
