package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Sync drivers.
const (
	DriverNone     = "none"
	DriverHTTP     = "http"
	DriverS3       = "s3"
	DriverPostgres = "postgres"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Log        LogConfig
	Ollama     OllamaConfig
	Enrichment EnrichmentConfig
	Sync       SyncConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir  string
	InboxDir string
}

type LogConfig struct {
	Level string
}

// SlogLevel maps Level to a slog level; unknown values mean info.
func (c LogConfig) SlogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

type OllamaConfig struct {
	BaseURL     string
	TextModel   string
	VisionModel string
}

type EnrichmentConfig struct {
	Workers int
	Timeout time.Duration
}

type SyncConfig struct {
	Driver        string
	RemoteURL     string
	APIToken      string
	S3Bucket      string
	S3Region      string
	S3Endpoint    string
	S3PathStyle   bool
	PostgresDSN   string
	Workers       int
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	PollInterval  time.Duration
	QueueCapacity int
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Ollama: OllamaConfig{
			BaseURL:     "http://localhost:11434",
			TextModel:   "llama3.2",
			VisionModel: "llava",
		},
		Enrichment: EnrichmentConfig{
			Workers: 2,
			Timeout: 2 * time.Minute,
		},
		Sync: SyncConfig{
			Driver:        DriverNone,
			S3Region:      "us-east-1",
			Workers:       2,
			MaxAttempts:   5,
			BaseDelay:     time.Second,
			MaxDelay:      5 * time.Minute,
			PollInterval:  time.Second,
			QueueCapacity: 1024,
		},
	}
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/curio/config.json, then applies CURIO_* environment
// overrides. Secrets come from the environment, falling back to the
// platform keychain; the config file never holds them.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()), keychainReader{})
}

// keychainService is the service name secrets are stored under.
const keychainService = "curio"

// keychain abstracts secret storage for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

// keychainReader reads the macOS Keychain through the security CLI, or the
// secrets file elsewhere.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	if kc != nil {
		applyKeychain(&cfg, kc)
	}

	if cfg.Storage.InboxDir == "" {
		cfg.Storage.InboxDir = defaultInboxDir(cfg.Storage.DataDir)
	}
	cfg.Sync.Driver = strings.ToLower(strings.TrimSpace(cfg.Sync.Driver))

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyKeychain fills secrets the environment left empty.
func applyKeychain(cfg *Config, kc keychain) {
	for _, s := range specs {
		if !s.secret || s.extract(*cfg) != "" {
			continue
		}
		if v, err := kc.Get(keychainService, s.key); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}

// Validate checks ranges and driver-specific requirements.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if err := c.Ollama.Validate(); err != nil {
		return fmt.Errorf("ollama: %w", err)
	}
	if err := c.Enrichment.Validate(); err != nil {
		return fmt.Errorf("enrichment: %w", err)
	}
	if err := c.Sync.Validate(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	return nil
}

func (c *ServerConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

func (c *StorageConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.DataDir, validation.Required),
	)
}

func (c *LogConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Level, validation.In("debug", "info", "warn", "error")),
	)
}

func (c *OllamaConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.BaseURL, validation.Required),
		validation.Field(&c.TextModel, validation.Required),
	)
}

func (c *EnrichmentConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Workers, validation.Required, validation.Min(1), validation.Max(64)),
		validation.Field(&c.Timeout, validation.Min(time.Duration(0))),
	)
}

func (c *SyncConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Driver, validation.Required, validation.In(DriverNone, DriverHTTP, DriverS3, DriverPostgres)),
		validation.Field(&c.RemoteURL, validation.When(c.Driver == DriverHTTP, validation.Required)),
		validation.Field(&c.S3Bucket, validation.When(c.Driver == DriverS3, validation.Required)),
		validation.Field(&c.PostgresDSN, validation.When(c.Driver == DriverPostgres, validation.Required)),
		validation.Field(&c.Workers, validation.Required, validation.Min(1), validation.Max(64)),
		validation.Field(&c.MaxAttempts, validation.Required, validation.Min(1)),
		validation.Field(&c.BaseDelay, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.PollInterval, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.QueueCapacity, validation.Required, validation.Min(1)),
	); err != nil {
		return err
	}
	if c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("max_delay %s is below base_delay %s", c.MaxDelay, c.BaseDelay)
	}
	return nil
}
