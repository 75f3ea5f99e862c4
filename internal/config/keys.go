package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "CURIO_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "CURIO_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.inbox_dir", typ: kString, env: "CURIO_STORAGE_INBOX_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.InboxDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.InboxDir },
	},
	{
		key: "log.level", typ: kString, env: "CURIO_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "ollama.base_url", typ: kString, env: "CURIO_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.text_model", typ: kString, env: "CURIO_OLLAMA_TEXT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.TextModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.TextModel },
	},
	{
		key: "ollama.vision_model", typ: kString, env: "CURIO_OLLAMA_VISION_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.VisionModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.VisionModel },
	},
	{
		key: "enrichment.workers", typ: kInt, env: "CURIO_ENRICHMENT_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Enrichment.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Enrichment.Workers },
	},
	{
		key: "enrichment.timeout", typ: kDuration, env: "CURIO_ENRICHMENT_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Enrichment.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Enrichment.Timeout },
	},
	{
		key: "sync.driver", typ: kString, env: "CURIO_SYNC_DRIVER",
		apply:   func(cfg *Config, v any) { cfg.Sync.Driver = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.Driver },
	},
	{
		key: "sync.remote_url", typ: kString, env: "CURIO_SYNC_REMOTE_URL",
		apply:   func(cfg *Config, v any) { cfg.Sync.RemoteURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.RemoteURL },
	},
	{
		key: "sync.api_token", typ: kString, env: "CURIO_SYNC_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Sync.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.APIToken },
	},
	{
		key: "sync.s3_bucket", typ: kString, env: "CURIO_SYNC_S3_BUCKET",
		apply:   func(cfg *Config, v any) { cfg.Sync.S3Bucket = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.S3Bucket },
	},
	{
		key: "sync.s3_region", typ: kString, env: "CURIO_SYNC_S3_REGION",
		apply:   func(cfg *Config, v any) { cfg.Sync.S3Region = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.S3Region },
	},
	{
		key: "sync.s3_endpoint", typ: kString, env: "CURIO_SYNC_S3_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Sync.S3Endpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.S3Endpoint },
	},
	{
		key: "sync.s3_path_style", typ: kBool, env: "CURIO_SYNC_S3_PATH_STYLE",
		apply:   func(cfg *Config, v any) { cfg.Sync.S3PathStyle = v.(bool) },
		extract: func(cfg Config) any { return cfg.Sync.S3PathStyle },
	},
	{
		key: "sync.postgres_dsn", typ: kString, env: "CURIO_SYNC_POSTGRES_DSN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Sync.PostgresDSN = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.PostgresDSN },
	},
	{
		key: "sync.workers", typ: kInt, env: "CURIO_SYNC_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Sync.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Sync.Workers },
	},
	{
		key: "sync.max_attempts", typ: kInt, env: "CURIO_SYNC_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Sync.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Sync.MaxAttempts },
	},
	{
		key: "sync.base_delay", typ: kDuration, env: "CURIO_SYNC_BASE_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Sync.BaseDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.BaseDelay },
	},
	{
		key: "sync.max_delay", typ: kDuration, env: "CURIO_SYNC_MAX_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Sync.MaxDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.MaxDelay },
	},
	{
		key: "sync.poll_interval", typ: kDuration, env: "CURIO_SYNC_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Sync.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.PollInterval },
	},
	{
		key: "sync.queue_capacity", typ: kInt, env: "CURIO_SYNC_QUEUE_CAPACITY",
		apply:   func(cfg *Config, v any) { cfg.Sync.QueueCapacity = v.(int) },
		extract: func(cfg Config) any { return cfg.Sync.QueueCapacity },
	},
}

// parseValue converts raw text to the Go type of a key.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool, kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || v == "" {
				continue
			}
			parsed, err := parseValue(s.typ, v)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, v, err)
				continue
			}
			s.apply(cfg, parsed)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
