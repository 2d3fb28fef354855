package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	Storage StorageConfig `yaml:"storage"`
	Runtime RuntimeConfig `yaml:"runtime"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
	// AllowedOrigins gates WebSocket upgrades outside development.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type AuthConfig struct {
	// SigningKey comes from ACTOR_KIT_SECRET; it never belongs in YAML.
	SigningKey string `yaml:"-"`
}

type StorageConfig struct {
	// Backend is one of redis, postgres, memory.
	Backend       string `yaml:"backend"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	PostgresDSN   string `yaml:"postgres_dsn"`
}

type RuntimeConfig struct {
	QueueSize       int           `yaml:"queue_size"`
	CacheTTLSeconds int           `yaml:"cache_ttl_seconds"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoadConfig reads the YAML file at path and applies environment
// overrides on top. ACTOR_KIT_SECRET is required; there is no usable
// default for a signing key.
func LoadConfig(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	applyEnv(cfg)

	if cfg.Auth.SigningKey == "" {
		return nil, fmt.Errorf("ACTOR_KIT_SECRET is not set")
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8787",
			Env:  "development",
		},
		Storage: StorageConfig{
			Backend: "memory",
		},
		Runtime: RuntimeConfig{
			QueueSize:       256,
			CacheTTLSeconds: 300,
			ShutdownTimeout: 15 * time.Second,
		},
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("ACTOR_KIT_ENV"); v != "" {
		cfg.Server.Env = v
	}
	if v := os.Getenv("ACTOR_KIT_ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("ACTOR_KIT_SECRET"); v != "" {
		cfg.Auth.SigningKey = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Storage.RedisAddr = v
		if cfg.Storage.Backend == "memory" {
			cfg.Storage.Backend = "redis"
		}
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Storage.RedisPassword = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.PostgresDSN = v
		if cfg.Storage.Backend == "memory" {
			cfg.Storage.Backend = "postgres"
		}
	}
	if v := os.Getenv("ACTOR_KIT_STORAGE"); v != "" {
		cfg.Storage.Backend = strings.ToLower(v)
	}
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
