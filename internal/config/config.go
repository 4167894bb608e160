package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/nordiq/reportflow/internal/ai"
)

// Config holds all reportflow server configuration.
// Priority: env vars > config file > defaults.
type Config struct {
	ListenAddr       string         `toml:"listen_addr"`
	DBPath           string         `toml:"db_path"`
	LogLevel         string         `toml:"log_level"`
	PoolSize         int            `toml:"pool_size"`
	RetentionWindow  time.Duration  `toml:"retention_window"`
	DedupTimeout     time.Duration  `toml:"dedup_timeout"`
	StageCallTimeout time.Duration  `toml:"stage_call_timeout"`
	Model            ai.ModelConfig `toml:"model"`
	Vault            VaultConfig    `toml:"vault"`
}

// VaultConfig configures the credential vault key source.
type VaultConfig struct {
	Passphrase string `toml:"passphrase"`
	Salt       string `toml:"salt"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		ListenAddr:       ":4400",
		DBPath:           filepath.Join(reportflowDir(), "reportflow.db"),
		LogLevel:         "info",
		PoolSize:         10,
		RetentionWindow:  10 * time.Minute,
		DedupTimeout:     6 * time.Minute,
		StageCallTimeout: 5 * time.Minute,
		Model: ai.ModelConfig{
			BaseURL:            "http://localhost:8080/v1",
			Model:              "default",
			Temperature:        0.7,
			MaxOutputTokens:    4096,
			RateLimitPerMinute: 60,
		},
	}
}

func reportflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".reportflow"
	}
	return filepath.Join(home, ".reportflow")
}

// DefaultPath is the conventional config file location.
func DefaultPath() string {
	return filepath.Join(reportflowDir(), "config.toml")
}

// Load reads configuration from path (ignored if missing), then applies
// environment overrides on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("REPORTFLOW_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("REPORTFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("REPORTFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("REPORTFLOW_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("REPORTFLOW_RETENTION_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RetentionWindow = d
		}
	}
	if v := os.Getenv("REPORTFLOW_MODEL_BASE_URL"); v != "" {
		cfg.Model.BaseURL = v
	}
	if v := os.Getenv("REPORTFLOW_MODEL"); v != "" {
		cfg.Model.Model = v
	}
	if v := os.Getenv("REPORTFLOW_MODEL_SECRET_REF"); v != "" {
		cfg.Model.SecretRef = v
	}
	if v := os.Getenv("REPORTFLOW_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
	if v := os.Getenv("REPORTFLOW_VAULT_SALT"); v != "" {
		cfg.Vault.Salt = v
	}
}
