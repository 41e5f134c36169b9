package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Config is the daemon configuration, read from ~/.claude-army/army.yaml.
// Every field is optional: a bare `claude-army start` with TELEGRAM_BOT_TOKEN
// exported is a complete setup.
type Config struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`

	// Home overrides the user home directory used for marker walks and
	// agent project lookups. Tests point this at a temp dir.
	Home string `yaml:"home"`
}

type TelegramConfig struct {
	// Token is the bot token. Falls back to $TELEGRAM_BOT_TOKEN.
	Token string `yaml:"token"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// File is the daemon log path. Defaults to /tmp/claude-army-daemon.log.
	File string `yaml:"file"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".claude-army", "army.yaml")
}

// Load reads and parses the config file at path. An empty path means the
// default location; a missing file at the default location is not an error
// (defaults plus environment cover it).
func Load(path string) (*Config, error) {
	usingDefault := path == ""
	if usingDefault {
		path = DefaultPath()
	}

	var cfg *Config
	if path != "" {
		raw, err := readConfigTree(path)
		switch {
		case err == nil:
			cfg, err = bindConfig(raw)
			if err != nil {
				return nil, err
			}
		case usingDefault && os.IsNotExist(err):
			cfg = &Config{}
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		cfg = &Config{}
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Telegram.Token == "" {
		cfg.Telegram.Token = os.Getenv("TELEGRAM_BOT_TOKEN")
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Log.File == "" {
		cfg.Log.File = "/tmp/claude-army-daemon.log"
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = "127.0.0.1:9877"
	}
	if cfg.Home == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Home = home
		}
	}
}

// Validate checks that the daemon can start with this configuration.
func (c *Config) Validate() error {
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram token is required (set telegram.token or TELEGRAM_BOT_TOKEN)")
	}
	if c.Home == "" {
		return fmt.Errorf("home directory could not be determined")
	}
	return nil
}
