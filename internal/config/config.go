// Package config loads quizpulse settings from a YAML file,
// environment variables (QUIZPULSE_ prefix) and built-in defaults, in
// that order of increasing precedence for env over file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration, shared by the broker and
// the client commands.
type Config struct {
	// Username identifies this client on the broker.
	Username string `mapstructure:"username" yaml:"username"`

	// ServerURL is the broker's base HTTP URL.
	ServerURL string `mapstructure:"server_url" yaml:"server_url"`

	// DataDir holds the local SQLite database and the JSON fallback
	// store.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	// DropDir is watched for recovery pack files. Empty disables the
	// watcher.
	DropDir string `mapstructure:"drop_dir" yaml:"drop_dir"`

	// LegacyDir holds the old flat-file layout, migrated on first run
	// when present.
	LegacyDir string `mapstructure:"legacy_dir" yaml:"legacy_dir"`

	Server ServerConfig `mapstructure:"server" yaml:"server"`
	Log    LogConfig    `mapstructure:"log" yaml:"log"`
}

// ServerConfig configures the broker process (qp serve).
type ServerConfig struct {
	Listen      string        `mapstructure:"listen" yaml:"listen"`
	RedisURL    string        `mapstructure:"redis_url" yaml:"redis_url"`
	DBPath      string        `mapstructure:"db_path" yaml:"db_path"`
	PresenceTTL time.Duration `mapstructure:"presence_ttl" yaml:"presence_ttl"`
}

// LogConfig configures the rotating log file.
type LogConfig struct {
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Console    bool   `mapstructure:"console" yaml:"console"`
}

// Default returns the built-in configuration rooted under the user's
// home directory.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	base := filepath.Join(home, ".quizpulse")
	return Config{
		ServerURL: "http://localhost:8080",
		DataDir:   filepath.Join(base, "data"),
		DropDir:   filepath.Join(base, "drop"),
		Server: ServerConfig{
			Listen:      ":8080",
			DBPath:      filepath.Join(base, "broker.db"),
			PresenceTTL: 70 * time.Second,
		},
		Log: LogConfig{
			File:       filepath.Join(base, "quizpulse.log"),
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Console:    true,
		},
	}
}

// DefaultPath is where Load looks when no explicit path is given.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".quizpulse", "config.yaml")
}

// Load reads configuration from path (or DefaultPath when empty). A
// missing file is not an error; defaults and environment apply.
func Load(path string) (Config, error) {
	v := viper.New()

	def := Default()
	v.SetDefault("username", def.Username)
	v.SetDefault("server_url", def.ServerURL)
	v.SetDefault("data_dir", def.DataDir)
	v.SetDefault("drop_dir", def.DropDir)
	v.SetDefault("legacy_dir", def.LegacyDir)
	v.SetDefault("server.listen", def.Server.Listen)
	v.SetDefault("server.redis_url", def.Server.RedisURL)
	v.SetDefault("server.db_path", def.Server.DBPath)
	v.SetDefault("server.presence_ttl", def.Server.PresenceTTL)
	v.SetDefault("log.file", def.Log.File)
	v.SetDefault("log.max_size_mb", def.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", def.Log.MaxBackups)
	v.SetDefault("log.max_age_days", def.Log.MaxAgeDays)
	v.SetDefault("log.console", def.Log.Console)

	v.SetEnvPrefix("QUIZPULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = DefaultPath()
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// WriteDefault writes the default configuration as YAML to path,
// creating parent directories. Refuses to clobber an existing file.
func WriteDefault(path string) error {
	if path == "" {
		path = DefaultPath()
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config %s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	buf, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, buf, 0o644)
}
