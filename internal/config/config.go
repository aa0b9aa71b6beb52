// Package config loads exepack CLI settings from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/sliverarmory/exepack/arch"
	"github.com/sliverarmory/exepack/format"
)

// Config is the root CLI configuration.
type Config struct {
	Log  LogConfig  `mapstructure:"log"`
	Pack PackConfig `mapstructure:"pack"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs     []string       `mapstructure:"outputs"`
	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls rotation for file outputs.
type RotationConfig struct {
	Enable     bool `mapstructure:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// PackConfig holds defaults for the pack subcommand.
type PackConfig struct {
	Arch   string `mapstructure:"arch"`
	Format string `mapstructure:"format"`
}

func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:   "warn",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
			},
		},
		Pack: PackConfig{
			Arch:   "x64",
			Format: "elf",
		},
	}
}

// Load reads configuration from path, or from exepack.yaml in the working
// directory or ~/.exepack when path is empty. A missing file is not an
// error. Environment variables use the EXEPACK prefix, e.g.
// EXEPACK_LOG_LEVEL=debug.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("EXEPACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("pack.arch", cfg.Pack.Arch)
	v.SetDefault("pack.format", cfg.Pack.Format)

	if path == "" {
		path = os.Getenv("EXEPACK_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("exepack")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".exepack"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ValidateLevel reports whether level names a supported log level.
func ValidateLevel(level string) error {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "info", "warn", "warning", "error":
		return nil
	default:
		return fmt.Errorf("invalid log.level: %q", level)
	}
}

// Validate checks the pack defaults. Only the pack command reads them,
// so Load leaves them unchecked.
func (p PackConfig) Validate() error {
	if arch.Parse(p.Arch) == arch.Unknown {
		return fmt.Errorf("invalid pack.arch: %q", p.Arch)
	}
	if format.ParseFormat(p.Format) == format.Unknown {
		return fmt.Errorf("invalid pack.format: %q", p.Format)
	}
	return nil
}

func (c *Config) validate() error {
	if err := ValidateLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}
	return nil
}
