// Package config loads process settings from defaults, an optional config
// file and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/valpere/promptforge/internal"
	"github.com/valpere/promptforge/internal/provider"
)

const dotEnvFile = ".env"

// Config is read once at startup and passed by value afterwards.
type Config struct {
	GeminiAPIKey         string  `mapstructure:"gemini_api_key"`
	XAIAPIKey            string  `mapstructure:"xai_api_key"`
	GeminiModel          string  `mapstructure:"gemini_model"`
	GrokModel            string  `mapstructure:"grok_model"`
	GeminiBaseURL        string  `mapstructure:"gemini_base_url"`
	GrokBaseURL          string  `mapstructure:"grok_base_url"`
	Host                 string  `mapstructure:"host"`
	Port                 int     `mapstructure:"port"`
	Debug                bool    `mapstructure:"debug"`
	LogLevel             string  `mapstructure:"log_level"`
	ConnectTimeout       int     `mapstructure:"connect_timeout"`
	ReadTimeout          int     `mapstructure:"read_timeout"`
	MaxDSIterations      int     `mapstructure:"max_ds_iterations"`
	ConvergenceThreshold float64 `mapstructure:"convergence_threshold"`
	DefaultBackend       string  `mapstructure:"default_backend"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gemini_api_key", "")
	v.SetDefault("xai_api_key", "")
	v.SetDefault("gemini_model", provider.DefaultGeminiModel)
	v.SetDefault("grok_model", provider.DefaultGrokModel)
	v.SetDefault("gemini_base_url", "")
	v.SetDefault("grok_base_url", provider.DefaultGrokBaseURL)
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8001)
	v.SetDefault("debug", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("connect_timeout", int(provider.DefaultConnectTimeout/time.Second))
	v.SetDefault("read_timeout", int(provider.DefaultReadTimeout/time.Second))
	v.SetDefault("max_ds_iterations", 3)
	v.SetDefault("convergence_threshold", 0.05)
	v.SetDefault("default_backend", internal.BackendGemini)
}

// Load reads path when given, otherwise a .env file in the working directory
// if one exists. Environment variables named after the upper-cased keys
// (GEMINI_API_KEY, PORT, ...) override both.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	switch {
	case path != "":
		v.SetConfigFile(path)
		if strings.HasSuffix(path, dotEnvFile) {
			v.SetConfigType("env")
		}
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	case fileExists(dotEnvFile):
		v.SetConfigFile(dotEnvFile)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read %s: %w", dotEnvFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.DefaultBackend = strings.ToLower(strings.TrimSpace(cfg.DefaultBackend))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port out of range: %d", c.Port))
	}
	if c.ConnectTimeout <= 0 || c.ReadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("timeouts must be positive"))
	}
	if c.MaxDSIterations < internal.MinIterations || c.MaxDSIterations > internal.MaxIterations {
		errs = append(errs, fmt.Errorf("max_ds_iterations must be between %d and %d, got %d",
			internal.MinIterations, internal.MaxIterations, c.MaxDSIterations))
	}
	if c.ConvergenceThreshold < internal.MinThreshold || c.ConvergenceThreshold > internal.MaxThreshold {
		errs = append(errs, fmt.Errorf("convergence_threshold must be between %.2f and %.2f, got %g",
			internal.MinThreshold, internal.MaxThreshold, c.ConvergenceThreshold))
	}
	switch c.DefaultBackend {
	case internal.BackendGemini, internal.BackendGrok:
	default:
		errs = append(errs, fmt.Errorf("unknown default_backend: %q", c.DefaultBackend))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ServiceConfig returns the provider settings for backend, with apiKey
// replacing the configured key when non-empty.
func (c Config) ServiceConfig(backend, apiKey string) provider.ServiceConfig {
	sc := provider.ServiceConfig{
		ConnectTimeout: time.Duration(c.ConnectTimeout) * time.Second,
		ReadTimeout:    time.Duration(c.ReadTimeout) * time.Second,
	}
	switch backend {
	case internal.BackendGemini:
		sc.APIKey, sc.Model, sc.BaseURL = c.GeminiAPIKey, c.GeminiModel, c.GeminiBaseURL
	case internal.BackendGrok:
		sc.APIKey, sc.Model, sc.BaseURL = c.XAIAPIKey, c.GrokModel, c.GrokBaseURL
	}
	if apiKey != "" {
		sc.APIKey = apiKey
	}
	return sc
}

func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Level maps LogLevel to a slog level; Debug forces debug.
func (c Config) Level() slog.Level {
	if c.Debug {
		return slog.LevelDebug
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}
