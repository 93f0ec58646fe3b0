package config

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	StorageDir        string        `envconfig:"STORAGE_DIR" default:"uploads" validate:"required"`
	TransferTTL       time.Duration `envconfig:"TRANSFER_TTL" default:"1h" validate:"gt=0"`
	ReapInterval      time.Duration `envconfig:"REAP_INTERVAL" default:"60s" validate:"gt=0"`
	MaxUploadSize     string        `envconfig:"MAX_UPLOAD_SIZE" default:"100MiB" validate:"required"`
	CodeLength        int           `envconfig:"CODE_LENGTH" default:"8" validate:"gte=6,lte=64"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"INFO" validate:"oneof=DEBUG INFO WARN ERROR debug info warn error"`
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL" validate:"omitempty,url"`

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"filedrop" validate:"required"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}

	Web struct {
		BindAddress       string        `split_words:"true" default:"0.0.0.0:5000" validate:"hostname_port"`
		ReadHeaderTimeout time.Duration `split_words:"true" default:"10s"`
		ReadTimeout       time.Duration `split_words:"true" default:"10m"`
		WriteTimeout      time.Duration `split_words:"true" default:"10m"`
		IdleTimeout       time.Duration `split_words:"true" default:"60s"`
		ShutdownTimeout   time.Duration `split_words:"true" default:"30s"`
	}

	maxUploadBytes int64
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	n, err := humanize.ParseBytes(c.MaxUploadSize)
	if err != nil {
		return fmt.Errorf("invalid MAX_UPLOAD_SIZE %q: %w", c.MaxUploadSize, err)
	}

	if n > math.MaxInt64 {
		return fmt.Errorf("invalid MAX_UPLOAD_SIZE %q: exceeds %d bytes", c.MaxUploadSize, int64(math.MaxInt64))
	}

	if n == 0 {
		return fmt.Errorf("invalid MAX_UPLOAD_SIZE %q: must be positive", c.MaxUploadSize)
	}

	c.maxUploadBytes = int64(n)

	return nil
}

// MaxUploadBytes is MaxUploadSize in bytes.
func (c *Config) MaxUploadBytes() int64 {
	return c.maxUploadBytes
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
