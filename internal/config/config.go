package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	DescriptorDir string `envconfig:"DESCRIPTOR_DIR"`
	ScratchDir    string `envconfig:"SCRATCH_DIR"`
	DownloadDir   string `envconfig:"DOWNLOAD_DIR"`
	DBPath        string `envconfig:"DB_PATH" default:"gdman.db"`
	LogLevel      string `envconfig:"LOG_LEVEL" default:"INFO"`

	ProgressTick time.Duration `envconfig:"PROGRESS_TICK" default:"500ms"`
	StallTimeout time.Duration `envconfig:"STALL_TIMEOUT" default:"0s"`
	MaxRate      int64         `envconfig:"MAX_RATE" default:"0"`
	UserAgent    string        `envconfig:"USER_AGENT" default:"gdman/1.0"`
	StartPending bool          `envconfig:"START_PENDING" default:"false"`

	HostingHosts []string `envconfig:"HOSTING_HOSTS" default:"megaupload.com,www.megaupload.com"`
	VideoHosts   []string `envconfig:"VIDEO_HOSTS" default:"youtube.com,www.youtube.com"`
	VideoInfoURL string   `envconfig:"VIDEO_INFO_URL" default:"http://www.youtube.com/get_video_info"`

	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`
	KeepScratchFor    time.Duration `envconfig:"KEEP_SCRATCH_FOR" default:"24h"`
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`

	API struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"gdman"`
		OTLPEndpoint string `envconfig:"TELEMETRY_OTLP_ENDPOINT"`
		OTLPInsecure bool   `envconfig:"TELEMETRY_OTLP_INSECURE" default:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"127.0.0.1:9092"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyDefaults fills the directories that depend on the user's environment.
func (c *Config) applyDefaults() error {
	if c.DescriptorDir == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return fmt.Errorf("failed to resolve descriptor directory: %w", err)
		}

		c.DescriptorDir = filepath.Join(dir, "gdman")
	}

	if c.ScratchDir == "" {
		c.ScratchDir = os.TempDir()
	}

	if c.ProgressTick <= 0 {
		return fmt.Errorf("PROGRESS_TICK must be positive, got %s", c.ProgressTick)
	}

	if c.MaxRate < 0 {
		return fmt.Errorf("MAX_RATE must not be negative, got %d", c.MaxRate)
	}

	return nil
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
