// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/sethvargo/go-envconfig"
)

// Static errors for configuration validation.
var (
	// ErrVisionAPIKeyRequired is returned when VISION_API_KEY is not set.
	ErrVisionAPIKeyRequired = errors.New("config: VISION_API_KEY is required")
	// ErrVisionBaseURLRequired is returned when VISION_BASE_URL is not set.
	ErrVisionBaseURLRequired = errors.New("config: VISION_BASE_URL is required")
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port int `env:"PORT, default=8080" json:"port"`

	// Vision analysis backend (chat-completions style endpoint)
	VisionBaseURL string `env:"VISION_BASE_URL, required" json:"vision_base_url"`
	VisionAPIKey  string `env:"VISION_API_KEY, required" json:"-"` // Masked in JSON
	VisionModel   string `env:"VISION_MODEL, default=gpt-4o" json:"vision_model"`

	// Image generation backend
	ImageBaseURL string `env:"IMAGE_BASE_URL" json:"image_base_url,omitempty"`
	ImageAPIKey  string `env:"IMAGE_API_KEY" json:"-"`
	ImageModel   string `env:"IMAGE_MODEL, default=doubao-seedream" json:"image_model"`

	// Video generation backend
	VideoBaseURL string `env:"VIDEO_BASE_URL" json:"video_base_url,omitempty"`
	VideoAPIKey  string `env:"VIDEO_API_KEY" json:"-"`
	VideoModel   string `env:"VIDEO_MODEL, default=kling-v1-6" json:"video_model"`

	// Speech synthesis backend
	SpeechBaseURL string `env:"SPEECH_BASE_URL" json:"speech_base_url,omitempty"`
	SpeechAPIKey  string `env:"SPEECH_API_KEY" json:"-"`
	SpeechVoice   string `env:"SPEECH_VOICE, default=alloy" json:"speech_voice"`

	// WorkDir is the root under which each task gets its own working directory.
	WorkDir string `env:"WORK_DIR, default=/tmp/fitgen" json:"work_dir"`

	// Task repository. When TASKS_DB is set, tasks are persisted to a SQLite
	// database at that path; otherwise an in-memory repository is used.
	TasksDB string `env:"TASKS_DB" json:"tasks_db,omitempty"`

	// Optional S3 settings for durable artifact storage
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	S3Endpoint         string `env:"S3_ENDPOINT" json:"s3_endpoint,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"`

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// S3Enabled returns true if S3 configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// Load reads configuration from environment variables using go-envconfig.
// It returns an error if required variables are not set.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := envconfig.Process(context.Background(), cfg); err != nil {
		// Map envconfig errors to our domain errors for required fields
		if strings.Contains(err.Error(), "VISION_API_KEY") {
			return nil, ErrVisionAPIKeyRequired
		}
		if strings.Contains(err.Error(), "VISION_BASE_URL") {
			return nil, ErrVisionBaseURLRequired
		}
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	if c.VisionAPIKey == "" {
		return ErrVisionAPIKeyRequired
	}
	if c.VisionBaseURL == "" {
		return ErrVisionBaseURLRequired
	}
	return nil
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, VisionBaseURL: %s, VisionModel: %s, ImageModel: %s, VideoModel: %s, WorkDir: %s, TasksDB: %s, S3Bucket: %s, S3Region: %s, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.VisionBaseURL,
		c.VisionModel,
		c.ImageModel,
		c.VideoModel,
		c.WorkDir,
		c.TasksDB,
		c.S3Bucket,
		c.S3Region,
		c.LogFormat,
		c.LogLevel,
	)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
