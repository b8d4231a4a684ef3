package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// Config holds every runtime setting of the server.
type Config struct {
	Port            string `toml:"port"`
	LogLevel        string `toml:"log_level"`
	LogFormat       string `toml:"log_format"`
	VideosDir       string `toml:"videos_dir"`
	ArtifactsDir    string `toml:"artifacts_dir"`
	AnalysisCommand string `toml:"analysis_command"`
	FetchCommand    string `toml:"fetch_command"`
	FFmpegCommand   string `toml:"ffmpeg_command"`
	FetchAttempts   int    `toml:"fetch_attempts"`
	FetchBackoffMS  int    `toml:"fetch_backoff_ms"`
	OutboxSize      int    `toml:"outbox_size"`
	ShutdownSeconds int    `toml:"shutdown_timeout_seconds"`
}

// FetchBackoff is the base delay between fetch attempts.
func (c Config) FetchBackoff() time.Duration {
	return time.Duration(c.FetchBackoffMS) * time.Millisecond
}

// ShutdownTimeout bounds graceful shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownSeconds) * time.Second
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:            "3333",
		LogLevel:        "info",
		LogFormat:       "auto",
		VideosDir:       "./.videos",
		ArtifactsDir:    "./.artifacts",
		AnalysisCommand: "./sm-interface/launch",
		FetchCommand:    "yt-dlp",
		FFmpegCommand:   "ffmpeg",
		FetchAttempts:   5,
		FetchBackoffMS:  2000,
		OutboxSize:      256,
		ShutdownSeconds: 10,
	}
}

// Load builds the configuration: defaults, then the .env file (ignored when
// missing), then the TOML file at path (or $SENTENCEMIX_CONFIG when path is
// empty), then environment variables.
func Load(path string) (Config, error) {
	_ = LoadEnv()

	cfg := Default()
	if path == "" {
		path = os.Getenv("SENTENCEMIX_CONFIG")
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config file %q not found", path)
		}
		return fmt.Errorf("read config file: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Port = GetEnv("PORT", cfg.Port)
	cfg.LogLevel = GetEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = GetEnv("LOG_FORMAT", cfg.LogFormat)
	cfg.VideosDir = GetEnv("VIDEOS_DIR", cfg.VideosDir)
	cfg.ArtifactsDir = GetEnv("ARTIFACTS_DIR", cfg.ArtifactsDir)
	cfg.AnalysisCommand = GetEnv("ANALYSIS_COMMAND", cfg.AnalysisCommand)
	cfg.FetchCommand = GetEnv("FETCH_COMMAND", cfg.FetchCommand)
	cfg.FFmpegCommand = GetEnv("FFMPEG_COMMAND", cfg.FFmpegCommand)
	cfg.FetchAttempts = GetEnvInt("FETCH_ATTEMPTS", cfg.FetchAttempts)
	cfg.FetchBackoffMS = GetEnvInt("FETCH_BACKOFF_MS", cfg.FetchBackoffMS)
	cfg.OutboxSize = GetEnvInt("OUTBOX_SIZE", cfg.OutboxSize)
	cfg.ShutdownSeconds = GetEnvInt("SHUTDOWN_TIMEOUT_SECONDS", cfg.ShutdownSeconds)
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if n, err := strconv.Atoi(c.Port); err != nil || n <= 0 || n > 65535 {
		return fmt.Errorf("port: invalid value %q", c.Port)
	}
	if c.FetchAttempts < 1 {
		return fmt.Errorf("fetch_attempts: must be at least 1, got %d", c.FetchAttempts)
	}
	if c.FetchBackoffMS < 0 {
		return fmt.Errorf("fetch_backoff_ms: must not be negative")
	}
	if c.ShutdownSeconds < 1 {
		return fmt.Errorf("shutdown_timeout_seconds: must be at least 1, got %d", c.ShutdownSeconds)
	}
	if c.OutboxSize < 1 {
		return fmt.Errorf("outbox_size: must be at least 1, got %d", c.OutboxSize)
	}
	for name, v := range map[string]string{
		"analysis_command": c.AnalysisCommand,
		"fetch_command":    c.FetchCommand,
		"ffmpeg_command":   c.FFmpegCommand,
		"videos_dir":       c.VideosDir,
		"artifacts_dir":    c.ArtifactsDir,
	} {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%s: must not be empty", name)
		}
	}
	return nil
}

// LoadEnv reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, LoadEnv returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files; with no paths, ".env" is used.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}
