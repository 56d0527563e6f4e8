package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config holds all service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Model     ModelConfig     `yaml:"model"`
	Detection DetectionConfig `yaml:"detection"`
	Cache     CacheConfig     `yaml:"cache"`
	History   HistoryConfig   `yaml:"history"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxUploadMB     int           `yaml:"max_upload_mb"`
}

// ModelConfig locates the ONNX model and the runtime library.
type ModelConfig struct {
	Path         string `yaml:"path"`
	MetadataPath string `yaml:"metadata_path"`
	LibraryPath  string `yaml:"library_path"`
	WarmOnStart  bool   `yaml:"warm_on_start"`
}

// DetectionConfig holds the prediction policy knobs.
type DetectionConfig struct {
	ConfidenceThreshold   float64 `yaml:"confidence_threshold"`
	RequireSymptomAndCure bool    `yaml:"require_symptom_and_cure"`
	DiseaseInfoPath       string  `yaml:"disease_info_path"`
	Resample              string  `yaml:"resample"` // "nearest", "bilinear", "bicubic", "lanczos3"
	Workers               int     `yaml:"workers"`

	// MaxPixels rejects uploads whose declared width×height is larger.
	MaxPixels int `yaml:"max_pixels"`
}

type CacheConfig struct {
	Backend       string        `yaml:"backend"` // "memory", "redis", "none"
	TTL           time.Duration `yaml:"ttl"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
}

// HistoryConfig controls the SQLite prediction log. An empty DBPath disables it.
type HistoryConfig struct {
	DBPath        string        `yaml:"db_path"`
	Retention     time.Duration `yaml:"retention"`
	PruneSchedule string        `yaml:"prune_schedule"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            "8080",
			ShutdownTimeout: 10 * time.Second,
			MaxUploadMB:     16,
		},
		Model: ModelConfig{
			Path: "models/plant_disease.onnx",
		},
		Detection: DetectionConfig{
			ConfidenceThreshold:   0.5,
			RequireSymptomAndCure: true,
			DiseaseInfoPath:       "data/disease_info.csv",
			Resample:              "nearest",
			Workers:               4,
			MaxPixels:             89_478_485,
		},
		Cache: CacheConfig{
			Backend: "memory",
			TTL:     time.Hour,
		},
		History: HistoryConfig{
			Retention:     30 * 24 * time.Hour,
			PruneSchedule: "0 3 * * *",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from an optional .env file, an optional YAML file
// (AGRICURE_CONFIG, default config.yaml) and environment variables, in that
// order of increasing precedence.
func Load() (Config, error) {
	// A missing .env is the normal case.
	_ = godotenv.Load()

	cfg := Default()

	path := getenv("AGRICURE_CONFIG", "config.yaml")
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	envOverride(&cfg.Server.Port, "PORT")
	envOverrideDuration(&cfg.Server.ShutdownTimeout, "AGRICURE_SHUTDOWN_TIMEOUT")
	envOverrideInt(&cfg.Server.MaxUploadMB, "AGRICURE_MAX_UPLOAD_MB")

	envOverride(&cfg.Model.Path, "AGRICURE_MODEL_PATH")
	envOverride(&cfg.Model.MetadataPath, "AGRICURE_METADATA_PATH")
	envOverride(&cfg.Model.LibraryPath, "AGRICURE_ORT_LIBRARY")
	envOverrideBool(&cfg.Model.WarmOnStart, "AGRICURE_WARM_ON_START")

	envOverrideFloat(&cfg.Detection.ConfidenceThreshold, "AGRICURE_CONFIDENCE_THRESHOLD")
	envOverrideBool(&cfg.Detection.RequireSymptomAndCure, "AGRICURE_REQUIRE_SYMPTOM_AND_CURE")
	envOverride(&cfg.Detection.DiseaseInfoPath, "AGRICURE_DISEASE_INFO_PATH")
	envOverride(&cfg.Detection.Resample, "AGRICURE_RESAMPLE")
	envOverrideInt(&cfg.Detection.Workers, "AGRICURE_WORKERS")
	envOverrideInt(&cfg.Detection.MaxPixels, "AGRICURE_MAX_PIXELS")

	envOverride(&cfg.Cache.Backend, "AGRICURE_CACHE_BACKEND")
	envOverrideDuration(&cfg.Cache.TTL, "AGRICURE_CACHE_TTL")
	envOverride(&cfg.Cache.RedisAddr, "AGRICURE_REDIS_ADDR")
	envOverride(&cfg.Cache.RedisPassword, "AGRICURE_REDIS_PASSWORD")
	envOverrideInt(&cfg.Cache.RedisDB, "AGRICURE_REDIS_DB")

	envOverride(&cfg.History.DBPath, "AGRICURE_HISTORY_DB")
	envOverrideDuration(&cfg.History.Retention, "AGRICURE_HISTORY_RETENTION")
	envOverride(&cfg.History.PruneSchedule, "AGRICURE_HISTORY_PRUNE_SCHEDULE")

	envOverride(&cfg.Log.Level, "AGRICURE_LOG_LEVEL")
	envOverride(&cfg.Log.Format, "AGRICURE_LOG_FORMAT")

	cfg.Cache.Backend = strings.ToLower(strings.TrimSpace(cfg.Cache.Backend))
	cfg.Detection.Resample = strings.ToLower(strings.TrimSpace(cfg.Detection.Resample))

	return cfg, nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error

	if c.Server.Port == "" {
		errs = append(errs, errors.New("server port must not be empty"))
	}
	if c.Server.MaxUploadMB <= 0 {
		errs = append(errs, fmt.Errorf("max upload size must be positive, got %d MB", c.Server.MaxUploadMB))
	}
	if c.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("shutdown timeout must not be negative, got %v", c.Server.ShutdownTimeout))
	}
	if c.Model.Path == "" {
		errs = append(errs, errors.New("model path must not be empty"))
	}
	if t := c.Detection.ConfidenceThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("confidence threshold must be within [0, 1], got %v", t))
	}
	switch c.Detection.Resample {
	case "nearest", "bilinear", "bicubic", "lanczos3":
	default:
		errs = append(errs, fmt.Errorf("unknown resample filter %q", c.Detection.Resample))
	}
	if c.Detection.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Detection.Workers))
	}
	if c.Detection.MaxPixels <= 0 {
		errs = append(errs, fmt.Errorf("max pixels must be positive, got %d", c.Detection.MaxPixels))
	}
	switch c.Cache.Backend {
	case "memory", "none":
	case "redis":
		if c.Cache.RedisAddr == "" {
			errs = append(errs, errors.New("redis cache backend requires AGRICURE_REDIS_ADDR"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache backend %q", c.Cache.Backend))
	}
	if c.Cache.TTL < 0 {
		errs = append(errs, fmt.Errorf("cache ttl must not be negative, got %v", c.Cache.TTL))
	}
	if c.History.DBPath != "" {
		if c.History.Retention <= 0 {
			errs = append(errs, fmt.Errorf("history retention must be positive, got %v", c.History.Retention))
		}
		if _, err := cron.ParseStandard(c.History.PruneSchedule); err != nil {
			errs = append(errs, fmt.Errorf("invalid history prune schedule %q: %w", c.History.PruneSchedule, err))
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// LogValue keeps secrets out of startup logs.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("port", c.Server.Port),
		slog.String("model", c.Model.Path),
		slog.Float64("confidence_threshold", c.Detection.ConfidenceThreshold),
		slog.String("resample", c.Detection.Resample),
		slog.Int("workers", c.Detection.Workers),
		slog.String("cache", c.Cache.Backend),
		slog.Bool("history", c.History.DBPath != ""),
	)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOverride(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envOverrideInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func envOverrideFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			*dst = f
		}
	}
}

func envOverrideBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			*dst = b
		}
	}
}

func envOverrideDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			*dst = d
		}
	}
}
