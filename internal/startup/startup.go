package startup

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"media-cache/internal/logging"
)

// Build-time variables (injected via -ldflags)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Config holds all service configuration.
type Config struct {
	CacheDir     string
	DatabasePath string
	Port         string
	MetricsPort  string

	StoreOpTimeout     time.Duration
	CheckpointInterval time.Duration
	QueueCapacity      int
	ThumbnailMaxDim    int

	MetricsEnabled  bool
	LogHealthChecks bool
}

// LoadConfig loads and validates configuration from environment variables.
func LoadConfig() (*Config, error) {
	printBanner()

	logging.Info("------------------------------------------------------------")
	logging.Info("CONFIGURATION")
	logging.Info("------------------------------------------------------------")

	cfg := &Config{
		CacheDir:           getEnv("CACHE_DIR", "/cache"),
		DatabasePath:       getEnv("DATABASE_PATH", "/database/media-cache.db"),
		Port:               getEnv("PORT", "8080"),
		MetricsPort:        getEnv("METRICS_PORT", "9090"),
		StoreOpTimeout:     getEnvDuration("STORE_OP_TIMEOUT", 5*time.Second),
		CheckpointInterval: getEnvDuration("CHECKPOINT_INTERVAL", 5*time.Minute),
		QueueCapacity:      getEnvInt("QUEUE_CAPACITY", 256),
		ThumbnailMaxDim:    getEnvInt("THUMBNAIL_MAX_DIM", 320),
		MetricsEnabled:     getEnvBool("METRICS_ENABLED", true),
		LogHealthChecks:    getEnvBool("LOG_HEALTH_CHECKS", false),
	}

	// The database must not live under the cache root: clear-complete wipes
	// the per-kind directory trees.
	dbDirAbs, err := filepath.Abs(filepath.Dir(cfg.DatabasePath))
	if err != nil {
		return nil, fmt.Errorf("invalid DATABASE_PATH: %w", err)
	}
	if err := ensureWritableDir(dbDirAbs, "database"); err != nil {
		return nil, err
	}
	if err := ensureWritableDir(cfg.CacheDir, "cache"); err != nil {
		return nil, err
	}

	logging.Info("  CACHE_DIR:           %s", cfg.CacheDir)
	logging.Info("  DATABASE_PATH:       %s", cfg.DatabasePath)
	logging.Info("  PORT:                %s", cfg.Port)
	logging.Info("  METRICS_PORT:        %s", cfg.MetricsPort)
	logging.Info("  STORE_OP_TIMEOUT:    %v", cfg.StoreOpTimeout)
	logging.Info("  CHECKPOINT_INTERVAL: %v", cfg.CheckpointInterval)
	logging.Info("  QUEUE_CAPACITY:      %d", cfg.QueueCapacity)
	logging.Info("  THUMBNAIL_MAX_DIM:   %d", cfg.ThumbnailMaxDim)
	logging.Info("  METRICS_ENABLED:     %t", cfg.MetricsEnabled)

	return cfg, nil
}

func printBanner() {
	logging.Info("media-cache %s (commit %s, built %s, %s %s/%s)",
		Version, Commit, BuildTime, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func ensureWritableDir(dir, label string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create %s directory %s: %w", label, dir, err)
	}
	testFile := filepath.Join(dir, ".perm-test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return fmt.Errorf("%s directory %s is not writable: %w", label, dir, err)
	}
	_ = os.Remove(testFile)
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		logging.Warn("Invalid boolean for %s: %q, using %t", key, value, fallback)
		return fallback
	}
	return parsed
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		logging.Warn("Invalid integer for %s: %q, using %d", key, value, fallback)
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		logging.Warn("Invalid duration for %s: %q, using %v", key, value, fallback)
		return fallback
	}
	return parsed
}
