package startup

import (
	"path/filepath"
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		fallback string
		want     string
		setEnv   bool
	}{
		{name: "unset returns fallback", fallback: "default", want: "default"},
		{name: "set returns value", value: "custom", fallback: "default", want: "custom", setEnv: true},
		{name: "empty returns fallback", value: "", fallback: "default", want: "default", setEnv: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := "TEST_GETENV_" + tt.name
			if tt.setEnv {
				t.Setenv(key, tt.value)
			}
			if got := getEnv(key, tt.fallback); got != tt.want {
				t.Errorf("getEnv(%q, %q) = %q, want %q", key, tt.fallback, got, tt.want)
			}
		})
	}
}

func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		fallback bool
		want     bool
		setEnv   bool
	}{
		{name: "unset returns fallback", fallback: true, want: true},
		{name: "true", value: "true", want: true, setEnv: true},
		{name: "one", value: "1", want: true, setEnv: true},
		{name: "false", value: "false", fallback: true, want: false, setEnv: true},
		{name: "invalid returns fallback", value: "banana", fallback: true, want: true, setEnv: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := "TEST_GETENVBOOL"
			if tt.setEnv {
				t.Setenv(key, tt.value)
			}
			if got := getEnvBool(key, tt.fallback); got != tt.want {
				t.Errorf("getEnvBool(%q, %t) = %t, want %t", tt.value, tt.fallback, got, tt.want)
			}
		})
	}
}

func TestGetEnvInt(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		fallback int
		want     int
		setEnv   bool
	}{
		{name: "unset returns fallback", fallback: 42, want: 42},
		{name: "valid", value: "128", fallback: 42, want: 128, setEnv: true},
		{name: "invalid returns fallback", value: "abc", fallback: 42, want: 42, setEnv: true},
		{name: "zero rejected", value: "0", fallback: 42, want: 42, setEnv: true},
		{name: "negative rejected", value: "-5", fallback: 42, want: 42, setEnv: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := "TEST_GETENVINT"
			if tt.setEnv {
				t.Setenv(key, tt.value)
			}
			if got := getEnvInt(key, tt.fallback); got != tt.want {
				t.Errorf("getEnvInt(%q, %d) = %d, want %d", tt.value, tt.fallback, got, tt.want)
			}
		})
	}
}

func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		fallback time.Duration
		want     time.Duration
		setEnv   bool
	}{
		{name: "unset returns fallback", fallback: time.Minute, want: time.Minute},
		{name: "valid", value: "30s", fallback: time.Minute, want: 30 * time.Second, setEnv: true},
		{name: "invalid returns fallback", value: "soon", fallback: time.Minute, want: time.Minute, setEnv: true},
		{name: "negative rejected", value: "-5s", fallback: time.Minute, want: time.Minute, setEnv: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := "TEST_GETENVDURATION"
			if tt.setEnv {
				t.Setenv(key, tt.value)
			}
			if got := getEnvDuration(key, tt.fallback); got != tt.want {
				t.Errorf("getEnvDuration(%q, %v) = %v, want %v", tt.value, tt.fallback, got, tt.want)
			}
		})
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cacheDir := t.TempDir()
	dbDir := t.TempDir()

	t.Setenv("CACHE_DIR", cacheDir)
	t.Setenv("DATABASE_PATH", filepath.Join(dbDir, "cache.db"))

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want default 8080", cfg.Port)
	}
	if cfg.StoreOpTimeout != 5*time.Second {
		t.Errorf("StoreOpTimeout = %v, want 5s", cfg.StoreOpTimeout)
	}
	if cfg.QueueCapacity != 256 {
		t.Errorf("QueueCapacity = %d, want 256", cfg.QueueCapacity)
	}
	if cfg.ThumbnailMaxDim != 320 {
		t.Errorf("ThumbnailMaxDim = %d, want 320", cfg.ThumbnailMaxDim)
	}
	if !cfg.MetricsEnabled {
		t.Error("MetricsEnabled should default to true")
	}
}

func TestLoadConfigUnwritableCacheDir(t *testing.T) {
	t.Setenv("CACHE_DIR", "/proc/no-such-dir/cache")
	t.Setenv("DATABASE_PATH", filepath.Join(t.TempDir(), "cache.db"))

	if _, err := LoadConfig(); err == nil {
		t.Fatal("LoadConfig() with unwritable cache dir should fail")
	}
}
