package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Storage backends for the durable scope
const (
	StorageFile  = "file"
	StorageRedis = "redis"
)

// Config holds all application configuration
type Config struct {
	// API settings
	BaseURL         string
	APIPrefix       string
	HTTPTimeout     time.Duration
	APIReadyTimeout int

	// Polling settings
	PollInterval            time.Duration
	InteractivePollInterval time.Duration
	MaxAttempts             int

	// Storage settings
	DataDir        string
	StorageBackend string
	RedisAddr      string
	HistoryCap     int
}

// NewConfig creates a new configuration with default values
func NewConfig() *Config {
	return &Config{
		BaseURL:                 "http://localhost:8000",
		APIPrefix:               "/api",
		HTTPTimeout:             30 * time.Second,
		APIReadyTimeout:         30,
		PollInterval:            2 * time.Second,
		InteractivePollInterval: 10 * time.Second,
		MaxAttempts:             1800,
		DataDir:                 "~/.screening-sync",
		StorageBackend:          StorageFile,
		RedisAddr:               "localhost:6379",
		HistoryCap:              100,
	}
}

func envMillis(name string, target *time.Duration) {
	if v := os.Getenv(name); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			*target = time.Duration(ms) * time.Millisecond
		}
	}
}

func envInt(name string, target *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

// LoadFromEnvironment loads configuration from environment variables
func (c *Config) LoadFromEnvironment() {
	if baseURL := os.Getenv("SCREENING_BASE_URL"); baseURL != "" {
		c.BaseURL = strings.TrimRight(baseURL, "/")
	}

	if prefix, ok := os.LookupEnv("SCREENING_API_PREFIX"); ok {
		c.APIPrefix = prefix
	}

	envMillis("SCREENING_HTTP_TIMEOUT", &c.HTTPTimeout)
	envMillis("SCREENING_POLL_INTERVAL", &c.PollInterval)
	envMillis("SCREENING_INTERACTIVE_POLL_INTERVAL", &c.InteractivePollInterval)
	envInt("SCREENING_MAX_ATTEMPTS", &c.MaxAttempts)
	envInt("SCREENING_API_READY_TIMEOUT", &c.APIReadyTimeout)
	envInt("SCREENING_HISTORY_CAP", &c.HistoryCap)

	if dataDir := os.Getenv("SCREENING_DATA_DIR"); dataDir != "" {
		c.DataDir = dataDir
	}

	if backend := os.Getenv("SCREENING_STORAGE"); backend != "" {
		c.StorageBackend = strings.ToLower(backend)
	}

	if addr := os.Getenv("SCREENING_REDIS_ADDR"); addr != "" {
		c.RedisAddr = addr
	}
}

// ResolveDataDir expands a leading "~/" in DataDir
func (c *Config) ResolveDataDir() (string, error) {
	if !strings.HasPrefix(c.DataDir, "~/") {
		return c.DataDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, c.DataDir[2:]), nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got: %v", c.PollInterval)
	}

	if c.InteractivePollInterval <= 0 {
		return fmt.Errorf("interactive poll interval must be positive, got: %v", c.InteractivePollInterval)
	}

	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive, got: %d", c.MaxAttempts)
	}

	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("HTTP timeout must be positive, got: %v", c.HTTPTimeout)
	}

	if c.HistoryCap <= 0 {
		return fmt.Errorf("history cap must be positive, got: %d", c.HistoryCap)
	}

	switch c.StorageBackend {
	case StorageFile:
		if c.DataDir == "" {
			return fmt.Errorf("data directory cannot be empty")
		}
	case StorageRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("redis address cannot be empty")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.StorageBackend)
	}

	return nil
}

// PollIntervalFor picks the polling interval for an interactive or a batch run
func (c *Config) PollIntervalFor(interactive bool) time.Duration {
	if interactive {
		return c.InteractivePollInterval
	}
	return c.PollInterval
}
