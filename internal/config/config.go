// Package config provides application configuration management.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Configuration bounds to prevent resource exhaustion.
const (
	maxMaxWatches    = 50
	minScanInterval  = 100 * time.Millisecond
	maxScanInterval  = time.Minute
	maxTimeout       = 5 * time.Minute
	minAPIKeyLength  = 16 // Minimum API key length for security
	defaultPort      = 8191
	defaultMaxWatch  = 5
	defaultScanEvery = time.Second
)

// Config holds all application configuration.
// Configuration is loaded from environment variables at startup.
type Config struct {
	// Server settings
	Host string
	Port int

	// Browser settings
	Headless         bool
	BrowserPath      string
	IgnoreCertErrors bool   // Ignore TLS certificate errors (required for some proxies)
	ProxyURL         string // Proxy for the browser and for replayed chat requests

	// Watch settings
	MaxWatches        int
	WatchURLs         []string // Opened at startup
	NavigationTimeout time.Duration

	// DOM marker
	ScanInterval time.Duration
	ScanTimeout  time.Duration

	// Network interceptor
	LoadTimeout time.Duration // Timeout for filtering one intercepted chat response, and for check fetches

	// Rules
	RulesPath      string // Path to external rules.yaml override file
	RulesHotReload bool   // Enable file watching for hot-reload of rules

	// Logging
	LogLevel string
	LogFile  string // Write logs here instead of stdout (used with the dashboard)

	// Metrics
	PrometheusEnabled bool
	PrometheusPort    int

	// Profiling
	PProfEnabled  bool
	PProfPort     int
	PProfBindAddr string // Bind address for pprof server (default: localhost only)

	// Security
	CORSAllowedOrigins []string // Allowed CORS origins (empty = reject cross-origin requests)
	APIKeyEnabled      bool     // Enable API key authentication
	APIKey             string   // Required API key for requests (only used if APIKeyEnabled is true)

	// Terminal dashboard
	DashboardEnabled bool
	DashboardRefresh time.Duration
}

// LoadDotEnv loads variables from the given .env files (default ".env")
// without overriding variables that are already set. A missing file is not
// an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	existing := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// Load loads configuration from environment variables.
// Returns a Config with values from environment or sensible defaults.
func Load() *Config {
	return &Config{
		// Server - default to localhost for security (prevents accidental exposure)
		// Set HOST=0.0.0.0 explicitly to bind to all interfaces
		Host: getEnvString("HOST", "127.0.0.1"),
		Port: getEnvInt("PORT", defaultPort),

		// Browser
		Headless:         getEnvBool("HEADLESS", true),
		BrowserPath:      getEnvString("BROWSER_PATH", ""),
		IgnoreCertErrors: getEnvBool("IGNORE_CERT_ERRORS", false),
		ProxyURL:         getEnvString("PROXY_URL", ""),

		// Watches
		MaxWatches:        getEnvInt("MAX_WATCHES", defaultMaxWatch),
		WatchURLs:         getEnvStringSlice("WATCH_URLS", nil),
		NavigationTimeout: getEnvDuration("NAVIGATION_TIMEOUT", 60*time.Second),

		// DOM marker
		ScanInterval: getEnvDuration("SCAN_INTERVAL", defaultScanEvery),
		ScanTimeout:  getEnvDuration("SCAN_TIMEOUT", 5*time.Second),

		// Network interceptor
		LoadTimeout: getEnvDuration("LOAD_TIMEOUT", 30*time.Second),

		// Rules
		RulesPath:      getEnvString("RULES_PATH", ""),
		RulesHotReload: getEnvBool("RULES_HOT_RELOAD", false),

		// Logging
		LogLevel: getEnvString("LOG_LEVEL", "info"),
		LogFile:  getEnvString("LOG_FILE", ""),

		// Metrics
		PrometheusEnabled: getEnvBool("PROMETHEUS_ENABLED", false),
		PrometheusPort:    getEnvInt("PROMETHEUS_PORT", 8192),

		// Profiling - disabled by default for security
		PProfEnabled:  getEnvBool("PPROF_ENABLED", false),
		PProfPort:     getEnvInt("PPROF_PORT", 6060),
		PProfBindAddr: getEnvString("PPROF_BIND_ADDR", "127.0.0.1"),

		// Security
		CORSAllowedOrigins: getEnvStringSlice("CORS_ALLOWED_ORIGINS", nil),
		APIKeyEnabled:      getEnvBool("API_KEY_ENABLED", false),
		APIKey:             getEnvString("API_KEY", ""),

		// Dashboard
		DashboardEnabled: getEnvBool("DASHBOARD_ENABLED", false),
		DashboardRefresh: getEnvDuration("DASHBOARD_REFRESH", time.Second),
	}
}

// HasProxy returns true if a proxy is configured.
func (c *Config) HasProxy() bool {
	return c.ProxyURL != ""
}

// Validate checks configuration values and logs warnings for invalid values.
// Invalid values are corrected to sensible defaults.
func (c *Config) Validate() {
	// Port validation - allow 0 for system-assigned ports
	if c.Port < 0 || c.Port > 65535 {
		log.Warn().Int("port", c.Port).Msg("Invalid port, using default 8191")
		c.Port = defaultPort
	}

	c.BrowserPath = validatePath("BROWSER_PATH", c.BrowserPath)

	// Watch limit with upper bound
	if c.MaxWatches < 1 {
		log.Warn().Int("max", c.MaxWatches).Msg("Invalid max watches, using 5")
		c.MaxWatches = defaultMaxWatch
	} else if c.MaxWatches > maxMaxWatches {
		log.Warn().
			Int("watches", c.MaxWatches).
			Int("max", maxMaxWatches).
			Msg("Max watches too high, capping to maximum")
		c.MaxWatches = maxMaxWatches
	}
	if len(c.WatchURLs) > c.MaxWatches {
		log.Warn().
			Int("urls", len(c.WatchURLs)).
			Int("max", c.MaxWatches).
			Msg("More WATCH_URLS than MAX_WATCHES, extra URLs will be skipped")
	}

	// Scan interval bounds
	if c.ScanInterval < minScanInterval {
		log.Warn().
			Dur("interval", c.ScanInterval).
			Dur("min", minScanInterval).
			Msg("Scan interval too short, using minimum")
		c.ScanInterval = minScanInterval
	} else if c.ScanInterval > maxScanInterval {
		log.Warn().
			Dur("interval", c.ScanInterval).
			Dur("max", maxScanInterval).
			Msg("Scan interval too long, using maximum")
		c.ScanInterval = maxScanInterval
	}

	c.ScanTimeout = clampTimeout("SCAN_TIMEOUT", c.ScanTimeout, 5*time.Second)
	c.LoadTimeout = clampTimeout("LOAD_TIMEOUT", c.LoadTimeout, 30*time.Second)
	c.NavigationTimeout = clampTimeout("NAVIGATION_TIMEOUT", c.NavigationTimeout, 60*time.Second)

	// Log level validation
	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		log.Warn().Str("level", c.LogLevel).Msg("Invalid log level, using 'info'")
		c.LogLevel = "info"
	}

	// PProf security warning
	if c.PProfEnabled && c.PProfBindAddr != "127.0.0.1" && c.PProfBindAddr != "localhost" {
		log.Warn().
			Str("addr", c.PProfBindAddr).
			Msg("WARNING: pprof exposed on non-localhost address - this is a security risk")
	}

	// Certificate validation warning
	if c.IgnoreCertErrors {
		if c.ProxyURL == "" {
			log.Warn().Msg("WARNING: IGNORE_CERT_ERRORS enabled without a proxy - this exposes you to MITM attacks")
		} else {
			log.Info().Msg("IGNORE_CERT_ERRORS enabled for proxy compatibility")
		}
	}

	// Proxy URL validation
	if c.ProxyURL != "" {
		if !strings.Contains(c.ProxyURL, "://") {
			log.Error().
				Str("proxy_url", c.ProxyURL).
				Msg("ProxyURL missing scheme (should be http://, https:// or socks5://), ignoring")
			c.ProxyURL = ""
		} else {
			scheme := strings.ToLower(strings.Split(c.ProxyURL, "://")[0])
			validSchemes := map[string]bool{"http": true, "https": true, "socks5": true}
			if !validSchemes[scheme] {
				log.Error().
					Str("scheme", scheme).
					Msg("ProxyURL has invalid scheme (must be http, https or socks5), ignoring")
				c.ProxyURL = ""
			}
		}
	}

	// Port conflict validation
	usedPorts := make(map[int]string)
	if c.Port > 0 {
		usedPorts[c.Port] = "PORT"
	}
	if c.PrometheusEnabled {
		if existingName, exists := usedPorts[c.PrometheusPort]; exists {
			log.Error().
				Int("port", c.PrometheusPort).
				Str("conflicts_with", existingName).
				Msg("PROMETHEUS_PORT conflicts with another port, metrics will be served on the API port")
			c.PrometheusPort = 0
		} else {
			usedPorts[c.PrometheusPort] = "PROMETHEUS_PORT"
		}
	}
	if c.PProfEnabled {
		if existingName, exists := usedPorts[c.PProfPort]; exists {
			log.Error().
				Int("port", c.PProfPort).
				Str("conflicts_with", existingName).
				Msg("PPROF_PORT conflicts with another port, adjusting")
			c.PProfPort = 6060
			for usedPorts[c.PProfPort] != "" {
				c.PProfPort++
				if c.PProfPort > 65535 {
					log.Warn().Msg("Could not find available pprof port, disabling")
					c.PProfEnabled = false
					break
				}
			}
		}
	}

	// Rules path validation
	c.RulesPath = validatePath("RULES_PATH", c.RulesPath)
	if c.RulesHotReload && c.RulesPath != "" {
		if _, err := os.Stat(c.RulesPath); os.IsNotExist(err) {
			log.Warn().
				Str("path", c.RulesPath).
				Msg("RulesPath does not exist - hot-reload will watch for file creation")
		}
	}
	if c.RulesHotReload && c.RulesPath == "" {
		log.Warn().Msg("RULES_HOT_RELOAD enabled but RULES_PATH not set - hot-reload disabled")
		c.RulesHotReload = false
	}

	if c.LogFile != "" {
		c.LogFile = validatePath("LOG_FILE", c.LogFile)
	}

	if c.DashboardRefresh < 100*time.Millisecond {
		c.DashboardRefresh = time.Second
	}

	// API key validation with minimum length enforcement
	if c.APIKeyEnabled {
		switch {
		case c.APIKey == "":
			log.Error().Msg("API_KEY_ENABLED is true but API_KEY is empty - authentication will always fail")
		case len(c.APIKey) < minAPIKeyLength:
			log.Error().
				Int("length", len(c.APIKey)).
				Int("min_required", minAPIKeyLength).
				Msg("API_KEY is too short for secure authentication - consider using a longer key")
		}
	}
}

// validatePath rejects traversal sequences and warns about relative paths.
func validatePath(name, path string) string {
	if path == "" {
		return ""
	}
	if strings.Contains(path, "..") {
		log.Error().
			Str("name", name).
			Str("path", path).
			Msg("Path contains traversal sequence (..), ignoring")
		return ""
	}
	if !strings.HasPrefix(path, "/") && !strings.HasPrefix(path, "C:") && !strings.HasPrefix(path, "c:") {
		log.Warn().
			Str("name", name).
			Str("path", path).
			Msg("Path should be absolute")
	}
	return path
}

func clampTimeout(name string, d, def time.Duration) time.Duration {
	switch {
	case d < 100*time.Millisecond:
		log.Warn().Str("name", name).Dur("timeout", d).Dur("default", def).Msg("Timeout too short, using default")
		return def
	case d > maxTimeout:
		log.Warn().Str("name", name).Dur("timeout", d).Dur("max", maxTimeout).Msg("Timeout too long, capping to maximum")
		return maxTimeout
	}
	return d
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intValue, err := strconv.ParseInt(value, 10, 32)
		if err == nil {
			return int(intValue)
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Bool("default", defaultValue).
			Msg("Invalid boolean in environment variable, using default")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil {
			if duration > 0 {
				return duration
			}
			log.Warn().
				Str("key", key).
				Str("value", value).
				Dur("default", defaultValue).
				Msg("Duration must be positive, using default")
			return defaultValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Dur("default", defaultValue).
			Msg("Invalid duration in environment variable, using default")
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
