package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main application configuration structure
// containing all configuration sections
type Config struct {
	Server    ServerConfig    `toml:"server"`    // HTTP server settings
	Logging   LoggingConfig   `toml:"logging"`   // Application logging settings
	Storage   StorageConfig   `toml:"storage"`   // Data persistence settings
	Telemetry TelemetryConfig `toml:"telemetry"` // Flight phase and alert detection settings
	Network   NetworkConfig   `toml:"network"`   // Online network presence check settings
	FlightLog FlightLogConfig `toml:"flightlog"` // Flight event submission settings
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Port               int      `toml:"port"`                  // Primary HTTP port for the server
	Host               string   `toml:"host"`                  // Host address to bind to (e.g., 127.0.0.1 for localhost only, 0.0.0.0 for all interfaces)
	CORSAllowedOrigins []string `toml:"cors_allowed_origins"`  // List of origins allowed for CORS requests (use ["*"] for all origins)
	ReadTimeoutSecs    int      `toml:"read_timeout_seconds"`  // Maximum duration for reading the entire request (0 = no timeout)
	WriteTimeoutSecs   int      `toml:"write_timeout_seconds"` // Maximum duration for writing the response (0 = no timeout)
	IdleTimeoutSecs    int      `toml:"idle_timeout_seconds"`  // Maximum duration to wait for the next request when keep-alives are enabled
	RateLimitPerSecond float64  `toml:"rate_limit_per_second"` // Per-client request rate limit for the REST API (0 = disabled)
	RateLimitBurst     int      `toml:"rate_limit_burst"`      // Burst size for the per-client rate limiter
}

// LoggingConfig contains application logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", or "error"
	Format string `toml:"format"` // Log format: "json" (structured) or "console" (human-readable)
}

// StorageConfig contains data persistence configuration
type StorageConfig struct {
	Type           string `toml:"type"`             // Storage backend type (currently only "sqlite" is supported)
	SQLiteBasePath string `toml:"sqlite_base_path"` // Base path for the SQLite journal file (actual filename will be generated as skymetrics-YYYY-MM-DD.db)
}

// TelemetryConfig contains flight phase detection and alert thresholds
type TelemetryConfig struct {
	TaxiStartGSKts       float64 `toml:"taxi_start_gs_kts"`      // Ground speed above which taxi is considered started (knots)
	TakeoffAGLFt         float64 `toml:"takeoff_agl_ft"`         // Height above ground that marks a takeoff (feet)
	TakeoffGSKts         float64 `toml:"takeoff_gs_kts"`         // Ground speed that must accompany the takeoff height (knots)
	LandingAGLFt         float64 `toml:"landing_agl_ft"`         // Height below which a landing sequence is armed (feet)
	LandingStopGSKts     float64 `toml:"landing_stop_gs_kts"`    // Ground speed below which a landing is considered complete (knots)
	BankAngleLimitDeg    float64 `toml:"bank_angle_limit_deg"`   // Absolute bank angle beyond which a bank alert fires (degrees)
	AlertCooldownSecs    int     `toml:"alert_cooldown_seconds"` // Minimum interval between repeats of the same alert kind (seconds)
	SessionStatsInterval int     `toml:"stats_interval_seconds"` // How often to log aggregate session statistics (0 = disabled)
}

// NetworkConfig contains online network (IVAO/VATSIM) presence check settings
type NetworkConfig struct {
	IVAOWhazzupURL     string  `toml:"ivao_whazzup_url"`        // IVAO whazzup v2 feed URL
	VATSIMDataURL      string  `toml:"vatsim_data_url"`         // VATSIM data v3 feed URL
	CheckIntervalSecs  int     `toml:"check_interval_seconds"`  // How often to reconcile session presence against the networks (seconds)
	RequestTimeoutSecs int     `toml:"request_timeout_seconds"` // Timeout for a single network feed request (seconds)
	FeedCacheSecs      int     `toml:"feed_cache_seconds"`      // How long a fetched network feed is reused before refetching (seconds)
	LowMotionGSKts     float64 `toml:"low_motion_gs_kts"`       // Ground speed below which a grounded aircraft counts as stationary (knots)
	StuckPauseMinutes  int     `toml:"stuck_pause_minutes"`     // Minutes of stationary ground presence before transmission is paused
}

// FlightLogConfig contains flight event submission settings
type FlightLogConfig struct {
	SubmitURL          string `toml:"submit_url"`              // Endpoint that receives flight log events (form-encoded POST)
	RequestTimeoutSecs int    `toml:"request_timeout_seconds"` // Timeout for a single submission request (seconds)
	MaxRetries         int    `toml:"max_retries"`             // Attempts per event before the batch is abandoned
	RetryDelaySecs     int    `toml:"retry_delay_seconds"`     // Fixed delay between retry attempts (seconds)
}

// Load loads the configuration from the given TOML file
func Load(path string) (*Config, error) {
	var config Config

	// Check if the file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	// Read the config file
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	return &config, nil
}

// LoadWithFallback loads the configuration by checking multiple locations in order of preference
func LoadWithFallback(preferredPath string) (*Config, error) {
	// List of paths to check in order of preference
	searchPaths := []string{
		preferredPath,         // User-specified path (if provided)
		"configs/config.toml", // configs/ folder
		"config.toml",         // Root directory
	}

	// Remove duplicates while preserving order
	uniquePaths := make([]string, 0, len(searchPaths))
	seen := make(map[string]bool)
	for _, path := range searchPaths {
		if path != "" && !seen[path] {
			uniquePaths = append(uniquePaths, path)
			seen[path] = true
		}
	}

	var lastErr error
	for _, path := range uniquePaths {
		if _, err := os.Stat(path); err == nil {
			// File exists, try to load it
			config, err := Load(path)
			if err != nil {
				lastErr = fmt.Errorf("failed to load config from %s: %w", path, err)
				continue
			}
			return config, nil
		}
		lastErr = fmt.Errorf("config file not found: %s", path)
	}

	return nil, fmt.Errorf("config file not found in any of the expected locations: %v. Last error: %w", uniquePaths, lastErr)
}

// Validate validates the configuration and fills in defaults for
// unset optional fields
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.RateLimitPerSecond < 0 {
		return fmt.Errorf("invalid rate_limit_per_second: %f (must be >= 0)", c.Server.RateLimitPerSecond)
	}
	if c.Server.RateLimitPerSecond > 0 && c.Server.RateLimitBurst <= 0 {
		c.Server.RateLimitBurst = 10
	}

	// Validate storage config
	if c.Storage.Type == "" {
		c.Storage.Type = "sqlite"
	}
	if c.Storage.Type != "sqlite" {
		return fmt.Errorf("invalid storage type: %s (must be 'sqlite')", c.Storage.Type)
	}
	if c.Storage.SQLiteBasePath == "" {
		c.Storage.SQLiteBasePath = "data"
	}

	if err := c.validateTelemetry(); err != nil {
		return err
	}
	if err := c.validateNetwork(); err != nil {
		return err
	}
	if err := c.validateFlightLog(); err != nil {
		return err
	}

	return nil
}

func (c *Config) validateTelemetry() error {
	t := &c.Telemetry
	if t.TaxiStartGSKts == 0 {
		t.TaxiStartGSKts = 10
	}
	if t.TakeoffAGLFt == 0 {
		t.TakeoffAGLFt = 50
	}
	if t.TakeoffGSKts == 0 {
		t.TakeoffGSKts = 40
	}
	if t.LandingAGLFt == 0 {
		t.LandingAGLFt = 100
	}
	if t.LandingStopGSKts == 0 {
		t.LandingStopGSKts = 10
	}
	if t.BankAngleLimitDeg == 0 {
		t.BankAngleLimitDeg = 30
	}
	if t.AlertCooldownSecs == 0 {
		t.AlertCooldownSecs = 60
	}
	if t.TakeoffAGLFt >= t.LandingAGLFt {
		return fmt.Errorf("takeoff_agl_ft (%f) must be below landing_agl_ft (%f)", t.TakeoffAGLFt, t.LandingAGLFt)
	}
	return nil
}

func (c *Config) validateNetwork() error {
	n := &c.Network
	if n.IVAOWhazzupURL == "" {
		n.IVAOWhazzupURL = "https://api.ivao.aero/v2/tracker/whazzup"
	}
	if n.VATSIMDataURL == "" {
		n.VATSIMDataURL = "https://data.vatsim.net/v3/vatsim-data.json"
	}
	for _, u := range []string{n.IVAOWhazzupURL, n.VATSIMDataURL} {
		if _, err := url.ParseRequestURI(u); err != nil {
			return fmt.Errorf("invalid network feed URL %q: %w", u, err)
		}
	}
	if n.CheckIntervalSecs <= 0 {
		n.CheckIntervalSecs = 120
	}
	if n.RequestTimeoutSecs <= 0 {
		n.RequestTimeoutSecs = 5
	}
	if n.FeedCacheSecs <= 0 {
		n.FeedCacheSecs = 60
	}
	if n.LowMotionGSKts == 0 {
		n.LowMotionGSKts = 5
	}
	if n.StuckPauseMinutes <= 0 {
		n.StuckPauseMinutes = 5
	}
	return nil
}

func (c *Config) validateFlightLog() error {
	f := &c.FlightLog
	if f.SubmitURL == "" {
		return fmt.Errorf("flightlog submit_url is required")
	}
	if _, err := url.ParseRequestURI(f.SubmitURL); err != nil {
		return fmt.Errorf("invalid flightlog submit_url %q: %w", f.SubmitURL, err)
	}
	if f.RequestTimeoutSecs <= 0 {
		f.RequestTimeoutSecs = 10
	}
	if f.MaxRetries <= 0 {
		f.MaxRetries = 3
	}
	if f.RetryDelaySecs <= 0 {
		f.RetryDelaySecs = 5
	}
	return nil
}

// Duration helpers so callers don't repeat the seconds-to-duration conversion

func (s ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutSecs) * time.Second
}
func (s ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutSecs) * time.Second
}
func (s ServerConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutSecs) * time.Second
}

func (n NetworkConfig) CheckInterval() time.Duration {
	return time.Duration(n.CheckIntervalSecs) * time.Second
}

func (n NetworkConfig) RequestTimeout() time.Duration {
	return time.Duration(n.RequestTimeoutSecs) * time.Second
}

func (n NetworkConfig) FeedCacheTTL() time.Duration {
	return time.Duration(n.FeedCacheSecs) * time.Second
}

func (n NetworkConfig) StuckPauseThreshold() time.Duration {
	return time.Duration(n.StuckPauseMinutes) * time.Minute
}

func (f FlightLogConfig) RequestTimeout() time.Duration {
	return time.Duration(f.RequestTimeoutSecs) * time.Second
}

func (f FlightLogConfig) RetryDelay() time.Duration {
	return time.Duration(f.RetryDelaySecs) * time.Second
}

func (t TelemetryConfig) AlertCooldown() time.Duration {
	return time.Duration(t.AlertCooldownSecs) * time.Second
}
