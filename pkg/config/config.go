package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/unklstewy/airsync/pkg/log"
	"github.com/unklstewy/airsync/pkg/signer"
)

// ErrMissingSecret is returned by Validate when no network secret is configured.
var ErrMissingSecret = signer.ErrMissingSecret

// Config represents the complete application configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Airspace  AirspaceConfig  `json:"airspace"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Session   SessionConfig   `json:"session"`
	Logging   log.Config      `json:"logging"`
	Auth      AuthConfig      `json:"auth"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	// Port is the HTTP server port (default: 8080)
	Port string `json:"port"`

	// Host is the server bind address (default: "0.0.0.0")
	Host string `json:"host"`

	// TLSEnabled determines if HTTPS should be used
	TLSEnabled bool `json:"tls_enabled"`

	// TLSCertFile is the path to the TLS certificate
	TLSCertFile string `json:"tls_cert_file"`

	// TLSKeyFile is the path to the TLS private key
	TLSKeyFile string `json:"tls_key_file"`

	// AllowedOrigins is the CORS origin allow-list
	AllowedOrigins []string `json:"allowed_origins"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string `json:"driver"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
	Username string `json:"username"`

	// Password for database authentication (should be loaded from environment)
	Password string `json:"password"`

	// SSLMode for PostgreSQL connections (disable, require, verify-ca, verify-full)
	SSLMode string `json:"ssl_mode"`

	MaxOpenConns int `json:"max_open_conns"`
	MaxIdleConns int `json:"max_idle_conns"`
}

// AirspaceConfig contains the external airspace-safety network settings.
type AirspaceConfig struct {
	// BaseURL is the network API root (e.g., "https://api.airspace.example")
	BaseURL string `json:"base_url"`

	// Secret is the shared signing secret. Keep it out of config files and
	// set AIRSYNC_AIRSPACE_SECRET instead.
	Secret string `json:"secret,omitempty"`

	// RequestsPerSecond limits outbound calls (0 = unlimited)
	RequestsPerSecond float64 `json:"requests_per_second"`

	// TimeoutSeconds is the HTTP client timeout
	TimeoutSeconds int `json:"timeout_seconds"`

	// MaxAltitudeMeters is the ceiling attached to every advisory
	MaxAltitudeMeters float64 `json:"max_altitude_meters"`

	// MarginDegrees pads route bounding boxes
	MarginDegrees float64 `json:"margin_degrees"`

	// PointRadiusMeters is the radius of live-position advisories
	PointRadiusMeters float64 `json:"point_radius_meters"`

	// BeaconRadiusMeters is the query radius for nearby traffic
	BeaconRadiusMeters float64 `json:"beacon_radius_meters"`
}

// SchedulerConfig controls the recurring refresh loop.
type SchedulerConfig struct {
	IntervalSeconds    int `json:"interval_seconds"`
	MaxConcurrency     int `json:"max_concurrency"`
	CallTimeoutSeconds int `json:"call_timeout_seconds"`

	// BeaconTTLSeconds is how long a beacon survives without being re-seen
	BeaconTTLSeconds int `json:"beacon_ttl_seconds"`
}

// SessionConfig controls the flight session manager.
type SessionConfig struct {
	// LocalCachePath is the bbolt file holding the per-pilot mirror and outbox
	LocalCachePath string `json:"local_cache_path"`

	// DefaultLatitude/DefaultLongitude are reported before the first fix arrives
	DefaultLatitude  float64 `json:"default_latitude"`
	DefaultLongitude float64 `json:"default_longitude"`

	// ReplayIntervalSeconds is how often queued offline writes are retried
	ReplayIntervalSeconds int `json:"replay_interval_seconds"`

	// PublishOnStart publishes one advisory as soon as a flight starts
	PublishOnStart bool `json:"publish_on_start"`
}

// AuthConfig contains identity token settings.
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret,omitempty"`
}

// Load reads configuration from a JSON file.
// If the file doesn't exist, returns a default configuration.
// Values missing from the file keep their defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg.applyEnvironmentOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvironmentOverrides()

	return cfg, nil
}

// LoadDotEnv loads KEY=value pairs from the given .env files into the
// process environment. Missing files are ignored; variables already set
// in the environment win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// Save writes the configuration to a JSON file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks settings that would make the services unusable.
func (c *Config) Validate() error {
	if c.Airspace.Secret == "" {
		return ErrMissingSecret
	}
	if c.Airspace.BaseURL == "" {
		return errors.New("airspace base_url is required")
	}
	if c.Scheduler.IntervalSeconds <= 0 {
		return fmt.Errorf("scheduler interval must be positive, got %d", c.Scheduler.IntervalSeconds)
	}
	if c.Scheduler.MaxConcurrency <= 0 {
		return fmt.Errorf("scheduler max_concurrency must be positive, got %d", c.Scheduler.MaxConcurrency)
	}
	if c.Scheduler.BeaconTTLSeconds <= 0 {
		return fmt.Errorf("beacon ttl must be positive, got %d", c.Scheduler.BeaconTTLSeconds)
	}
	return nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           "8080",
			Host:           "0.0.0.0",
			TLSEnabled:     false,
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:8080"},
		},
		Database: DatabaseConfig{
			Driver:       "postgres",
			Host:         "localhost",
			Port:         5432,
			Database:     "airsync",
			Username:     "airsync",
			SSLMode:      "disable",
			MaxOpenConns: 25,
			MaxIdleConns: 5,
		},
		Airspace: AirspaceConfig{
			BaseURL:            "https://api.airspace.example",
			RequestsPerSecond:  5,
			TimeoutSeconds:     15,
			MaxAltitudeMeters:  120, // 400 ft AGL
			MarginDegrees:      0.002,
			PointRadiusMeters:  500,
			BeaconRadiusMeters: 10000,
		},
		Scheduler: SchedulerConfig{
			IntervalSeconds:    60,
			MaxConcurrency:     8,
			CallTimeoutSeconds: 15,
			BeaconTTLSeconds:   60,
		},
		Session: SessionConfig{
			LocalCachePath:        "data/airsync.db",
			ReplayIntervalSeconds: 30,
			PublishOnStart:        true,
		},
		Logging: log.Config{
			Level:  "info",
			Dir:    "logs",
			Stderr: true,
		},
	}
}

// Interval returns the scheduler cadence.
func (s SchedulerConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// CallTimeout returns the bound on any single external call.
func (s SchedulerConfig) CallTimeout() time.Duration {
	return time.Duration(s.CallTimeoutSeconds) * time.Second
}

// BeaconTTL returns the beacon freshness window.
func (s SchedulerConfig) BeaconTTL() time.Duration {
	return time.Duration(s.BeaconTTLSeconds) * time.Second
}

// Timeout returns the HTTP client timeout.
func (a AirspaceConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// ReplayInterval returns how often the offline outbox is retried.
func (s SessionConfig) ReplayInterval() time.Duration {
	return time.Duration(s.ReplayIntervalSeconds) * time.Second
}

// applyEnvironmentOverrides applies environment variable overrides to the config.
// This allows sensitive data like passwords to be kept out of config files.
func (c *Config) applyEnvironmentOverrides() {
	if port := os.Getenv("AIRSYNC_PORT"); port != "" {
		c.Server.Port = port
	}
	if host := os.Getenv("AIRSYNC_DB_HOST"); host != "" {
		c.Database.Host = host
	}
	if dbPassword := os.Getenv("AIRSYNC_DB_PASSWORD"); dbPassword != "" {
		c.Database.Password = dbPassword
	}
	if baseURL := os.Getenv("AIRSYNC_AIRSPACE_URL"); baseURL != "" {
		c.Airspace.BaseURL = baseURL
	}
	if secret := os.Getenv("AIRSYNC_AIRSPACE_SECRET"); secret != "" {
		c.Airspace.Secret = secret
	}
	if interval := os.Getenv("AIRSYNC_INTERVAL_SECONDS"); interval != "" {
		if n, err := strconv.Atoi(interval); err == nil {
			c.Scheduler.IntervalSeconds = n
		}
	}
	if path := os.Getenv("AIRSYNC_LOCAL_CACHE"); path != "" {
		c.Session.LocalCachePath = path
	}
	if level := os.Getenv("AIRSYNC_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if jwtSecret := os.Getenv("AIRSYNC_JWT_SECRET"); jwtSecret != "" {
		c.Auth.JWTSecret = jwtSecret
	}
}
