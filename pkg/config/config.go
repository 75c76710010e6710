package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fieldtrack/fieldloc/pkg"
	"github.com/fieldtrack/fieldloc/pkg/backend"
	"github.com/fieldtrack/fieldloc/pkg/connectivity"
	"github.com/fieldtrack/fieldloc/pkg/locator"
	"github.com/fieldtrack/fieldloc/pkg/motion"
	"github.com/fieldtrack/fieldloc/pkg/mqtt"
	"github.com/fieldtrack/fieldloc/pkg/retry"
	"github.com/fieldtrack/fieldloc/pkg/store"
)

// Default paths and tunables.
const (
	DefaultConfigPath    = "/etc/fieldloc/config.json"
	DefaultStorePath     = "/var/lib/fieldloc/offline.db"
	DefaultArchivePath   = "/var/lib/fieldloc/trips.db"
	DefaultHeartbeatPath = "/tmp/fieldlocd.health"
	DefaultPIDFilePath   = "/var/run/fieldlocd.pid"

	DefaultLogLevel    = "info"
	DefaultHealthPort  = 8090
	DefaultMetricsPort = 9190

	DefaultGNSSHost     = "192.168.100.1"
	DefaultGNSSPort     = 9200
	DefaultGNSSTimeoutS = 10

	DefaultProbeIntervalS = 30
	DefaultProbeTimeoutS  = 5

	DefaultLiveTimeoutS    = 30
	DefaultNetworkTimeoutS = 10
	DefaultCachedMaxAgeS   = 300
	DefaultMaxStoreMB      = 10

	DefaultJournalCapacity       = 500
	DefaultJournalRetentionHours = 24
)

// Config is the daemon configuration, loaded from a flat JSON file. Zero
// values fall back to the defaults above so a partial file stays valid.
type Config struct {
	Enable   bool   `json:"enable"`
	LogLevel string `json:"log_level"`
	LogFile  string `json:"log_file"`

	DeviceID  string `json:"device_id"`
	VehicleID string `json:"vehicle_id"`
	UserID    string `json:"user_id"`

	// Sync endpoint
	SyncURL          string `json:"sync_url"`
	ProbeURL         string `json:"probe_url"`
	SyncTimeoutS     int    `json:"sync_timeout_s"`
	RetryMaxAttempts int    `json:"retry_max_attempts"`
	RetryDelayMS     int    `json:"retry_delay_ms"`

	// Connectivity probing
	ProbeIntervalS int `json:"probe_interval_s"`
	ProbeTimeoutS  int `json:"probe_timeout_s"`

	// Positioning hardware and network sources
	GNSSHost         string  `json:"gnss_host"`
	GNSSPort         int     `json:"gnss_port"`
	GNSSTimeoutS     int     `json:"gnss_timeout_s"`
	WiFiAPIKey       string  `json:"wifi_api_key"`
	CellAPIURL       string  `json:"cell_api_url"`
	CellAPIToken     string  `json:"cell_api_token"`
	DefaultLatitude  float64 `json:"default_latitude"`
	DefaultLongitude float64 `json:"default_longitude"`

	// Acquisition
	LiveTimeoutS         int     `json:"live_timeout_s"`
	NetworkTimeoutS      int     `json:"network_timeout_s"`
	CachedMaxAgeS        int     `json:"cached_max_age_s"`
	RefreshIntervalS     int     `json:"refresh_interval_s"`
	UseDefaultCoordinate bool    `json:"use_default_coordinate"`
	HighAccuracy         bool    `json:"high_accuracy"`
	CacheMaxAccuracyM    float64 `json:"cache_max_accuracy_m"`

	// Offline store
	StorePath           string `json:"store_path"`
	ArchivePath         string `json:"archive_path"`
	MaxStoreMB          int    `json:"max_store_mb"`
	MaxUnsyncedSegments int    `json:"max_unsynced_segments"`
	EncryptionKeyHex    string `json:"encryption_key_hex,omitempty"`

	// Motion classification
	MotionMinSpeedMS     float64 `json:"motion_min_speed_ms"`
	MotionAccelThreshold float64 `json:"motion_accel_threshold"`

	// Event journal
	JournalCapacity       int `json:"journal_capacity"`
	JournalRetentionHours int `json:"journal_retention_hours"`

	// Listeners
	MetricsListener bool `json:"metrics_listener"`
	MetricsPort     int  `json:"metrics_port"`
	HealthListener  bool `json:"health_listener"`
	HealthPort      int  `json:"health_port"`

	// Daemon files
	HeartbeatPath string `json:"heartbeat_path"`
	PIDFilePath   string `json:"pid_file_path"`

	// Local broker mirror
	MQTT mqtt.Config `json:"mqtt"`
}

// Default returns the configuration the daemon runs with when no file exists.
func Default() *Config {
	return &Config{
		Enable:   true,
		LogLevel: DefaultLogLevel,

		SyncTimeoutS:     15,
		RetryMaxAttempts: 3,
		RetryDelayMS:     500,

		ProbeIntervalS: DefaultProbeIntervalS,
		ProbeTimeoutS:  DefaultProbeTimeoutS,

		GNSSHost:     DefaultGNSSHost,
		GNSSPort:     DefaultGNSSPort,
		GNSSTimeoutS: DefaultGNSSTimeoutS,

		LiveTimeoutS:         DefaultLiveTimeoutS,
		NetworkTimeoutS:      DefaultNetworkTimeoutS,
		CachedMaxAgeS:        DefaultCachedMaxAgeS,
		UseDefaultCoordinate: true,
		HighAccuracy:         true,

		StorePath:  DefaultStorePath,
		MaxStoreMB: DefaultMaxStoreMB,

		JournalCapacity:       DefaultJournalCapacity,
		JournalRetentionHours: DefaultJournalRetentionHours,

		MetricsListener: false,
		MetricsPort:     DefaultMetricsPort,
		HealthListener:  true,
		HealthPort:      DefaultHealthPort,

		HeartbeatPath: DefaultHeartbeatPath,
		PIDFilePath:   DefaultPIDFilePath,

		MQTT: *mqtt.DefaultConfig(),
	}
}

// Load reads the config file at path (DefaultConfigPath when empty), merges
// it over the defaults and validates the result. A missing file yields the
// defaults; a malformed file is an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := dfltAndValidate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// dfltAndValidate backfills zero values and range-checks the result.
func dfltAndValidate(c *Config) error {
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of trace|debug|info|warn|error, got %q", c.LogLevel)
	}

	if c.SyncURL != "" && !strings.HasPrefix(c.SyncURL, "http://") && !strings.HasPrefix(c.SyncURL, "https://") {
		return fmt.Errorf("sync_url must be an http(s) URL, got %q", c.SyncURL)
	}

	if c.ProbeIntervalS <= 0 {
		c.ProbeIntervalS = DefaultProbeIntervalS
	}
	if c.ProbeIntervalS < 5 {
		return fmt.Errorf("probe_interval_s must be at least 5, got %d", c.ProbeIntervalS)
	}
	if c.ProbeTimeoutS <= 0 {
		c.ProbeTimeoutS = DefaultProbeTimeoutS
	}

	if c.LiveTimeoutS <= 0 {
		c.LiveTimeoutS = DefaultLiveTimeoutS
	}
	if c.NetworkTimeoutS <= 0 {
		c.NetworkTimeoutS = DefaultNetworkTimeoutS
	}
	if c.CachedMaxAgeS <= 0 {
		c.CachedMaxAgeS = DefaultCachedMaxAgeS
	}

	if c.MaxStoreMB <= 0 {
		c.MaxStoreMB = DefaultMaxStoreMB
	}

	if c.UseDefaultCoordinate && (c.DefaultLatitude != 0 || c.DefaultLongitude != 0) {
		if !pkg.ValidCoordinate(c.DefaultLatitude, c.DefaultLongitude) {
			return fmt.Errorf("default coordinate (%v, %v) is not a valid lat/lon",
				c.DefaultLatitude, c.DefaultLongitude)
		}
	}

	if c.EncryptionKeyHex != "" {
		key, err := hex.DecodeString(c.EncryptionKeyHex)
		if err != nil {
			return fmt.Errorf("encryption_key_hex is not valid hex: %w", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("encryption_key_hex must decode to 32 bytes, got %d", len(key))
		}
	}

	if c.MetricsListener && (c.MetricsPort < 1 || c.MetricsPort > 65535) {
		return fmt.Errorf("metrics_port must be between 1 and 65535, got %d", c.MetricsPort)
	}
	if c.HealthListener && (c.HealthPort < 1 || c.HealthPort > 65535) {
		return fmt.Errorf("health_port must be between 1 and 65535, got %d", c.HealthPort)
	}

	if c.JournalCapacity <= 0 {
		c.JournalCapacity = DefaultJournalCapacity
	}
	if c.JournalRetentionHours <= 0 {
		c.JournalRetentionHours = DefaultJournalRetentionHours
	}

	return nil
}

// LocatorConfig maps the flat fields onto the acquisition settings.
func (c *Config) LocatorConfig() *locator.Config {
	return &locator.Config{
		LiveTimeout:          time.Duration(c.LiveTimeoutS) * time.Second,
		NetworkTimeout:       time.Duration(c.NetworkTimeoutS) * time.Second,
		CachedFallbackMaxAge: time.Duration(c.CachedMaxAgeS) * time.Second,
		RefreshInterval:      time.Duration(c.RefreshIntervalS) * time.Second,
		UseDefaultCoordinate: c.UseDefaultCoordinate,
		HighAccuracy:         c.HighAccuracy,
	}
}

// ConnectivityConfig maps the flat fields onto the tracker settings.
func (c *Config) ConnectivityConfig() *connectivity.Config {
	cfg := connectivity.DefaultConfig(c.ProbeURL)
	cfg.ProbeInterval = time.Duration(c.ProbeIntervalS) * time.Second
	cfg.ProbeTimeout = time.Duration(c.ProbeTimeoutS) * time.Second
	return cfg
}

// StoreConfig maps the flat fields onto the offline store settings.
func (c *Config) StoreConfig() (*store.Config, error) {
	cfg := &store.Config{
		Path:                c.StorePath,
		ArchivePath:         c.ArchivePath,
		MaxStoreBytes:       int64(c.MaxStoreMB) * 1024 * 1024,
		MaxUnsyncedSegments: c.MaxUnsyncedSegments,
	}
	if c.EncryptionKeyHex != "" {
		key, err := hex.DecodeString(c.EncryptionKeyHex)
		if err != nil {
			return nil, fmt.Errorf("encryption_key_hex is not valid hex: %w", err)
		}
		cfg.EncryptionKey = key
	}
	return cfg, nil
}

// BackendConfig maps the flat fields onto the sync client settings.
func (c *Config) BackendConfig() *backend.Config {
	cfg := backend.DefaultConfig(c.SyncURL, c.ProbeURL)
	cfg.DeviceID = c.DeviceID
	if c.SyncTimeoutS > 0 {
		cfg.Timeout = time.Duration(c.SyncTimeoutS) * time.Second
	}

	policy := retry.DefaultPolicy()
	if c.RetryMaxAttempts > 0 {
		policy.MaxAttempts = c.RetryMaxAttempts
	}
	if c.RetryDelayMS > 0 {
		policy.BaseDelay = time.Duration(c.RetryDelayMS) * time.Millisecond
	}
	cfg.Retry = policy
	return cfg
}

// MotionConfig maps the flat overrides onto the classifier settings.
func (c *Config) MotionConfig() *motion.Config {
	cfg := motion.DefaultConfig()
	if c.MotionMinSpeedMS > 0 {
		cfg.MinSpeedMS = c.MotionMinSpeedMS
	}
	if c.MotionAccelThreshold > 0 {
		cfg.AccelThreshold = c.MotionAccelThreshold
	}
	return cfg
}

// GNSSTimeout returns the receiver dial/read timeout.
func (c *Config) GNSSTimeout() time.Duration {
	return time.Duration(c.GNSSTimeoutS) * time.Second
}

// JournalRetention returns the event journal retention window.
func (c *Config) JournalRetention() time.Duration {
	return time.Duration(c.JournalRetentionHours) * time.Hour
}
