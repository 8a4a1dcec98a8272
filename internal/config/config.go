// Package config loads and persists panelbridge configuration. Migration
// flags live here because they must survive restarts: a flag is a one-shot
// sentinel cleared only after its migration step completes cleanly.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// PanelOptions describe the monitored panel.
type PanelOptions struct {
	Serial       string        `yaml:"serial"`
	Name         string        `yaml:"name"`
	BaseURL      string        `yaml:"base_url"`
	Token        string        `yaml:"token"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// MQTTOptions configure the Homie snapshot source. Empty broker disables it.
type MQTTOptions struct {
	Broker    string `yaml:"broker"`
	ClientID  string `yaml:"client_id"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	BaseTopic string `yaml:"base_topic"`
}

// NamingOptions hold the user-selected naming policy.
type NamingOptions struct {
	Policy       string `yaml:"policy"`
	DevicePrefix bool   `yaml:"device_prefix"`
}

// MigrationFlags are the persisted one-shot sentinels.
type MigrationFlags struct {
	PendingLegacy bool `yaml:"pending_legacy_migration"`
	PendingNaming bool `yaml:"pending_naming_migration"`
	PendingSolar  bool `yaml:"pending_solar_migration"`
}

// RegistryOptions select the identity directory backend.
type RegistryOptions struct {
	Driver          string `yaml:"driver"` // memory | file | postgres
	Path            string `yaml:"path"`
	DatabaseURL     string `yaml:"database_url"`
	StatisticsTable string `yaml:"statistics_table"`
}

// RedisOptions configure the optional snapshot cache. Empty addr disables it.
type RedisOptions struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// HTTPOptions configure the diagnostics API.
type HTTPOptions struct {
	Addr      string `yaml:"addr"`
	JWTSecret string `yaml:"jwt_secret"`
}

// LogOptions configure logging.
type LogOptions struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Options is the full configuration document.
type Options struct {
	Panel      PanelOptions    `yaml:"panel"`
	MQTT       MQTTOptions     `yaml:"mqtt"`
	Naming     NamingOptions   `yaml:"naming"`
	Migrations MigrationFlags  `yaml:"migrations"`
	Registry   RegistryOptions `yaml:"registry"`
	Redis      RedisOptions    `yaml:"redis"`
	HTTP       HTTPOptions     `yaml:"http"`
	Log        LogOptions      `yaml:"log"`
}

// Flag names one persisted migration sentinel.
type Flag string

const (
	FlagLegacyMigration Flag = "pending_legacy_migration"
	FlagNamingMigration Flag = "pending_naming_migration"
	FlagSolarMigration  Flag = "pending_solar_migration"
)

func defaults() Options {
	return Options{
		Panel: PanelOptions{
			Serial:       getenvDefault("PANEL_SERIAL", ""),
			Name:         getenvDefault("PANEL_NAME", "span"),
			BaseURL:      getenvDefault("PANEL_BASE_URL", ""),
			Token:        getenvDefault("PANEL_TOKEN", ""),
			PollInterval: getenvDuration("PANEL_POLL_INTERVAL", time.Minute),
		},
		MQTT: MQTTOptions{
			Broker:    getenvDefault("MQTT_BROKER", ""),
			ClientID:  getenvDefault("MQTT_CLIENT_ID", "panelbridge"),
			Username:  os.Getenv("MQTT_USERNAME"),
			Password:  os.Getenv("MQTT_PASSWORD"),
			BaseTopic: getenvDefault("MQTT_BASE_TOPIC", "homie"),
		},
		Naming: NamingOptions{
			Policy:       getenvDefault("NAMING_POLICY", "friendly_names"),
			DevicePrefix: getenvBool("NAMING_DEVICE_PREFIX", true),
		},
		Registry: RegistryOptions{
			Driver:          getenvDefault("REGISTRY_DRIVER", "file"),
			Path:            getenvDefault("REGISTRY_PATH", "var/entity_registry.json"),
			DatabaseURL:     getenvDefault("DATABASE_URL", ""),
			StatisticsTable: getenvDefault("STATISTICS_TABLE", "statistics"),
		},
		Redis: RedisOptions{
			Addr:     getenvDefault("REDIS_ADDR", ""),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getenvIntDefault("REDIS_DB", 0),
			TTL:      getenvDuration("REDIS_SNAPSHOT_TTL", 24*time.Hour),
		},
		HTTP: HTTPOptions{
			Addr:      getenvDefault("HTTP_ADDR", ":8099"),
			JWTSecret: os.Getenv("HTTP_JWT_SECRET"),
		},
		Log: LogOptions{
			Level:  getenvDefault("LOG_LEVEL", "info"),
			Format: getenvDefault("LOG_FORMAT", "json"),
		},
	}
}

// Store is the persisted configuration record. Saves are atomic (temp file
// plus rename) so a crash mid-save never truncates the document.
type Store struct {
	mu   sync.Mutex
	path string
	opts Options
}

// Load reads the config file at path, layering it over env-derived defaults.
// A missing file is not an error; the defaults are used and persisted on the
// first flag change.
func Load(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("config: empty path")
	}
	opts := defaults()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// keep defaults
	case err != nil:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &opts); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if opts.Panel.PollInterval <= 0 {
		opts.Panel.PollInterval = time.Minute
	}
	return &Store{path: path, opts: opts}, nil
}

// Options returns a copy of the current configuration.
func (s *Store) Options() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// ParseFlag resolves a flag name to its sentinel.
func ParseFlag(name string) (Flag, bool) {
	switch Flag(name) {
	case FlagLegacyMigration, FlagNamingMigration, FlagSolarMigration:
		return Flag(name), true
	default:
		return "", false
	}
}

// Flags lists every migration sentinel.
func Flags() []Flag {
	return []Flag{FlagLegacyMigration, FlagNamingMigration, FlagSolarMigration}
}

// Flag reports whether a migration sentinel is pending.
func (s *Store) Flag(flag Flag) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flagLocked(flag)
}

func (s *Store) flagLocked(flag Flag) bool {
	switch flag {
	case FlagLegacyMigration:
		return s.opts.Migrations.PendingLegacy
	case FlagNamingMigration:
		return s.opts.Migrations.PendingNaming
	case FlagSolarMigration:
		return s.opts.Migrations.PendingSolar
	}
	return false
}

// SetFlag raises a migration sentinel and persists. Setting an already-set
// flag is a no-op.
func (s *Store) SetFlag(flag Flag) error {
	return s.writeFlag(flag, true)
}

// ClearFlag lowers a migration sentinel and persists. Clearing an already
// clear flag is a no-op.
func (s *Store) ClearFlag(flag Flag) error {
	return s.writeFlag(flag, false)
}

func (s *Store) writeFlag(flag Flag, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flagLocked(flag) == value {
		return nil
	}
	switch flag {
	case FlagLegacyMigration:
		s.opts.Migrations.PendingLegacy = value
	case FlagNamingMigration:
		s.opts.Migrations.PendingNaming = value
	case FlagSolarMigration:
		s.opts.Migrations.PendingSolar = value
	default:
		return fmt.Errorf("config: unknown flag %q", flag)
	}
	return s.saveLocked()
}

// SetNaming updates the naming policy selection and persists.
func (s *Store) SetNaming(policy string, devicePrefix bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts.Naming.Policy = policy
	s.opts.Naming.DevicePrefix = devicePrefix
	return s.saveLocked()
}

// SetDevicePrefix updates only the prefix toggle and persists. The legacy
// upgrade migration calls this once its pass completes cleanly.
func (s *Store) SetDevicePrefix(devicePrefix bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opts.Naming.DevicePrefix == devicePrefix {
		return nil
	}
	s.opts.Naming.DevicePrefix = devicePrefix
	return s.saveLocked()
}

// Save writes the document atomically.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	data, err := yaml.Marshal(s.opts)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("config: rename %s: %w", tmp, err)
	}
	return nil
}

func getenvDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
