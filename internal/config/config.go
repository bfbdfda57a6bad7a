// Package config manages the trdpd daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete trdpd configuration.
type Config struct {
	Admin    AdminConfig     `koanf:"admin"`
	Metrics  MetricsConfig   `koanf:"metrics"`
	Log      LogConfig       `koanf:"log"`
	TRDP     TRDPConfig      `koanf:"trdp"`
	Sessions []ProcessConfig `koanf:"sessions"`
}

// AdminConfig holds the REST admin API server configuration.
type AdminConfig struct {
	// Addr is the admin API listen address (e.g., ":50051").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// TRDPConfig holds the TRDP session parameters shared by every process
// entry; process entries have no per-entry overrides for them.
type TRDPConfig struct {
	// TrafficStoreSize is the initial Traffic Store allocation in bytes.
	TrafficStoreSize int `koanf:"traffic_store_size"`
	// MaxNumSessions bounds the MD session table.
	MaxNumSessions int `koanf:"max_num_sessions"`
	// DefaultReplyTimeout is a default MD reply timeout. It is loaded from
	// the configuration only; the daemon does not pass it to any session.
	DefaultReplyTimeout time.Duration `koanf:"default_reply_timeout"`
	// DefaultConfirmTimeout is a default MD confirm timeout. It is loaded
	// from the configuration only; the daemon does not pass it to any session.
	DefaultConfirmTimeout time.Duration `koanf:"default_confirm_timeout"`
}

// ProcessConfig describes a declarative TRDP process (an (etbTopoCount,
// opTrnTopoCount, local address) triple) from the configuration file.
// Each entry opens one trdp.Session on daemon startup and SIGHUP reload.
type ProcessConfig struct {
	// Local is the local system's IP address.
	Local string `koanf:"local"`

	// Interface names the process's network interface (optional). It is part
	// of the process key and is reported on received packets; sockets are
	// not bound to it and no multicast group is joined on it.
	Interface string `koanf:"interface"`

	// EtbTopoCount and OpTrnTopoCount are stamped onto every PD/MD header
	// this process emits and used to filter inbound traffic.
	EtbTopoCount   uint32 `koanf:"etb_topo_count"`
	OpTrnTopoCount uint32 `koanf:"op_trn_topo_count"`
}

// ProcessKey returns a unique identifier for the process based on
// (local, interface). Used for diffing sessions on SIGHUP reload.
func (pc ProcessConfig) ProcessKey() string {
	return pc.Local + "|" + pc.Interface
}

// LocalAddr parses the Local string as a netip.Addr.
func (pc ProcessConfig) LocalAddr() (netip.Addr, error) {
	if pc.Local == "" {
		return netip.Addr{}, fmt.Errorf("process local: %w", ErrInvalidProcessLocal)
	}
	addr, err := netip.ParseAddr(pc.Local)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parse process local %q: %w", pc.Local, err)
	}
	return addr, nil
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Admin: AdminConfig{
			Addr: ":50051",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		TRDP: TRDPConfig{
			TrafficStoreSize:      65536,
			MaxNumSessions:        20,
			DefaultReplyTimeout:   1 * time.Second,
			DefaultConfirmTimeout: 1 * time.Second,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for trdpd configuration.
// Variables are named TRDPD_<section>_<key>, e.g., TRDPD_ADMIN_ADDR.
const envPrefix = "TRDPD_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (TRDPD_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms TRDPD_ADMIN_ADDR -> admin.addr.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"admin.addr":                   defaults.Admin.Addr,
		"metrics.addr":                 defaults.Metrics.Addr,
		"metrics.path":                 defaults.Metrics.Path,
		"log.level":                    defaults.Log.Level,
		"log.format":                   defaults.Log.Format,
		"trdp.traffic_store_size":      defaults.TRDP.TrafficStoreSize,
		"trdp.max_num_sessions":        defaults.TRDP.MaxNumSessions,
		"trdp.default_reply_timeout":   defaults.TRDP.DefaultReplyTimeout.String(),
		"trdp.default_confirm_timeout": defaults.TRDP.DefaultConfirmTimeout.String(),
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyAdminAddr indicates the admin API listen address is empty.
	ErrEmptyAdminAddr = errors.New("admin.addr must not be empty")

	// ErrInvalidTrafficStoreSize indicates the Traffic Store size is non-positive.
	ErrInvalidTrafficStoreSize = errors.New("trdp.traffic_store_size must be > 0")

	// ErrInvalidProcessLocal indicates a process entry has no local address.
	ErrInvalidProcessLocal = errors.New("process local address is invalid")

	// ErrDuplicateProcessKey indicates two process entries share the same
	// (local, interface) key.
	ErrDuplicateProcessKey = errors.New("duplicate process key")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Admin.Addr == "" {
		return ErrEmptyAdminAddr
	}

	if cfg.TRDP.TrafficStoreSize <= 0 {
		return ErrInvalidTrafficStoreSize
	}

	if err := validateProcesses(cfg.Sessions); err != nil {
		return err
	}

	return nil
}

// validateProcesses checks each declarative process entry for correctness.
func validateProcesses(processes []ProcessConfig) error {
	seen := make(map[string]struct{}, len(processes))

	for i, pc := range processes {
		if _, err := pc.LocalAddr(); err != nil {
			return fmt.Errorf("sessions[%d]: %w: %w", i, ErrInvalidProcessLocal, err)
		}

		key := pc.ProcessKey()
		if _, dup := seen[key]; dup {
			return fmt.Errorf("sessions[%d] key %q: %w", i, key, ErrDuplicateProcessKey)
		}
		seen[key] = struct{}{}
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
