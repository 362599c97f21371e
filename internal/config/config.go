package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration
type Config struct {
	API       APIConfig       `yaml:"api"`
	Database  DatabaseConfig  `yaml:"database"`
	Signaling SignalingConfig `yaml:"signaling"`
	Dialer    DialerConfig    `yaml:"dialer"`
	Auth      AuthConfig      `yaml:"auth"`
	Log       LogConfig       `yaml:"log"`
}

type APIConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	EnableCORS bool   `yaml:"enable_cors"`
}

type DatabaseConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// SignalingConfig configures the AMI connection to the PBX that the
// GoIP gateways are registered against.
type SignalingConfig struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	Username          string `yaml:"username"`
	Secret            string `yaml:"secret"`
	ReconnectInterval int    `yaml:"reconnect_interval"` // seconds
}

type DialerConfig struct {
	MaxConcurrentDials int `yaml:"max_concurrent_dials"` // worker pool bound per job
	DialTimeoutSec     int `yaml:"dial_timeout"`         // per-call originate timeout (seconds)
	TestCallCeilingSec int `yaml:"test_call_ceiling"`    // hard release ceiling for test calls (seconds)
	ReclaimMaxAgeSec   int `yaml:"reclaim_max_age"`      // stale call age before forced release (seconds)
	ContactMaxAttempts int `yaml:"contact_max_attempts"` // re-queue cap before a contact is skipped
}

type AuthConfig struct {
	Secret string `yaml:"secret"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads the YAML configuration file and applies env overrides
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("error parsing YAML: %w", err)
	}

	overrideWithEnv(&cfg)
	applyDefaults(&cfg)

	return &cfg, nil
}

// overrideWithEnv lets deployment secrets override the file values
func overrideWithEnv(cfg *Config) {
	if v := os.Getenv("FLOWDIALER_DB_USERNAME"); v != "" {
		cfg.Database.Username = v
	}
	if v := os.Getenv("FLOWDIALER_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("FLOWDIALER_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("FLOWDIALER_DB_DATABASE"); v != "" {
		cfg.Database.Database = v
	}
	if v := os.Getenv("FLOWDIALER_AMI_USERNAME"); v != "" {
		cfg.Signaling.Username = v
	}
	if v := os.Getenv("FLOWDIALER_AMI_SECRET"); v != "" {
		cfg.Signaling.Secret = v
	}
	if v := os.Getenv("FLOWDIALER_AUTH_SECRET"); v != "" {
		cfg.Auth.Secret = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Dialer.MaxConcurrentDials <= 0 {
		cfg.Dialer.MaxConcurrentDials = 16
	}
	if cfg.Dialer.DialTimeoutSec <= 0 {
		cfg.Dialer.DialTimeoutSec = 45
	}
	if cfg.Dialer.TestCallCeilingSec <= 0 {
		cfg.Dialer.TestCallCeilingSec = 60
	}
	if cfg.Dialer.ReclaimMaxAgeSec <= 0 {
		cfg.Dialer.ReclaimMaxAgeSec = 300
	}
	if cfg.Dialer.ContactMaxAttempts <= 0 {
		cfg.Dialer.ContactMaxAttempts = 3
	}
	if cfg.Signaling.ReconnectInterval <= 0 {
		cfg.Signaling.ReconnectInterval = 5
	}
}

// Address returns the full API listen address
func (a APIConfig) Address() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// Address returns the full AMI address
func (s SignalingConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DSN returns the MySQL Data Source Name
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4",
		d.Username, d.Password, d.Host, d.Port, d.Database)
}

// DialTimeout returns the per-call originate timeout
func (d DialerConfig) DialTimeout() time.Duration {
	return time.Duration(d.DialTimeoutSec) * time.Second
}

// TestCallCeiling returns the hard release ceiling for test calls
func (d DialerConfig) TestCallCeiling() time.Duration {
	return time.Duration(d.TestCallCeilingSec) * time.Second
}

// ReclaimMaxAge returns the stale call age before forced release
func (d DialerConfig) ReclaimMaxAge() time.Duration {
	return time.Duration(d.ReclaimMaxAgeSec) * time.Second
}
