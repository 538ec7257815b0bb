// Package config loads and validates the clinaudit configuration from
// <config-dir>/config.yaml.
//
// The config defines:
//   - Storage location of the audit database
//   - Capture behaviour (queue, redaction, static compliance tags)
//   - Risk scoring parameters
//   - Nightly job schedule
//   - Archive sink (local directory or S3)
//   - Alert webhooks
//   - Operator API bind address
//
// Relative paths are resolved against the directory holding config.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"

	"github.com/clinaudit/clinaudit/internal/alert"
	"github.com/clinaudit/clinaudit/internal/audit"
	"github.com/clinaudit/clinaudit/internal/nightly"
	"github.com/clinaudit/clinaudit/internal/risk"
)

// File names inside the config directory.
const (
	ConfigFile   = "config.yaml"
	PoliciesFile = "policies.yaml"
)

// Config is the top-level configuration.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Capture CaptureConfig `yaml:"capture"`
	Risk    RiskConfig    `yaml:"risk"`
	Nightly NightlyConfig `yaml:"nightly"`
	Archive ArchiveConfig `yaml:"archive"`
	Alerts  AlertsConfig  `yaml:"alerts"`
	Server  ServerConfig  `yaml:"server"`
}

// StorageConfig locates the SQLite database.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// CaptureConfig controls the audit recorder.
//
// Synchronous=false (default): Record returns immediately and the append
// happens on a worker; failures are logged and counted, never surfaced to
// the audited operation. Synchronous=true: callers use RecordSync and see
// append failures.
type CaptureConfig struct {
	QueueSize         int      `yaml:"queueSize"`
	Workers           int      `yaml:"workers"`
	Synchronous       bool     `yaml:"synchronous"`
	PayloadLimitBytes int      `yaml:"payloadLimitBytes"`
	SecretKeys        []string `yaml:"secretKeys"`
	ComplianceTags    []string `yaml:"complianceTags"`
}

// RiskConfig parameterizes the risk scorer.
type RiskConfig struct {
	SensitiveEndpoints []string      `yaml:"sensitiveEndpoints"`
	BusinessHours      BusinessHours `yaml:"businessHours"`
	BulkThreshold      int           `yaml:"bulkThreshold"`
	// Timezone for the after-hours rule; "Local" is the process zone.
	Timezone string `yaml:"timezone"`
}

// BusinessHours is the half-open hour range [Start, End).
type BusinessHours struct {
	Start int `yaml:"start"`
	End   int `yaml:"end"`
}

// NightlyConfig schedules the maintenance job.
type NightlyConfig struct {
	Enabled     bool          `yaml:"enabled"`
	At          string        `yaml:"at"`
	Timezone    string        `yaml:"timezone"`
	StepTimeout time.Duration `yaml:"stepTimeout"`
	LeaseTTL    time.Duration `yaml:"leaseTTL"`
	ReportDir   string        `yaml:"reportDir"`
}

// ArchiveConfig selects where archived events are copied.
type ArchiveConfig struct {
	Sink      string   `yaml:"sink"` // "file" or "s3"
	Dir       string   `yaml:"dir"`
	BatchSize int      `yaml:"batchSize"`
	S3        S3Config `yaml:"s3"`
}

// S3Config is used when Sink is "s3". Credentials come from the standard
// AWS environment and shared config files.
type S3Config struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty"`
	KMSKeyID string `yaml:"kmsKeyId,omitempty"`
}

// AlertsConfig lists alert destinations besides the log and the dashboard.
type AlertsConfig struct {
	Webhooks []alert.WebhookConfig `yaml:"webhooks"`
}

// ServerConfig defines where the operator API listens.
// Default: 127.0.0.1:3200 (loopback only).
type ServerConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Dashboard bool   `yaml:"dashboard"`
}

// Addr is host:port.
func (s ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// Location resolves a zone name; "" and "Local" mean the process zone.
func Location(name string) (*time.Location, error) {
	if name == "" || name == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(name)
}

// Load reads and parses config.yaml from the given path.
// If the file doesn't exist, returns defaults (not an error).
// Invalid YAML or validation failures return an error.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

// LoadDir loads config.yaml from dir.
func LoadDir(dir string) (*Config, error) {
	return Load(filepath.Join(dir, ConfigFile))
}

func (c *Config) resolvePaths(dir string) {
	for _, p := range []*string{&c.Storage.Path, &c.Nightly.ReportDir, &c.Archive.Dir} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
}

// WriteDefault writes a default config.yaml with all fields populated
// and a comment header.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# clinaudit configuration
#
# storage.path:        SQLite audit database (relative to this directory)
# capture:             recorder queue and workers; synchronous=true surfaces
#                      append failures to callers; secretKeys are redacted from
#                      request snapshots; complianceTags are added to every event
# risk:                sensitive endpoint globs, business hours [start, end),
#                      bulk threshold, timezone for the after-hours rule
# nightly:             daily verify/archive/purge/report run at "at" (HH:MM)
# archive.sink:        "file" (archive.dir) or "s3" (archive.s3.*)
# alerts.webhooks:     url, format (generic|slack), headers, minSeverity
# server:              operator API bind address (loopback by default)
#
# Retention policies are declared in policies.yaml next to this file.

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// applyDefaults returns a Config with all fields set to their default values.
func applyDefaults() *Config {
	return &Config{
		Storage: StorageConfig{Path: "audit.db"},
		Capture: CaptureConfig{
			QueueSize:         1024,
			Workers:           1,
			PayloadLimitBytes: audit.DefaultPayloadLimit,
			SecretKeys:        append([]string(nil), audit.DefaultSecretKeys...),
			ComplianceTags:    []string{"HIPAA"},
		},
		Risk: RiskConfig{
			SensitiveEndpoints: append([]string(nil), risk.DefaultSensitiveEndpoints...),
			BusinessHours:      BusinessHours{Start: risk.DefaultBusinessStart, End: risk.DefaultBusinessEnd},
			BulkThreshold:      risk.DefaultBulkThreshold,
			Timezone:           "Local",
		},
		Nightly: NightlyConfig{
			Enabled:     true,
			At:          "02:00",
			Timezone:    "Local",
			StepTimeout: 30 * time.Minute,
			LeaseTTL:    2 * time.Hour,
			ReportDir:   "reports",
		},
		Archive: ArchiveConfig{
			Sink:      "file",
			Dir:       "archive",
			BatchSize: 500,
		},
		Server: ServerConfig{
			Host:      "127.0.0.1",
			Port:      3200,
			Dashboard: true,
		},
	}
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return fmt.Errorf("storage.path must not be empty")
	}

	if cfg.Capture.QueueSize < 1 {
		return fmt.Errorf("capture.queueSize must be positive")
	}
	if cfg.Capture.Workers < 1 {
		return fmt.Errorf("capture.workers must be positive")
	}
	if cfg.Capture.PayloadLimitBytes < 0 {
		return fmt.Errorf("capture.payloadLimitBytes must be non-negative")
	}
	if err := checkGlobs("capture.secretKeys", cfg.Capture.SecretKeys); err != nil {
		return err
	}

	if err := checkGlobs("risk.sensitiveEndpoints", cfg.Risk.SensitiveEndpoints); err != nil {
		return err
	}
	bh := cfg.Risk.BusinessHours
	if bh.Start < 0 || bh.End > 24 || bh.Start >= bh.End {
		return fmt.Errorf("risk.businessHours [%d, %d) is not a valid hour range", bh.Start, bh.End)
	}
	if cfg.Risk.BulkThreshold < 1 {
		return fmt.Errorf("risk.bulkThreshold must be positive")
	}
	if _, err := Location(cfg.Risk.Timezone); err != nil {
		return fmt.Errorf("risk.timezone: %w", err)
	}

	if _, err := nightly.ParseDaily(cfg.Nightly.At, cfg.Nightly.Timezone); err != nil {
		return fmt.Errorf("nightly: %w", err)
	}
	if cfg.Nightly.StepTimeout <= 0 {
		return fmt.Errorf("nightly.stepTimeout must be positive")
	}
	if cfg.Nightly.LeaseTTL < cfg.Nightly.StepTimeout {
		return fmt.Errorf("nightly.leaseTTL must be at least nightly.stepTimeout")
	}

	switch cfg.Archive.Sink {
	case "file":
		if cfg.Archive.Dir == "" {
			return fmt.Errorf("archive.dir is required for the file sink")
		}
	case "s3":
		if cfg.Archive.S3.Bucket == "" {
			return fmt.Errorf("archive.s3.bucket is required for the s3 sink")
		}
	default:
		return fmt.Errorf("archive.sink %q must be file or s3", cfg.Archive.Sink)
	}
	if cfg.Archive.BatchSize < 1 {
		return fmt.Errorf("archive.batchSize must be positive")
	}

	for i, wh := range cfg.Alerts.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("alerts.webhooks[%d]: url is required", i)
		}
		if wh.Format != "" && wh.Format != "generic" && wh.Format != "slack" {
			return fmt.Errorf("alerts.webhooks[%d]: unknown format %q", i, wh.Format)
		}
	}

	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}
	return nil
}

func checkGlobs(field string, patterns []string) error {
	for _, p := range patterns {
		if _, err := glob.Compile(strings.ToLower(p)); err != nil {
			return fmt.Errorf("%s: invalid pattern %q: %w", field, p, err)
		}
	}
	return nil
}
