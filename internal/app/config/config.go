package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jasonlarkin/qr-live-protocol/internal/adapters/chain"
	"github.com/jasonlarkin/qr-live-protocol/internal/adapters/identity"
	"github.com/jasonlarkin/qr-live-protocol/internal/adapters/render"
	"github.com/jasonlarkin/qr-live-protocol/internal/adapters/timesync"
	"github.com/jasonlarkin/qr-live-protocol/internal/ports"
)

const defaultMaxTimeDrift = 30 * time.Second

type Config struct {
	UpdateInterval time.Duration      `yaml:"update_interval"`
	Time           timesync.Config    `yaml:"time"`
	Blockchain     chain.Config       `yaml:"blockchain"`
	Identity       identity.Config    `yaml:"identity"`
	Verification   VerificationConfig `yaml:"verification"`
	QR             render.Config      `yaml:"qr"`
	Metrics        MetricsConfig      `yaml:"metrics"`
	Journal        JournalConfig      `yaml:"journal"`
	Archive        ArchiveConfig      `yaml:"archive"`
	Policy         ports.Policy       `yaml:"policy"`
}

// VerificationConfig bounds payload checks. An unset max_time_drift
// defaults to 30s; an explicit 0 demands an exact timestamp match.
type VerificationConfig struct {
	MaxTimeDrift           *time.Duration `yaml:"max_time_drift"`
	RequireAtLeastOneChain bool           `yaml:"require_at_least_one_chain"`
}

// Drift returns the configured maximum timestamp drift.
func (v VerificationConfig) Drift() time.Duration {
	if v.MaxTimeDrift == nil {
		return defaultMaxTimeDrift
	}
	return *v.MaxTimeDrift
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// JournalConfig enables the on-disk payload journal when Dir is set.
type JournalConfig struct {
	Dir string `yaml:"dir"`
}

// ArchiveConfig enables the Postgres archive when ConnString is set.
type ArchiveConfig struct {
	ConnString string `yaml:"conn_string"`
	Table      string `yaml:"table"`
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns a validated configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// Validate applies defaults and checks cfg. It is meant for configs built
// in code rather than loaded from YAML.
func (c *Config) Validate() error {
	c.applyDefaults()
	return c.validate()
}

func (c *Config) applyDefaults() {
	if c.UpdateInterval == 0 {
		c.UpdateInterval = 5 * time.Second
	}
	if c.Verification.MaxTimeDrift == nil {
		d := defaultMaxTimeDrift
		c.Verification.MaxTimeDrift = &d
	}
	if c.Policy.MaxJournalSizeBytes == 0 {
		c.Policy.MaxJournalSizeBytes = 1 << 30
	}
	if c.Policy.MaxQueueLen == 0 {
		c.Policy.MaxQueueLen = 10_000
	}
	if c.Policy.MaxBatchSize == 0 {
		c.Policy.MaxBatchSize = 500
	}
	if c.Policy.IdleSleep == 0 {
		c.Policy.IdleSleep = 50 * time.Millisecond
	}
	if c.Policy.OnQueueFull == "" {
		c.Policy.OnQueueFull = "drop"
	}
	if c.Policy.OnJournalFull == "" {
		c.Policy.OnJournalFull = "drop"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9100"
	}
	if c.Archive.Table == "" {
		c.Archive.Table = "qr_payloads"
	}

	c.Time.ApplyDefaults()
	c.Blockchain.ApplyDefaults()
	c.Identity.ApplyDefaults()
	c.QR.ApplyDefaults()
}

func (c *Config) validate() error {
	if c.UpdateInterval <= 0 {
		return fmt.Errorf("update_interval must be > 0")
	}
	if c.Verification.Drift() < 0 {
		return fmt.Errorf("verification.max_time_drift must be >= 0")
	}
	if err := c.Time.Validate(); err != nil {
		return fmt.Errorf("time config: %w", err)
	}
	if err := c.Blockchain.Validate(); err != nil {
		return fmt.Errorf("blockchain config: %w", err)
	}
	if err := c.Identity.Validate(); err != nil {
		return fmt.Errorf("identity config: %w", err)
	}
	if err := c.QR.Validate(); err != nil {
		return fmt.Errorf("qr config: %w", err)
	}
	if err := validatePolicy(c.Policy); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	if c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required")
	}
	if c.Archive.ConnString != "" && c.Journal.Dir == "" {
		return fmt.Errorf("archive.conn_string requires journal.dir")
	}
	return nil
}

func validatePolicy(p ports.Policy) error {
	if p.MaxQueueLen <= 0 {
		return fmt.Errorf("max_queue_len must be > 0")
	}
	if p.MaxBatchSize <= 0 {
		return fmt.Errorf("max_batch_size must be > 0")
	}
	if p.IdleSleep <= 0 {
		return fmt.Errorf("idle_sleep must be > 0")
	}
	for name, v := range map[string]string{"on_queue_full": p.OnQueueFull, "on_journal_full": p.OnJournalFull} {
		if v != "block" && v != "drop" {
			return fmt.Errorf("%s must be block or drop, got %q", name, v)
		}
	}
	return nil
}
