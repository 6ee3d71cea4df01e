package qrlp

import (
	"github.com/jasonlarkin/qr-live-protocol/internal/adapters/chain"
	"github.com/jasonlarkin/qr-live-protocol/internal/adapters/identity"
	"github.com/jasonlarkin/qr-live-protocol/internal/adapters/render"
	"github.com/jasonlarkin/qr-live-protocol/internal/adapters/timesync"
	"github.com/jasonlarkin/qr-live-protocol/internal/app/config"
	"github.com/jasonlarkin/qr-live-protocol/internal/ports"
)

// Config re-exports the root configuration struct so downstream projects can
// construct or modify it programmatically.
type Config = config.Config

type (
	// Policy bounds the archive journal and queue.
	Policy = ports.Policy
	// TimeConfig lists the NTP and HTTP time sources.
	TimeConfig = timesync.Config
	// BlockchainConfig selects chains, endpoints and cache/retry behaviour.
	BlockchainConfig = chain.Config
	// ChainEndpoint is one API tried when fetching a chain head.
	ChainEndpoint = chain.Endpoint
	// IdentityConfig selects identity inputs and the digest algorithm.
	IdentityConfig = identity.Config
	// VerificationConfig holds the payload verification policy.
	VerificationConfig = config.VerificationConfig
	// QRConfig configures the PNG renderer.
	QRConfig = render.Config
	// MetricsConfig configures the HTTP API and metrics listener.
	MetricsConfig = config.MetricsConfig
	// JournalConfig enables the on-disk payload journal.
	JournalConfig = config.JournalConfig
	// ArchiveConfig enables the Postgres archive.
	ArchiveConfig = config.ArchiveConfig
)

// LoadConfig loads YAML from disk using the internal config reader.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	return config.Default()
}
