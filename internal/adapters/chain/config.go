package chain

import (
	"fmt"
	"sort"
	"time"

	"github.com/jasonlarkin/qr-live-protocol/internal/ports"
)

type Endpoint struct {
	Kind string `yaml:"kind"`
	URL  string `yaml:"url"`
}

type Config struct {
	EnabledChains  []string              `yaml:"enabled_chains"`
	CacheDuration  time.Duration         `yaml:"cache_duration"`
	Timeout        time.Duration         `yaml:"timeout"`
	AttemptTimeout time.Duration         `yaml:"attempt_timeout"`
	RetryAttempts  int                   `yaml:"retry_attempts"`
	RetryBackoff   time.Duration         `yaml:"retry_backoff"`
	Endpoints      map[string][]Endpoint `yaml:"endpoints"`
}

// DefaultEndpoints lists the public APIs tried for each known chain, in order.
var DefaultEndpoints = map[string][]Endpoint{
	"bitcoin": {
		{Kind: KindEsplora, URL: "https://blockstream.info/api"},
		{Kind: KindEsplora, URL: "https://mempool.space/api"},
		{Kind: KindBlockcypher, URL: "https://api.blockcypher.com/v1/btc/main"},
	},
	"ethereum": {
		{Kind: KindBlockcypher, URL: "https://api.blockcypher.com/v1/eth/main"},
		{Kind: KindJSONRPC, URL: "https://ethereum-rpc.publicnode.com"},
	},
	"litecoin": {
		{Kind: KindBlockcypher, URL: "https://api.blockcypher.com/v1/ltc/main"},
		{Kind: KindEsplora, URL: "https://litecoinspace.org/api"},
	},
}

func (c *Config) ApplyDefaults() {
	if c.EnabledChains == nil {
		c.EnabledChains = []string{"bitcoin", "ethereum", "litecoin"}
	}
	if c.CacheDuration == 0 {
		c.CacheDuration = 300 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
	if c.AttemptTimeout == 0 {
		c.AttemptTimeout = c.Timeout
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
}

func (c *Config) Validate() error {
	if c.CacheDuration <= 0 {
		return fmt.Errorf("blockchain.cache_duration must be > 0")
	}
	if c.Timeout <= 0 || c.AttemptTimeout <= 0 {
		return fmt.Errorf("blockchain.timeout must be > 0")
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("blockchain.retry_attempts must be >= 1")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("blockchain.retry_backoff must be >= 0")
	}
	_, err := c.Providers()
	return err
}

// Providers resolves the ordered provider list of every enabled chain.
// A chain with neither built-in nor configured endpoints is an error.
func (c *Config) Providers() (map[string][]ports.ChainProvider, error) {
	out := make(map[string][]ports.ChainProvider, len(c.EnabledChains))
	for _, name := range c.EnabledChains {
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("blockchain: chain %q enabled twice", name)
		}
		eps, ok := c.Endpoints[name]
		if !ok {
			eps, ok = DefaultEndpoints[name]
		}
		if !ok || len(eps) == 0 {
			return nil, fmt.Errorf("blockchain: unknown chain %q (known: %v)", name, knownChains())
		}
		list := make([]ports.ChainProvider, 0, len(eps))
		for _, ep := range eps {
			p, err := NewProvider(name, ep)
			if err != nil {
				return nil, err
			}
			list = append(list, p)
		}
		out[name] = list
	}
	return out, nil
}

func knownChains() []string {
	names := make([]string, 0, len(DefaultEndpoints))
	for n := range DefaultEndpoints {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
