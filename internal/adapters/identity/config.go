package identity

import (
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// Config selects the inputs and algorithm of the identity fingerprint.
type Config struct {
	IdentityFile      string            `yaml:"identity_file"`
	HashAlgorithm     string            `yaml:"hash_algorithm"`
	IncludeSystemInfo *bool             `yaml:"include_system_info"`
	Files             map[string]string `yaml:"files"`
	Custom            map[string]string `yaml:"custom"`
}

func (c *Config) ApplyDefaults() {
	if c.HashAlgorithm == "" {
		c.HashAlgorithm = "sha256"
	}
	if c.IncludeSystemInfo == nil {
		include := true
		c.IncludeSystemInfo = &include
	}
}

func (c *Config) Validate() error {
	if _, err := hasherFor(c.HashAlgorithm); err != nil {
		return err
	}
	for label, path := range c.Files {
		if label == "" || path == "" {
			return fmt.Errorf("identity.files: empty label or path")
		}
	}
	return nil
}

func (c *Config) includeSystemInfo() bool {
	return c.IncludeSystemInfo == nil || *c.IncludeSystemInfo
}

func hasherFor(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	case "sha3-256":
		return sha3.New256, nil
	case "blake2b-256":
		return func() hash.Hash {
			// only fails for keys longer than 64 bytes
			h, _ := blake2b.New256(nil)
			return h
		}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported hash algorithm %q", ErrConfig, algorithm)
	}
}
