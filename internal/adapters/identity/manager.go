// Package identity maintains the fingerprint that ties payloads to the
// instance that produced them.
package identity

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jasonlarkin/qr-live-protocol/internal/adapters/observability"
	"github.com/jasonlarkin/qr-live-protocol/internal/domain"
	"github.com/jasonlarkin/qr-live-protocol/internal/ports"
)

const infoVersion = "1.0"

var (
	// ErrNotFound is returned for missing files and unknown labels.
	ErrNotFound = errors.New("identity: not found")
	// ErrIO wraps read and write failures on identity inputs.
	ErrIO = errors.New("identity: i/o failure")
	// ErrConfig marks invalid identity configuration.
	ErrConfig = errors.New("identity: invalid config")
	// ErrIntegrity is returned when an imported identity does not match its recorded hash.
	ErrIntegrity = errors.New("identity: hash mismatch")
)

type Stats struct {
	HashGenerations   uint64 `json:"hash_generations"`
	FileReads         uint64 `json:"file_reads"`
	SystemInfoQueries uint64 `json:"system_info_queries"`
	FileCount         int    `json:"file_count"`
	CustomCount       int    `json:"custom_count"`
}

type Option func(*Manager)

// WithClock overrides the creation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithSystemInfo replaces host detection with fixed descriptors.
func WithSystemInfo(info map[string]string) Option {
	return func(m *Manager) {
		m.systemInfo = func() map[string]string {
			out := make(map[string]string, len(info))
			for k, v := range info {
				out[k] = v
			}
			return out
		}
	}
}

// Manager owns the identity inputs. The digest is recomputed lazily after
// any mutation.
type Manager struct {
	mu         sync.Mutex
	info       domain.IdentityInfo
	newHash    func() hash.Hash
	digest     string
	dirty      bool
	stats      Stats
	obs        ports.Observability
	now        func() time.Time
	systemInfo func() map[string]string
}

// New builds a manager from cfg. An existing identity file is imported,
// otherwise a fresh identity is created and, when a path is configured,
// exported so restarts keep the same fingerprint.
func New(cfg Config, obs ports.Observability, opts ...Option) (*Manager, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	newHash, _ := hasherFor(cfg.HashAlgorithm)
	if obs == nil {
		obs = observability.Nop{}
	}

	m := &Manager{
		newHash:    newHash,
		obs:        obs,
		now:        time.Now,
		systemInfo: collectSystemInfo,
		dirty:      true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	loaded := false
	if cfg.IdentityFile != "" {
		err := m.Import(cfg.IdentityFile)
		switch {
		case err == nil:
			loaded = true
		case errors.Is(err, ErrNotFound):
		default:
			return nil, err
		}
	}

	if !loaded {
		sys := map[string]string{}
		if cfg.includeSystemInfo() {
			sys = m.systemInfo()
			m.stats.SystemInfoQueries++
		}
		m.info = domain.IdentityInfo{
			Version:    infoVersion,
			Algorithm:  cfg.HashAlgorithm,
			CreatedAt:  m.now().UTC(),
			SystemInfo: sys,
			FileHashes: map[string]string{},
			CustomData: map[string]string{},
		}
	}

	for label, path := range cfg.Files {
		if err := m.AddFile(path, label); err != nil {
			return nil, err
		}
	}
	if len(cfg.Custom) > 0 {
		m.UpdateCustomData(cfg.Custom)
	}

	if !loaded && cfg.IdentityFile != "" {
		if err := m.Export(cfg.IdentityFile); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Hash returns the identity digest, recomputing it only if an input changed.
func (m *Manager) Hash() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hashLocked()
}

func (m *Manager) hashLocked() string {
	if !m.dirty {
		return m.digest
	}
	d, err := digest(m.info, m.newHash)
	if err != nil {
		// maps of strings always marshal
		m.obs.LogCritical("identity_digest_failed", err)
		return m.digest
	}
	m.digest = d
	m.dirty = false
	m.stats.HashGenerations++
	return m.digest
}

// AddFile hashes the file at path and records it under label. The file is
// hashed again if an Import switched algorithms while it was being read.
func (m *Manager) AddFile(path, label string) error {
	m.mu.Lock()
	algo, newHash := m.info.Algorithm, m.newHash
	m.mu.Unlock()

	for {
		sum, err := hashFile(path, newHash)
		if err != nil {
			return err
		}
		m.mu.Lock()
		m.stats.FileReads++
		if m.info.Algorithm != algo {
			algo, newHash = m.info.Algorithm, m.newHash
			m.mu.Unlock()
			continue
		}
		m.info.FileHashes[label] = sum
		m.dirty = true
		m.mu.Unlock()
		m.obs.LogInfo("identity_file_added", ports.Field{Key: "label", Value: label})
		return nil
	}
}

func hashFile(path string, newHash func() hash.Hash) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return "", fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer f.Close()

	h := newHash()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("%w: read %s: %v", ErrIO, path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// RemoveFile drops a file input. Unknown labels return ErrNotFound.
func (m *Manager) RemoveFile(label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.info.FileHashes[label]; !ok {
		return fmt.Errorf("%w: label %q", ErrNotFound, label)
	}
	delete(m.info.FileHashes, label)
	m.dirty = true
	return nil
}

// UpdateCustomData merges data into the custom inputs.
func (m *Manager) UpdateCustomData(data map[string]string) {
	if len(data) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range data {
		m.info.CustomData[k] = v
	}
	m.dirty = true
}

// Info returns a copy of the inputs with the current digest filled in.
func (m *Manager) Info() domain.IdentityInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.info.Clone()
	out.IdentityHash = m.hashLocked()
	return out
}

// Export writes the full identity to path. The file is replaced atomically.
func (m *Manager) Export(path string) error {
	info := m.Info()
	raw, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(path, raw); err != nil {
		return fmt.Errorf("%w: export %s: %v", ErrIO, path, err)
	}
	return nil
}

// Import replaces the identity with the contents of path. On any failure
// the current identity is left untouched.
func (m *Manager) Import(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	var info domain.IdentityInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrIO, path, err)
	}
	if info.CreatedAt.IsZero() {
		return fmt.Errorf("%w: %s has no created_at", ErrIO, path)
	}
	if info.Algorithm == "" {
		info.Algorithm = "sha256"
	}
	newHash, err := hasherFor(info.Algorithm)
	if err != nil {
		return err
	}
	if info.Version == "" {
		info.Version = infoVersion
	}
	info = info.Clone()

	d, err := digest(info, newHash)
	if err != nil {
		return err
	}
	if info.IdentityHash != "" && info.IdentityHash != d {
		return fmt.Errorf("%w: %s records %s, inputs hash to %s", ErrIntegrity, path, info.IdentityHash, d)
	}
	info.IdentityHash = ""

	m.mu.Lock()
	defer m.mu.Unlock()
	m.info = info
	m.newHash = newHash
	m.digest = d
	m.dirty = false
	m.stats.HashGenerations++
	return nil
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.FileCount = len(m.info.FileHashes)
	s.CustomCount = len(m.info.CustomData)
	return s
}

// digest hashes the canonical form of info. encoding/json writes map keys
// in sorted order, which makes the result independent of insertion order.
func digest(info domain.IdentityInfo, newHash func() hash.Hash) (string, error) {
	sys, err := json.Marshal(nonNil(info.SystemInfo))
	if err != nil {
		return "", err
	}
	files, err := json.Marshal(nonNil(info.FileHashes))
	if err != nil {
		return "", err
	}
	custom, err := json.Marshal(nonNil(info.CustomData))
	if err != nil {
		return "", err
	}

	h := newHash()
	fmt.Fprintf(h, "system:%s|files:%s|custom:%s|created:%s",
		sys, files, custom, info.CreatedAt.UTC().Format(time.RFC3339Nano))
	return hex.EncodeToString(h.Sum(nil)), nil
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".identity-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
