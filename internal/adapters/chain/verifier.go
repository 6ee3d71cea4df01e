// Package chain tracks the current head block of a set of public chains.
package chain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jasonlarkin/qr-live-protocol/internal/adapters/observability"
	"github.com/jasonlarkin/qr-live-protocol/internal/domain"
	"github.com/jasonlarkin/qr-live-protocol/internal/ports"
)

// backoffPrimes scales the pause between retry passes.
var backoffPrimes = []int{1, 2, 3, 5, 11, 23}

type ChainStats struct {
	Requests    uint64    `json:"requests"`
	Successes   uint64    `json:"successes"`
	Failures    uint64    `json:"failures"`
	CacheHits   uint64    `json:"cache_hits"`
	LastSuccess time.Time `json:"last_success,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

type Stats struct {
	TotalRequests      uint64                `json:"total_requests"`
	SuccessfulRequests uint64                `json:"successful_requests"`
	FailedRequests     uint64                `json:"failed_requests"`
	CacheHits          uint64                `json:"cache_hits"`
	CachedChains       int                   `json:"cached_chains"`
	Chains             map[string]ChainStats `json:"chains"`
}

// Verifier caches one head per chain. Each chain refreshes independently;
// a failed refresh keeps serving the last good entry.
type Verifier struct {
	chains         []string
	providers      map[string][]ports.ChainProvider
	client         *http.Client
	cacheDuration  time.Duration
	timeout        time.Duration
	attemptTimeout time.Duration
	retries        int
	backoff        time.Duration
	obs            ports.Observability
	clock          func() time.Time

	mu    sync.RWMutex
	cache map[string]domain.BlockInfo
	stats map[string]*ChainStats

	// serializes refreshes of one chain so concurrent callers share a fetch
	flight map[string]*sync.Mutex
}

// NewVerifier validates cfg and resolves its providers.
func NewVerifier(cfg Config, client *http.Client, obs ports.Observability) (*Verifier, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	providers, err := cfg.Providers()
	if err != nil {
		return nil, err
	}
	return NewVerifierWithProviders(cfg, providers, client, obs)
}

// NewVerifierWithProviders uses explicit providers instead of the
// configured endpoints. Chains are refreshed in EnabledChains order.
func NewVerifierWithProviders(cfg Config, providers map[string][]ports.ChainProvider, client *http.Client, obs ports.Observability) (*Verifier, error) {
	cfg.ApplyDefaults()
	if obs == nil {
		obs = observability.Nop{}
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	v := &Verifier{
		providers:      providers,
		client:         client,
		cacheDuration:  cfg.CacheDuration,
		timeout:        cfg.Timeout,
		attemptTimeout: cfg.AttemptTimeout,
		retries:        cfg.RetryAttempts,
		backoff:        cfg.RetryBackoff,
		obs:            obs,
		clock:          time.Now,
		cache:          map[string]domain.BlockInfo{},
		stats:          map[string]*ChainStats{},
		flight:         map[string]*sync.Mutex{},
	}
	for _, name := range cfg.EnabledChains {
		if len(providers[name]) == 0 {
			return nil, fmt.Errorf("blockchain: no providers for chain %q", name)
		}
		v.chains = append(v.chains, name)
		v.stats[name] = &ChainStats{}
		v.flight[name] = &sync.Mutex{}
	}
	return v, nil
}

// Chains returns the enabled chain names.
func (v *Verifier) Chains() []string {
	return append([]string(nil), v.chains...)
}

// Hashes returns chain -> hash for every chain with a cached entry,
// refreshing stale ones first. Each chain refresh is bounded by the
// configured timeout; chains that never succeeded are omitted.
func (v *Verifier) Hashes(ctx context.Context) map[string]string {
	var stale []string
	v.mu.Lock()
	now := v.clock()
	for _, name := range v.chains {
		if entry, ok := v.cache[name]; ok && entry.Age(now) <= v.cacheDuration {
			v.stats[name].CacheHits++
			continue
		}
		stale = append(stale, name)
	}
	v.mu.Unlock()

	v.refreshAll(ctx, stale, false)

	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]string, len(v.cache))
	for name, entry := range v.cache {
		out[name] = entry.Hash
	}
	return out
}

// ForceUpdate refreshes every enabled chain regardless of cache age and
// returns the resulting hashes.
func (v *Verifier) ForceUpdate(ctx context.Context) map[string]string {
	v.refreshAll(ctx, v.chains, true)
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]string, len(v.cache))
	for name, entry := range v.cache {
		out[name] = entry.Hash
	}
	return out
}

func (v *Verifier) refreshAll(ctx context.Context, chains []string, force bool) {
	var wg sync.WaitGroup
	for _, name := range chains {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, v.timeout)
			defer cancel()
			v.refresh(cctx, name, force)
		}(name)
	}
	wg.Wait()
}

func (v *Verifier) refresh(ctx context.Context, name string, force bool) {
	lock := v.flight[name]
	lock.Lock()
	defer lock.Unlock()

	if !force {
		// another caller may have refreshed while we waited
		v.mu.RLock()
		entry, ok := v.cache[name]
		fresh := ok && entry.Age(v.clock()) <= v.cacheDuration
		v.mu.RUnlock()
		if fresh {
			return
		}
	}

	info, attempts, err := v.fetch(ctx, name)

	v.mu.Lock()
	st := v.stats[name]
	st.Requests += uint64(attempts)
	if err != nil {
		st.Failures++
		st.LastError = err.Error()
	} else {
		st.Successes++
		st.LastSuccess = info.FetchedAt
		st.LastError = ""
		v.cache[name] = info
	}
	v.mu.Unlock()

	if err != nil {
		v.obs.IncCounter(observability.ChainFetches, 1, name, "failure")
		v.obs.LogWarn("chain_refresh_failed", err, ports.Field{Key: "chain", Value: name})
		return
	}
	v.obs.IncCounter(observability.ChainFetches, 1, name, "success")
}

// fetch walks the provider list up to retries times, stopping at the first
// success. It reports how many attempts were made.
func (v *Verifier) fetch(ctx context.Context, name string) (domain.BlockInfo, int, error) {
	var (
		errs     []error
		attempts int
	)
	for pass := 0; pass < v.retries; pass++ {
		if pass > 0 && !v.sleep(ctx, pass-1) {
			break
		}
		for _, p := range v.providers[name] {
			if ctx.Err() != nil {
				break
			}
			attempts++
			head, err := v.attempt(ctx, p)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
				continue
			}
			return domain.BlockInfo{
				Chain:     name,
				Hash:      head.Hash,
				Height:    head.Height,
				FetchedAt: v.clock(),
				Provider:  p.Name(),
			}, attempts, nil
		}
	}
	if ctx.Err() != nil {
		errs = append(errs, ctx.Err())
	}
	if len(errs) == 0 {
		errs = append(errs, errors.New("no attempt made"))
	}
	return domain.BlockInfo{}, attempts, fmt.Errorf("chain %s: %w", name, errors.Join(errs...))
}

func (v *Verifier) attempt(ctx context.Context, p ports.ChainProvider) (ports.BlockHead, error) {
	actx, cancel := context.WithTimeout(ctx, v.attemptTimeout)
	defer cancel()
	return p.Fetch(actx, v.client)
}

func (v *Verifier) sleep(ctx context.Context, idx int) bool {
	if v.backoff <= 0 {
		return ctx.Err() == nil
	}
	if idx >= len(backoffPrimes) {
		idx = len(backoffPrimes) - 1
	}
	t := time.NewTimer(time.Duration(backoffPrimes[idx]) * v.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Info returns the cached entry for one chain.
func (v *Verifier) Info(name string) (domain.BlockInfo, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	entry, ok := v.cache[name]
	return entry, ok
}

// AllInfo returns every cached entry.
func (v *Verifier) AllInfo() map[string]domain.BlockInfo {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]domain.BlockInfo, len(v.cache))
	for k, e := range v.cache {
		out[k] = e
	}
	return out
}

// VerifyHash is true iff hash matches the cached head of chain and that
// entry is no older than maxAge.
func (v *Verifier) VerifyHash(name, hash string, maxAge time.Duration) bool {
	v.mu.RLock()
	entry, ok := v.cache[name]
	v.mu.RUnlock()
	if !ok || hash == "" {
		return false
	}
	return strings.EqualFold(entry.Hash, hash) && entry.Age(v.clock()) <= maxAge
}

// CacheDuration is the staleness limit of cached entries.
func (v *Verifier) CacheDuration() time.Duration { return v.cacheDuration }

func (v *Verifier) Stats() Stats {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := Stats{Chains: make(map[string]ChainStats, len(v.stats)), CachedChains: len(v.cache)}
	for name, st := range v.stats {
		out.Chains[name] = *st
		out.TotalRequests += st.Requests
		out.SuccessfulRequests += st.Successes
		out.FailedRequests += st.Failures
		out.CacheHits += st.CacheHits
	}
	return out
}
