package chain

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jasonlarkin/qr-live-protocol/internal/ports"
)

type stubProvider struct {
	chain string
	name  string

	mu    sync.Mutex
	hash  string
	err   error
	hang  bool
	calls int
}

func (s *stubProvider) Chain() string { return s.chain }
func (s *stubProvider) Name() string  { return s.name }

func (s *stubProvider) Fetch(ctx context.Context, _ *http.Client) (ports.BlockHead, error) {
	s.mu.Lock()
	s.calls++
	hash, err, hang := s.hash, s.err, s.hang
	s.mu.Unlock()
	if hang {
		<-ctx.Done()
		return ports.BlockHead{}, ctx.Err()
	}
	if err != nil {
		return ports.BlockHead{}, err
	}
	h := uint64(800000)
	return ports.BlockHead{Hash: hash, Height: &h}, nil
}

func (s *stubProvider) set(hash string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hash, s.err = hash, err
}

func (s *stubProvider) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestVerifier(t *testing.T, chains []string, providers map[string][]ports.ChainProvider) *Verifier {
	t.Helper()
	v, err := NewVerifierWithProviders(Config{
		EnabledChains: chains,
		CacheDuration: 300 * time.Second,
		Timeout:       200 * time.Millisecond,
		RetryAttempts: 2,
		RetryBackoff:  time.Millisecond,
	}, providers, nil, nil)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return v
}

func TestPartialFailureOmitsFailedChain(t *testing.T) {
	btc := &stubProvider{chain: "bitcoin", name: "btc-api", hash: "00000000000000000001abc"}
	eth := &stubProvider{chain: "ethereum", name: "eth-api", err: errors.New("503")}
	v := newTestVerifier(t, []string{"bitcoin", "ethereum"}, map[string][]ports.ChainProvider{
		"bitcoin":  {btc},
		"ethereum": {eth},
	})

	v.Hashes(context.Background())
	got := v.Hashes(context.Background())

	if len(got) != 1 || got["bitcoin"] != btc.hash {
		t.Fatalf("expected only bitcoin, got %v", got)
	}
	if _, ok := got["ethereum"]; ok {
		t.Fatalf("ethereum must be absent, got %v", got)
	}

	stats := v.Stats()
	if stats.Chains["ethereum"].Failures != 2 || stats.Chains["bitcoin"].Successes != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.Chains["bitcoin"].CacheHits != 1 {
		t.Fatalf("expected one bitcoin cache hit, got %d", stats.Chains["bitcoin"].CacheHits)
	}
}

func TestCacheHitWithinCacheDuration(t *testing.T) {
	btc := &stubProvider{chain: "bitcoin", name: "btc-api", hash: "aa"}
	v := newTestVerifier(t, []string{"bitcoin"}, map[string][]ports.ChainProvider{"bitcoin": {btc}})

	v.Hashes(context.Background())
	v.Hashes(context.Background())
	if btc.count() != 1 {
		t.Fatalf("expected one fetch within cache duration, got %d", btc.count())
	}

	now := time.Now()
	v.clock = func() time.Time { return now.Add(301 * time.Second) }
	v.Hashes(context.Background())
	if btc.count() != 2 {
		t.Fatalf("expected refetch once stale, got %d", btc.count())
	}
}

func TestEndpointFallbackAndRetryPasses(t *testing.T) {
	primary := &stubProvider{chain: "bitcoin", name: "primary", err: errors.New("down")}
	secondary := &stubProvider{chain: "bitcoin", name: "secondary", hash: "bb"}
	v := newTestVerifier(t, []string{"bitcoin"}, map[string][]ports.ChainProvider{"bitcoin": {primary, secondary}})

	got := v.Hashes(context.Background())
	if got["bitcoin"] != "bb" {
		t.Fatalf("expected secondary hash, got %v", got)
	}
	if info, _ := v.Info("bitcoin"); info.Provider != "secondary" || info.Height == nil {
		t.Fatalf("unexpected info %+v", info)
	}

	// both failing: two passes over two endpoints
	secondary.set("", errors.New("down"))
	primary.mu.Lock()
	primary.calls = 0
	primary.mu.Unlock()
	v.ForceUpdate(context.Background())
	if primary.count() != 2 {
		t.Fatalf("expected 2 passes over primary, got %d", primary.count())
	}
	if v.Stats().Chains["bitcoin"].Requests != 2+4 {
		t.Fatalf("expected 6 attempts in total, got %d", v.Stats().Chains["bitcoin"].Requests)
	}
}

func TestFailedRefreshServesStaleEntry(t *testing.T) {
	btc := &stubProvider{chain: "bitcoin", name: "btc-api", hash: "cc"}
	v := newTestVerifier(t, []string{"bitcoin"}, map[string][]ports.ChainProvider{"bitcoin": {btc}})
	v.Hashes(context.Background())

	btc.set("", errors.New("down"))
	now := time.Now()
	v.clock = func() time.Time { return now.Add(time.Hour) }

	got := v.Hashes(context.Background())
	if got["bitcoin"] != "cc" {
		t.Fatalf("expected stale value to be served, got %v", got)
	}
	if v.VerifyHash("bitcoin", "cc", 300*time.Second) {
		t.Fatalf("stale entry must not verify within max age")
	}
}

func TestHungChainDoesNotBlockOthers(t *testing.T) {
	btc := &stubProvider{chain: "bitcoin", name: "btc-api", hash: "dd"}
	eth := &stubProvider{chain: "ethereum", name: "eth-api", hang: true}
	v := newTestVerifier(t, []string{"bitcoin", "ethereum"}, map[string][]ports.ChainProvider{
		"bitcoin":  {btc},
		"ethereum": {eth},
	})

	start := time.Now()
	got := v.Hashes(context.Background())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("refresh not bounded by timeout: %s", elapsed)
	}
	if got["bitcoin"] != "dd" || len(got) != 1 {
		t.Fatalf("unexpected hashes %v", got)
	}
}

func TestVerifyHash(t *testing.T) {
	btc := &stubProvider{chain: "bitcoin", name: "btc-api", hash: "ABCDEF"}
	v := newTestVerifier(t, []string{"bitcoin"}, map[string][]ports.ChainProvider{"bitcoin": {btc}})

	if v.VerifyHash("bitcoin", "abcdef", time.Minute) {
		t.Fatalf("nothing cached yet")
	}
	v.Hashes(context.Background())

	if !v.VerifyHash("bitcoin", "abcdef", time.Minute) {
		t.Fatalf("expected case-insensitive match")
	}
	if v.VerifyHash("bitcoin", "012345", time.Minute) {
		t.Fatalf("expected mismatch")
	}
	if v.VerifyHash("dogecoin", "abcdef", time.Minute) {
		t.Fatalf("unknown chain must not verify")
	}
}

func TestConfigRejectsUnknownChain(t *testing.T) {
	cfg := Config{EnabledChains: []string{"bitcoin", "notachain"}}
	cfg.ApplyDefaults()
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "notachain") {
		t.Fatalf("expected unknown chain error, got %v", err)
	}

	custom := Config{
		EnabledChains: []string{"dogecoin"},
		Endpoints: map[string][]Endpoint{
			"dogecoin": {{Kind: KindBlockcypher, URL: "https://api.blockcypher.com/v1/doge/main"}},
		},
	}
	custom.ApplyDefaults()
	if err := custom.Validate(); err != nil {
		t.Fatalf("configured endpoints should enable any chain: %v", err)
	}

	bad := Config{Endpoints: map[string][]Endpoint{"bitcoin": {{Kind: "scrape", URL: "https://x"}}}}
	bad.ApplyDefaults()
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected unknown provider kind error")
	}

	zero := Config{RetryAttempts: -1}
	zero.ApplyDefaults()
	if err := zero.Validate(); err == nil {
		t.Fatalf("expected retry_attempts error")
	}
}
