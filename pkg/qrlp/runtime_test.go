package qrlp

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jasonlarkin/qr-live-protocol/internal/adapters/journal"
)

type stubTimeSource struct {
	offset time.Duration
}

func (s *stubTimeSource) Name() string { return "stub.time" }
func (s *stubTimeSource) Kind() string { return "ntp" }
func (s *stubTimeSource) Query(context.Context) (time.Duration, time.Duration, error) {
	return s.offset, 5 * time.Millisecond, nil
}

type slowTimeSource struct {
	name  string
	delay time.Duration
	calls atomic.Int32
}

func (s *slowTimeSource) Name() string { return s.name }
func (s *slowTimeSource) Kind() string { return "http" }
func (s *slowTimeSource) Query(ctx context.Context) (time.Duration, time.Duration, error) {
	s.calls.Add(1)
	select {
	case <-time.After(s.delay):
		return 0, s.delay, nil
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	}
}

type stubChainProvider struct {
	chain string
	hash  string
}

func (s *stubChainProvider) Chain() string { return s.chain }
func (s *stubChainProvider) Name() string  { return "stub-api" }
func (s *stubChainProvider) Fetch(context.Context, *http.Client) (BlockHead, error) {
	h := uint64(840000)
	return BlockHead{Hash: s.hash, Height: &h}, nil
}

type stubRenderer struct{}

func (stubRenderer) Render(data []byte) ([]byte, error) { return []byte("\x89PNG"), nil }

type stubObservability struct{}

func (s *stubObservability) LogInfo(string, ...Field)              {}
func (s *stubObservability) LogWarn(string, error, ...Field)       {}
func (s *stubObservability) LogError(string, error, ...Field)      {}
func (s *stubObservability) LogCritical(string, error, ...Field)   {}
func (s *stubObservability) IncCounter(string, float64, ...string) {}
func (s *stubObservability) ObserveLatency(string, float64)        {}
func (s *stubObservability) SetGauge(string, float64)              {}

const btcHash = "00000000000000000002a7c4c1e48d76c5a37902165a270156b7a8d72728a054"

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.UpdateInterval = 5 * time.Millisecond
	cfg.Blockchain.EnabledChains = []string{"bitcoin"}
	noSystem := false
	cfg.Identity.IncludeSystemInfo = &noSystem
	cfg.Identity.IdentityFile = filepath.Join(t.TempDir(), "identity.json")
	cfg.Identity.Custom = map[string]string{"site": "lab"}
	return cfg
}

func stubOptions() []RuntimeOption {
	return []RuntimeOption{
		WithObservability(&stubObservability{}),
		WithTimeSources(&stubTimeSource{}),
		WithChainProviders(map[string][]ChainProvider{
			"bitcoin": {&stubChainProvider{chain: "bitcoin", hash: btcHash}},
		}),
		WithRenderer(stubRenderer{}),
		WithoutServer(),
	}
}

func newTestRuntime(t *testing.T, cfg *Config, opts ...RuntimeOption) *Runtime {
	t.Helper()
	rt, err := NewRuntime(cfg, append(stubOptions(), opts...)...)
	if err != nil {
		t.Fatalf("NewRuntime returned error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = rt.Shutdown(ctx)
	})
	return rt
}

func TestNewRuntimeWithCustomAdapters(t *testing.T) {
	obs := &stubObservability{}
	rt := newTestRuntime(t, testConfig(t), WithObservability(obs))

	if rt.obs != obs {
		t.Fatalf("expected custom observability to be used")
	}
	if rt.journal != nil || rt.sink != nil || rt.archiver != nil {
		t.Fatalf("archive must stay disabled without journal config")
	}
	if rt.db != nil {
		t.Fatalf("expected db to be nil when no archive is configured")
	}
	if _, err := rt.History(5); err != ErrNoJournal {
		t.Fatalf("expected ErrNoJournal, got %v", err)
	}
}

func TestRuntimeGenerateAndVerify(t *testing.T) {
	rt := newTestRuntime(t, testConfig(t))

	u, err := rt.Generate(context.Background(), map[string]any{"batch": "A-17"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if u.Payload.BlockchainHashes["bitcoin"] != btcHash {
		t.Fatalf("expected bitcoin hash in payload, got %v", u.Payload.BlockchainHashes)
	}
	if u.Payload.IdentityHash != rt.IdentityHash() {
		t.Fatalf("payload identity does not match runtime identity")
	}
	if res := rt.Verify(u.JSON); !res.Valid() {
		t.Fatalf("expected payload to verify, got %+v", res)
	}

	rt.UpdateCustomData(map[string]string{"site": "moved"})
	if res := rt.Verify(u.JSON); res.IdentityVerified {
		t.Fatalf("identity change must invalidate old payloads")
	}
}

func TestRuntimeSinkRequiresJournal(t *testing.T) {
	_, err := NewRuntime(testConfig(t), append(stubOptions(), WithSink(NewCallbackSink("cb", func([]Record) error { return nil })))...)
	if err == nil {
		t.Fatalf("expected error for sink without journal")
	}
}

func TestRuntimeArchivesLiveUpdates(t *testing.T) {
	cfg := testConfig(t)
	cfg.Journal.Dir = t.TempDir()
	cfg.Policy.IdleSleep = time.Millisecond

	var (
		mu       sync.Mutex
		archived []Record
	)
	rt := newTestRuntime(t, cfg, WithSink(NewCallbackSink("collect", func(batch []Record) error {
		mu.Lock()
		archived = append(archived, batch...)
		mu.Unlock()
		return nil
	})))

	updates, unsubscribe := rt.SubscribeChannel(16)
	if err := rt.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := rt.Start(); err != ErrStarted {
		t.Fatalf("expected ErrStarted on second start, got %v", err)
	}

	select {
	case u := <-updates:
		if u.Image == nil {
			t.Fatalf("expected rendered image on live update")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for live update")
	}
	unsubscribe()
	unsubscribe()

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(archived)
		mu.Unlock()
		if n >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for archived records, got %d", n)
		}
		time.Sleep(2 * time.Millisecond)
	}

	hist, err := rt.History(2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 2 || hist[0].Payload.SequenceNumber >= hist[1].Payload.SequenceNumber {
		t.Fatalf("unexpected history %+v", hist)
	}
	if hist[0].InstanceID != rt.Stats().InstanceID || hist[0].CID == "" {
		t.Fatalf("expected instance id and cid on archived record, got %+v", hist[0])
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rt.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if rt.Stats().Running {
		t.Fatalf("expected generation stopped after shutdown")
	}
}

func TestRuntimeIdentityPersistsAcrossRestarts(t *testing.T) {
	cfg := testConfig(t)
	first := newTestRuntime(t, cfg)
	hash := first.IdentityHash()

	cfg2 := testConfig(t)
	cfg2.Identity.IdentityFile = cfg.Identity.IdentityFile
	second := newTestRuntime(t, cfg2)
	if second.IdentityHash() != hash {
		t.Fatalf("expected identity to be reloaded from %s", cfg.Identity.IdentityFile)
	}
}

func TestFirstLivePayloadCarriesTimeSamples(t *testing.T) {
	a := &slowTimeSource{name: "a.time", delay: 50 * time.Millisecond}
	b := &slowTimeSource{name: "b.time", delay: 10 * time.Millisecond}
	rt := newTestRuntime(t, testConfig(t), WithTimeSources(a, b))

	updates, cancel := rt.SubscribeChannel(4)
	defer cancel()
	if err := rt.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case u := <-updates:
		if u.Payload.SequenceNumber != 0 {
			t.Fatalf("expected first live payload, got seq %d", u.Payload.SequenceNumber)
		}
		if n := len(u.Payload.TimeServerVerification); n != 2 {
			t.Fatalf("expected one sample per source, got %d", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for live update")
	}
	if a.calls.Load() != 1 || b.calls.Load() != 1 {
		t.Fatalf("expected each source queried once at startup, got a=%d b=%d", a.calls.Load(), b.calls.Load())
	}
}

func TestStartReplaysBacklogLargerThanQueue(t *testing.T) {
	cfg := testConfig(t)
	cfg.Journal.Dir = t.TempDir()
	cfg.Policy.MaxQueueLen = 2
	cfg.Policy.MaxBatchSize = 2
	cfg.Policy.IdleSleep = time.Millisecond
	cfg.Policy.OnQueueFull = "block"

	j, err := journal.Open(cfg.Journal.Dir)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	for i := 0; i < 5; i++ {
		rec := &Record{InstanceID: "previous", Payload: Payload{
			Timestamp:        time.Unix(1700000000, 0).UTC(),
			SequenceNumber:   uint64(100 + i),
			IdentityHash:     fmt.Sprintf("id-%d", i),
			BlockchainHashes: map[string]string{},
		}}
		if _, err := j.Append(rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	var (
		mu       sync.Mutex
		archived []Record
	)
	rt := newTestRuntime(t, cfg, WithSink(NewCallbackSink("collect", func(batch []Record) error {
		mu.Lock()
		archived = append(archived, batch...)
		mu.Unlock()
		return nil
	})))

	started := make(chan error, 1)
	go func() { started <- rt.Start() }()
	select {
	case err := <-started:
		if err != nil {
			t.Fatalf("start: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("start blocked replaying the journal backlog")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(archived)
		mu.Unlock()
		if n >= 5 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for replayed records, got %d", n)
		}
		time.Sleep(2 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < 5; i++ {
		if archived[i].InstanceID != "previous" || archived[i].Payload.SequenceNumber != uint64(100+i) {
			t.Fatalf("expected backlog delivered first and in order, got %+v at %d", archived[i].Payload, i)
		}
	}
}
