package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jasonlarkin/qr-live-protocol/internal/adapters/journal"
	"github.com/jasonlarkin/qr-live-protocol/internal/adapters/queue"
	"github.com/jasonlarkin/qr-live-protocol/internal/domain"
	"github.com/jasonlarkin/qr-live-protocol/internal/ports"
)

func TestWaitForJournalCapacityBlockThenSucceed(t *testing.T) {
	j := &mockJournal{sizes: []int64{150, 50}}
	pol := ports.Policy{
		MaxJournalSizeBytes: 100,
		OnJournalFull:       "block",
		IdleSleep:           time.Millisecond,
	}
	obs := &mockObs{}

	if ok := waitForJournalCapacity(j, pol, obs); !ok {
		t.Fatalf("expected waitForJournalCapacity to eventually succeed")
	}
	if j.calls < 2 {
		t.Fatalf("expected multiple stats calls, got %d", j.calls)
	}
}

func TestWaitForJournalCapacityDrop(t *testing.T) {
	j := &mockJournal{sizes: []int64{200, 200}}
	pol := ports.Policy{
		MaxJournalSizeBytes: 100,
		OnJournalFull:       "drop",
	}
	obs := &mockObs{}

	if ok := waitForJournalCapacity(j, pol, obs); ok {
		t.Fatalf("expected waitForJournalCapacity to drop and return false")
	}
	if len(obs.errors) == 0 {
		t.Fatalf("expected error to be logged")
	}
}

func TestEnqueueWithPolicyBlock(t *testing.T) {
	q := &mockQueue{}
	q.failures = 1

	pol := ports.Policy{
		OnQueueFull: "block",
		IdleSleep:   time.Millisecond,
	}
	obs := &mockObs{}

	if ok := enqueueWithPolicy(q, 1, &domain.Record{}, pol, obs); !ok {
		t.Fatalf("expected enqueue to eventually succeed")
	}
	if q.calls != 2 {
		t.Fatalf("expected two enqueue attempts, got %d", q.calls)
	}
}

func TestEnqueueWithPolicyDrop(t *testing.T) {
	q := &mockQueue{failAlways: true}
	pol := ports.Policy{OnQueueFull: "drop"}
	obs := &mockObs{}

	if ok := enqueueWithPolicy(q, 1, &domain.Record{}, pol, obs); ok {
		t.Fatalf("expected enqueueWithPolicy to fail")
	}
	if len(obs.errors) == 0 {
		t.Fatalf("expected drop to log an error")
	}
}

func TestArchiverDropsWhenQueueFull(t *testing.T) {
	j, err := journal.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer j.Close()

	obs := &mockObs{}
	a := NewArchiver("inst", j, queue.NewMemQueue(1), ports.Policy{OnQueueFull: "drop"}, obs)
	if err := a.Archive(payload(0)); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if err := a.Archive(payload(1)); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if obs.counter("qrlp_archive_dropped_total") != 1 {
		t.Fatalf("expected one dropped record")
	}
}

func TestArchiverWithoutQueueCommitsImmediately(t *testing.T) {
	j, err := journal.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer j.Close()

	a := NewArchiver("inst", j, nil, ports.Policy{}, nil)
	for i := uint64(0); i < 3; i++ {
		if err := a.Archive(payload(i)); err != nil {
			t.Fatalf("archive: %v", err)
		}
	}
	stats := j.Stats()
	if stats.LatestAppended != 3 || stats.OldestUncommitted != 4 {
		t.Fatalf("expected all records committed, got %+v", stats)
	}
	recent, err := j.Recent(1)
	if err != nil || len(recent) != 1 || recent[0].InstanceID != "inst" || recent[0].CID == "" {
		t.Fatalf("unexpected journal content %+v err=%v", recent, err)
	}
}

func TestArchiveIngestEndToEnd(t *testing.T) {
	dir := t.TempDir()
	j, err := journal.Open(dir)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer j.Close()

	pol := ports.Policy{MaxQueueLen: 16, MaxBatchSize: 2, IdleSleep: time.Millisecond, OnQueueFull: "block"}
	q := queue.NewMemQueue(pol.MaxQueueLen)
	sink := &recordingSink{failFirst: true}
	a := NewArchiver("inst", j, q, pol, nil)

	for i := uint64(0); i < 5; i++ {
		if err := a.Archive(payload(i)); err != nil {
			t.Fatalf("archive: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunIngestPipeline(ctx, j, q, sink, pol, &mockObs{})
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() < 5 {
		if time.Now().After(deadline) {
			t.Fatalf("timed out, sink has %d records", sink.count())
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	seqs := sink.sequences()
	for i, s := range seqs {
		if s != uint64(i) {
			t.Fatalf("expected in-order delivery without duplicates, got %v", seqs)
		}
	}
	if st := j.Stats(); st.OldestUncommitted != 6 {
		t.Fatalf("expected journal committed through 5, got %+v", st)
	}
}

func TestReplayEnqueuesUncommitted(t *testing.T) {
	dir := t.TempDir()
	j, err := journal.Open(dir)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	a := NewArchiver("inst", j, queue.NewMemQueue(8), ports.Policy{OnQueueFull: "drop"}, nil)
	for i := uint64(0); i < 3; i++ {
		if err := a.Archive(payload(i)); err != nil {
			t.Fatalf("archive: %v", err)
		}
	}
	if err := j.Commit(1); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	j2, err := journal.Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.Close()

	q := queue.NewMemQueue(8)
	obs := &mockObs{}
	if err := Replay(context.Background(), j2, q, ports.Policy{}, obs); err != nil {
		t.Fatalf("replay: %v", err)
	}
	batch := q.DequeueBatch(10)
	if len(batch) != 2 || batch[0].ID != 2 || batch[1].Record.Payload.SequenceNumber != 2 {
		t.Fatalf("unexpected replayed batch %+v", batch)
	}
	if obs.infos == 0 {
		t.Fatalf("expected replay to be logged")
	}
}

// uncommittedJournal returns a reopened journal holding n records that were
// never delivered.
func uncommittedJournal(t *testing.T, n int) *journal.FileJournal {
	t.Helper()
	dir := t.TempDir()
	j, err := journal.Open(dir)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	for i := 0; i < n; i++ {
		if _, err := j.Append(&domain.Record{InstanceID: "inst", Payload: payload(uint64(i))}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	j2, err := journal.Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	return j2
}

func TestReplayBacklogLargerThanQueue(t *testing.T) {
	j := uncommittedJournal(t, 5)
	defer j.Close()

	q := queue.NewMemQueue(2)
	s := &recordingSink{}
	pol := ports.Policy{MaxBatchSize: 2, IdleSleep: time.Millisecond, OnQueueFull: "block"}
	obs := &mockObs{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		RunIngestPipeline(ctx, j, q, s, pol, obs)
	}()

	done := make(chan error, 1)
	go func() { done <- Replay(ctx, j, q, pol, obs) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("replay: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("replay blocked on a full queue")
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.count() < 5 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 5 replayed records delivered, got %d", s.count())
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	wg.Wait()

	for i, seq := range s.sequences() {
		if seq != uint64(i) {
			t.Fatalf("replayed out of order at %d: seq %d", i, seq)
		}
	}
}

func TestReplayWaitsWithoutHoldingJournal(t *testing.T) {
	j := uncommittedJournal(t, 5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- Replay(ctx, j, queue.NewMemQueue(2), ports.Policy{IdleSleep: time.Millisecond, OnQueueFull: "block"}, &mockObs{})
	}()
	time.Sleep(20 * time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- j.Close() }()
	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("close: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("journal close blocked behind a waiting replay")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("replay ignored cancellation")
	}
}

func payload(seq uint64) domain.Payload {
	return domain.Payload{
		Timestamp:        time.Unix(1700000000, int64(seq)).UTC(),
		SequenceNumber:   seq,
		IdentityHash:     "abc",
		BlockchainHashes: map[string]string{"bitcoin": "00ff"},
	}
}

type recordingSink struct {
	mu        sync.Mutex
	failFirst bool
	records   []*domain.Record
}

func (s *recordingSink) WriteBatch(records []*domain.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFirst {
		s.failFirst = false
		return errors.New("connection refused")
	}
	s.records = append(s.records, records...)
	return nil
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *recordingSink) sequences() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, len(s.records))
	for i, r := range s.records {
		out[i] = r.Payload.SequenceNumber
	}
	return out
}

type mockJournal struct {
	ports.Journal
	sizes []int64
	calls int
}

func (m *mockJournal) Stats() ports.JournalStats {
	idx := m.calls
	if idx >= len(m.sizes) {
		idx = len(m.sizes) - 1
	}
	m.calls++
	return ports.JournalStats{
		SizeBytes: m.sizes[idx],
	}
}

type mockQueue struct {
	failures   int32
	failAlways bool
	calls      int
}

func (m *mockQueue) Enqueue(id ports.EntryID, r *domain.Record) bool {
	m.calls++
	if m.failAlways {
		return false
	}
	if atomic.LoadInt32(&m.failures) > 0 {
		atomic.AddInt32(&m.failures, -1)
		return false
	}
	return true
}

func (m *mockQueue) DequeueBatch(int) []ports.QueuedRecord { return nil }
func (m *mockQueue) Len() int                              { return 0 }

type mockObs struct {
	mu       sync.Mutex
	errors   []error
	infos    int
	counters map[string]float64
}

func (m *mockObs) LogWarn(string, error, ...ports.Field)     {}
func (m *mockObs) LogCritical(string, error, ...ports.Field) {}
func (m *mockObs) ObserveLatency(string, float64)            {}
func (m *mockObs) SetGauge(string, float64)                  {}

func (m *mockObs) LogInfo(string, ...ports.Field) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infos++
}

func (m *mockObs) LogError(_ string, err error, _ ...ports.Field) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, err)
}

func (m *mockObs) IncCounter(name string, v float64, _ ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counters == nil {
		m.counters = map[string]float64{}
	}
	m.counters[name] += v
}

func (m *mockObs) counter(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}
