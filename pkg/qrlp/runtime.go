package qrlp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/jasonlarkin/qr-live-protocol/internal/adapters/chain"
	"github.com/jasonlarkin/qr-live-protocol/internal/adapters/identity"
	"github.com/jasonlarkin/qr-live-protocol/internal/adapters/journal"
	"github.com/jasonlarkin/qr-live-protocol/internal/adapters/observability"
	"github.com/jasonlarkin/qr-live-protocol/internal/adapters/queue"
	"github.com/jasonlarkin/qr-live-protocol/internal/adapters/render"
	"github.com/jasonlarkin/qr-live-protocol/internal/adapters/sink"
	"github.com/jasonlarkin/qr-live-protocol/internal/adapters/timesync"
	"github.com/jasonlarkin/qr-live-protocol/internal/adapters/transport"
	"github.com/jasonlarkin/qr-live-protocol/internal/app/coordinator"
	"github.com/jasonlarkin/qr-live-protocol/internal/app/pipeline"
	"github.com/jasonlarkin/qr-live-protocol/internal/ports"
)

var (
	// ErrNoJournal is returned by History when no journal is configured.
	ErrNoJournal = errors.New("qrlp: journal not configured")
	// ErrStarted is returned by Start on a runtime that was already started.
	ErrStarted = errors.New("qrlp: runtime already started")
	// ErrClosed is returned by Start after Shutdown.
	ErrClosed = errors.New("qrlp: runtime shut down")
)

// RuntimeOption customizes the dependencies used by Runtime.
type RuntimeOption func(*runtimeOverrides)

type runtimeOverrides struct {
	observability  Observability
	httpClient     *http.Client
	timeSources    []TimeSource
	chainProviders map[string][]ChainProvider
	renderer       Renderer
	journal        Journal
	sink           Sink
	noServer       bool
}

// WithObservability plugs in a custom observability backend.
func WithObservability(obs Observability) RuntimeOption {
	return func(o *runtimeOverrides) { o.observability = obs }
}

// WithHTTPClient replaces the HTTP/2 client shared by chain and HTTP time sources.
func WithHTTPClient(c *http.Client) RuntimeOption {
	return func(o *runtimeOverrides) { o.httpClient = c }
}

// WithTimeSources replaces the configured NTP and HTTP time sources.
func WithTimeSources(sources ...TimeSource) RuntimeOption {
	return func(o *runtimeOverrides) { o.timeSources = sources }
}

// WithChainProviders replaces the endpoint list of every enabled chain.
func WithChainProviders(providers map[string][]ChainProvider) RuntimeOption {
	return func(o *runtimeOverrides) { o.chainProviders = providers }
}

// WithRenderer replaces the PNG QR renderer.
func WithRenderer(r Renderer) RuntimeOption {
	return func(o *runtimeOverrides) { o.renderer = r }
}

// WithJournal uses j instead of opening journal.dir.
func WithJournal(j Journal) RuntimeOption {
	return func(o *runtimeOverrides) { o.journal = j }
}

// WithSink archives payloads to s instead of the configured Postgres table.
// A sink needs a journal.
func WithSink(s Sink) RuntimeOption {
	return func(o *runtimeOverrides) { o.sink = s }
}

// WithoutServer skips the HTTP API and metrics listener.
func WithoutServer() RuntimeOption {
	return func(o *runtimeOverrides) { o.noServer = true }
}

// Runtime wires identity, time and blockchain leaves into a coordinator and
// optionally archives every live payload through journal → queue → sink.
type Runtime struct {
	cfg      *Config
	obs      ports.Observability
	identity *identity.Manager
	time     *timesync.Provider
	chains   *chain.Verifier
	coord    *coordinator.Coordinator

	journal  ports.Journal
	queue    ports.RecordQueue
	sink     ports.Sink
	archiver *pipeline.Archiver
	db       *sql.DB
	pgSink   *sink.PostgresSink
	noServer bool

	mu        sync.Mutex
	started   bool
	closed    bool
	archiveID SubscriptionID
	server    *http.Server
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewRuntime validates cfg and builds the default adapters (NTP/HTTP time
// sources, public chain APIs, PNG renderer, file journal, Postgres sink,
// Prometheus observability). RuntimeOption values override any of them.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var overrides runtimeOverrides
	for _, opt := range opts {
		if opt != nil {
			opt(&overrides)
		}
	}

	obs := overrides.observability
	if obs == nil {
		obs = observability.NewPromObs()
	}

	client := overrides.httpClient
	if client == nil {
		var err error
		client, err = transport.NewHTTPClient(cfg.Blockchain.Timeout)
		if err != nil {
			return nil, err
		}
	}

	id, err := identity.New(cfg.Identity, obs)
	if err != nil {
		return nil, err
	}

	sources := overrides.timeSources
	if sources == nil {
		sources = cfg.Time.Sources(client)
	}
	clock, err := timesync.NewProvider(sources, cfg.Time.Timeout, cfg.Time.MaxAge, obs)
	if err != nil {
		return nil, err
	}

	providers := overrides.chainProviders
	if providers == nil {
		providers, err = cfg.Blockchain.Providers()
		if err != nil {
			return nil, err
		}
	}
	chains, err := chain.NewVerifierWithProviders(cfg.Blockchain, providers, client, obs)
	if err != nil {
		return nil, err
	}

	renderer := overrides.renderer
	if renderer == nil {
		png, err := render.NewPNG(cfg.QR)
		if err != nil {
			return nil, err
		}
		renderer = png
	}

	coord, err := coordinator.New(coordinator.Config{
		Interval:               cfg.UpdateInterval,
		MaxTimeDrift:           cfg.Verification.Drift(),
		RequireAtLeastOneChain: cfg.Verification.RequireAtLeastOneChain,
	}, id, clock, chains, renderer, obs)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		cfg:      cfg,
		obs:      obs,
		identity: id,
		time:     clock,
		chains:   chains,
		coord:    coord,
		noServer: overrides.noServer,
	}
	if err := rt.buildArchive(overrides); err != nil {
		return nil, err
	}
	return rt, nil
}

func (r *Runtime) buildArchive(o runtimeOverrides) error {
	r.journal = o.journal
	if r.journal == nil && r.cfg.Journal.Dir != "" {
		j, err := journal.Open(r.cfg.Journal.Dir)
		if err != nil {
			return err
		}
		r.journal = j
	}

	r.sink = o.sink
	if r.sink == nil && r.cfg.Archive.ConnString != "" {
		db, err := sql.Open("postgres", r.cfg.Archive.ConnString)
		if err != nil {
			return err
		}
		pg, err := sink.NewPostgresSink(db, r.cfg.Archive.Table)
		if err != nil {
			_ = db.Close()
			return err
		}
		r.db, r.pgSink, r.sink = db, pg, pg
	}

	if r.sink != nil && r.journal == nil {
		return fmt.Errorf("archive sink %q requires a journal", r.sink.Name())
	}
	if r.journal == nil {
		return nil
	}
	if r.sink != nil {
		r.queue = queue.NewMemQueue(r.cfg.Policy.MaxQueueLen)
	}
	r.archiver = pipeline.NewArchiver(r.coord.InstanceID(), r.journal, r.queue, r.cfg.Policy, r.obs)
	return nil
}

// Start launches archival, time sync, the HTTP API and live generation.
// It waits for the journal backlog to be queued and for the first time
// sync, then returns; call Run to block on a context instead.
func (r *Runtime) Start() error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return ErrStarted
	}
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.pgSink != nil {
		if err := r.pgSink.EnsureSchema(); err != nil {
			r.mu.Unlock()
			return fmt.Errorf("archive schema: %w", err)
		}
	}
	r.started = true

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	if r.queue != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			pipeline.RunIngestPipeline(ctx, r.journal, r.queue, r.sink, r.cfg.Policy, r.obs)
		}()
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.recordGauges(ctx, time.Second)
	}()
	r.mu.Unlock()

	// The backlog goes ahead of any live payload; Shutdown can interrupt it.
	if r.queue != nil {
		if err := pipeline.Replay(ctx, r.journal, r.queue, r.cfg.Policy, r.obs); err != nil {
			return fmt.Errorf("journal replay: %w", err)
		}
	}
	r.time.Start()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.archiver != nil {
		r.archiveID = r.coord.Subscribe(func(u Update) {
			if err := r.archiver.Archive(u.Payload); err != nil {
				r.obs.LogWarn("archive_failed", err, ports.Field{Key: "seq", Value: u.Payload.SequenceNumber})
			}
		})
	}
	if !r.noServer {
		r.startServer()
	}
	r.coord.Start()
	return nil
}

// Run starts the runtime and blocks until the provided context is cancelled.
// Upon cancellation it attempts a graceful shutdown.
func (r *Runtime) Run(ctx context.Context) error {
	shutdown := func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return r.Shutdown(shutdownCtx)
	}
	if err := r.Start(); err != nil {
		if errors.Is(err, ErrStarted) {
			return err
		}
		return errors.Join(err, shutdown())
	}
	<-ctx.Done()
	return shutdown()
}

// Shutdown stops live generation, drains background work and releases the
// journal and database. It is safe on a runtime that was never started.
func (r *Runtime) Shutdown(ctx context.Context) error {
	var errs []error

	r.mu.Lock()
	r.closed = true
	srv, cancel, archiveID := r.server, r.cancel, r.archiveID
	r.mu.Unlock()

	r.coord.Stop()
	r.time.Stop()

	if archiveID != "" {
		r.coord.Unsubscribe(archiveID)
	}

	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, err)
		}
	}

	if cancel != nil {
		cancel()
		done := make(chan struct{})
		go func() {
			r.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}

	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (r *Runtime) startServer() {
	r.server = &http.Server{
		Addr:              r.cfg.Metrics.Addr,
		Handler:           NewHandler(r),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv := r.server
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.obs.LogError("http_server_exited", err, ports.Field{Key: "addr", Value: srv.Addr})
		}
	}()
}

func (r *Runtime) recordGauges(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.obs.SetGauge(observability.TimeOffsetSeconds, r.time.Stats().OffsetSeconds)
			if r.journal != nil {
				r.obs.SetGauge(observability.JournalSizeBytes, float64(r.journal.Stats().SizeBytes))
			}
			if r.queue != nil {
				r.obs.SetGauge(observability.ArchiveQueueLength, float64(r.queue.Len()))
			}
		}
	}
}

// Generate assembles one payload on demand. It consumes a sequence number
// and becomes the current payload but is not sent to subscribers.
func (r *Runtime) Generate(ctx context.Context, userData map[string]any) (Update, error) {
	return r.coord.Generate(ctx, userData)
}

// Verify re-checks raw payload JSON against this runtime's leaves.
func (r *Runtime) Verify(raw []byte) VerificationResult { return r.coord.Verify(raw) }

// Current returns the most recently assembled payload.
func (r *Runtime) Current() (Update, bool) { return r.coord.Current() }

func (r *Runtime) Subscribe(fn Callback) SubscriptionID { return r.coord.Subscribe(fn) }
func (r *Runtime) Unsubscribe(id SubscriptionID)        { r.coord.Unsubscribe(id) }

func (r *Runtime) SetUserDataSupplier(fn UserDataSupplier) { r.coord.SetUserDataSupplier(fn) }

func (r *Runtime) Stats() Stats { return r.coord.Stats() }

// Config returns the validated configuration the runtime was built from.
func (r *Runtime) Config() *Config { return r.cfg }

// ChainInfo reports the cached head of every chain fetched so far.
func (r *Runtime) ChainInfo() map[string]BlockInfo { return r.chains.AllInfo() }

// SyncTime queries every time source now and returns the samples.
func (r *Runtime) SyncTime(ctx context.Context) []TimeSample { return r.time.ForceSync(ctx) }

// RefreshChains refetches every enabled chain now.
func (r *Runtime) RefreshChains(ctx context.Context) map[string]string {
	return r.chains.ForceUpdate(ctx)
}

func (r *Runtime) IdentityHash() string             { return r.identity.Hash() }
func (r *Runtime) IdentityInfo() IdentityInfo       { return r.identity.Info() }
func (r *Runtime) ExportIdentity(path string) error { return r.identity.Export(path) }
func (r *Runtime) ImportIdentity(path string) error { return r.identity.Import(path) }

// AddIdentityFile folds the content hash of path into the identity.
func (r *Runtime) AddIdentityFile(path, label string) error { return r.identity.AddFile(path, label) }

func (r *Runtime) RemoveIdentityFile(label string) error { return r.identity.RemoveFile(label) }

func (r *Runtime) UpdateCustomData(data map[string]string) { r.identity.UpdateCustomData(data) }

// History returns up to n of the newest journaled payloads, oldest first.
func (r *Runtime) History(n int) ([]Record, error) {
	if r.journal == nil {
		return nil, ErrNoJournal
	}
	recs, err := r.journal.Recent(n)
	if err != nil {
		return nil, err
	}
	out := make([]Record, len(recs))
	for i, rec := range recs {
		out[i] = *rec
	}
	return out, nil
}
