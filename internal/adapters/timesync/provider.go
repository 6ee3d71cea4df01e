// Package timesync estimates the offset between the local clock and a set
// of NTP and HTTP time sources.
package timesync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/jasonlarkin/qr-live-protocol/internal/adapters/observability"
	"github.com/jasonlarkin/qr-live-protocol/internal/domain"
	"github.com/jasonlarkin/qr-live-protocol/internal/ports"
)

type Config struct {
	NTPServers  []string      `yaml:"ntp_servers"`
	HTTPSources []string      `yaml:"http_sources"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAge      time.Duration `yaml:"max_age"`
}

func (c *Config) ApplyDefaults() {
	if c.NTPServers == nil {
		c.NTPServers = []string{"time.nist.gov", "pool.ntp.org", "time.google.com", "time.cloudflare.com"}
	}
	if c.HTTPSources == nil {
		c.HTTPSources = []string{
			"https://worldtimeapi.org/api/timezone/UTC",
			"https://timeapi.io/api/Time/current/zone?timeZone=UTC",
		}
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.MaxAge == 0 {
		c.MaxAge = 60 * time.Second
	}
}

func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("time.timeout must be > 0")
	}
	if c.MaxAge <= 0 {
		return fmt.Errorf("time.max_age must be > 0")
	}
	for _, s := range append(append([]string{}, c.NTPServers...), c.HTTPSources...) {
		if s == "" {
			return fmt.Errorf("time: empty server address")
		}
	}
	return nil
}

// Sources builds the configured NTP and HTTP sources.
func (c *Config) Sources(client *http.Client) []ports.TimeSource {
	out := make([]ports.TimeSource, 0, len(c.NTPServers)+len(c.HTTPSources))
	for _, s := range c.NTPServers {
		out = append(out, NewNTPSource(s, c.Timeout))
	}
	for _, u := range c.HTTPSources {
		out = append(out, NewHTTPSource(u, client))
	}
	return out
}

type ServerStats struct {
	Successes uint64 `json:"successes"`
	Failures  uint64 `json:"failures"`
}

type Stats struct {
	TotalSyncs      uint64                 `json:"total_syncs"`
	SuccessfulSyncs uint64                 `json:"successful_syncs"`
	FailedSyncs     uint64                 `json:"failed_syncs"`
	OffsetSeconds   float64                `json:"offset_seconds"`
	Degraded        bool                   `json:"degraded"`
	LastSync        time.Time              `json:"last_sync"`
	Servers         map[string]ServerStats `json:"servers"`
}

// Provider caches the aggregate offset and the latest sample set. Reads
// never wait on the network.
type Provider struct {
	sources []ports.TimeSource
	timeout time.Duration
	maxAge  time.Duration
	obs     ports.Observability
	clock   func() time.Time

	mu        sync.RWMutex
	offset    time.Duration
	samples   []domain.TimeSample
	fetchedAt time.Time
	degraded  bool
	stats     Stats

	// inflight is closed when the running background sync finishes.
	flightMu sync.Mutex
	inflight chan struct{}

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	lifeMu  sync.Mutex
	started bool
	stopped bool
}

// NewProvider returns a provider over sources. timeout bounds each source
// query and maxAge is the staleness limit of the cached offset.
func NewProvider(sources []ports.TimeSource, timeout, maxAge time.Duration, obs ports.Observability) (*Provider, error) {
	if timeout <= 0 || maxAge <= 0 {
		return nil, fmt.Errorf("timesync: timeout and max age must be positive")
	}
	if obs == nil {
		obs = observability.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Provider{
		sources:  sources,
		timeout:  timeout,
		maxAge:   maxAge,
		obs:      obs,
		clock:    time.Now,
		baseCtx:  ctx,
		cancel:   cancel,
		degraded: true,
		stats:    Stats{Degraded: true, Servers: map[string]ServerStats{}},
	}, nil
}

// Now returns the local clock corrected by the cached offset. A stale
// cache schedules a background refresh; the caller never waits for it.
func (p *Provider) Now() time.Time {
	p.mu.RLock()
	offset := p.offset
	stale := p.staleLocked()
	p.mu.RUnlock()

	if stale {
		p.refresh()
	}
	return p.clock().Add(offset).UTC()
}

func (p *Provider) staleLocked() bool {
	return p.fetchedAt.IsZero() || p.clock().Sub(p.fetchedAt) > p.maxAge
}

// refresh starts a background sync unless one is already running and
// returns a channel closed when that sync finishes.
func (p *Provider) refresh() <-chan struct{} {
	p.flightMu.Lock()
	defer p.flightMu.Unlock()
	if p.inflight != nil {
		return p.inflight
	}
	done := make(chan struct{})
	if !p.spawn() {
		close(done)
		return done
	}
	p.inflight = done
	go func() {
		defer p.wg.Done()
		p.Sync(p.baseCtx)
		p.flightMu.Lock()
		p.inflight = nil
		p.flightMu.Unlock()
		close(done)
	}()
	return done
}

// Sync queries every source concurrently, each bounded by the source
// timeout, and returns the resulting samples in source order.
func (p *Provider) Sync(ctx context.Context) []domain.TimeSample {
	samples := make([]domain.TimeSample, len(p.sources))
	var wg sync.WaitGroup
	for i, src := range p.sources {
		wg.Add(1)
		go func(i int, src ports.TimeSource) {
			defer wg.Done()
			samples[i] = p.query(ctx, src)
		}(i, src)
	}
	wg.Wait()
	if ctx.Err() != nil {
		// cancelled mid-flight; the partial result is not cached
		return samples
	}

	var offsets []time.Duration
	for _, s := range samples {
		if s.Success {
			offsets = append(offsets, time.Duration(s.OffsetSeconds*float64(time.Second)))
		}
	}

	p.mu.Lock()
	p.samples = samples
	p.fetchedAt = p.clock()
	p.stats.TotalSyncs++
	p.stats.LastSync = p.fetchedAt
	for _, s := range samples {
		st := p.stats.Servers[s.Server]
		if s.Success {
			st.Successes++
		} else {
			st.Failures++
		}
		p.stats.Servers[s.Server] = st
	}
	if len(offsets) == 0 {
		p.offset = 0
		p.degraded = true
		p.stats.FailedSyncs++
	} else {
		p.offset = median(offsets)
		p.degraded = false
		p.stats.SuccessfulSyncs++
	}
	offset, degraded := p.offset, p.degraded
	p.mu.Unlock()

	p.obs.SetGauge(observability.TimeOffsetSeconds, offset.Seconds())
	if degraded {
		p.obs.LogWarn("time_sync_degraded", errors.New("no time source answered"),
			ports.Field{Key: "sources", Value: len(samples)})
	}
	return append([]domain.TimeSample(nil), samples...)
}

// ForceSync refreshes regardless of cache age.
func (p *Provider) ForceSync(ctx context.Context) []domain.TimeSample {
	return p.Sync(ctx)
}

func (p *Provider) query(ctx context.Context, src ports.TimeSource) domain.TimeSample {
	qctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	sample := domain.TimeSample{Server: src.Name(), Kind: src.Kind()}
	offset, rtt, err := src.Query(qctx)
	if err != nil {
		sample.Error = err.Error()
		p.obs.IncCounter(observability.TimeSyncs, 1, "failure")
		return sample
	}
	sample.Success = true
	sample.OffsetSeconds = offset.Seconds()
	sample.RoundTripSeconds = rtt.Seconds()
	p.obs.IncCounter(observability.TimeSyncs, 1, "success")
	return sample
}

// Samples returns the latest sample set, failed sources included.
func (p *Provider) Samples() []domain.TimeSample {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]domain.TimeSample(nil), p.samples...)
}

// VerifyTimestamp reports whether ts is within maxDrift of the current
// corrected time.
func (p *Provider) VerifyTimestamp(ts time.Time, maxDrift time.Duration) bool {
	if maxDrift < 0 {
		return false
	}
	d := p.Now().Sub(ts)
	if d < 0 {
		d = -d
	}
	return d <= maxDrift
}

// Degraded is true until a sync gets at least one answer.
func (p *Provider) Degraded() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.degraded
}

func (p *Provider) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := p.stats
	out.OffsetSeconds = p.offset.Seconds()
	out.Degraded = p.degraded
	out.Servers = make(map[string]ServerStats, len(p.stats.Servers))
	for k, v := range p.stats.Servers {
		out.Servers[k] = v
	}
	return out
}

// Start waits for an initial sync, bounded by the source timeout, and then
// refreshes every max age on its own goroutine until Stop. A stopped
// provider cannot be restarted.
func (p *Provider) Start() {
	p.lifeMu.Lock()
	if p.started {
		p.lifeMu.Unlock()
		return
	}
	p.started = true
	p.lifeMu.Unlock()

	<-p.refresh()
	if p.spawn() {
		go p.loop()
	}
}

// spawn reserves a slot in the wait group unless the provider is stopped.
func (p *Provider) spawn() bool {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()
	if p.stopped {
		return false
	}
	p.wg.Add(1)
	return true
}

func (p *Provider) loop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.maxAge)
	defer ticker.Stop()
	for {
		select {
		case <-p.baseCtx.Done():
			return
		case <-ticker.C:
			select {
			case <-p.refresh():
			case <-p.baseCtx.Done():
				return
			}
		}
	}
}

// Stop cancels in-flight queries and waits for background work to exit.
func (p *Provider) Stop() {
	p.lifeMu.Lock()
	p.stopped = true
	p.lifeMu.Unlock()
	p.cancel()
	p.wg.Wait()
}

func median(values []time.Duration) time.Duration {
	sorted := append([]time.Duration(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
