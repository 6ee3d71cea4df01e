// Package coordinator assembles live payloads from the identity, time and
// blockchain leaves and verifies payloads against them.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jasonlarkin/qr-live-protocol/internal/adapters/chain"
	"github.com/jasonlarkin/qr-live-protocol/internal/adapters/identity"
	"github.com/jasonlarkin/qr-live-protocol/internal/adapters/observability"
	"github.com/jasonlarkin/qr-live-protocol/internal/adapters/timesync"
	"github.com/jasonlarkin/qr-live-protocol/internal/domain"
	"github.com/jasonlarkin/qr-live-protocol/internal/ports"
)

// Identity is the read side of the identity manager.
type Identity interface {
	Hash() string
	Stats() identity.Stats
}

// Clock is the read side of the time provider.
type Clock interface {
	Now() time.Time
	Samples() []domain.TimeSample
	VerifyTimestamp(ts time.Time, maxDrift time.Duration) bool
	Stats() timesync.Stats
}

// Chains is the read side of the blockchain verifier.
type Chains interface {
	Hashes(ctx context.Context) map[string]string
	VerifyHash(chain, hash string, maxAge time.Duration) bool
	CacheDuration() time.Duration
	Stats() chain.Stats
}

type Config struct {
	Interval               time.Duration
	MaxTimeDrift           time.Duration
	RequireAtLeastOneChain bool
}

// Update is one assembled payload with its encodings.
type Update struct {
	Payload domain.Payload
	JSON    []byte
	Image   []byte // nil when rendering failed
}

// Callback receives every payload produced by the live loop. It runs on
// the loop goroutine, so a slow callback delays the next tick.
type Callback func(Update)

type SubscriptionID string

// UserDataSupplier is polled once per tick. A nil map means no user data.
type UserDataSupplier func() (map[string]any, error)

// TextSupplier adapts a text source; non-empty text is carried as
// {"user_text": text}.
func TextSupplier(fn func() string) UserDataSupplier {
	return func() (map[string]any, error) {
		text := fn()
		if text == "" {
			return nil, nil
		}
		return map[string]any{"user_text": text}, nil
	}
}

type Stats struct {
	InstanceID       string         `json:"instance_id"`
	Running          bool           `json:"running"`
	TotalUpdates     uint64         `json:"total_updates"`
	SequenceNumber   uint64         `json:"sequence_number"`
	LastUpdate       time.Time      `json:"last_update,omitempty"`
	SubscriberCount  int            `json:"subscriber_count"`
	CallbackFailures uint64         `json:"callback_failures"`
	RenderFailures   uint64         `json:"render_failures"`
	Identity         identity.Stats `json:"identity"`
	Time             timesync.Stats `json:"time"`
	Blockchain       chain.Stats    `json:"blockchain"`
}

type Coordinator struct {
	cfg        Config
	instanceID string
	identity   Identity
	clock      Clock
	chains     Chains
	renderer   ports.Renderer
	obs        ports.Observability

	seqMu   sync.Mutex
	nextSeq uint64

	current atomic.Pointer[Update]

	subMu       sync.RWMutex
	subscribers map[SubscriptionID]Callback
	order       []SubscriptionID
	supplier    UserDataSupplier

	totalUpdates     atomic.Uint64
	lastUpdate       atomic.Int64
	callbackFailures atomic.Uint64
	renderFailures   atomic.Uint64

	lifeMu  sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool
}

// New wires a coordinator over the three leaves. renderer may be nil, in
// which case updates carry no image.
func New(cfg Config, id Identity, clock Clock, chains Chains, renderer ports.Renderer, obs ports.Observability) (*Coordinator, error) {
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("coordinator: interval must be > 0")
	}
	if cfg.MaxTimeDrift < 0 {
		return nil, fmt.Errorf("coordinator: max time drift must be >= 0")
	}
	if id == nil || clock == nil || chains == nil {
		return nil, errors.New("coordinator: identity, clock and chains are required")
	}
	if obs == nil {
		obs = observability.Nop{}
	}
	return &Coordinator{
		cfg:         cfg,
		instanceID:  uuid.NewString(),
		identity:    id,
		clock:       clock,
		chains:      chains,
		renderer:    renderer,
		obs:         obs,
		subscribers: make(map[SubscriptionID]Callback),
	}, nil
}

// InstanceID identifies this coordinator in archived records.
func (c *Coordinator) InstanceID() string { return c.instanceID }

// Generate assembles, renders and publishes one payload outside the live
// loop. It consumes the next sequence number but notifies no subscriber.
// Only user data that cannot be encoded as JSON makes it fail.
func (c *Coordinator) Generate(ctx context.Context, userData map[string]any) (Update, error) {
	data, err := normalize(userData)
	if err != nil {
		return Update{}, err
	}
	return c.produce(ctx, data), nil
}

func (c *Coordinator) produce(ctx context.Context, userData map[string]any) Update {
	// leaf reads happen before the sequence lock; Hashes may hit the network
	hashes := c.chains.Hashes(ctx)
	samples := c.clock.Samples()
	idHash := c.identity.Hash()

	c.seqMu.Lock()
	p := domain.Payload{
		Timestamp:              c.clock.Now().UTC(),
		SequenceNumber:         c.nextSeq,
		IdentityHash:           idHash,
		BlockchainHashes:       hashes,
		TimeServerVerification: samples,
		UserData:               userData,
	}
	c.nextSeq++
	c.seqMu.Unlock()

	u := Update{Payload: p}
	raw, err := p.JSON()
	if err != nil {
		// unreachable after normalize; keep the payload without encodings
		c.obs.LogError("payload_encode_failed", err, ports.Field{Key: "seq", Value: p.SequenceNumber})
		return u
	}
	u.JSON = raw

	if c.renderer != nil {
		img, err := c.renderer.Render(raw)
		if err != nil {
			c.renderFailures.Add(1)
			c.obs.IncCounter(observability.RenderFailures, 1)
			c.obs.LogWarn("render_failed", err, ports.Field{Key: "seq", Value: p.SequenceNumber})
		} else {
			u.Image = img
		}
	}

	c.publish(&u)
	c.obs.IncCounter(observability.PayloadsGenerated, 1)
	c.obs.SetGauge(observability.SequenceNumber, float64(p.SequenceNumber))
	return u
}

// publish keeps the newest payload by sequence number, so a slow
// concurrent assembly never replaces a later one.
func (c *Coordinator) publish(u *Update) {
	for {
		cur := c.current.Load()
		if cur != nil && cur.Payload.SequenceNumber > u.Payload.SequenceNumber {
			return
		}
		if c.current.CompareAndSwap(cur, u) {
			return
		}
	}
}

// Current returns the most recently completed payload.
func (c *Coordinator) Current() (Update, bool) {
	u := c.current.Load()
	if u == nil {
		return Update{}, false
	}
	out := *u
	out.Payload = u.Payload.Clone()
	return out, true
}

// Start begins live generation. Calling it while running is a no-op.
func (c *Coordinator) Start() {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running.Store(true)
	go c.loop(ctx, c.done)
	c.obs.LogInfo("live_generation_started",
		ports.Field{Key: "instance", Value: c.instanceID},
		ports.Field{Key: "interval", Value: c.cfg.Interval})
}

// Stop ends live generation and waits for an in-flight tick to finish.
// No subscriber runs after Stop returns. Calling it while idle is a no-op.
// Callbacks must not call Stop.
func (c *Coordinator) Stop() {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.cancel == nil {
		return
	}
	c.running.Store(false)
	c.cancel()
	<-c.done
	c.cancel, c.done = nil, nil
	c.obs.LogInfo("live_generation_stopped", ports.Field{Key: "instance", Value: c.instanceID})
}

func (c *Coordinator) Running() bool { return c.running.Load() }

func (c *Coordinator) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		c.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (c *Coordinator) tick(ctx context.Context) {
	start := time.Now()
	u := c.produce(ctx, c.pollSupplier())
	if ctx.Err() != nil {
		// stopping; the payload stays current but is not fanned out
		return
	}
	c.notify(u)

	c.totalUpdates.Add(1)
	c.lastUpdate.Store(start.UnixNano())
	c.obs.ObserveLatency(observability.TickDuration, time.Since(start).Seconds())
}

func (c *Coordinator) pollSupplier() map[string]any {
	c.subMu.RLock()
	fn := c.supplier
	c.subMu.RUnlock()
	if fn == nil {
		return nil
	}

	var (
		data map[string]any
		err  error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		data, err = fn()
	}()
	if err == nil {
		data, err = normalize(data)
	}
	if err != nil {
		c.obs.LogWarn("user_data_supplier_failed", err)
		return nil
	}
	return data
}

func (c *Coordinator) notify(u Update) {
	c.subMu.RLock()
	callbacks := make([]Callback, 0, len(c.order))
	for _, id := range c.order {
		callbacks = append(callbacks, c.subscribers[id])
	}
	c.subMu.RUnlock()

	for _, fn := range callbacks {
		c.invoke(fn, u)
	}
}

func (c *Coordinator) invoke(fn Callback, u Update) {
	defer func() {
		if r := recover(); r != nil {
			c.callbackFailures.Add(1)
			c.obs.IncCounter(observability.CallbackFailures, 1)
			c.obs.LogError("subscriber_panic", fmt.Errorf("%v", r),
				ports.Field{Key: "seq", Value: u.Payload.SequenceNumber})
		}
	}()
	out := u
	out.Payload = u.Payload.Clone()
	fn(out)
}

// Subscribe registers fn for every live update. It is safe to call from
// inside a callback.
func (c *Coordinator) Subscribe(fn Callback) SubscriptionID {
	id := SubscriptionID(uuid.NewString())
	c.subMu.Lock()
	c.subscribers[id] = fn
	c.order = append(c.order, id)
	c.subMu.Unlock()
	return id
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (c *Coordinator) Unsubscribe(id SubscriptionID) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if _, ok := c.subscribers[id]; !ok {
		return
	}
	delete(c.subscribers, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i:i], c.order[i+1:]...)
			break
		}
	}
}

// SetUserDataSupplier installs or, with nil, clears the per-tick supplier.
func (c *Coordinator) SetUserDataSupplier(fn UserDataSupplier) {
	c.subMu.Lock()
	c.supplier = fn
	c.subMu.Unlock()
}

func (c *Coordinator) Stats() Stats {
	c.seqMu.Lock()
	next := c.nextSeq
	c.seqMu.Unlock()
	c.subMu.RLock()
	subs := len(c.subscribers)
	c.subMu.RUnlock()

	st := Stats{
		InstanceID:       c.instanceID,
		Running:          c.Running(),
		TotalUpdates:     c.totalUpdates.Load(),
		SequenceNumber:   next,
		SubscriberCount:  subs,
		CallbackFailures: c.callbackFailures.Load(),
		RenderFailures:   c.renderFailures.Load(),
		Identity:         c.identity.Stats(),
		Time:             c.clock.Stats(),
		Blockchain:       c.chains.Stats(),
	}
	if ns := c.lastUpdate.Load(); ns != 0 {
		st.LastUpdate = time.Unix(0, ns).UTC()
	}
	return st
}

// normalize round-trips user data through JSON so the payload holds only
// JSON-native values and re-encodes identically.
func normalize(data map[string]any) (map[string]any, error) {
	if data == nil {
		return nil, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("user data: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("user data: %w", err)
	}
	return out, nil
}
