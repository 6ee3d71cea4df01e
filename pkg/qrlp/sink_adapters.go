package qrlp

import (
	"errors"
	"fmt"
	"sync"

	"github.com/jasonlarkin/qr-live-protocol/internal/domain"
)

// ErrChannelSinkClosed is returned when a channel sink is written to after being closed.
var ErrChannelSinkClosed = errors.New("qrlp: channel sink closed")

// RecordBatchFunc is invoked with ordered batches of archived records.
type RecordBatchFunc func([]Record) error

// NewCallbackSink adapts a RecordBatchFunc into a Sink so callers can archive
// to arbitrary functions without defining structs. A batch is committed to
// the journal only when fn returns nil.
func NewCallbackSink(name string, fn RecordBatchFunc) Sink {
	if name == "" {
		name = "callback"
	}
	return &callbackSink{name: name, fn: fn}
}

// NewChannelSink exposes batches via a channel; it returns the sink, the read-only channel,
// and a close function that the caller should invoke during shutdown.
func NewChannelSink(name string, buffer int) (Sink, <-chan []Record, func()) {
	if name == "" {
		name = "channel"
	}
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan []Record, buffer)
	s := &channelSink{
		name:   name,
		ch:     ch,
		closed: make(chan struct{}),
	}
	return s, ch, func() { s.close() }
}

type callbackSink struct {
	name string
	fn   RecordBatchFunc
}

func (s *callbackSink) WriteBatch(records []*domain.Record) error {
	if s.fn == nil {
		return fmt.Errorf("callback sink %q: nil handler", s.name)
	}
	if len(records) == 0 {
		return nil
	}
	return s.fn(copyBatch(records))
}

func (s *callbackSink) Name() string { return s.name }

type channelSink struct {
	name   string
	ch     chan []Record
	closed chan struct{}
	once   sync.Once
	// mu keeps close(ch) from racing an in-flight send.
	mu sync.RWMutex
}

func (s *channelSink) WriteBatch(records []*domain.Record) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	select {
	case <-s.closed:
		return ErrChannelSinkClosed
	default:
	}

	if len(records) == 0 {
		return nil
	}

	batch := copyBatch(records)

	select {
	case <-s.closed:
		return ErrChannelSinkClosed
	case s.ch <- batch:
		return nil
	}
}

func (s *channelSink) Name() string { return s.name }

func (s *channelSink) close() {
	s.once.Do(func() {
		close(s.closed)
		s.mu.Lock()
		close(s.ch)
		s.mu.Unlock()
	})
}

func copyBatch(records []*domain.Record) []Record {
	if len(records) == 0 {
		return nil
	}
	out := make([]Record, len(records))
	for i, r := range records {
		out[i] = *r
		out[i].Payload = r.Payload.Clone()
	}
	return out
}

// SubscribeChannel delivers live updates on a buffered channel. An update
// is dropped when the buffer is full so a slow reader never stalls
// generation. The returned function unsubscribes and closes the channel.
func (r *Runtime) SubscribeChannel(buffer int) (<-chan Update, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Update, buffer)
	var (
		mu     sync.Mutex
		closed bool
	)
	id := r.Subscribe(func(u Update) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- u:
		default:
		}
	})
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.Unsubscribe(id)
			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()
		})
	}
}
