package observability

import (
	"fmt"
	"log"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jasonlarkin/qr-live-protocol/internal/ports"
)

// Metric names shared by the engine and its adapters.
const (
	PayloadsGenerated  = "qrlp_payloads_generated_total"
	CallbackFailures   = "qrlp_callback_failures_total"
	RenderFailures     = "qrlp_render_failures_total"
	TimeSyncs          = "qrlp_time_sync_total"
	ChainFetches       = "qrlp_chain_fetch_total"
	ArchiveWritten     = "qrlp_archive_written_total"
	ArchiveDropped     = "qrlp_archive_dropped_total"
	SequenceNumber     = "qrlp_sequence_number"
	TimeOffsetSeconds  = "qrlp_time_offset_seconds"
	ArchiveQueueLength = "qrlp_archive_queue_length"
	JournalSizeBytes   = "qrlp_journal_size_bytes"
	TickDuration       = "qrlp_tick_duration_seconds"
	ArchiveLatency     = "qrlp_archive_latency_seconds"
)

type PromObs struct {
	logger   *log.Logger
	counters map[string]prometheus.Counter
	vecs     map[string]*prometheus.CounterVec
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer
}

// NewPromObs registers the engine metrics on the default registerer.
func NewPromObs() *PromObs {
	return NewPromObsWith(prometheus.DefaultRegisterer)
}

func NewPromObsWith(reg prometheus.Registerer) *PromObs {
	generated := prometheus.NewCounter(prometheus.CounterOpts{
		Name: PayloadsGenerated,
		Help: "Total payloads assembled, live and on demand.",
	})
	callbackFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: CallbackFailures,
		Help: "Subscriber invocations that panicked.",
	})
	renderFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: RenderFailures,
		Help: "Payloads whose QR image could not be rendered.",
	})
	archived := prometheus.NewCounter(prometheus.CounterOpts{
		Name: ArchiveWritten,
		Help: "Payload records written to the archive sink.",
	})
	dropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: ArchiveDropped,
		Help: "Payload records lost to archive backpressure policies.",
	})
	timeSyncs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: TimeSyncs,
		Help: "Time source queries by outcome.",
	}, []string{"result"})
	chainFetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: ChainFetches,
		Help: "Chain head refreshes by chain and outcome.",
	}, []string{"chain", "result"})
	seq := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: SequenceNumber,
		Help: "Sequence number of the most recent payload.",
	})
	offset := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: TimeOffsetSeconds,
		Help: "Aggregate offset applied to the local clock.",
	})
	queueGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: ArchiveQueueLength,
		Help: "Records buffered between the journal and the archive sink.",
	})
	journalGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: JournalSizeBytes,
		Help: "Size of the payload journal on disk.",
	})
	tick := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    TickDuration,
		Help:    "Time spent assembling and dispatching one payload.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})
	archiveLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    ArchiveLatency,
		Help:    "Latency of one archive sink batch write.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	reg.MustRegister(generated, callbackFailures, renderFailures, archived, dropped,
		timeSyncs, chainFetches, seq, offset, queueGauge, journalGauge, tick, archiveLatency)

	return &PromObs{
		logger: log.Default(),
		counters: map[string]prometheus.Counter{
			PayloadsGenerated: generated,
			CallbackFailures:  callbackFailures,
			RenderFailures:    renderFailures,
			ArchiveWritten:    archived,
			ArchiveDropped:    dropped,
		},
		vecs: map[string]*prometheus.CounterVec{
			TimeSyncs:    timeSyncs,
			ChainFetches: chainFetches,
		},
		gauges: map[string]prometheus.Gauge{
			SequenceNumber:     seq,
			TimeOffsetSeconds:  offset,
			ArchiveQueueLength: queueGauge,
			JournalSizeBytes:   journalGauge,
		},
		histos: map[string]prometheus.Observer{
			TickDuration:   tick,
			ArchiveLatency: archiveLatency,
		},
	}
}

func (p *PromObs) LogInfo(msg string, fields ...ports.Field) {
	p.logger.Printf("INFO: %s%s", msg, formatFields(fields))
}

func (p *PromObs) LogWarn(msg string, err error, fields ...ports.Field) {
	p.logger.Printf("WARN: %s: %v%s", msg, err, formatFields(fields))
}

func (p *PromObs) LogError(msg string, err error, fields ...ports.Field) {
	if err != nil {
		p.logger.Printf("ERROR: %s: %v%s", msg, err, formatFields(fields))
	}
}

func (p *PromObs) LogCritical(msg string, err error, fields ...ports.Field) {
	if err != nil {
		p.logger.Printf("CRITICAL: %s: %v%s", msg, err, formatFields(fields))
	}
}

// IncCounter adds v to a named counter. Labelled counters take their label
// values positionally; a call with the wrong label count is ignored.
func (p *PromObs) IncCounter(name string, v float64, labels ...string) {
	if c, ok := p.counters[name]; ok {
		c.Add(v)
		return
	}
	if vec, ok := p.vecs[name]; ok {
		c, err := vec.GetMetricWithLabelValues(labels...)
		if err != nil {
			return
		}
		c.Add(v)
	}
}

func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

func (p *PromObs) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}

func formatFields(fields []ports.Field) string {
	if len(fields) == 0 {
		return ""
	}
	var b strings.Builder
	for _, f := range fields {
		fmt.Fprintf(&b, " %s=%v", f.Key, f.Value)
	}
	return b.String()
}

var _ ports.Observability = (*PromObs)(nil)
