package pipeline

import (
	"context"
	"time"

	"github.com/jasonlarkin/qr-live-protocol/internal/adapters/observability"
	"github.com/jasonlarkin/qr-live-protocol/internal/domain"
	"github.com/jasonlarkin/qr-live-protocol/internal/ports"
)

// RunIngestPipeline drains the queue into the sink until ctx is done. A
// batch is committed to the journal only after the sink accepted it; a
// failed batch is retried.
func RunIngestPipeline(ctx context.Context, j ports.Journal, q ports.RecordQueue, sink ports.Sink, pol ports.Policy, obs ports.Observability) {
	sleep := idleSleep(pol)
	var pending []ports.QueuedRecord

	for {
		if ctx.Err() != nil {
			return
		}

		if len(pending) == 0 {
			pending = q.DequeueBatch(pol.MaxBatchSize)
		}
		if len(pending) == 0 {
			if !pause(ctx, sleep) {
				return
			}
			continue
		}

		var (
			out   = make([]*domain.Record, 0, len(pending))
			maxID ports.EntryID
		)
		for _, item := range pending {
			out = append(out, item.Record)
			if item.ID > maxID {
				maxID = item.ID
			}
		}

		start := time.Now()
		if err := sink.WriteBatch(out); err != nil {
			obs.LogError("sink_write_failed", err,
				ports.Field{Key: "sink", Value: sink.Name()},
				ports.Field{Key: "records", Value: len(out)})
			if !pause(ctx, sleep) {
				return
			}
			continue
		}
		obs.ObserveLatency(observability.ArchiveLatency, time.Since(start).Seconds())
		obs.IncCounter(observability.ArchiveWritten, float64(len(out)))
		pending = nil

		if err := j.Commit(maxID); err != nil {
			obs.LogError("journal_commit_failed", err)
		}
	}
}

func pause(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
