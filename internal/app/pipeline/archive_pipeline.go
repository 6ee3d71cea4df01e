package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jasonlarkin/qr-live-protocol/internal/adapters/observability"
	"github.com/jasonlarkin/qr-live-protocol/internal/domain"
	"github.com/jasonlarkin/qr-live-protocol/internal/ports"
)

var (
	ErrJournalFull = errors.New("archive: journal full")
	ErrQueueFull   = errors.New("archive: queue full")
)

// Archiver journals every emitted payload and hands it to the ingest loop.
// With a nil queue records are committed as soon as they are journaled.
type Archiver struct {
	instanceID string
	journal    ports.Journal
	queue      ports.RecordQueue
	policy     ports.Policy
	obs        ports.Observability
	clock      func() time.Time
}

func NewArchiver(instanceID string, j ports.Journal, q ports.RecordQueue, pol ports.Policy, obs ports.Observability) *Archiver {
	if obs == nil {
		obs = observability.Nop{}
	}
	return &Archiver{
		instanceID: instanceID,
		journal:    j,
		queue:      q,
		policy:     pol,
		obs:        obs,
		clock:      time.Now,
	}
}

// Archive appends p to the journal and enqueues it according to policy.
func (a *Archiver) Archive(p domain.Payload) error {
	r := &domain.Record{
		InstanceID: a.instanceID,
		Payload:    p,
		EmittedAt:  a.clock().UTC(),
	}

	if !waitForJournalCapacity(a.journal, a.policy, a.obs) {
		a.obs.IncCounter(observability.ArchiveDropped, 1)
		return ErrJournalFull
	}

	id, err := a.journal.Append(r)
	if err != nil {
		a.obs.LogCritical("journal_append_failed", err, ports.Field{Key: "seq", Value: p.SequenceNumber})
		return err
	}

	if a.queue == nil {
		return a.journal.Commit(id)
	}
	if !enqueueWithPolicy(a.queue, id, r, a.policy, a.obs) {
		a.obs.IncCounter(observability.ArchiveDropped, 1)
		return ErrQueueFull
	}
	return nil
}

func waitForJournalCapacity(j ports.Journal, pol ports.Policy, obs ports.Observability) bool {
	if pol.MaxJournalSizeBytes <= 0 {
		return true
	}
	sleep := idleSleep(pol)

	for {
		stats := j.Stats()
		if stats.SizeBytes < pol.MaxJournalSizeBytes {
			return true
		}

		switch pol.OnJournalFull {
		case "block":
			time.Sleep(sleep)
		case "drop":
			obs.LogError("journal_full_drop", fmt.Errorf("size=%d limit=%d", stats.SizeBytes, pol.MaxJournalSizeBytes))
			return false
		default:
			obs.LogError("journal_policy_invalid", fmt.Errorf("policy=%s", pol.OnJournalFull))
			return false
		}
	}
}

func enqueueWithPolicy(q ports.RecordQueue, id ports.EntryID, r *domain.Record, pol ports.Policy, obs ports.Observability) bool {
	sleep := idleSleep(pol)

	for {
		if ok := q.Enqueue(id, r); ok {
			return true
		}

		switch pol.OnQueueFull {
		case "block":
			time.Sleep(sleep)
		case "drop":
			obs.LogError("queue_full_drop", fmt.Errorf("queue length exceeded capacity %d", pol.MaxQueueLen),
				ports.Field{Key: "seq", Value: r.Payload.SequenceNumber})
			return false
		default:
			obs.LogError("queue_policy_invalid", fmt.Errorf("policy=%s", pol.OnQueueFull))
			return false
		}
	}
}

// Replay enqueues every journaled record not yet committed, oldest first.
// The backlog is read before anything is enqueued so the journal is free
// while Replay waits for queue space; the ingest loop must already be
// draining q. Replay returns ctx's error if it is cancelled first.
func Replay(ctx context.Context, j ports.Journal, q ports.RecordQueue, pol ports.Policy, obs ports.Observability) error {
	stats := j.Stats()
	if stats.LatestAppended == 0 {
		return nil
	}
	start := stats.OldestUncommitted
	if start == 0 || start > stats.LatestAppended {
		return nil
	}

	var backlog []ports.QueuedRecord
	err := j.Iterate(start, func(id ports.EntryID, r *domain.Record) error {
		backlog = append(backlog, ports.QueuedRecord{ID: id, Record: r})
		return nil
	})
	if err != nil {
		return err
	}

	sleep := idleSleep(pol)
	for i, item := range backlog {
		for !q.Enqueue(item.ID, item.Record) {
			if !pause(ctx, sleep) {
				obs.LogWarn("journal_replay_interrupted", ctx.Err(),
					ports.Field{Key: "replayed", Value: i},
					ports.Field{Key: "remaining", Value: len(backlog) - i})
				return ctx.Err()
			}
		}
	}
	if len(backlog) > 0 {
		obs.LogInfo("journal_replay_complete",
			ports.Field{Key: "records", Value: len(backlog)},
			ports.Field{Key: "from_id", Value: start})
	}
	return nil
}

func idleSleep(pol ports.Policy) time.Duration {
	if pol.IdleSleep <= 0 {
		return 5 * time.Millisecond
	}
	return pol.IdleSleep
}
