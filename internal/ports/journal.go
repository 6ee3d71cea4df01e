package ports

import "github.com/jasonlarkin/qr-live-protocol/internal/domain"

type EntryID uint64

// Journal is an append-only durable log of emitted payloads.
type Journal interface {
	Append(r *domain.Record) (EntryID, error)
	Iterate(from EntryID, fn func(id EntryID, r *domain.Record) error) error
	Recent(n int) ([]*domain.Record, error)
	Commit(upto EntryID) error
	Stats() JournalStats
	Close() error
}

type JournalStats struct {
	OldestUncommitted EntryID
	LatestAppended    EntryID
	SizeBytes         int64
}
