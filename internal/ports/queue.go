package ports

import "github.com/jasonlarkin/qr-live-protocol/internal/domain"

type QueuedRecord struct {
	ID     EntryID
	Record *domain.Record
}

type RecordQueue interface {
	Enqueue(id EntryID, r *domain.Record) bool
	DequeueBatch(max int) []QueuedRecord
	Len() int
}
