package ports

import "github.com/jasonlarkin/qr-live-protocol/internal/domain"

type Sink interface {
	WriteBatch(records []*domain.Record) error
	Name() string
}
