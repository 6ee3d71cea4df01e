package ports

import (
	"context"
	"net/http"
	"time"
)

// TimeSource answers a single bounded query for the local clock offset.
type TimeSource interface {
	Name() string
	Kind() string
	Query(ctx context.Context) (offset, rtt time.Duration, err error)
}

// BlockHead is a provider's normalized view of a chain tip.
type BlockHead struct {
	Hash   string
	Height *uint64
}

// ChainProvider fetches the current head of one chain from one API.
type ChainProvider interface {
	Chain() string
	Name() string
	Fetch(ctx context.Context, client *http.Client) (BlockHead, error)
}

// Renderer turns encoded payload bytes into an image.
type Renderer interface {
	Render(data []byte) ([]byte, error)
}
