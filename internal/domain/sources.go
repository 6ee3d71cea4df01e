package domain

import "time"

// TimeSample is the outcome of one query against one time source.
type TimeSample struct {
	Server           string  `json:"server"`
	Kind             string  `json:"kind,omitempty"`
	OffsetSeconds    float64 `json:"offset_seconds"`
	RoundTripSeconds float64 `json:"round_trip_seconds"`
	Success          bool    `json:"success"`
	Error            string  `json:"error,omitempty"`
}

// BlockInfo is the cached head of one chain.
type BlockInfo struct {
	Chain     string    `json:"chain"`
	Hash      string    `json:"hash"`
	Height    *uint64   `json:"height,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
	Provider  string    `json:"provider"`
}

// Age reports how old the entry is at now.
func (b BlockInfo) Age(now time.Time) time.Duration {
	return now.Sub(b.FetchedAt)
}
