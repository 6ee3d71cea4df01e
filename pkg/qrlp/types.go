package qrlp

import (
	"github.com/jasonlarkin/qr-live-protocol/internal/app/coordinator"
	"github.com/jasonlarkin/qr-live-protocol/internal/domain"
	"github.com/jasonlarkin/qr-live-protocol/internal/ports"
)

// Payload is the unit encoded into every QR code.
type Payload = domain.Payload

// TimeSample is one time source's contribution to a payload.
type TimeSample = domain.TimeSample

// BlockInfo is the cached head of one chain.
type BlockInfo = domain.BlockInfo

// IdentityInfo is the full identity state behind the identity hash.
type IdentityInfo = domain.IdentityInfo

// VerificationResult is the verdict returned by Verify.
type VerificationResult = domain.VerificationResult

// Record is an archived payload.
type Record = domain.Record

// Update carries a payload with its JSON encoding and QR image.
type Update = coordinator.Update

// Callback receives live updates on the generation goroutine.
type Callback = coordinator.Callback

// SubscriptionID identifies a registered Callback.
type SubscriptionID = coordinator.SubscriptionID

// UserDataSupplier is polled once per live tick.
type UserDataSupplier = coordinator.UserDataSupplier

// Stats summarizes the coordinator and its leaves.
type Stats = coordinator.Stats

// Sink consumes batches of archived records.
type Sink = ports.Sink

// Journal is the durable log behind the archive.
type Journal = ports.Journal

// JournalStats exposes journal positions and size.
type JournalStats = ports.JournalStats

// EntryID identifies a journal entry.
type EntryID = ports.EntryID

// TimeSource answers one bounded clock offset query.
type TimeSource = ports.TimeSource

// ChainProvider fetches one chain's head from one API.
type ChainProvider = ports.ChainProvider

// BlockHead is a provider's normalized chain tip.
type BlockHead = ports.BlockHead

// Renderer turns payload JSON into an image.
type Renderer = ports.Renderer

// Observability emits logs and metrics.
type Observability = ports.Observability

// Field is a structured log field.
type Field = ports.Field

// TextSupplier wraps non-empty text as {"user_text": text}.
func TextSupplier(fn func() string) UserDataSupplier {
	return coordinator.TextSupplier(fn)
}
