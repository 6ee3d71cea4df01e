package qrlp

import (
	"net/http"

	base "github.com/jasonlarkin/qr-live-protocol/pkg/qrlp"
)

// Re-exported errors for convenience.
var (
	ErrNoJournal         = base.ErrNoJournal
	ErrStarted           = base.ErrStarted
	ErrClosed            = base.ErrClosed
	ErrChannelSinkClosed = base.ErrChannelSinkClosed
)

// Type aliases so consumers can import github.com/jasonlarkin/qr-live-protocol directly.
type (
	Config             = base.Config
	Policy             = base.Policy
	TimeConfig         = base.TimeConfig
	BlockchainConfig   = base.BlockchainConfig
	ChainEndpoint      = base.ChainEndpoint
	IdentityConfig     = base.IdentityConfig
	VerificationConfig = base.VerificationConfig
	QRConfig           = base.QRConfig
	MetricsConfig      = base.MetricsConfig
	JournalConfig      = base.JournalConfig
	ArchiveConfig      = base.ArchiveConfig
	Flow               = base.Flow
	FlowOption         = base.FlowOption
	StreamInOption     = base.StreamInOption
	StreamOutOption    = base.StreamOutOption
	Runtime            = base.Runtime
	RuntimeOption      = base.RuntimeOption
	Payload            = base.Payload
	TimeSample         = base.TimeSample
	BlockInfo          = base.BlockInfo
	IdentityInfo       = base.IdentityInfo
	VerificationResult = base.VerificationResult
	Record             = base.Record
	RecordBatchFunc    = base.RecordBatchFunc
	Update             = base.Update
	Callback           = base.Callback
	SubscriptionID     = base.SubscriptionID
	UserDataSupplier   = base.UserDataSupplier
	Stats              = base.Stats
	Sink               = base.Sink
	Journal            = base.Journal
	JournalStats       = base.JournalStats
	EntryID            = base.EntryID
	TimeSource         = base.TimeSource
	ChainProvider      = base.ChainProvider
	BlockHead          = base.BlockHead
	Renderer           = base.Renderer
	Observability      = base.Observability
	Field              = base.Field
)

// Config helpers.
func LoadConfig(path string) (*Config, error) {
	return base.LoadConfig(path)
}

func DefaultConfig() *Config {
	return base.DefaultConfig()
}

// Flow builder helpers.
func Conf(path string, opts ...FlowOption) (*Flow, error) {
	return base.Conf(path, opts...)
}

func ConfFromConfig(cfg *Config, opts ...FlowOption) (*Flow, error) {
	return base.ConfFromConfig(cfg, opts...)
}

func WithFlowOptions(opts ...RuntimeOption) FlowOption {
	return base.WithFlowOptions(opts...)
}

func StreamInTimeSources(sources ...TimeSource) StreamInOption {
	return base.StreamInTimeSources(sources...)
}

func StreamInChainProviders(providers map[string][]ChainProvider) StreamInOption {
	return base.StreamInChainProviders(providers)
}

func StreamInUserData(fn UserDataSupplier) StreamInOption {
	return base.StreamInUserData(fn)
}

func StreamInObservability(obs Observability) StreamInOption {
	return base.StreamInObservability(obs)
}

func StreamOutSubscriber(fn Callback) StreamOutOption {
	return base.StreamOutSubscriber(fn)
}

func StreamOutSink(s Sink) StreamOutOption {
	return base.StreamOutSink(s)
}

func StreamOutCallback(name string, fn RecordBatchFunc) StreamOutOption {
	return base.StreamOutCallback(name, fn)
}

func StreamOutRenderer(r Renderer) StreamOutOption {
	return base.StreamOutRenderer(r)
}

func StreamOutObservability(obs Observability) StreamOutOption {
	return base.StreamOutObservability(obs)
}

// Runtime and options.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	return base.NewRuntime(cfg, opts...)
}

func WithObservability(obs Observability) RuntimeOption {
	return base.WithObservability(obs)
}

func WithHTTPClient(c *http.Client) RuntimeOption {
	return base.WithHTTPClient(c)
}

func WithTimeSources(sources ...TimeSource) RuntimeOption {
	return base.WithTimeSources(sources...)
}

func WithChainProviders(providers map[string][]ChainProvider) RuntimeOption {
	return base.WithChainProviders(providers)
}

func WithRenderer(r Renderer) RuntimeOption {
	return base.WithRenderer(r)
}

func WithJournal(j Journal) RuntimeOption {
	return base.WithJournal(j)
}

func WithSink(s Sink) RuntimeOption {
	return base.WithSink(s)
}

func WithoutServer() RuntimeOption {
	return base.WithoutServer()
}

func NewHandler(rt *Runtime) http.Handler {
	return base.NewHandler(rt)
}

func TextSupplier(fn func() string) UserDataSupplier {
	return base.TextSupplier(fn)
}

// Sink adapters.
func NewCallbackSink(name string, fn RecordBatchFunc) Sink {
	return base.NewCallbackSink(name, fn)
}

func NewChannelSink(name string, buffer int) (Sink, <-chan []Record, func()) {
	return base.NewChannelSink(name, buffer)
}
