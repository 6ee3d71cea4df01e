package qrlp

import (
	"context"
	"fmt"
)

// Flow is a convenience builder that lets callers say Conf → StreamIN → StreamOUT
// without touching the underlying wiring. StreamIN covers what feeds a
// payload (time sources, chain APIs, user data); StreamOUT covers where
// payloads go (subscribers, archive sinks, rendering).
type Flow struct {
	cfg   *Config
	opts  []RuntimeOption
	hooks []func(*Runtime)
}

// FlowOption mutates the Flow after configuration is loaded.
type FlowOption func(*Flow)

// StreamInOption configures the inputs of payload assembly.
type StreamInOption func(*Flow)

// StreamOutOption configures the consumers of emitted payloads.
type StreamOutOption func(*Flow)

// Conf loads YAML from disk, applies FlowOption values, and returns a Flow builder.
func Conf(path string, opts ...FlowOption) (*Flow, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return ConfFromConfig(cfg, opts...)
}

// ConfFromConfig bootstraps a Flow from an in-memory Config.
func ConfFromConfig(cfg *Config, opts ...FlowOption) (*Flow, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	f := &Flow{cfg: cfg}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f, nil
}

// Config returns the underlying configuration so callers can tweak it before building a runtime.
func (f *Flow) Config() *Config {
	if f == nil {
		return nil
	}
	return f.cfg
}

// Options appends raw RuntimeOption values to the builder for advanced scenarios.
func (f *Flow) Options(opts ...RuntimeOption) *Flow {
	if f == nil {
		return nil
	}
	f.appendOptions(opts...)
	return f
}

func (f *Flow) StreamIN(opts ...StreamInOption) *Flow {
	if f == nil {
		return nil
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// StreamOUT applies output options and builds a Runtime ready to run.
func (f *Flow) StreamOUT(opts ...StreamOutOption) (*Runtime, error) {
	if f == nil {
		return nil, fmt.Errorf("flow is nil")
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	rt, err := NewRuntime(f.cfg, f.opts...)
	if err != nil {
		return nil, err
	}
	for _, hook := range f.hooks {
		hook(rt)
	}
	return rt, nil
}

// Run is a shortcut for StreamOUT + runtime.Run.
func (f *Flow) Run(ctx context.Context, opts ...StreamOutOption) error {
	rt, err := f.StreamOUT(opts...)
	if err != nil {
		return err
	}
	return rt.Run(ctx)
}

// WithFlowOptions appends RuntimeOption values during Conf.
func WithFlowOptions(opts ...RuntimeOption) FlowOption {
	return func(f *Flow) {
		if f != nil {
			f.appendOptions(opts...)
		}
	}
}

// StreamInTimeSources replaces the configured time servers.
func StreamInTimeSources(sources ...TimeSource) StreamInOption {
	return func(f *Flow) {
		if f != nil && len(sources) > 0 {
			f.appendOptions(WithTimeSources(sources...))
		}
	}
}

// StreamInChainProviders replaces the configured chain APIs.
func StreamInChainProviders(providers map[string][]ChainProvider) StreamInOption {
	return func(f *Flow) {
		if f != nil && providers != nil {
			f.appendOptions(WithChainProviders(providers))
		}
	}
}

// StreamInUserData installs the per-tick user data supplier.
func StreamInUserData(fn UserDataSupplier) StreamInOption {
	return func(f *Flow) {
		if f != nil && fn != nil {
			f.hooks = append(f.hooks, func(rt *Runtime) { rt.SetUserDataSupplier(fn) })
		}
	}
}

// StreamInObservability overrides the default Prometheus-based observability stack.
func StreamInObservability(obs Observability) StreamInOption {
	return func(f *Flow) {
		if f != nil && obs != nil {
			f.appendOptions(WithObservability(obs))
		}
	}
}

// StreamOutSubscriber registers fn for every live update.
func StreamOutSubscriber(fn Callback) StreamOutOption {
	return func(f *Flow) {
		if f != nil && fn != nil {
			f.hooks = append(f.hooks, func(rt *Runtime) { rt.Subscribe(fn) })
		}
	}
}

// StreamOutSink archives payloads to a custom Sink.
func StreamOutSink(s Sink) StreamOutOption {
	return func(f *Flow) {
		if f != nil && s != nil {
			f.appendOptions(WithSink(s))
		}
	}
}

// StreamOutCallback archives payloads through a sink built from a callback.
func StreamOutCallback(name string, fn RecordBatchFunc) StreamOutOption {
	return func(f *Flow) {
		if f != nil {
			f.appendOptions(WithSink(NewCallbackSink(name, fn)))
		}
	}
}

// StreamOutRenderer overrides the PNG QR renderer.
func StreamOutRenderer(r Renderer) StreamOutOption {
	return func(f *Flow) {
		if f != nil && r != nil {
			f.appendOptions(WithRenderer(r))
		}
	}
}

// StreamOutObservability replaces the default observability backend.
func StreamOutObservability(obs Observability) StreamOutOption {
	return func(f *Flow) {
		if f != nil && obs != nil {
			f.appendOptions(WithObservability(obs))
		}
	}
}

func (f *Flow) appendOptions(opts ...RuntimeOption) {
	for _, opt := range opts {
		if opt != nil {
			f.opts = append(f.opts, opt)
		}
	}
}
