package flow

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/dshills/flowrun/flow/emit"
)

// Option configures an Engine.
type Option func(*Engine)

// WithEmitter sets the observability emitter. Default: emit.NullEmitter.
func WithEmitter(e emit.Emitter) Option {
	return func(eng *Engine) {
		if e != nil {
			eng.emitter = e
		}
	}
}

// WithLogger sets the engine logger. Default: a disabled logger.
func WithLogger(l zerolog.Logger) Option {
	return func(eng *Engine) { eng.logger = l }
}

// WithCapabilities wires the optional engine services (API key resolution,
// knowledge ingestion and retrieval) available to nodes.
func WithCapabilities(caps Capabilities) Option {
	return func(eng *Engine) { eng.caps = caps }
}

// WithBounds overrides the default execution bounds.
func WithBounds(b Defaults) Option {
	return func(eng *Engine) { eng.bounds = b }
}

// WithClock injects a time source for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(eng *Engine) {
		if now != nil {
			eng.now = now
		}
	}
}

// WithIDGen injects the id generator used for step rows.
func WithIDGen(newID func() string) Option {
	return func(eng *Engine) {
		if newID != nil {
			eng.newID = newID
		}
	}
}

// WithWaveConcurrency sets the maximum number of nodes of one wave executed
// in parallel. Values below 2 keep the deterministic sequential order;
// parallel waves merge isolated context views at the wave barrier in
// ascending node id order.
func WithWaveConcurrency(n int) Option {
	return func(eng *Engine) {
		if n > 0 {
			eng.waveConcurrency = n
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(eng *Engine) { eng.metrics = m }
}
