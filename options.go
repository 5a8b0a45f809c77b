package mqexplorer

import (
	"crypto/tls"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Options contains the provider configuration shared by all adapters.
type Options struct {
	// Logger receives the human-readable operation log lines.
	Logger Logger

	// TLSConfig is the TLS configuration for secure connections.
	TLSConfig *tls.Config

	// Tracer is the OpenTelemetry tracer for observability.
	Tracer trace.Tracer
	// Meter is the OpenTelemetry meter for observability.
	Meter metric.Meter

	// BrowseTimeout bounds a single browse round trip against brokers
	// that deliver browsed messages asynchronously.
	BrowseTimeout time.Duration
	// ManagementTimeout bounds a management correlator exchange.
	ManagementTimeout time.Duration
	// ReceiveBatchSize is the number of messages fetched per receive
	// call during targeted-deletion re-acquisition loops.
	ReceiveBatchSize int
}

type Option func(*Options)

// NewOptions applies opts over the defaults.
func NewOptions(opts ...Option) *Options {
	options := Options{
		Logger:            noopLogger{},
		BrowseTimeout:     5 * time.Second,
		ManagementTimeout: 5 * time.Second,
		ReceiveBatchSize:  10,
	}

	for _, o := range opts {
		o(&options)
	}

	return &options
}

// WithLogger sets the injected logging collaborator.
func WithLogger(l Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

// WithTLSConfig specifies the TLS config for secure connections.
func WithTLSConfig(t *tls.Config) Option {
	return func(o *Options) {
		o.TLSConfig = t
	}
}

// WithTracer sets the tracer used for observability.
func WithTracer(t trace.Tracer) Option {
	return func(o *Options) {
		o.Tracer = t
	}
}

// WithMeter sets the meter used for observability.
func WithMeter(m metric.Meter) Option {
	return func(o *Options) {
		o.Meter = m
	}
}

// WithBrowseTimeout bounds asynchronous browse delivery.
func WithBrowseTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.BrowseTimeout = d
		}
	}
}

// WithManagementTimeout bounds a management correlator exchange.
func WithManagementTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.ManagementTimeout = d
		}
	}
}

// WithReceiveBatchSize sets the batch size for deletion re-acquisition
// loops.
func WithReceiveBatchSize(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.ReceiveBatchSize = n
		}
	}
}
