package backend

import (
	"log/slog"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/trace"

	"github.com/reservehq/holdflow/backend/converter"
)

const TracerName = "holdflow"

type Options struct {
	Logger *slog.Logger

	Clock clock.Clock

	TracerProvider trace.TracerProvider

	// Converter is the converter to use for serializing and deserializing
	// step results and reservations. If not explicitly set,
	// converter.DefaultConverter is used.
	Converter converter.Converter
}

var DefaultOptions Options = Options{
	Logger:         slog.Default(),
	Clock:          clock.New(),
	TracerProvider: trace.NewNoopTracerProvider(),
	Converter:      converter.DefaultConverter,
}

type BackendOption func(*Options)

func WithLogger(logger *slog.Logger) BackendOption {
	return func(o *Options) {
		o.Logger = logger
	}
}

func WithClock(c clock.Clock) BackendOption {
	return func(o *Options) {
		o.Clock = c
	}
}

func WithTracerProvider(tp trace.TracerProvider) BackendOption {
	return func(o *Options) {
		o.TracerProvider = tp
	}
}

func WithConverter(c converter.Converter) BackendOption {
	return func(o *Options) {
		o.Converter = c
	}
}

func ApplyOptions(opts ...BackendOption) Options {
	options := DefaultOptions

	for _, opt := range opts {
		opt(&options)
	}

	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	return options
}
