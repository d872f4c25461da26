// Package ingest accepts instrument connections and turns each one into a
// stored result: read to end of stream, decode, hand to the gateway.
package ingest

import (
	"context"

	"astmlis/internal/core"
	"astmlis/pkg/astm"
)

// Saver persists one decoded message, archiving msg.Wire as received.
// *core.Gateway implements it.
type Saver interface {
	SaveMessage(ctx context.Context, msg astm.Message) (core.StoredResult, error)
}

type settings struct {
	logger  core.Logger
	metrics core.MetricsRecorder
	tracer  core.Tracer
}

// Option customises a Handler or Listener.
type Option func(*settings)

// WithLogger sets the logger.
func WithLogger(logger core.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetricsRecorder sets the metrics sink.
func WithMetricsRecorder(rec core.MetricsRecorder) Option {
	return func(s *settings) {
		if rec != nil {
			s.metrics = rec
		}
	}
}

// WithTracer sets the span source.
func WithTracer(tracer core.Tracer) Option {
	return func(s *settings) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

func newSettings(opts []Option) settings {
	s := settings{
		logger:  core.NoopLogger(),
		metrics: core.NoopMetricsRecorder(),
		tracer:  core.NoopTracer(),
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}
