// Package observability wires optional Prometheus metrics and OpenTelemetry
// tracing into the SDK. Everything here is injected, never global, and the
// whole package is a no-op when the caller leaves observability disabled.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"github.com/ucloud/agentbox-go/internal/config"
)

// Observability bundles the enabled subsystems. A nil *Observability is a
// valid, fully disabled instance.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerSetup
}

// New builds the enabled subsystems from config. Returns nil when cfg is nil.
func New(cfg *config.ObservabilityConfig) (*Observability, error) {
	if cfg == nil {
		return nil, nil
	}

	obs := &Observability{}
	if cfg.Metrics {
		obs.Metrics = NewMetricsCollector()
	}

	tracer, err := NewTracerSetup(cfg.Tracing)
	if err != nil {
		return nil, err
	}
	obs.Tracer = tracer

	return obs, nil
}

// TracerOrNoop returns a usable tracer even when tracing is disabled.
func (o *Observability) TracerOrNoop() trace.Tracer {
	if o == nil {
		return trace.NewNoopTracerProvider().Tracer("")
	}
	return o.Tracer.Tracer()
}

// MetricsOrNil returns the collector, or nil when metrics are disabled.
func (o *Observability) MetricsOrNil() *MetricsCollector {
	if o == nil {
		return nil
	}
	return o.Metrics
}

// Shutdown flushes exporters. Safe on nil.
func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil {
		return
	}
	_ = o.Tracer.Shutdown(ctx)
}
