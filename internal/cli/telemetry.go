package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"polygene/internal/core"
	"polygene/internal/unitofwork"
)

// ValidTraces defines the allowed --trace exporters.
var ValidTraces = []string{"none", "json", "otel"}

// telemetry holds the exporters selected by --metrics and --trace. Both write
// to stderr so stdout stays machine readable.
type telemetry struct {
	out      io.Writer
	registry *prometheus.Registry
	provider *sdktrace.TracerProvider
	opts     []unitofwork.Option
}

func newTelemetry(o *RootOptions, out io.Writer) (*telemetry, error) {
	t := &telemetry{out: out}
	if o.Metrics {
		t.registry = prometheus.NewRegistry()
		rec, err := core.NewPrometheusMetricsRecorder(t.registry, "")
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		t.opts = append(t.opts, unitofwork.WithMetricsRecorder(rec))
	}
	switch o.Trace {
	case "", "none":
	case "json":
		t.opts = append(t.opts, unitofwork.WithTracer(core.NewJSONTracer(out)))
	case "otel":
		t.provider = sdktrace.NewTracerProvider(sdktrace.WithSyncer(spanWriter{out: out}))
		t.opts = append(t.opts, unitofwork.WithTracer(core.NewOTelTracer(t.provider)))
	default:
		return nil, fmt.Errorf("invalid trace exporter %q: must be one of %v", o.Trace, ValidTraces)
	}
	return t, nil
}

// flush writes the gathered metrics in the Prometheus text format and shuts
// the trace provider down.
func (t *telemetry) flush(ctx context.Context) error {
	var errs []error
	if t.provider != nil {
		errs = append(errs, t.provider.Shutdown(ctx))
	}
	if t.registry != nil {
		families, err := t.registry.Gather()
		errs = append(errs, err)
		for _, mf := range families {
			if _, err := expfmt.MetricFamilyToText(t.out, mf); err != nil {
				errs = append(errs, err)
				break
			}
		}
	}
	return errors.Join(errs...)
}

// spanWriter prints ended OpenTelemetry spans, one line each.
type spanWriter struct{ out io.Writer }

func (w spanWriter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		status := "ok"
		if st := s.Status(); st.Code == codes.Error {
			status = "error: " + st.Description
		}
		if _, err := fmt.Fprintf(w.out, "span %s %s %s\n", s.Name(), s.EndTime().Sub(s.StartTime()).Round(time.Microsecond), status); err != nil {
			return err
		}
	}
	return nil
}

func (spanWriter) Shutdown(context.Context) error { return nil }
