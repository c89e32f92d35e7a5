package core

import (
	"bytes"
	"context"
	"errors"
	"expvar"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const entryStatusSuccess = "success"
const entryStatusError = "error"

func TestExpvarMetricsRecorderExports(t *testing.T) {
	recorder := NewExpvarMetricsRecorder("")
	if recorder.Name() == "" {
		t.Fatalf("expected recorder to have export name")
	}
	recorder.Observe(context.Background(), "uow.complete", true, 10*time.Millisecond)
	recorder.Observe(context.Background(), "uow.complete", false, 5*time.Millisecond)
	recorder.Observe(context.Background(), "", true, time.Millisecond)

	snapshot := recorder.Snapshot()
	stats, ok := snapshot.Operations["uow.complete"]
	if !ok || stats.TotalMS != 15 || stats.MaxMS != 10 {
		t.Fatalf("expected summed and max duration, snapshot=%+v", snapshot)
	}
	if stats.Success != 1 || stats.Error != 1 {
		t.Fatalf("unexpected results snapshot=%+v", snapshot)
	}
	if len(snapshot.Operations) != 1 {
		t.Fatalf("empty operation must be ignored, snapshot=%+v", snapshot)
	}
	if v := expvar.Get(recorder.Name()); v == nil {
		t.Fatalf("expected expvar export to be registered")
	} else if !strings.Contains(v.String(), "uow.complete") {
		t.Fatalf("expected expvar output to contain operation: %s", v.String())
	}
}

func TestJSONTraceTracerExports(t *testing.T) {
	var buf bytes.Buffer
	tracer := NewJSONTracer(&buf)
	ctx, span := tracer.Start(context.Background(), "Greeter.greet")
	_, nested := tracer.Start(ctx, "uow.complete")
	nested.End(errors.New("conflict"))
	span.End(nil)
	span.End(errors.New("ignored"))

	entries := tracer.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected two span entries, got %d", len(entries))
	}
	if entries[0].Operation != "uow.complete" || entries[0].Parent != "Greeter.greet" {
		t.Fatalf("expected nested span with parent, got %+v", entries[0])
	}
	if entries[0].Status != entryStatusError || entries[0].Error != "conflict" {
		t.Fatalf("unexpected failed span entry: %+v", entries[0])
	}
	if entries[1].Operation != "Greeter.greet" || entries[1].Parent != "" || entries[1].Status != entryStatusSuccess {
		t.Fatalf("unexpected root span entry: %+v", entries[1])
	}
	if !strings.Contains(buf.String(), "\"operation\":\"Greeter.greet\"") {
		t.Fatalf("expected JSON output to contain operation: %q", buf.String())
	}
	if strings.Count(buf.String(), "\n") != 2 {
		t.Fatalf("expected one JSON line per ended span: %q", buf.String())
	}
	if len(NewJSONTracer(nil).Entries()) != 0 {
		t.Fatalf("expected empty tracer")
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			if matches(m, labels) {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func matches(m *dto.Metric, labels map[string]string) bool {
	for _, pair := range m.GetLabel() {
		if want, ok := labels[pair.GetName()]; ok && want != pair.GetValue() {
			return false
		}
	}
	return true
}

func TestPrometheusMetricsRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	recorder, err := NewPrometheusMetricsRecorder(reg, "")
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	ctx := context.Background()
	recorder.Observe(ctx, "uow.complete", true, 20*time.Millisecond)
	recorder.Observe(ctx, "uow.complete", true, 10*time.Millisecond)
	recorder.Observe(ctx, "uow.complete", false, 10*time.Millisecond)

	if got := counterValue(t, reg, "polygene_operations_total", map[string]string{"operation": "uow.complete", "status": "success"}); got != 2 {
		t.Fatalf("expected 2 successes, got %v", got)
	}
	if got := counterValue(t, reg, "polygene_operations_total", map[string]string{"operation": "uow.complete", "status": "error"}); got != 1 {
		t.Fatalf("expected 1 error, got %v", got)
	}
	if _, err := NewPrometheusMetricsRecorder(reg, ""); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
	if _, err := NewPrometheusMetricsRecorder(reg, "other"); err != nil {
		t.Fatalf("separate namespace must register: %v", err)
	}
}

func TestOTelTracerRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	tracer := NewOTelTracer(provider)

	ctx, span := tracer.Start(context.Background(), "uow.complete")
	if ctx == context.Background() {
		t.Fatalf("expected span context")
	}
	span.End(nil)
	_, failed := tracer.Start(context.Background(), "Greeter.greet")
	failed.End(errors.New("dispatch failed"))

	ended := recorder.Ended()
	if len(ended) != 2 {
		t.Fatalf("expected 2 ended spans, got %d", len(ended))
	}
	if ended[0].Name() != "uow.complete" || ended[0].Status().Code == codes.Error {
		t.Fatalf("unexpected first span %s %v", ended[0].Name(), ended[0].Status())
	}
	if ended[1].Status().Code != codes.Error || ended[1].Status().Description != "dispatch failed" || len(ended[1].Events()) == 0 {
		t.Fatalf("expected error status and event, got %v %d", ended[1].Status(), len(ended[1].Events()))
	}
	if NewOTelTracer(nil) == nil {
		t.Fatalf("expected global provider tracer")
	}
}

func TestSlogLoggerWritesLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	logger.Debug("opening", "driver", "memory")
	logger.Info("activated", "module", "people")
	logger.Warn("conflict", "identity", "ada")
	logger.Error("failed", "error", "boom")
	out := buf.String()
	for _, want := range []string{"level=DEBUG", "driver=memory", "level=INFO", "level=WARN", "identity=ada", "level=ERROR"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
	if NewSlogLogger(nil) == nil {
		t.Fatalf("expected default logger")
	}
}
