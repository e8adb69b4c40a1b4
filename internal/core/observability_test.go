package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestExpvarMetricsRecorder(t *testing.T) {
	rec := NewExpvarMetricsRecorder("")
	rec.Observe(context.Background(), OpManufacture, true, 2*time.Millisecond)
	rec.Observe(context.Background(), OpManufacture, false, 3*time.Millisecond)
	rec.Observe(context.Background(), "", true, time.Second)

	snap := rec.Snapshot()
	if snap.DurationsMS[OpManufacture] != 5 {
		t.Fatalf("expected 5ms total, got %v", snap.DurationsMS[OpManufacture])
	}
	if snap.Results[OpManufacture]["success"] != 1 || snap.Results[OpManufacture]["error"] != 1 {
		t.Fatalf("unexpected results %+v", snap.Results)
	}
	if _, ok := snap.Results[""]; ok {
		t.Fatalf("empty operation should be ignored")
	}
	if expvar.Get(rec.Name()) == nil {
		t.Fatalf("recorder not published under %s", rec.Name())
	}
}

func TestPrometheusMetricsRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusMetricsRecorder(reg)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	rec.Observe(context.Background(), OpApproveRequest, true, 10*time.Millisecond)
	rec.Observe(context.Background(), OpApproveRequest, false, 10*time.Millisecond)
	rec.Observe(context.Background(), OpApproveRequest, true, 10*time.Millisecond)

	if got := testutil.ToFloat64(rec.operations.WithLabelValues(OpApproveRequest, "success")); got != 2 {
		t.Fatalf("expected 2 successes, got %v", got)
	}
	if got := testutil.CollectAndCount(rec.duration); got != 1 {
		t.Fatalf("expected one histogram series, got %d", got)
	}

	again, err := NewPrometheusMetricsRecorder(reg)
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	again.Observe(context.Background(), OpApproveRequest, true, time.Millisecond)
	if got := testutil.ToFloat64(rec.operations.WithLabelValues(OpApproveRequest, "success")); got != 3 {
		t.Fatalf("expected shared collectors, got %v", got)
	}
}

func TestMultiMetricsRecorder(t *testing.T) {
	a, b := NewExpvarMetricsRecorder(""), NewExpvarMetricsRecorder("")
	MultiMetricsRecorder{a, b}.Observe(context.Background(), OpTimeline, true, time.Millisecond)
	if a.Snapshot().Results[OpTimeline]["success"] != 1 || b.Snapshot().Results[OpTimeline]["success"] != 1 {
		t.Fatalf("observation not fanned out")
	}
}

func TestJSONTracer(t *testing.T) {
	var buf bytes.Buffer
	tracer := NewJSONTracer(&buf)
	_, span := tracer.Start(context.Background(), OpSupplyChain)
	span.End(errors.New("boom"))
	span.End(nil)

	entries := tracer.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected a single span, got %d", len(entries))
	}
	if entries[0].Status != "error" || entries[0].Error != "boom" {
		t.Fatalf("unexpected span %+v", entries[0])
	}
	var decoded JSONTraceEntry
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Operation != OpSupplyChain {
		t.Fatalf("unexpected encoded span %+v", decoded)
	}
}

func TestNoopLoggerIsDefault(t *testing.T) {
	var l Logger = noopLogger{}
	l.Debug("x")
	l.Info("x")
	l.Warn("x")
	l.Error("x")
}
