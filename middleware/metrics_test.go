package middleware_test

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	mw "github.com/flumeq/flume/middleware"
)

func newManualMeter() (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	reader := sdkmetric.NewManualReader()
	return reader, sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
}

// collectMetric reads everything recorded so far and returns the named
// instrument, or nil if it was never touched.
func collectMetric(t *testing.T, reader *sdkmetric.ManualReader, name string) *metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func stringAttrs(set attribute.Set) map[string]string {
	out := make(map[string]string)
	for _, a := range set.ToSlice() {
		if a.Value.Type() == attribute.STRING {
			out[string(a.Key)] = a.Value.AsString()
		}
	}
	return out
}

func TestMetrics_RecordsDuration(t *testing.T) {
	reader, mp := newManualMeter()
	m := mw.MetricsWithMeter(mp.Meter("test"))

	err := m(context.Background(), newTestJob(), func(_ context.Context) error { return nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	metric := collectMetric(t, reader, "flume.job.duration")
	if metric == nil {
		t.Fatal("flume.job.duration not recorded")
	}
	hist, ok := metric.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("unexpected data type %T", metric.Data)
	}
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
		t.Fatalf("expected a single recording, got %+v", hist.DataPoints)
	}
}

func TestMetrics_TagsOutcome(t *testing.T) {
	reader, mp := newManualMeter()
	m := mw.MetricsWithMeter(mp.Meter("test"))
	j := newTestJob()

	_ = m(context.Background(), j, func(_ context.Context) error { return nil })
	_ = m(context.Background(), j, func(_ context.Context) error { return errors.New("boom") })

	metric := collectMetric(t, reader, "flume.job.executions")
	if metric == nil {
		t.Fatal("flume.job.executions not recorded")
	}
	sum, ok := metric.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type %T", metric.Data)
	}

	byStatus := make(map[string]int64)
	for _, dp := range sum.DataPoints {
		byStatus[stringAttrs(dp.Attributes)["status"]] += dp.Value
	}
	if byStatus["ok"] != 1 || byStatus["error"] != 1 {
		t.Fatalf("expected one ok and one error execution, got %v", byStatus)
	}
}

func TestMetrics_JobAttributes(t *testing.T) {
	reader, mp := newManualMeter()
	m := mw.MetricsWithMeter(mp.Meter("test"))

	_ = m(context.Background(), newTestJob(), func(_ context.Context) error { return nil })

	metric := collectMetric(t, reader, "flume.job.executions")
	if metric == nil {
		t.Fatal("flume.job.executions not recorded")
	}
	sum := metric.Data.(metricdata.Sum[int64])
	if len(sum.DataPoints) == 0 {
		t.Fatal("no data points recorded")
	}

	attrs := stringAttrs(sum.DataPoints[0].Attributes)
	if attrs["job_name"] != "send-email" {
		t.Errorf("job_name = %q, want send-email", attrs["job_name"])
	}
	if attrs["queue"] != "default" {
		t.Errorf("queue = %q, want default", attrs["queue"])
	}
}

func TestMetrics_NoopWithoutProvider(t *testing.T) {
	m := mw.Metrics()

	called := false
	err := m(context.Background(), newTestJob(), func(_ context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler was not called")
	}
}
