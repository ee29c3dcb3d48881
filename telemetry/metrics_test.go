package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestMetricsInitialized(t *testing.T) {
	Init()
	Init() // idempotent

	if DanmakuReceived == nil || DanmakuDelivered == nil || DeliveryFailures == nil {
		t.Fatal("danmaku counters not initialized")
	}
	if RoomsOpen == nil || RoomSubscribers == nil {
		t.Fatal("room gauges not initialized")
	}
	if DeliveryDuration == nil {
		t.Fatal("DeliveryDuration histogram not initialized")
	}
}

func TestCountersIncrement(t *testing.T) {
	Init()

	before := testutil.ToFloat64(DanmakuDelivered.WithLabelValues("metrics_test"))
	IncDelivered("metrics_test")
	IncDelivered("metrics_test")
	if got := testutil.ToFloat64(DanmakuDelivered.WithLabelValues("metrics_test")); got != before+2 {
		t.Errorf("danmaku_delivered_total = %v, want %v", got, before+2)
	}

	failures := testutil.ToFloat64(DeliveryFailures)
	IncDeliveryFailure()
	if got := testutil.ToFloat64(DeliveryFailures); got != failures+1 {
		t.Errorf("danmaku_delivery_failures_total = %v, want %v", got, failures+1)
	}
}

func TestSetRoomStats(t *testing.T) {
	Init()
	SetRoomStats(3, 7)
	if got := testutil.ToFloat64(RoomsOpen); got != 3 {
		t.Errorf("rooms_open = %v, want 3", got)
	}
	if got := testutil.ToFloat64(RoomSubscribers); got != 7 {
		t.Errorf("room_subscribers = %v, want 7", got)
	}
}

func TestTimeFuncRecordsObservation(t *testing.T) {
	testHistogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_duration_seconds",
		Help:    "Test duration",
		Buckets: prometheus.DefBuckets,
	})

	executed := false
	duration := TimeFunc(testHistogram, func() {
		time.Sleep(10 * time.Millisecond)
		executed = true
	})

	if !executed {
		t.Error("TimeFunc did not execute provided function")
	}
	if duration < 10*time.Millisecond {
		t.Errorf("TimeFunc duration = %v, want >= 10ms", duration)
	}

	metric := &dto.Metric{}
	if err := testHistogram.Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Histogram == nil || metric.Histogram.GetSampleCount() == 0 {
		t.Error("TimeFunc did not record observation in histogram")
	}
}

func TestCorrelation(t *testing.T) {
	ctx := context.Background()
	if got := GetCorrelation(ctx); got != "" {
		t.Errorf("GetCorrelation(empty) = %q", got)
	}
	ctx = WithCorrelation(ctx, "abc")
	if got := GetCorrelation(ctx); got != "abc" {
		t.Errorf("GetCorrelation = %q, want abc", got)
	}
	if LoggerWithCorr(ctx) == nil {
		t.Error("LoggerWithCorr returned nil")
	}
}
