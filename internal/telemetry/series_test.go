package telemetry

import (
	"math"
	"testing"
	"time"

	"deploywatch/internal/models"
)

var t0 = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

func sample(offset time.Duration, rx, tx uint64) models.MetricSample {
	return models.MetricSample{Timestamp: t0.Add(offset), RxBytesCumulative: rx, TxBytesCumulative: tx}
}

func TestRateCalculatorDerivesKBps(t *testing.T) {
	var r RateCalculator
	if _, ok := r.Observe(sample(0, 1000, 0)); ok {
		t.Fatalf("expected no point for the first sample")
	}
	p, ok := r.Observe(sample(2*time.Second, 3048, 2048))
	if !ok {
		t.Fatalf("expected a rate point")
	}
	if math.Abs(p.RxRateKBps-1.0) > 1e-9 {
		t.Fatalf("expected rx 1.0 KB/s, got %f", p.RxRateKBps)
	}
	if math.Abs(p.TxRateKBps-1.0) > 1e-9 {
		t.Fatalf("expected tx 1.0 KB/s, got %f", p.TxRateKBps)
	}
	if p.TimeLabel != "10:00:02" {
		t.Fatalf("expected label 10:00:02, got %q", p.TimeLabel)
	}
}

func TestRateCalculatorClampsCounterReset(t *testing.T) {
	var r RateCalculator
	r.Observe(sample(0, 50000, 50000))
	p, ok := r.Observe(sample(time.Second, 100, 50000))
	if !ok {
		t.Fatalf("expected a rate point after a counter reset")
	}
	if p.RxRateKBps != 0 || p.TxRateKBps != 0 {
		t.Fatalf("expected zero rates, got rx=%f tx=%f", p.RxRateKBps, p.TxRateKBps)
	}
	// The reset sample becomes the new baseline.
	p, _ = r.Observe(sample(2*time.Second, 100+1024, 50000))
	if math.Abs(p.RxRateKBps-1.0) > 1e-9 {
		t.Fatalf("expected rx 1.0 KB/s from the new baseline, got %f", p.RxRateKBps)
	}
}

func TestRateCalculatorSkipsStaleSamples(t *testing.T) {
	var r RateCalculator
	r.Observe(sample(5*time.Second, 1000, 1000))
	if _, ok := r.Observe(sample(5*time.Second, 9000, 9000)); ok {
		t.Fatalf("expected equal timestamp to be skipped")
	}
	if _, ok := r.Observe(sample(time.Second, 9000, 9000)); ok {
		t.Fatalf("expected older timestamp to be skipped")
	}
	p, ok := r.Observe(sample(6*time.Second, 1000+2048, 1000))
	if !ok {
		t.Fatalf("expected a point once time moves forward")
	}
	if math.Abs(p.RxRateKBps-2.0) > 1e-9 {
		t.Fatalf("expected rx 2.0 KB/s against the untouched baseline, got %f", p.RxRateKBps)
	}
	if math.IsNaN(p.RxRateKBps) || math.IsInf(p.RxRateKBps, 0) {
		t.Fatalf("expected finite rate, got %f", p.RxRateKBps)
	}
}

func TestSeriesWindowEvictsOldest(t *testing.T) {
	w := NewSeriesWindow[int](3)
	for i := 1; i <= 5; i++ {
		w.Append(i)
	}
	got := w.Values()
	want := []int{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if last, ok := w.Last(); !ok || last != 5 {
		t.Fatalf("expected last 5, got %d %v", last, ok)
	}
	got[0] = 99
	if w.Values()[0] != 3 {
		t.Fatalf("expected Values to return a copy")
	}
	if NewSeriesWindow[int](0).Cap() != DefaultSeriesCapacity {
		t.Fatalf("expected default capacity %d", DefaultSeriesCapacity)
	}
}

func TestMetricSeriesBoundedLengths(t *testing.T) {
	m := NewMetricSeries(30)
	for i := 0; i < 45; i++ {
		m.Observe(models.MetricSample{
			Timestamp:         t0.Add(time.Duration(i) * time.Second),
			CPUPercent:        float64(i),
			MemoryPercent:     140,
			RxBytesCumulative: uint64(i) * 1024,
		})
	}
	if n := len(m.Usage()); n != 30 {
		t.Fatalf("expected 30 usage points, got %d", n)
	}
	if n := len(m.Rates()); n != 30 {
		t.Fatalf("expected 30 rate points, got %d", n)
	}
	if got := m.Usage()[0].CPUPercent; got != 15 {
		t.Fatalf("expected oldest retained cpu 15, got %f", got)
	}
	if got := m.Usage()[29].MemoryPercent; got != 100 {
		t.Fatalf("expected memory clamped to 100, got %f", got)
	}
	for _, p := range m.Rates() {
		if math.Abs(p.RxRateKBps-1.0) > 1e-9 {
			t.Fatalf("expected steady 1.0 KB/s, got %f", p.RxRateKBps)
		}
	}
	if got := m.RateAxisMax(); got != 2 {
		t.Fatalf("expected rate axis 2, got %f", got)
	}
	m.Reset()
	if len(m.Usage()) != 0 || len(m.Rates()) != 0 {
		t.Fatalf("expected empty series after reset")
	}
}

func TestAxisMax(t *testing.T) {
	cases := []struct {
		peak float64
		want float64
	}{
		{0, 10},
		{4, 10},
		{8, 10},
		{40, 50},
		{79.5, 100},
		{95, 100},
		{math.NaN(), 10},
	}
	for _, tc := range cases {
		if got := AxisMax(tc.peak); got != tc.want {
			t.Fatalf("AxisMax(%v): expected %v, got %v", tc.peak, tc.want, got)
		}
	}
	if got := RateAxisMax(0); got != 1 {
		t.Fatalf("expected rate floor 1, got %v", got)
	}
	if got := RateAxisMax(400); got != 500 {
		t.Fatalf("expected 500, got %v", got)
	}
}
