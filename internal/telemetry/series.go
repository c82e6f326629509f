package telemetry

import (
	"math"

	"deploywatch/internal/models"
)

// DefaultSeriesCapacity is the number of chart points retained per series.
const DefaultSeriesCapacity = 30

// SeriesWindow is a fixed-capacity sliding window. Appending past capacity
// evicts the oldest entry.
type SeriesWindow[T any] struct {
	capacity int
	items    []T
}

func NewSeriesWindow[T any](capacity int) *SeriesWindow[T] {
	if capacity <= 0 {
		capacity = DefaultSeriesCapacity
	}
	return &SeriesWindow[T]{capacity: capacity, items: make([]T, 0, capacity)}
}

func (w *SeriesWindow[T]) Append(v T) {
	if len(w.items) >= w.capacity {
		copy(w.items, w.items[1:])
		w.items = w.items[:len(w.items)-1]
	}
	w.items = append(w.items, v)
}

// Values returns the window contents oldest first. The slice is a copy.
func (w *SeriesWindow[T]) Values() []T {
	return append([]T(nil), w.items...)
}

// Last returns the newest entry.
func (w *SeriesWindow[T]) Last() (T, bool) {
	var zero T
	if len(w.items) == 0 {
		return zero, false
	}
	return w.items[len(w.items)-1], true
}

func (w *SeriesWindow[T]) Len() int { return len(w.items) }
func (w *SeriesWindow[T]) Cap() int { return w.capacity }

func (w *SeriesWindow[T]) Reset() {
	w.items = w.items[:0]
}

// RateCalculator derives per-second network rates from cumulative counters.
// It keeps exactly one previous sample.
type RateCalculator struct {
	prev    models.MetricSample
	hasPrev bool
}

// Observe returns the rate between the previous sample and s. No point is
// produced for the first sample or when s is not newer than the previous one;
// in that case the stored sample is left untouched.
func (r *RateCalculator) Observe(s models.MetricSample) (models.RatePoint, bool) {
	if !r.hasPrev {
		r.prev = s
		r.hasPrev = true
		return models.RatePoint{}, false
	}
	if !s.Timestamp.After(r.prev.Timestamp) {
		return models.RatePoint{}, false
	}
	elapsed := float64(s.Timestamp.Sub(r.prev.Timestamp).Milliseconds()) / 1000
	prev := r.prev
	r.prev = s
	if elapsed <= 0 {
		return models.RatePoint{}, false
	}
	return models.RatePoint{
		TimeLabel:  models.TimeLabel(s.Timestamp),
		At:         s.Timestamp,
		RxRateKBps: kbPerSecond(prev.RxBytesCumulative, s.RxBytesCumulative, elapsed),
		TxRateKBps: kbPerSecond(prev.TxBytesCumulative, s.TxBytesCumulative, elapsed),
	}, true
}

// Reset forgets the previous sample.
func (r *RateCalculator) Reset() {
	r.prev = models.MetricSample{}
	r.hasPrev = false
}

// kbPerSecond clamps counter resets (cur < prev) to zero.
func kbPerSecond(prev, cur uint64, seconds float64) float64 {
	if cur <= prev || seconds <= 0 {
		return 0
	}
	return float64(cur-prev) / 1024 / seconds
}

// MetricSeries combines the rate calculator with the two chart windows fed by
// one metric stream.
type MetricSeries struct {
	rates *RateCalculator
	rate  *SeriesWindow[models.RatePoint]
	usage *SeriesWindow[models.UsagePoint]
}

func NewMetricSeries(capacity int) *MetricSeries {
	return &MetricSeries{
		rates: &RateCalculator{},
		rate:  NewSeriesWindow[models.RatePoint](capacity),
		usage: NewSeriesWindow[models.UsagePoint](capacity),
	}
}

// Observe records a sample. CPU and memory are appended as reported; a rate
// point is appended when one can be derived.
func (m *MetricSeries) Observe(s models.MetricSample) (models.RatePoint, bool) {
	m.usage.Append(models.UsagePoint{
		TimeLabel:     models.TimeLabel(s.Timestamp),
		At:            s.Timestamp,
		CPUPercent:    clampPercent(s.CPUPercent),
		MemoryPercent: clampPercent(s.MemoryPercent),
	})
	p, ok := m.rates.Observe(s)
	if ok {
		m.rate.Append(p)
	}
	return p, ok
}

func (m *MetricSeries) Rates() []models.RatePoint  { return m.rate.Values() }
func (m *MetricSeries) Usage() []models.UsagePoint { return m.usage.Values() }

func (m *MetricSeries) Reset() {
	m.rates.Reset()
	m.rate.Reset()
	m.usage.Reset()
}

// UsageAxisMax is the suggested y-axis maximum over the CPU and memory series.
func (m *MetricSeries) UsageAxisMax() float64 {
	peak := 0.0
	for _, p := range m.usage.items {
		peak = math.Max(peak, math.Max(p.CPUPercent, p.MemoryPercent))
	}
	return AxisMax(peak)
}

// RateAxisMax is the suggested y-axis maximum over the rate series.
func (m *MetricSeries) RateAxisMax() float64 {
	peak := 0.0
	for _, p := range m.rate.items {
		peak = math.Max(peak, math.Max(p.RxRateKBps, p.TxRateKBps))
	}
	return RateAxisMax(peak)
}

const (
	percentAxisFloor = 10
	rateAxisFloor    = 1
)

// AxisMax suggests a y-axis maximum for a percentage series:
// min(100, ceil(peak*1.25)), never below 10 so flat data near zero is not
// drawn as a full chart.
func AxisMax(peak float64) float64 {
	if math.IsNaN(peak) || peak < 0 {
		peak = 0
	}
	v := math.Ceil(peak * 1.25)
	if v < percentAxisFloor {
		v = percentAxisFloor
	}
	return math.Min(100, v)
}

// RateAxisMax suggests a y-axis maximum in KB/s with a 1 KB/s floor.
func RateAxisMax(peak float64) float64 {
	if math.IsNaN(peak) || peak < 0 {
		peak = 0
	}
	return math.Max(rateAxisFloor, math.Ceil(peak*1.25))
}

func clampPercent(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
