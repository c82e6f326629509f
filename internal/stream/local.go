package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"

	"deploywatch/internal/models"
)

const defaultSampleInterval = 2 * time.Second

// SampleFunc reads one metric sample.
type SampleFunc func(ctx context.Context) (models.MetricSample, error)

// LocalMetricsDialer serves the metrics topic from the host this process runs
// on. Every resource id maps to the same host counters, which makes it useful
// when the platform runs on the local machine.
type LocalMetricsDialer struct {
	Interval time.Duration
	// Sample overrides the gopsutil sampler.
	Sample SampleFunc
}

func (d *LocalMetricsDialer) Dial(ctx context.Context, key Key) (Conn, error) {
	if key.Topic != TopicMetrics {
		return nil, &SetupError{Key: key, Err: ErrUnsupported}
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultSampleInterval
	}
	sample := d.Sample
	if sample == nil {
		sample = HostSample
	}
	return &localConn{
		interval: interval,
		sample:   sample,
		closed:   make(chan struct{}),
	}, nil
}

// HostSample reads host-wide CPU, memory and cumulative network counters.
func HostSample(ctx context.Context) (models.MetricSample, error) {
	out := models.MetricSample{Timestamp: time.Now()}
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return out, fmt.Errorf("cpu percent: %w", err)
	}
	if len(percents) > 0 {
		out.CPUPercent = percents[0]
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return out, fmt.Errorf("virtual memory: %w", err)
	}
	out.MemoryPercent = vm.UsedPercent
	counters, err := net.IOCountersWithContext(ctx, false)
	if err != nil {
		return out, fmt.Errorf("net counters: %w", err)
	}
	for _, c := range counters {
		out.RxBytesCumulative += c.BytesRecv
		out.TxBytesCumulative += c.BytesSent
	}
	return out, nil
}

type localConn struct {
	interval time.Duration
	sample   SampleFunc

	mu        sync.Mutex
	last      time.Time
	closeOnce sync.Once
	closed    chan struct{}
}

func (c *localConn) ReadFrame(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	wait := time.Duration(0)
	if !c.last.IsZero() {
		wait = time.Until(c.last.Add(c.interval))
	}
	c.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-c.closed:
			timer.Stop()
			return nil, ErrClosed
		}
	}
	select {
	case <-c.closed:
		return nil, ErrClosed
	default:
	}

	s, err := c.sample(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.last = time.Now()
	c.mu.Unlock()
	return EncodeMetric(s)
}

func (c *localConn) Ping(context.Context) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
		return nil
	}
}

func (c *localConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// EncodeMetric renders a sample as a metric envelope frame.
func EncodeMetric(s models.MetricSample) ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"event": FrameMetric,
		"data": wireMetricOut{
			Timestamp:     s.Timestamp.UnixMilli(),
			CPUPercent:    s.CPUPercent,
			MemoryPercent: s.MemoryPercent,
			RxBytes:       s.RxBytesCumulative,
			TxBytes:       s.TxBytesCumulative,
		},
	})
}

type wireMetricOut struct {
	Timestamp     int64   `json:"timestamp"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	RxBytes       uint64  `json:"rx_bytes"`
	TxBytes       uint64  `json:"tx_bytes"`
}
