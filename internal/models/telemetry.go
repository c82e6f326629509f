package models

import "time"

// LogLine is one build or runtime log entry delivered by the platform.
// Identity for de-duplication is (Timestamp, Message).
type LogLine struct {
	Timestamp    time.Time `json:"timestamp"`
	Level        string    `json:"level"`
	Source       string    `json:"source"`
	Message      string    `json:"message"`
	SequenceHint int64     `json:"seq,omitempty"`
}

// MetricSample is a raw resource reading for a container. Network counters are
// cumulative since the container started.
type MetricSample struct {
	Timestamp         time.Time `json:"timestamp"`
	CPUPercent        float64   `json:"cpu_percent"`
	MemoryPercent     float64   `json:"memory_percent"`
	RxBytesCumulative uint64    `json:"rx_bytes"`
	TxBytesCumulative uint64    `json:"tx_bytes"`
}

// RatePoint is a derived network throughput reading in KB/s.
type RatePoint struct {
	TimeLabel  string    `json:"time"`
	At         time.Time `json:"at"`
	RxRateKBps float64   `json:"rx_kbps"`
	TxRateKBps float64   `json:"tx_kbps"`
}

// UsagePoint is a directly reported CPU/memory reading kept for charting.
type UsagePoint struct {
	TimeLabel     string    `json:"time"`
	At            time.Time `json:"at"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
}

// TimeLabel formats a sample timestamp for chart axes.
func TimeLabel(t time.Time) string {
	return t.Format("15:04:05")
}
