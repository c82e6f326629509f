package deployment

import (
	"deploywatch/internal/models"
	"deploywatch/internal/stream"
)

// Snapshot is a point-in-time copy of a deployment's derived state.
type Snapshot struct {
	ID           string                            `json:"id"`
	Status       models.OverallStatus              `json:"status"`
	IsDeploying  bool                              `json:"is_deploying"`
	IsSuccess    bool                              `json:"is_success"`
	IsFailed     bool                              `json:"is_failed"`
	TabsLocked   bool                              `json:"tabs_locked"`
	Attempt      *models.DeploymentAttempt         `json:"attempt"`
	Percent      int                               `json:"percent"`
	Connections  map[stream.Topic]stream.ConnState `json:"connections"`
	Reconnecting bool                              `json:"reconnecting"`
	LastError    string                            `json:"last_error,omitempty"`
	ParseErrors  int                               `json:"parse_errors"`
	LogsPaused   bool                              `json:"logs_paused"`
	PendingLogs  int                               `json:"pending_logs"`
}

// LogsView is the visible log window.
type LogsView struct {
	Lines       []models.LogLine `json:"lines"`
	NewestIndex int              `json:"newest_index"`
	Paused      bool             `json:"paused"`
	Pending     int              `json:"pending"`
}

// MetricsView holds both chart series and their suggested axis maxima.
type MetricsView struct {
	Usage        []models.UsagePoint `json:"usage"`
	Rates        []models.RatePoint  `json:"rates"`
	UsageAxisMax float64             `json:"usage_axis_max"`
	RateAxisMax  float64             `json:"rate_axis_max"`
}

func (d *Deployment) Snapshot() Snapshot {
	conns := d.Connections()
	reconnecting := false
	for _, st := range conns {
		if st == stream.StateReconnecting {
			reconnecting = true
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	attempt := d.stages.Attempt()
	status := attempt.OverallStatus
	return Snapshot{
		ID:           d.id,
		Status:       status,
		IsDeploying:  status == models.StatusDeploying,
		IsSuccess:    status == models.StatusSuccess,
		IsFailed:     status == models.StatusFailed,
		TabsLocked:   status == models.StatusDeploying,
		Attempt:      attempt,
		Percent:      attempt.Percent(),
		Connections:  conns,
		Reconnecting: reconnecting,
		LastError:    d.lastError,
		ParseErrors:  d.parseErrors,
		LogsPaused:   d.logs.Paused(),
		PendingLogs:  d.logs.Pending(),
	}
}

func (d *Deployment) Logs() LogsView {
	d.mu.Lock()
	defer d.mu.Unlock()
	return LogsView{
		Lines:       d.logs.Lines(),
		NewestIndex: d.logs.NewestIndex(),
		Paused:      d.logs.Paused(),
		Pending:     d.logs.Pending(),
	}
}

func (d *Deployment) Metrics() MetricsView {
	d.mu.Lock()
	defer d.mu.Unlock()
	return MetricsView{
		Usage:        d.series.Usage(),
		Rates:        d.series.Rates(),
		UsageAxisMax: d.series.UsageAxisMax(),
		RateAxisMax:  d.series.RateAxisMax(),
	}
}
