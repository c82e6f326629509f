// Package deployment combines the connection, stage, series and log
// components for one resource into a single observable status.
//
// A Deployment serializes every mutation behind its own mutex; the telemetry
// leaf types it owns are not safe for concurrent use on their own. Outward
// callbacks run after the lock is released.
package deployment

import (
	"fmt"
	"log"
	"sync"
	"time"

	"deploywatch/internal/models"
	"deploywatch/internal/stream"
	"deploywatch/internal/telemetry"
	"deploywatch/internal/utils"
)

// Options configure a Deployment. Zero values select defaults.
type Options struct {
	InitialStatus  string
	SeriesCapacity int
	LogCapacity    int
	Attribution    telemetry.Attribution
	// Rules replaces the default classification table.
	Rules []telemetry.Rule

	// OnStatusChange fires on every change of the overall status.
	OnStatusChange func(id string, prev, cur models.OverallStatus)
	// OnBuildSuccess fires once per deploying -> success transition.
	OnBuildSuccess func(id string, attempt *models.DeploymentAttempt)
	// OnBuildFailed fires once per deploying -> failed transition.
	OnBuildFailed func(id string, attempt *models.DeploymentAttempt)

	Logger *utils.Logger
	Now    func() time.Time
}

// Deployment is the aggregate live state of one resource.
type Deployment struct {
	id   string
	opts Options

	mu         sync.Mutex
	classifier *telemetry.Classifier
	stages     *telemetry.StageMachine
	logs       *telemetry.LogBuffer
	series     *telemetry.MetricSeries

	// prev is the status seen by the last edge check.
	prev          models.OverallStatus
	successArmed  bool
	failedArmed   bool
	pendingEvents []func()

	subs        map[stream.Topic]*stream.Subscription
	lastError   string
	parseErrors int
	closed      bool
}

// New creates the state for resource id and applies opts.InitialStatus
// without firing any callbacks.
func New(id string, opts Options) *Deployment {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	classifier := telemetry.NewClassifier(opts.Rules)
	d := &Deployment{
		id:           id,
		opts:         opts,
		classifier:   classifier,
		stages:       telemetry.NewStageMachine(classifier, opts.Attribution),
		logs:         telemetry.NewLogBuffer(opts.LogCapacity),
		series:       telemetry.NewMetricSeries(opts.SeriesCapacity),
		prev:         models.StatusPending,
		successArmed: true,
		failedArmed:  true,
		subs:         make(map[stream.Topic]*stream.Subscription),
	}
	d.mu.Lock()
	d.resync(opts.InitialStatus)
	d.prev = d.stages.Overall()
	d.pendingEvents = nil
	d.mu.Unlock()
	return d
}

func (d *Deployment) ID() string { return d.id }

// unlockAndFlush releases the lock, then runs callbacks queued while it was held.
func (d *Deployment) unlockAndFlush() {
	events := d.pendingEvents
	d.pendingEvents = nil
	d.mu.Unlock()
	for _, fn := range events {
		d.safeCall(fn)
	}
}

func (d *Deployment) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logf("deployment %s: callback panic: %v", d.id, r)
		}
	}()
	fn()
}

// detect compares the current status with the previous one and queues the
// matching signals. Entering deploying re-arms the one-shot guards.
func (d *Deployment) detect() {
	cur := d.stages.Overall()
	prev := d.prev
	if cur == prev {
		return
	}
	d.prev = cur
	d.logf("deployment %s: status %s -> %s", d.id, prev, cur)

	if cb := d.opts.OnStatusChange; cb != nil {
		d.pendingEvents = append(d.pendingEvents, func() { cb(d.id, prev, cur) })
	}
	switch {
	case cur == models.StatusDeploying:
		d.successArmed = true
		d.failedArmed = true
	case prev == models.StatusDeploying && cur == models.StatusSuccess && d.successArmed:
		d.successArmed = false
		d.logf("deployment %s: build succeeded", d.id)
		if cb := d.opts.OnBuildSuccess; cb != nil {
			attempt := d.stages.Attempt()
			d.pendingEvents = append(d.pendingEvents, func() { cb(d.id, attempt) })
		}
	case prev == models.StatusDeploying && cur == models.StatusFailed && d.failedArmed:
		d.failedArmed = false
		d.logf("deployment %s: build failed", d.id)
		if cb := d.opts.OnBuildFailed; cb != nil {
			attempt := d.stages.Attempt()
			d.pendingEvents = append(d.pendingEvents, func() { cb(d.id, attempt) })
		}
	}
}

// SetInitialStatus re-synchronizes with the status reported by the platform.
// A deploying status after a concluded attempt starts a new attempt with all
// stages pending.
func (d *Deployment) SetInitialStatus(raw string) {
	d.mu.Lock()
	defer d.unlockAndFlush()
	if d.closed {
		return
	}
	d.resync(raw)
}

func (d *Deployment) resync(raw string) {
	now := d.opts.Now()
	switch status := models.ParseOverallStatus(raw); {
	case status == models.StatusDeploying:
		switch cur := d.stages.Overall(); {
		case cur.Concluded():
			d.stages.Reset(d.id, now)
			d.logf("deployment %s: new attempt started", d.id)
		case cur == models.StatusPending:
			d.stages.Begin(d.id, now)
		}
	case status.Concluded():
		d.stages.Conclude(status, now)
	}
	d.detect()
}

// IngestLine records one log line and advances the stages from it.
func (d *Deployment) IngestLine(line models.LogLine) {
	d.mu.Lock()
	defer d.unlockAndFlush()
	if d.closed {
		return
	}
	d.ingestLine(line)
}

func (d *Deployment) ingestLine(line models.LogLine) {
	if !d.logs.Push(line) {
		return
	}
	d.classify(line)
}

func (d *Deployment) classify(line models.LogLine) {
	c, ok := d.classifier.Classify(line.Message)
	if !ok {
		return
	}
	at := line.Timestamp
	if at.IsZero() {
		at = d.opts.Now()
	}
	if d.stages.Overall() == models.StatusPending {
		d.stages.Begin(d.id, at)
		d.detect()
	}
	d.stages.Apply(c, at, line.Message)
	d.detect()
}

// IngestSnapshot replaces the log window with a server-capped history and
// replays it through the stage engine.
func (d *Deployment) IngestSnapshot(lines []models.LogLine) {
	d.mu.Lock()
	defer d.unlockAndFlush()
	if d.closed {
		return
	}
	d.logs.Replace(lines)
	for _, l := range lines {
		d.classify(l)
	}
}

// IngestSample records one metric sample.
func (d *Deployment) IngestSample(s models.MetricSample) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.series.Observe(s)
}

// HandleFrame decodes a raw transport frame and applies it. Malformed frames
// are logged and dropped.
func (d *Deployment) HandleFrame(payload []byte) {
	f, err := stream.DecodeFrame(payload, d.opts.Now())
	if err != nil {
		d.mu.Lock()
		d.parseErrors++
		d.mu.Unlock()
		d.logf("deployment %s: dropping frame: %v", d.id, err)
		return
	}
	switch f.Kind {
	case stream.FrameLog:
		d.mu.Lock()
		if !d.closed {
			for _, l := range f.Lines {
				d.ingestLine(l)
			}
		}
		d.unlockAndFlush()
	case stream.FrameLogs:
		d.IngestSnapshot(f.Lines)
	case stream.FrameMetric:
		d.IngestSample(f.Metric)
	case stream.FrameStatus:
		d.SetInitialStatus(f.Status)
	}
}

// Attach opens a subscription per topic on mgr, feeding frames into d. It
// returns stream.ErrClosed once d is closed, and a subscription opened while
// Close ran is closed again before Attach returns.
func (d *Deployment) Attach(mgr *stream.Manager, topics ...stream.Topic) error {
	for _, topic := range topics {
		topic := topic
		d.mu.Lock()
		closed := d.closed
		d.mu.Unlock()
		if closed {
			return fmt.Errorf("attach %s/%s: %w", d.id, topic, stream.ErrClosed)
		}
		sub, err := mgr.Open(stream.Key{ResourceID: d.id, Topic: topic}, stream.Handlers{
			OnConnect: func() {
				d.mu.Lock()
				d.lastError = ""
				d.mu.Unlock()
				d.logf("deployment %s: %s connected", d.id, topic)
			},
			OnMessage: d.HandleFrame,
			OnError: func(err error) {
				d.mu.Lock()
				d.lastError = err.Error()
				d.mu.Unlock()
			},
			OnDisconnect: func() {
				d.logf("deployment %s: %s disconnected", d.id, topic)
			},
		})
		if err != nil {
			return fmt.Errorf("attach %s/%s: %w", d.id, topic, err)
		}
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			sub.Close()
			return fmt.Errorf("attach %s/%s: %w", d.id, topic, stream.ErrClosed)
		}
		d.subs[topic] = sub
		d.mu.Unlock()
	}
	return nil
}

// Close tears down the subscriptions and drops all buffered state.
func (d *Deployment) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	subs := d.subs
	d.subs = make(map[stream.Topic]*stream.Subscription)
	d.logs.Clear()
	d.series.Reset()
	d.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

func (d *Deployment) Status() models.OverallStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stages.Overall()
}

func (d *Deployment) IsDeploying() bool { return d.Status() == models.StatusDeploying }
func (d *Deployment) IsSuccess() bool   { return d.Status() == models.StatusSuccess }
func (d *Deployment) IsFailed() bool    { return d.Status() == models.StatusFailed }

// TabsLocked tells surrounding views to gate destructive actions while a
// deploy is in progress.
func (d *Deployment) TabsLocked() bool { return d.IsDeploying() }

// Attempt returns a copy of the current attempt.
func (d *Deployment) Attempt() *models.DeploymentAttempt {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stages.Attempt()
}

func (d *Deployment) PauseLogs() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logs.Pause()
}

func (d *Deployment) ResumeLogs() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logs.Resume()
}

func (d *Deployment) ClearLogs() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logs.Clear()
}

// Connections reports the connection state per attached topic.
func (d *Deployment) Connections() map[stream.Topic]stream.ConnState {
	d.mu.Lock()
	subs := make(map[stream.Topic]*stream.Subscription, len(d.subs))
	for k, v := range d.subs {
		subs[k] = v
	}
	d.mu.Unlock()
	out := make(map[stream.Topic]stream.ConnState, len(subs))
	for topic, sub := range subs {
		out[topic] = sub.State()
	}
	return out
}

func (d *Deployment) logf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if d.opts.Logger != nil {
		d.opts.Logger.Write(msg)
		return
	}
	log.Println(msg)
}
