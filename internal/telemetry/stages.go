package telemetry

import (
	"fmt"
	"strings"
	"time"

	"deploywatch/internal/models"
)

// Classification is the outcome of matching a line against the rule table.
type Classification struct {
	Rule     string
	Stage    models.StageName
	Status   models.StageStatus
	Terminal bool
	// Generic is set for failure lines without a stage-specific rule. Stage
	// then holds the keyword guess, which may be empty.
	Generic bool
}

// Classifier matches lines against an ordered rule table.
type Classifier struct {
	rules []Rule
}

// NewClassifier builds a classifier over rules. A nil slice selects DefaultRules.
func NewClassifier(rules []Rule) *Classifier {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Classifier{rules: append([]Rule(nil), rules...)}
}

var defaultClassifier = NewClassifier(nil)

// Classify runs line through the default rule table.
func Classify(line string) (Classification, bool) {
	return defaultClassifier.Classify(line)
}

// Classify returns the first matching rule's verdict. The second result is
// false when nothing matched; callers must then leave state untouched.
func (c *Classifier) Classify(line string) (Classification, bool) {
	lower := strings.ToLower(strings.TrimSpace(line))
	if lower == "" {
		return Classification{}, false
	}
	for _, r := range c.rules {
		if !r.matches(lower) {
			continue
		}
		out := Classification{
			Rule:     r.Name,
			Stage:    r.Stage,
			Status:   r.Status,
			Terminal: r.Terminal,
			Generic:  r.Generic,
		}
		if r.Generic {
			out.Stage = KeywordStage(lower)
		}
		return out, true
	}
	return Classification{}, false
}

// Attribution selects how generic failure lines are assigned to a stage.
type Attribution string

const (
	// AttributeCursor blames the stage currently in progress.
	AttributeCursor Attribution = "cursor"
	// AttributeKeywords blames the stage named by the line's vocabulary and
	// falls back to the cursor when the line names none or names a stage that
	// already finished.
	AttributeKeywords Attribution = "keywords"
)

// ParseAttribution accepts "cursor" or "keywords".
func ParseAttribution(raw string) (Attribution, error) {
	switch Attribution(strings.ToLower(strings.TrimSpace(raw))) {
	case "", AttributeCursor:
		return AttributeCursor, nil
	case AttributeKeywords:
		return AttributeKeywords, nil
	default:
		return "", fmt.Errorf("unknown failure attribution %q", raw)
	}
}

// StageMachine advances the four-stage attempt from classified log lines.
// Stages only move forward: a stage that reached success or failed never
// changes again, and a stage entering running or success closes every
// earlier stage still pending or running.
type StageMachine struct {
	classifier  *Classifier
	attribution Attribution
	attempt     models.DeploymentAttempt
}

func NewStageMachine(classifier *Classifier, attribution Attribution) *StageMachine {
	if classifier == nil {
		classifier = defaultClassifier
	}
	if attribution == "" {
		attribution = AttributeCursor
	}
	m := &StageMachine{classifier: classifier, attribution: attribution}
	m.attempt = models.DeploymentAttempt{Stages: models.NewStages(), OverallStatus: models.StatusPending}
	return m
}

// Reset starts a new attempt with every stage pending and the attempt deploying.
func (m *StageMachine) Reset(id string, startedAt time.Time) {
	m.attempt = models.DeploymentAttempt{
		ID:            id,
		Number:        m.attempt.Number + 1,
		Stages:        models.NewStages(),
		OverallStatus: models.StatusDeploying,
		StartedAt:     startedAt,
	}
}

// Conclude forces the overall status from an external report without touching
// the stages. Used when the platform reports an outcome the logs never showed.
func (m *StageMachine) Conclude(status models.OverallStatus, at time.Time) bool {
	if !status.Concluded() || m.attempt.OverallStatus.Concluded() {
		return false
	}
	m.attempt.OverallStatus = status
	m.attempt.FinishedAt = at
	return true
}

// Begin marks a pending attempt as deploying.
func (m *StageMachine) Begin(id string, at time.Time) bool {
	if m.attempt.OverallStatus != models.StatusPending {
		return false
	}
	m.attempt.ID = id
	if m.attempt.Number == 0 {
		m.attempt.Number = 1
	}
	m.attempt.OverallStatus = models.StatusDeploying
	m.attempt.StartedAt = at
	return true
}

// Attempt returns a copy of the current attempt.
func (m *StageMachine) Attempt() *models.DeploymentAttempt {
	return m.attempt.Copy()
}

func (m *StageMachine) Overall() models.OverallStatus {
	return m.attempt.OverallStatus
}

// Observe classifies a log line and applies it. Returns true when any stage or
// the overall status changed.
func (m *StageMachine) Observe(line models.LogLine) bool {
	c, ok := m.classifier.Classify(line.Message)
	if !ok {
		return false
	}
	at := line.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	return m.Apply(c, at, line.Message)
}

// Apply advances the attempt by one classification.
func (m *StageMachine) Apply(c Classification, at time.Time, text string) bool {
	if m.attempt.OverallStatus.Concluded() {
		return false
	}
	target := c.Stage
	if c.Generic {
		target = m.attribute(c.Stage)
	}
	idx := target.Index()
	if idx < 0 {
		return false
	}

	changed := false
	if m.attempt.OverallStatus == models.StatusPending {
		m.attempt.OverallStatus = models.StatusDeploying
		if m.attempt.Number == 0 {
			m.attempt.Number = 1
		}
		m.attempt.StartedAt = at
		changed = true
	}

	if c.Status == models.StageRunning || c.Status == models.StageSuccess {
		for i := 0; i < idx; i++ {
			s := &m.attempt.Stages[i]
			if s.Status.Terminal() {
				continue
			}
			if s.StartedAt.IsZero() {
				s.StartedAt = at
			}
			s.Status = models.StageSuccess
			s.CompletedAt = at
			changed = true
		}
	}

	s := &m.attempt.Stages[idx]
	if !s.Status.Terminal() && s.Status != c.Status {
		if s.StartedAt.IsZero() {
			s.StartedAt = at
		}
		if c.Status.Terminal() {
			s.CompletedAt = at
		}
		s.Status = c.Status
		s.LastLine = text
		changed = true
	}

	switch {
	case m.anyFailed():
		m.attempt.OverallStatus = models.StatusFailed
		m.attempt.FinishedAt = at
		changed = true
	case m.attempt.Stages[len(m.attempt.Stages)-1].Status == models.StageSuccess:
		m.attempt.OverallStatus = models.StatusSuccess
		m.attempt.FinishedAt = at
		changed = true
	}
	return changed
}

// Cursor is the stage work is currently happening in: the last running stage,
// else the first stage that has not finished, else deploy.
func (m *StageMachine) Cursor() models.StageName {
	cursor := models.StageName("")
	for _, s := range m.attempt.Stages {
		if s.Status == models.StageRunning {
			cursor = s.Name
		}
	}
	if cursor != "" {
		return cursor
	}
	for _, s := range m.attempt.Stages {
		if !s.Status.Terminal() {
			return s.Name
		}
	}
	return models.StageDeploy
}

// attribute picks the stage a generic failure belongs to. A keyword guess
// naming a stage that already finished falls back to the cursor.
func (m *StageMachine) attribute(guess models.StageName) models.StageName {
	if m.attribution == AttributeKeywords && guess != "" {
		if idx := guess.Index(); idx >= 0 && !m.attempt.Stages[idx].Status.Terminal() {
			return guess
		}
	}
	return m.Cursor()
}

func (m *StageMachine) anyFailed() bool {
	for _, s := range m.attempt.Stages {
		if s.Status == models.StageFailed {
			return true
		}
	}
	return false
}
