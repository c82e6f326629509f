package models

import (
	"strings"
	"time"
)

// StageName identifies one of the fixed build phases of a deployment attempt.
type StageName string

const (
	StageClone  StageName = "clone"
	StageBuild  StageName = "build"
	StagePush   StageName = "push"
	StageDeploy StageName = "deploy"
)

// StageOrder is the fixed progression every attempt walks through.
var StageOrder = []StageName{StageClone, StageBuild, StagePush, StageDeploy}

// Index returns the position of the stage in StageOrder, or -1.
func (n StageName) Index() int {
	for i, s := range StageOrder {
		if s == n {
			return i
		}
	}
	return -1
}

// DisplayName is the label used by the dashboard and the terminal view.
func (n StageName) DisplayName() string {
	switch n {
	case StageClone:
		return "Clone"
	case StageBuild:
		return "Build"
	case StagePush:
		return "Push"
	case StageDeploy:
		return "Deploy"
	default:
		return string(n)
	}
}

type StageStatus string

const (
	StagePending StageStatus = "pending"
	StageRunning StageStatus = "running"
	StageSuccess StageStatus = "success"
	StageFailed  StageStatus = "failed"
)

// Terminal reports whether the status can no longer change within an attempt.
func (s StageStatus) Terminal() bool {
	return s == StageSuccess || s == StageFailed
}

// Stage is the progress of a single phase within an attempt.
type Stage struct {
	Name        StageName   `json:"name"`
	DisplayName string      `json:"display_name"`
	Status      StageStatus `json:"status"`
	StartedAt   time.Time   `json:"started_at,omitempty"`
	CompletedAt time.Time   `json:"completed_at,omitempty"`
	LastLine    string      `json:"last_line,omitempty"`
}

// Duration reports how long the stage ran. Zero until both ends are known.
func (s Stage) Duration() time.Duration {
	if s.StartedAt.IsZero() || s.CompletedAt.IsZero() || s.CompletedAt.Before(s.StartedAt) {
		return 0
	}
	return s.CompletedAt.Sub(s.StartedAt)
}

// NewStages returns the four stages reset to pending.
func NewStages() []Stage {
	out := make([]Stage, 0, len(StageOrder))
	for _, n := range StageOrder {
		out = append(out, Stage{Name: n, DisplayName: n.DisplayName(), Status: StagePending})
	}
	return out
}

type OverallStatus string

const (
	StatusPending   OverallStatus = "pending"
	StatusDeploying OverallStatus = "deploying"
	StatusSuccess   OverallStatus = "success"
	StatusFailed    OverallStatus = "failed"
)

// Concluded reports whether the attempt reached success or failed.
func (s OverallStatus) Concluded() bool {
	return s == StatusSuccess || s == StatusFailed
}

// ParseOverallStatus maps the free-form status strings reported by the platform
// onto the attempt lifecycle. Unknown values are treated as pending.
func ParseOverallStatus(raw string) OverallStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "deploying", "building", "in_progress", "in-progress", "queued", "started", "starting":
		return StatusDeploying
	case "success", "succeeded", "successful", "deployed", "running", "healthy", "active":
		return StatusSuccess
	case "failed", "failure", "error", "errored", "crashed":
		return StatusFailed
	default:
		return StatusPending
	}
}

// DeploymentAttempt is one run of the stage pipeline for a resource.
type DeploymentAttempt struct {
	ID            string        `json:"id"`
	Number        int           `json:"number"`
	Stages        []Stage       `json:"stages"`
	OverallStatus OverallStatus `json:"overall_status"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    time.Time     `json:"finished_at,omitempty"`
}

// Copy returns a deep copy so callers can read it without holding locks.
func (a *DeploymentAttempt) Copy() *DeploymentAttempt {
	if a == nil {
		return nil
	}
	dup := *a
	dup.Stages = append([]Stage(nil), a.Stages...)
	return &dup
}

// Percent is the share of stages that finished successfully.
func (a *DeploymentAttempt) Percent() int {
	if a == nil || len(a.Stages) == 0 {
		return 0
	}
	done := 0
	for _, s := range a.Stages {
		if s.Status == StageSuccess {
			done++
		}
	}
	return done * 100 / len(a.Stages)
}
