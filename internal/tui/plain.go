package tui

import (
	"context"
	"fmt"
	"io"
	"time"

	"deploywatch/internal/models"
)

// Plain writes a deployment as line-oriented text for pipes and CI logs: new
// log lines, stage changes and the final outcome. It returns when ctx is done,
// after one last pass.
func Plain(ctx context.Context, src Source, w io.Writer, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultRefresh
	}
	p := &plainPrinter{w: w}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := p.print(src); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return p.print(src)
		case <-ticker.C:
		}
	}
}

type plainPrinter struct {
	w      io.Writer
	last   *models.LogLine
	stages map[models.StageName]models.StageStatus
	status models.OverallStatus
}

func (p *plainPrinter) print(src Source) error {
	snap := src.Snapshot()
	if snap.Attempt != nil {
		if p.stages == nil {
			p.stages = make(map[models.StageName]models.StageStatus)
		}
		for _, st := range snap.Attempt.Stages {
			if prev, ok := p.stages[st.Name]; ok && prev == st.Status {
				continue
			}
			p.stages[st.Name] = st.Status
			if st.Status == models.StagePending {
				continue
			}
			if _, err := fmt.Fprintf(p.w, "[stage] %s %s\n", st.DisplayName, st.Status); err != nil {
				return err
			}
		}
	}
	for _, ln := range newLines(src.Logs().Lines, p.last) {
		if _, err := fmt.Fprintf(p.w, "%s %-5s %s\n", ln.Timestamp.Format(time.RFC3339), ln.Level, ln.Message); err != nil {
			return err
		}
		l := ln
		p.last = &l
	}
	if snap.Status != p.status {
		if p.status != "" || snap.Status != models.StatusPending {
			if _, err := fmt.Fprintf(p.w, "[status] %s\n", snap.Status); err != nil {
				return err
			}
		}
		p.status = snap.Status
	}
	return nil
}

// newLines returns the lines after last. When last is no longer in the window
// (cleared or trimmed) the whole window is new.
func newLines(lines []models.LogLine, last *models.LogLine) []models.LogLine {
	if last == nil {
		return lines
	}
	for i := len(lines) - 1; i >= 0; i-- {
		if lines[i].Timestamp.Equal(last.Timestamp) && lines[i].Message == last.Message {
			return lines[i+1:]
		}
	}
	return lines
}
