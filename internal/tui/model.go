// Package tui renders one deployment in the terminal: stage progress, resource
// sparklines and a pausable log viewport.
package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"deploywatch/internal/deployment"
	"deploywatch/internal/models"
	"deploywatch/internal/stream"
)

// DefaultRefresh is how often the view re-reads the deployment state.
const DefaultRefresh = 250 * time.Millisecond

// Source is the read side of a deployment plus the log controls.
type Source interface {
	ID() string
	Snapshot() deployment.Snapshot
	Logs() deployment.LogsView
	Metrics() deployment.MetricsView
	PauseLogs()
	ResumeLogs()
	ClearLogs()
}

type tickMsg struct{}

type Model struct {
	src     Source
	refresh time.Duration

	snap    deployment.Snapshot
	logs    deployment.LogsView
	metrics deployment.MetricsView
	banner  string

	logsVP        viewport.Model
	width, height int
	follow        bool
}

// New builds the view for src. refresh <= 0 selects DefaultRefresh.
func New(src Source, refresh time.Duration) Model {
	if refresh <= 0 {
		refresh = DefaultRefresh
	}
	m := Model{
		src:     src,
		refresh: refresh,
		logsVP:  viewport.New(76, 10),
		width:   80,
		height:  24,
		follow:  true,
	}
	m.pull()
	return m
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.refresh, func(time.Time) tea.Msg { return tickMsg{} })
}

func (m Model) Init() tea.Cmd {
	return m.tick()
}

// pull re-reads the deployment and notes a signal banner when the attempt
// concluded since the last read.
func (m *Model) pull() {
	prev := m.snap.Status
	m.snap = m.src.Snapshot()
	m.logs = m.src.Logs()
	m.metrics = m.src.Metrics()
	if prev == models.StatusDeploying {
		switch m.snap.Status {
		case models.StatusSuccess:
			m.banner = "Build succeeded"
		case models.StatusFailed:
			m.banner = "Build failed"
		}
	}
	if m.snap.Status == models.StatusDeploying {
		m.banner = ""
	}
	m.logsVP.SetContent(renderLogLines(m.logs))
	if m.follow && !m.logs.Paused {
		m.logsVP.GotoBottom()
	}
}

func (m *Model) layout() {
	fixed := lipgloss.Height(m.headerView()) + lipgloss.Height(m.stagesView()) +
		lipgloss.Height(m.metricsView()) + lipgloss.Height(m.footerView()) + 3
	h := m.height - fixed
	if h < 3 {
		h = 3
	}
	m.logsVP.Width = m.width - 4
	m.logsVP.Height = h
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.layout()
		m.pull()
		return m, nil

	case tickMsg:
		m.pull()
		return m, m.tick()

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		case "p", " ":
			if m.logs.Paused {
				m.src.ResumeLogs()
				m.follow = true
			} else {
				m.src.PauseLogs()
			}
			m.pull()
			return m, nil
		case "c":
			m.src.ClearLogs()
			m.pull()
			return m, nil
		case "G", "end":
			m.follow = true
			m.logsVP.GotoBottom()
			return m, nil
		case "g", "home":
			m.follow = false
			m.logsVP.GotoTop()
			return m, nil
		}
		var cmd tea.Cmd
		m.logsVP, cmd = m.logsVP.Update(msg)
		m.follow = m.logsVP.AtBottom()
		return m, cmd
	}
	return m, nil
}

func (m Model) View() string {
	title := "Logs"
	if m.logs.Paused {
		title = warnStyle.Render(fmt.Sprintf("Logs (paused, %d new)", m.logs.Pending))
	}
	logs := boxStyle.Width(m.width - 2).Render(title + "\n" + m.logsVP.View())
	return lipgloss.JoinVertical(lipgloss.Left,
		m.headerView(),
		m.stagesView(),
		m.metricsView(),
		logs,
		m.footerView(),
	)
}

func (m Model) headerView() string {
	s := m.snap
	parts := []string{
		titleStyle.Render("deploywatch ▸ " + s.ID),
		statusStyle(s.Status).Render(strings.ToUpper(string(s.Status))),
	}
	if s.Attempt != nil && s.Attempt.Number > 0 {
		parts = append(parts, fmt.Sprintf("attempt #%d", s.Attempt.Number))
		if !s.Attempt.StartedAt.IsZero() {
			parts = append(parts, "started "+humanize.Time(s.Attempt.StartedAt))
		}
	}
	parts = append(parts, fmt.Sprintf("%d%%", s.Percent))
	if conns := connectionSummary(s.Connections); conns != "" {
		parts = append(parts, conns)
	}
	if s.TabsLocked {
		parts = append(parts, warnStyle.Render("[locked]"))
	}
	line := strings.Join(parts, "  ")
	if m.banner != "" {
		style := goodStyle
		if m.snap.IsFailed {
			style = dangerStyle
		}
		line += "\n" + style.Bold(true).Render(m.banner)
	}
	if s.LastError != "" {
		line += "\n" + dangerStyle.Render("stream: "+s.LastError)
	}
	return line
}

func connectionSummary(conns map[stream.Topic]stream.ConnState) string {
	if len(conns) == 0 {
		return ""
	}
	keys := make([]string, 0, len(conns))
	for k := range conns {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, headerStyle.Render(k+":"+string(conns[stream.Topic(k)])))
	}
	return strings.Join(parts, " ")
}

func (m Model) stagesView() string {
	if m.snap.Attempt == nil {
		return ""
	}
	cells := make([]string, 0, len(m.snap.Attempt.Stages))
	for _, st := range m.snap.Attempt.Stages {
		label := stageIcon(st.Status) + " " + st.DisplayName
		if d := st.Duration(); d > 0 {
			label += faintStyle.Render(" " + d.Round(time.Second).String())
		}
		cells = append(cells, stageStyle(st.Status).Render(label))
	}
	return boxStyle.Render(strings.Join(cells, faintStyle.Render("  ─  ")))
}

func (m Model) metricsView() string {
	const spark = 30
	var cpu, mem, rx, tx []float64
	for _, p := range m.metrics.Usage {
		cpu = append(cpu, p.CPUPercent)
		mem = append(mem, p.MemoryPercent)
	}
	for _, p := range m.metrics.Rates {
		rx = append(rx, p.RxRateKBps)
		tx = append(tx, p.TxRateKBps)
	}
	row := func(name string, vals []float64, axis float64, cur string) string {
		return fmt.Sprintf("%-4s %s %s", name, Spark(vals, axis, spark), cur)
	}
	return boxStyle.Render(strings.Join([]string{
		row("CPU", cpu, m.metrics.UsageAxisMax, percent(cpu)),
		row("MEM", mem, m.metrics.UsageAxisMax, percent(mem)),
		row("RX", rx, m.metrics.RateAxisMax, rate(rx)),
		row("TX", tx, m.metrics.RateAxisMax, rate(tx)),
	}, "\n"))
}

func percent(vals []float64) string {
	if len(vals) == 0 {
		return faintStyle.Render("--")
	}
	v := vals[len(vals)-1]
	return fmt.Sprintf("%5.1f%% %s", v, Bar(v/100, 10))
}

// rate formats the newest KB/s value as bytes per second.
func rate(vals []float64) string {
	if len(vals) == 0 {
		return faintStyle.Render("--")
	}
	return humanize.IBytes(uint64(vals[len(vals)-1]*1024)) + "/s"
}

func (m Model) footerView() string {
	return footerStyle.Render("↑/↓ scroll • [p] pause/resume • [c] clear • [g/G] top/bottom • [q] quit")
}

func renderLogLines(v deployment.LogsView) string {
	var b strings.Builder
	for i, ln := range v.Lines {
		ts := ln.Timestamp.Format("15:04:05")
		level := ln.Level
		if level == "" {
			level = "INFO"
		}
		line := fmt.Sprintf("%s %-5s %s", ts, level, ln.Message)
		if i == v.NewestIndex {
			line = titleStyle.Render(line)
		} else {
			line = levelStyle(ln.Level).Render(line)
		}
		b.WriteString(line)
		if i < len(v.Lines)-1 {
			b.WriteByte('\n')
		}
	}
	return b.String()
}
