package tui

import (
	"github.com/charmbracelet/lipgloss"

	"deploywatch/internal/models"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	headerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#AAAAAA"))
	footerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#777777"))
	boxStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	dangerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F87"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFAF00"))
	goodStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#5FD7AF"))
	faintStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#6C6C6C"))
	activeStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7DCE13"))
)

func stageStyle(s models.StageStatus) lipgloss.Style {
	switch s {
	case models.StageSuccess:
		return goodStyle
	case models.StageFailed:
		return dangerStyle
	case models.StageRunning:
		return activeStyle
	default:
		return faintStyle
	}
}

func stageIcon(s models.StageStatus) string {
	switch s {
	case models.StageSuccess:
		return "✔"
	case models.StageFailed:
		return "✖"
	case models.StageRunning:
		return "◐"
	default:
		return "○"
	}
}

func statusStyle(s models.OverallStatus) lipgloss.Style {
	switch s {
	case models.StatusSuccess:
		return goodStyle
	case models.StatusFailed:
		return dangerStyle
	case models.StatusDeploying:
		return warnStyle
	default:
		return faintStyle
	}
}

func levelStyle(level string) lipgloss.Style {
	switch level {
	case "ERROR":
		return dangerStyle
	case "WARN":
		return warnStyle
	default:
		return lipgloss.NewStyle()
	}
}
