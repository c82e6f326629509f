package tui

import (
	"math"
	"strings"
)

var blocks = []rune("▁▂▃▄▅▆▇█")

// Spark renders the newest width values as a sparkline scaled against axisMax.
// Shorter series are left-padded so the newest point is always rightmost.
func Spark(vals []float64, axisMax float64, width int) string {
	if width <= 0 {
		return ""
	}
	if axisMax <= 0 {
		axisMax = 1
	}
	if len(vals) > width {
		vals = vals[len(vals)-width:]
	}
	var b strings.Builder
	b.WriteString(strings.Repeat(" ", width-len(vals)))
	for _, v := range vals {
		level := int(math.Round(clamp01(v/axisMax) * float64(len(blocks)-1)))
		b.WriteRune(blocks[level])
	}
	return b.String()
}

// Bar renders a horizontal gauge for a fraction in [0,1].
func Bar(v float64, width int) string {
	if width <= 0 {
		return ""
	}
	v = clamp01(v)
	fill := int(math.Round(v * float64(width)))
	if v > 0 && fill == 0 {
		fill = 1
	}
	return strings.Repeat("█", fill) + strings.Repeat("░", width-fill)
}

func clamp01(f float64) float64 {
	if math.IsNaN(f) || f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
