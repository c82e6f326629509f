package telemetry

import (
	"encoding/binary"

	"github.com/zeebo/xxh3"

	"deploywatch/internal/models"
)

// LogBuffer accumulates log lines for display. While paused, new lines go to
// a shadow buffer and the visible lines stay frozen; Resume swaps the shadow
// in. Lines are de-duplicated by (timestamp, message) across both buffers.
type LogBuffer struct {
	capacity int
	visible  []models.LogLine
	shadow   []models.LogLine
	paused   bool

	// pending counts lines pushed since Pause that are still in the shadow.
	pending int
	seen    map[xxh3.Uint128]struct{}
}

// NewLogBuffer creates a buffer. capacity <= 0 keeps every line.
func NewLogBuffer(capacity int) *LogBuffer {
	return &LogBuffer{capacity: capacity, seen: make(map[xxh3.Uint128]struct{})}
}

func lineKey(l models.LogLine) xxh3.Uint128 {
	buf := make([]byte, 8, 8+len(l.Message))
	binary.LittleEndian.PutUint64(buf, uint64(l.Timestamp.UnixNano()))
	buf = append(buf, l.Message...)
	return xxh3.Hash128(buf)
}

// active is the buffer new lines land in.
func (b *LogBuffer) active() *[]models.LogLine {
	if b.paused {
		return &b.shadow
	}
	return &b.visible
}

// Push appends a line unless an identical one is already buffered.
// Returns false for duplicates.
func (b *LogBuffer) Push(l models.LogLine) bool {
	key := lineKey(l)
	if _, dup := b.seen[key]; dup {
		return false
	}
	b.seen[key] = struct{}{}
	dst := b.active()
	*dst = append(*dst, l)
	b.trim(dst)
	if b.paused {
		b.pending = min(b.pending+1, len(b.shadow))
	}
	return true
}

func (b *LogBuffer) trim(dst *[]models.LogLine) {
	if b.capacity <= 0 || len(*dst) <= b.capacity {
		return
	}
	drop := len(*dst) - b.capacity
	for _, l := range (*dst)[:drop] {
		delete(b.seen, lineKey(l))
	}
	*dst = append((*dst)[:0:0], (*dst)[drop:]...)
}

// Replace swaps in a server-windowed snapshot wholesale. Duplicates inside the
// snapshot are collapsed. While paused only the shadow buffer is replaced.
func (b *LogBuffer) Replace(lines []models.LogLine) {
	b.seen = make(map[xxh3.Uint128]struct{}, len(lines))
	out := make([]models.LogLine, 0, len(lines))
	for _, l := range lines {
		key := lineKey(l)
		if _, dup := b.seen[key]; dup {
			continue
		}
		b.seen[key] = struct{}{}
		out = append(out, l)
	}
	dst := b.active()
	*dst = out
	b.trim(dst)
	if b.paused {
		b.pending = len(b.shadow)
	}
}

// Pause freezes the visible lines.
func (b *LogBuffer) Pause() {
	if b.paused {
		return
	}
	b.paused = true
	b.pending = 0
	b.shadow = append([]models.LogLine(nil), b.visible...)
}

// Resume makes everything buffered while paused visible.
func (b *LogBuffer) Resume() {
	if !b.paused {
		return
	}
	b.paused = false
	b.pending = 0
	b.visible = b.shadow
	b.shadow = nil
}

func (b *LogBuffer) Paused() bool { return b.paused }

// Pending is the number of lines buffered since Pause that are not visible
// yet. A snapshot replaced while paused counts in full.
func (b *LogBuffer) Pending() int {
	if !b.paused {
		return 0
	}
	return b.pending
}

// Clear drops every buffered line, visible or shadowed.
func (b *LogBuffer) Clear() {
	b.visible = nil
	if b.paused {
		b.shadow = nil
	}
	b.pending = 0
	b.seen = make(map[xxh3.Uint128]struct{})
}

// Lines returns a copy of the visible lines in arrival order.
func (b *LogBuffer) Lines() []models.LogLine {
	return append([]models.LogLine(nil), b.visible...)
}

// Len is the number of visible lines.
func (b *LogBuffer) Len() int { return len(b.visible) }

// NewestIndex is the index of the newest visible line, or -1. It is a display
// hint for highlighting only.
func (b *LogBuffer) NewestIndex() int {
	return len(b.visible) - 1
}
