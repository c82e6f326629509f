package stream

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"deploywatch/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// FrameKind classifies a decoded frame.
type FrameKind string

const (
	FrameLog       FrameKind = "log"
	FrameLogs      FrameKind = "logs"
	FrameMetric    FrameKind = "metric"
	FrameStatus    FrameKind = "status"
	FrameHeartbeat FrameKind = "heartbeat"
)

// Frame is one decoded transport message. Lines holds the appended lines of a
// log frame or the full snapshot of a logs frame.
type Frame struct {
	Kind   FrameKind
	Lines  []models.LogLine
	Metric models.MetricSample
	Status string
}

// ErrEmptyFrame is returned for frames carrying nothing but whitespace.
var ErrEmptyFrame = errors.New("empty frame")

type envelope struct {
	Event string              `json:"event"`
	Data  jsoniter.RawMessage `json:"data"`
}

type wireLine struct {
	Timestamp wireTime `json:"timestamp"`
	Level     string   `json:"level"`
	Source    string   `json:"source"`
	Message   *string  `json:"message"`
	Seq       int64    `json:"seq"`
}

type wireMetric struct {
	Timestamp     wireTime `json:"timestamp"`
	CPUPercent    float64  `json:"cpu_percent"`
	MemoryPercent float64  `json:"memory_percent"`
	RxBytes       uint64   `json:"rx_bytes"`
	TxBytes       uint64   `json:"tx_bytes"`
}

type wireStatus struct {
	Status string `json:"status"`
}

// wireTime accepts RFC3339 strings or unix milliseconds.
type wireTime struct {
	time.Time
}

func (w *wireTime) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		s, err := strconv.Unquote(string(b))
		if err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("timestamp %q: %w", s, err)
		}
		w.Time = t
		return nil
	}
	ms, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("timestamp %s: %w", b, err)
	}
	w.Time = time.UnixMilli(int64(ms))
	return nil
}

// DecodeFrame turns a raw payload into a Frame. received stamps lines and
// samples that carry no timestamp of their own.
//
// Well-formed JSON is decoded strictly. Text that opens like a JSON object or
// array (`{"`, `[{`, `["`) but does not parse is an error. Anything else,
// including bracket-led build output such as "[5/5] COPY . . done", is raw
// log output, one line per newline.
func DecodeFrame(payload []byte, received time.Time) (Frame, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return Frame{}, ErrEmptyFrame
	}
	if trimmed[0] == '{' || trimmed[0] == '[' {
		if json.Valid(trimmed) {
			if trimmed[0] == '{' {
				return decodeObject(trimmed, received)
			}
			lines, err := decodeLines(trimmed, received)
			if err == nil {
				return Frame{Kind: FrameLogs, Lines: lines}, nil
			}
			if looksLikeJSON(trimmed) {
				return Frame{}, err
			}
		} else if looksLikeJSON(trimmed) {
			return Frame{}, fmt.Errorf("decode frame: malformed JSON %.40q", trimmed)
		}
	}
	return Frame{Kind: FrameLog, Lines: RawLines(string(payload), "", received)}, nil
}

// looksLikeJSON reports whether b opens a JSON object with a key or an array
// of objects or strings.
func looksLikeJSON(b []byte) bool {
	rest := bytes.TrimLeft(b[1:], " \t\r\n")
	if len(rest) == 0 {
		return true
	}
	switch b[0] {
	case '{':
		return rest[0] == '"' || rest[0] == '}'
	default:
		return rest[0] == '{' || rest[0] == '"' || rest[0] == ']'
	}
}

func decodeObject(b []byte, received time.Time) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if env.Event == "" {
		line, err := decodeLine(b, received)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Kind: FrameLog, Lines: []models.LogLine{line}}, nil
	}

	switch FrameKind(strings.ToLower(env.Event)) {
	case FrameLog:
		if len(env.Data) > 0 && env.Data[0] == '[' {
			lines, err := decodeLines(env.Data, received)
			if err != nil {
				return Frame{}, err
			}
			return Frame{Kind: FrameLog, Lines: lines}, nil
		}
		line, err := decodeLine(env.Data, received)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Kind: FrameLog, Lines: []models.LogLine{line}}, nil
	case FrameLogs:
		lines, err := decodeLines(env.Data, received)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Kind: FrameLogs, Lines: lines}, nil
	case FrameMetric:
		var m wireMetric
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return Frame{}, fmt.Errorf("decode metric: %w", err)
		}
		ts := m.Timestamp.Time
		if ts.IsZero() {
			ts = received
		}
		return Frame{Kind: FrameMetric, Metric: models.MetricSample{
			Timestamp:         ts,
			CPUPercent:        m.CPUPercent,
			MemoryPercent:     m.MemoryPercent,
			RxBytesCumulative: m.RxBytes,
			TxBytesCumulative: m.TxBytes,
		}}, nil
	case FrameStatus:
		var st wireStatus
		if err := json.Unmarshal(env.Data, &st); err != nil {
			return Frame{}, fmt.Errorf("decode status: %w", err)
		}
		return Frame{Kind: FrameStatus, Status: st.Status}, nil
	case FrameHeartbeat:
		return Frame{Kind: FrameHeartbeat}, nil
	default:
		return Frame{}, fmt.Errorf("decode frame: unknown event %q", env.Event)
	}
}

func decodeLine(b []byte, received time.Time) (models.LogLine, error) {
	var w wireLine
	if err := json.Unmarshal(b, &w); err != nil {
		return models.LogLine{}, fmt.Errorf("decode log line: %w", err)
	}
	if w.Message == nil {
		return models.LogLine{}, errors.New("decode log line: missing message")
	}
	return w.toLine(received), nil
}

func decodeLines(b []byte, received time.Time) ([]models.LogLine, error) {
	var ws []wireLine
	if err := json.Unmarshal(b, &ws); err != nil {
		return nil, fmt.Errorf("decode log snapshot: %w", err)
	}
	out := make([]models.LogLine, 0, len(ws))
	for _, w := range ws {
		if w.Message == nil {
			continue
		}
		out = append(out, w.toLine(received))
	}
	return out, nil
}

func (w wireLine) toLine(received time.Time) models.LogLine {
	ts := w.Timestamp.Time
	if ts.IsZero() {
		ts = received
	}
	level := strings.ToUpper(strings.TrimSpace(w.Level))
	if level == "" {
		level = LevelFrom(*w.Message)
	}
	return models.LogLine{
		Timestamp:    ts,
		Level:        level,
		Source:       w.Source,
		Message:      *w.Message,
		SequenceHint: w.Seq,
	}
}

// RawLines splits plain text output into log lines. A leading RFC3339
// timestamp on a line, as written by container runtimes, becomes the line's
// timestamp; otherwise received is used.
func RawLines(text, source string, received time.Time) []models.LogLine {
	var out []models.LogLine
	for _, raw := range strings.Split(text, "\n") {
		msg := strings.TrimSpace(strings.TrimRight(raw, "\r"))
		if msg == "" {
			continue
		}
		ts := received
		if head, rest, ok := strings.Cut(msg, " "); ok {
			if t, err := time.Parse(time.RFC3339Nano, head); err == nil {
				ts = t
				msg = strings.TrimSpace(rest)
			}
		}
		out = append(out, models.LogLine{
			Timestamp: ts,
			Level:     LevelFrom(msg),
			Source:    source,
			Message:   msg,
		})
	}
	return out
}

// LevelFrom infers a log level from the message text.
func LevelFrom(s string) string {
	ss := strings.ToUpper(s)
	switch {
	case strings.Contains(ss, "ERROR"):
		return "ERROR"
	case strings.Contains(ss, "WARN"):
		return "WARN"
	default:
		return "INFO"
	}
}
