package stream

import (
	"testing"
	"time"
)

var received = time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)

func TestDecodeEnvelopeLog(t *testing.T) {
	f, err := DecodeFrame([]byte(`{"event":"log","data":{"timestamp":"2026-05-06T07:00:00Z","level":"info","source":"builder","message":"Cloning into 'repo'","seq":7}}`), received)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Kind != FrameLog || len(f.Lines) != 1 {
		t.Fatalf("expected one log line, got %+v", f)
	}
	l := f.Lines[0]
	if l.Message != "Cloning into 'repo'" || l.Level != "INFO" || l.Source != "builder" || l.SequenceHint != 7 {
		t.Fatalf("unexpected line %+v", l)
	}
	if !l.Timestamp.Equal(time.Date(2026, 5, 6, 7, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected parsed timestamp, got %s", l.Timestamp)
	}
}

func TestDecodeBareLineWithUnixMillis(t *testing.T) {
	f, err := DecodeFrame([]byte(`{"timestamp":1767225600000,"message":"Error: build failed"}`), received)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	l := f.Lines[0]
	if !l.Timestamp.Equal(time.UnixMilli(1767225600000)) {
		t.Fatalf("expected unix millis timestamp, got %s", l.Timestamp)
	}
	if l.Level != "ERROR" {
		t.Fatalf("expected inferred ERROR level, got %q", l.Level)
	}
}

func TestDecodeSnapshot(t *testing.T) {
	f, err := DecodeFrame([]byte(`[{"message":"a"},{"level":"warn"},{"message":"b"}]`), received)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Kind != FrameLogs || len(f.Lines) != 2 {
		t.Fatalf("expected 2-line snapshot, got %+v", f)
	}
	if !f.Lines[0].Timestamp.Equal(received) {
		t.Fatalf("expected receive time for untimed lines, got %s", f.Lines[0].Timestamp)
	}

	f, err = DecodeFrame([]byte(`{"event":"logs","data":[{"message":"x"}]}`), received)
	if err != nil || f.Kind != FrameLogs || len(f.Lines) != 1 {
		t.Fatalf("expected enveloped snapshot, got %+v %v", f, err)
	}
}

func TestDecodeMetricAndStatus(t *testing.T) {
	f, err := DecodeFrame([]byte(`{"event":"metric","data":{"timestamp":2000,"cpu_percent":12.5,"memory_percent":40,"rx_bytes":3048,"tx_bytes":10}}`), received)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Kind != FrameMetric {
		t.Fatalf("expected metric, got %s", f.Kind)
	}
	m := f.Metric
	if m.CPUPercent != 12.5 || m.MemoryPercent != 40 || m.RxBytesCumulative != 3048 || m.TxBytesCumulative != 10 {
		t.Fatalf("unexpected sample %+v", m)
	}
	if m.Timestamp.UnixMilli() != 2000 {
		t.Fatalf("expected ts 2000ms, got %d", m.Timestamp.UnixMilli())
	}

	f, err = DecodeFrame([]byte(`{"event":"status","data":{"status":"building"}}`), received)
	if err != nil || f.Kind != FrameStatus || f.Status != "building" {
		t.Fatalf("expected status frame, got %+v %v", f, err)
	}
	f, err = DecodeFrame([]byte(`{"event":"heartbeat"}`), received)
	if err != nil || f.Kind != FrameHeartbeat {
		t.Fatalf("expected heartbeat, got %+v %v", f, err)
	}
}

func TestDecodeRawText(t *testing.T) {
	f, err := DecodeFrame([]byte("#1 [internal] load build definition\r\n\n2026-05-06T07:00:01.5Z WARNING: cache miss\n"), received)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Kind != FrameLog || len(f.Lines) != 2 {
		t.Fatalf("expected 2 raw lines, got %+v", f)
	}
	if f.Lines[0].Message != "#1 [internal] load build definition" || !f.Lines[0].Timestamp.Equal(received) {
		t.Fatalf("unexpected first line %+v", f.Lines[0])
	}
	second := f.Lines[1]
	if second.Message != "WARNING: cache miss" || second.Level != "WARN" {
		t.Fatalf("unexpected second line %+v", second)
	}
	if !second.Timestamp.Equal(time.Date(2026, 5, 6, 7, 0, 1, 500000000, time.UTC)) {
		t.Fatalf("expected leading timestamp to be parsed, got %s", second.Timestamp)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	bad := []string{
		`{"event":"log","data":{"message":`,
		`[{"message":"a"`,
		`{"level":"info"}`,
		`{"event":"bogus","data":{}}`,
		`{"event":"metric","data":{"timestamp":"yesterday"}}`,
		"   \n ",
	}
	for _, payload := range bad {
		if _, err := DecodeFrame([]byte(payload), received); err == nil {
			t.Fatalf("expected error for %q", payload)
		}
	}
}

func TestDecodeBracketLedBuildOutput(t *testing.T) {
	for _, text := range []string{
		"[5/5] COPY . . done",
		"[+] Building 12.3s (5/5) FINISHED",
		"[internal] load build definition",
		"[5]",
		"{not json at all",
	} {
		f, err := DecodeFrame([]byte(text), received)
		if err != nil {
			t.Fatalf("expected %q to decode as a raw line, got %v", text, err)
		}
		if f.Kind != FrameLog || len(f.Lines) != 1 || f.Lines[0].Message != text {
			t.Fatalf("expected one raw line %q, got %+v", text, f)
		}
	}

	f, err := DecodeFrame([]byte("[1/2] FROM alpine\n[2/2] RUN make\n"), received)
	if err != nil || len(f.Lines) != 2 || f.Lines[1].Message != "[2/2] RUN make" {
		t.Fatalf("expected two raw lines, got %+v %v", f, err)
	}
}
