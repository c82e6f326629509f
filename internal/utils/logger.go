package utils

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const timeFormat = "2006-01-02 15:04:05"

// Logger writes timestamped lines to a log file.
type Logger struct {
	mu        sync.Mutex
	writeFile *os.File
	out       io.Writer
}

// defaultLogPath returns the log file under the default data root.
func defaultLogPath() string {
	return NewPaths(DefaultRoot()).LogFile()
}

// writeToDefaultLog attempts to write a single timestamped line to the default
// log. If it fails, it falls back to stderr.
func writeToDefaultLog(message string) {
	path := defaultLogPath()
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", time.Now().Format(timeFormat), message)
		return
	}
	defer f.Close()
	_, _ = fmt.Fprintf(f, "%s: %s\n", time.Now().Format(timeFormat), message)
}

// NewLogger opens the given log file for appending. An empty path selects the
// default location. If the file cannot be opened, logs go to stdout.
func NewLogger(logFile string) *Logger {
	logger := &Logger{out: os.Stdout}
	if logFile == "" {
		logFile = defaultLogPath()
	}
	_ = os.MkdirAll(filepath.Dir(logFile), 0o755)

	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		writeToDefaultLog(fmt.Sprintf("Error opening log file (%s): %v", logFile, err))
		return logger
	}
	logger.writeFile = f
	return logger
}

// NewWriterLogger logs to w instead of a file. Used by the terminal view,
// which must keep stdout clean, and by tests.
func NewWriterLogger(w io.Writer) *Logger {
	return &Logger{out: w}
}

// Write appends a timestamped message to the log (or the fallback writer).
func (l *Logger) Write(message string) {
	if l == nil {
		return
	}
	line := fmt.Sprintf("%s: %s\n", time.Now().Format(timeFormat), message)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writeFile != nil {
		_, _ = l.writeFile.WriteString(line)
		_ = l.writeFile.Sync()
		return
	}
	if l.out != nil {
		_, _ = io.WriteString(l.out, line)
	}
}

// Writer adapts the logger to io.Writer for gin and http.Server.ErrorLog.
// Each newline-terminated chunk becomes one log entry; prefix is prepended.
func (l *Logger) Writer(prefix string) io.Writer {
	return &lineWriter{logger: l, prefix: prefix}
}

type lineWriter struct {
	logger *Logger
	prefix string
	mu     sync.Mutex
	buf    []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimRight(w.buf[:i], "\r")
		if len(line) > 0 {
			w.logger.Write(w.prefix + string(line))
		}
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Close flushes and closes the log file.
func (l *Logger) Close() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writeFile != nil {
		_ = l.writeFile.Close()
		l.writeFile = nil
	}
}

// File returns the underlying write file handle when available.
func (l *Logger) File() *os.File {
	if l == nil {
		return nil
	}
	return l.writeFile
}
