// Package runlog writes append-only per-run log files. One run gets
// one file; the trace decorator streams everything it sees into it.
package runlog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	defaultMaxBytes  = 1 << 20
	truncationMarker = "... [log truncated at size cap]"
)

// Log is a single run's append-only file. Safe for concurrent use.
// Once the byte cap is reached further appends are dropped and a
// truncation marker is written exactly once.
type Log struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	written   int64
	maxBytes  int64
	truncated bool
}

type Option func(*Log)

func WithMaxBytes(n int64) Option {
	return func(l *Log) {
		if n > 0 {
			l.maxBytes = n
		}
	}
}

// Open creates dir if needed and opens a fresh log file named
// <name>.log inside it.
func Open(dir, name string, opts ...Option) (*Log, error) {
	dir = strings.TrimSpace(dir)
	name = strings.TrimSpace(name)
	if dir == "" {
		return nil, fmt.Errorf("run log directory is required")
	}
	if name == "" {
		return nil, fmt.Errorf("run log name is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create run log directory: %w", err)
	}

	path := filepath.Join(dir, name+".log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}

	l := &Log{
		file:     file,
		path:     path,
		maxBytes: defaultMaxBytes,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l, nil
}

func (l *Log) Path() string {
	return l.path
}

// Append writes one line. Returns nil once truncated; the run is not
// worth failing over a full log.
func (l *Log) Append(line string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("run log is closed")
	}
	if l.truncated {
		return nil
	}
	if l.written+int64(len(line))+1 > l.maxBytes {
		l.truncated = true
		if _, err := l.file.WriteString(truncationMarker + "\n"); err != nil {
			return fmt.Errorf("write truncation marker: %w", err)
		}
		return nil
	}

	n, err := l.file.WriteString(line + "\n")
	l.written += int64(n)
	if err != nil {
		return fmt.Errorf("append run log: %w", err)
	}
	return nil
}

// Appendf is Append with formatting.
func (l *Log) Appendf(format string, args ...any) error {
	return l.Append(fmt.Sprintf(format, args...))
}

func (l *Log) Truncated() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.truncated
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("close run log: %w", err)
	}
	return nil
}
