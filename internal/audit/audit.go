// Package audit appends access decisions to a JSON-lines file.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is one line of the audit log.
type Entry struct {
	ID        string `json:"id"`
	Host      string `json:"host"`
	Action    string `json:"action,omitempty"`
	Method    string `json:"method,omitempty"`
	Path      string `json:"path,omitempty"`
	Source    string `json:"source"`
	Decision  string `json:"decision"`
	Scope     string `json:"scope"`
	Reason    string `json:"reason"`
	Timestamp string `json:"timestamp"`
}

const (
	SourceRequest    = "request"
	SourceManagement = "management"
)

// Log writes entries to a file. A nil *Log or an empty path records nothing.
type Log struct {
	path   string
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
}

func New(path string, logger *slog.Logger) *Log {
	if path == "" {
		return nil
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Log{path: path, logger: logger, now: time.Now}
}

// Record appends e, filling in ID and Timestamp when empty. Failures are
// logged and otherwise ignored.
func (l *Log) Record(e Entry) {
	if l == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp == "" {
		e.Timestamp = l.now().UTC().Format(time.RFC3339)
	}
	if err := l.append(e); err != nil {
		l.logger.Error("audit write failed", "file", l.path, "error", err)
	}
}

func (l *Log) append(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write audit log: %w", err)
	}
	return nil
}
