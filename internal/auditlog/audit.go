// Package auditlog records every control-plane request, per section 6.3's
// requirement that the loopback-only HTTP surface leave a trail of who
// asked for what. Grounded on the teacher's AuditLogger, generalized from
// its MCP-specific access log to the control API's own verbs, with the
// Wails UI emission replaced by an Event Bus publish.
package auditlog

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tachyon-core/internal/eventbus"
)

// Entry is one recorded control-plane request.
type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	SourceIP  string    `json:"source_ip"`
	UserAgent string    `json:"user_agent"`
	Action    string    `json:"action"` // e.g. "POST /downloads"
	Status    int       `json:"status"` // HTTP status written for the request
	Details   string    `json:"details"`
}

// Log appends Entries to a JSON-lines file and publishes them on the Event
// Bus for any live control-plane subscriber.
type Log struct {
	mu     sync.Mutex
	file   *os.File
	path   string
	logger *slog.Logger
	bus    *eventbus.Bus
}

// Open creates (or appends to) the audit log under appDataDir/logs.
func Open(appDataDir string, logger *slog.Logger, bus *eventbus.Bus) (*Log, error) {
	logDir := filepath.Join(appDataDir, "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, err
	}
	path := filepath.Join(logDir, "access.log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &Log{file: f, path: path, logger: logger, bus: bus}, nil
}

// Record writes one Entry to disk, publishes it, and mirrors it through the
// structured logger at Info (or Warn for 4xx/5xx) level.
func (l *Log) Record(sourceIP, userAgent, action string, status int, details string) {
	entry := Entry{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		SourceIP:  sourceIP,
		UserAgent: userAgent,
		Action:    action,
		Status:    status,
		Details:   details,
	}

	l.mu.Lock()
	if l.file != nil {
		if b, err := json.Marshal(entry); err == nil {
			l.file.Write(append(b, '\n'))
		}
	}
	l.mu.Unlock()

	if l.bus != nil {
		l.bus.Publish(eventbus.Event{
			Kind:         eventbus.Kind("audit"),
			ErrorMessage: details,
			ID:           entry.ID,
		})
	}

	if l.logger != nil {
		level := slog.LevelInfo
		if status >= 400 {
			level = slog.LevelWarn
		}
		l.logger.Log(context.Background(), level, "control-plane request", "action", action, "status", status, "ip", sourceIP)
	}
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Recent returns up to limit entries, most recent first.
func (l *Log) Recent(limit int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	content, err := os.ReadFile(l.path)
	if err != nil {
		return nil
	}

	lines := strings.Split(string(content), "\n")
	var entries []Entry
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err == nil {
			entries = append(entries, e)
		}
		if len(entries) >= limit {
			break
		}
	}
	return entries
}
