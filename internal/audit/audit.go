// Copyright 2025 James Ross
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pactforge/plugin-guard/internal/obs"
	"github.com/pactforge/plugin-guard/internal/storage"
	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Result is the outcome recorded against an entry.
type Result string

const (
	ResultAllowed Result = "allowed"
	ResultDenied  Result = "denied"
	ResultThrottled Result = "throttled"
	ResultError   Result = "error"
)

// Entry is one append-only audit record. Every admission, denial,
// enforcement transition, capability issue and lifecycle event produces
// exactly one of these.
type Entry struct {
	Sequence  int64          `json:"sequence"`
	Plugin    string         `json:"plugin"`
	Action    string         `json:"action"`
	Result    Result         `json:"result"`
	Reason    string         `json:"reason,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

var sensitiveKeys = map[string]bool{
	"password": true, "token": true, "secret": true, "apikey": true,
	"api_key": true, "privatekey": true, "private_key": true,
	"authorization": true, "cookie": true,
}

const redactedSentinel = "[REDACTED]"

var sensitiveQueryParams = map[string]bool{
	"token": true, "apikey": true, "api_key": true, "secret": true,
	"password": true, "signature": true, "access_token": true,
}

// Config tunes the optional rotating file sink and default export
// behavior.
type Config struct {
	FileSink   bool
	LogPath    string
	MaxSizeMB  int
	MaxBackups int
	Compress   bool
}

// Log is the shared append-only audit store: an in-memory slice of
// entries plus an index from plugin to its entry positions. Writers must
// hold mu across both the append and the index update to preserve
// atomicity and ordering.
type Log struct {
	mu       sync.Mutex
	entries  []Entry
	byPlugin map[string][]int
	nextSeq  int64
	file     *lumberjack.Logger
	backend  storage.Backend
	logger   *zap.Logger
}

// New builds a Log, optionally wiring a rotating file sink and a
// persistence backend for exported batches.
func New(cfg Config, backend storage.Backend, logger *zap.Logger) (*Log, error) {
	l := &Log{
		byPlugin: make(map[string][]int),
		backend:  backend,
		logger:   logger,
	}
	if cfg.FileSink {
		if cfg.LogPath == "" {
			return nil, fmt.Errorf("audit: file sink enabled but LogPath is empty")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.LogPath), 0o755); err != nil {
			return nil, fmt.Errorf("audit: create log directory: %w", err)
		}
		l.file = &lumberjack.Logger{
			Filename:   cfg.LogPath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		}
	}
	return l, nil
}

// Append records one entry, redacting sensitive parameter values and
// query parameters before it is stored or written to the file sink.
func (l *Log) Append(plugin, action string, result Result, reason string, params map[string]any) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextSeq++
	e := Entry{
		Sequence:  l.nextSeq,
		Plugin:    plugin,
		Action:    action,
		Result:    result,
		Reason:    reason,
		Params:    redact(params),
		Timestamp: monotonicNow(l.entries),
	}
	l.entries = append(l.entries, e)
	l.byPlugin[plugin] = append(l.byPlugin[plugin], len(l.entries)-1)

	obs.AuditEntriesTotal.WithLabelValues(plugin, string(result)).Inc()

	if l.file != nil {
		if raw, err := json.Marshal(e); err == nil {
			if _, err := l.file.Write(append(raw, '\n')); err != nil && l.logger != nil {
				l.logger.Warn("audit file sink write failed", zap.Error(err))
			}
		}
	}
	return e
}

// monotonicNow returns a timestamp never earlier than the previous
// entry's, satisfying the non-decreasing timestamp invariant even when
// wall-clock time stalls or goes backwards between calls.
func monotonicNow(existing []Entry) time.Time {
	now := time.Now()
	if len(existing) == 0 {
		return now
	}
	last := existing[len(existing)-1].Timestamp
	if now.Before(last) {
		return last
	}
	return now
}

// redact replaces sensitive-key parameter values with a sentinel and
// strips sensitive query parameters from any URL-shaped string values.
func redact(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		if sensitiveKeys[normalizeKey(k)] {
			out[k] = redactedSentinel
			continue
		}
		if s, ok := v.(string); ok {
			out[k] = stripSensitiveQuery(s)
			continue
		}
		out[k] = v
	}
	return out
}

func normalizeKey(k string) string {
	b := make([]byte, 0, len(k))
	for _, r := range k {
		if r == '-' || r == '_' || r == ' ' {
			continue
		}
		if r >= 'A' && r <= 'Z' {
			r += 'a' - 'A'
		}
		b = append(b, byte(r))
	}
	return string(b)
}

// stripSensitiveQuery removes sensitive query parameters from s if it
// parses as a URL with a query string; otherwise s is returned unchanged.
func stripSensitiveQuery(s string) string {
	u, err := url.Parse(s)
	if err != nil || u.RawQuery == "" {
		return s
	}
	q := u.Query()
	changed := false
	for key := range q {
		if sensitiveQueryParams[normalizeKey(key)] {
			q.Del(key)
			changed = true
		}
	}
	if !changed {
		return s
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// ForPlugin returns every entry recorded for plugin, oldest first.
func (l *Log) ForPlugin(plugin string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	positions := l.byPlugin[plugin]
	out := make([]Entry, 0, len(positions))
	for _, pos := range positions {
		out = append(out, l.entries[pos])
	}
	return out
}

// All returns every entry, oldest first.
func (l *Log) All() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Persist writes an exported batch to the storage backend under
// audit/<plugin>/<unix-nanoseconds>.
func (l *Log) Persist(ctx context.Context, plugin string, batch []byte) error {
	if l.backend == nil {
		return fmt.Errorf("audit: no storage backend configured")
	}
	key := fmt.Sprintf("audit/%s/%d", plugin, time.Now().UnixNano())
	return l.backend.Put(ctx, key, batch)
}

// Close releases the rotating file sink, if any.
func (l *Log) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
