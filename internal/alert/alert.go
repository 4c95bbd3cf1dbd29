// Copyright 2025 James Ross
package alert

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pactforge/plugin-guard/internal/obs"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Severity ranks an alert's urgency.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Status is an alert's lifecycle position: active -> acknowledged ->
// resolved, or active -> suppressed.
type Status string

const (
	StatusActive       Status = "active"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
	StatusSuppressed   Status = "suppressed"
)

// Alert is one deduplicated signal surfaced to an operator.
type Alert struct {
	ID           string
	Plugin       string
	ResourceType string
	Severity     Severity
	Message      string
	Status       Status
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ResolvedAt   time.Time
}

type cooldownKey struct {
	plugin       string
	resourceType string
}

// Config tunes dedup cooldown, per-plugin bound, and retention.
type Config struct {
	Cooldown          time.Duration
	MaxPerPlugin      int
	RetentionPeriod   time.Duration
	RetentionSchedule string
}

func defaultConfig() Config {
	return Config{
		Cooldown:          time.Minute,
		MaxPerPlugin:      100,
		RetentionPeriod:   24 * time.Hour,
		RetentionSchedule: "@every 1m",
	}
}

// Manager dedupes, bounds, and ages out alerts raised by resource, quota
// and security sources.
type Manager struct {
	mu        sync.Mutex
	cfg       Config
	alerts    map[string]*Alert
	byPlugin  map[string][]string
	lastFired map[cooldownKey]time.Time
	logger    *zap.Logger
	cron      *cron.Cron
}

// New builds a Manager and starts its retention sweep.
func New(cfg Config, logger *zap.Logger) (*Manager, error) {
	def := defaultConfig()
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.MaxPerPlugin <= 0 {
		cfg.MaxPerPlugin = def.MaxPerPlugin
	}
	if cfg.RetentionPeriod <= 0 {
		cfg.RetentionPeriod = def.RetentionPeriod
	}
	if cfg.RetentionSchedule == "" {
		cfg.RetentionSchedule = def.RetentionSchedule
	}

	m := &Manager{
		cfg:       cfg,
		alerts:    make(map[string]*Alert),
		byPlugin:  make(map[string][]string),
		lastFired: make(map[cooldownKey]time.Time),
		logger:    logger,
	}

	c := cron.New()
	if _, err := c.AddFunc(cfg.RetentionSchedule, m.sweepExpired); err != nil {
		return nil, err
	}
	c.Start()
	m.cron = c
	return m, nil
}

// Raise records a signal, deduplicating by (plugin, resourceType) within
// the cooldown window. Returns nil if the signal was collapsed into an
// existing alert rather than creating a new one; a collapsed signal of
// higher severity raises that alert's severity and message.
func (m *Manager) Raise(plugin, resourceType string, severity Severity, message string) *Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := cooldownKey{plugin: plugin, resourceType: resourceType}
	now := time.Now()
	if last, ok := m.lastFired[key]; ok && now.Sub(last) < m.cfg.Cooldown {
		rank := map[Severity]int{SeverityWarning: 1, SeverityError: 2, SeverityCritical: 3}
		ids := m.byPlugin[plugin]
		for i := len(ids) - 1; i >= 0; i-- {
			if a, ok := m.alerts[ids[i]]; ok && a.ResourceType == resourceType {
				if rank[severity] > rank[a.Severity] {
					a.Severity = severity
					a.Message = message
					a.UpdatedAt = now
				}
				break
			}
		}
		return nil
	}
	m.lastFired[key] = now

	a := &Alert{
		ID:           uuid.NewString(),
		Plugin:       plugin,
		ResourceType: resourceType,
		Severity:     severity,
		Message:      message,
		Status:       StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.alerts[a.ID] = a
	m.byPlugin[plugin] = append(m.byPlugin[plugin], a.ID)
	m.evictOldest(plugin)

	obs.AlertsCreatedTotal.WithLabelValues(plugin, string(severity)).Inc()
	obs.AlertsActive.WithLabelValues(plugin).Set(float64(m.activeCountLocked(plugin)))
	return a
}

// evictOldest drops the oldest alert for plugin once MaxPerPlugin is
// exceeded. Caller holds m.mu.
func (m *Manager) evictOldest(plugin string) {
	ids := m.byPlugin[plugin]
	for len(ids) > m.cfg.MaxPerPlugin {
		oldest := ids[0]
		ids = ids[1:]
		delete(m.alerts, oldest)
	}
	m.byPlugin[plugin] = ids
}

func (m *Manager) activeCountLocked(plugin string) int {
	n := 0
	for _, id := range m.byPlugin[plugin] {
		if a, ok := m.alerts[id]; ok && a.Status == StatusActive {
			n++
		}
	}
	return n
}

// Acknowledge transitions an active alert to acknowledged.
func (m *Manager) Acknowledge(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok || a.Status != StatusActive {
		return false
	}
	a.Status = StatusAcknowledged
	a.UpdatedAt = time.Now()
	obs.AlertsActive.WithLabelValues(a.Plugin).Set(float64(m.activeCountLocked(a.Plugin)))
	return true
}

// Resolve transitions an alert to resolved, stamping ResolvedAt for the
// retention sweep.
func (m *Manager) Resolve(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok || a.Status == StatusResolved {
		return false
	}
	a.Status = StatusResolved
	now := time.Now()
	a.UpdatedAt = now
	a.ResolvedAt = now
	obs.AlertsActive.WithLabelValues(a.Plugin).Set(float64(m.activeCountLocked(a.Plugin)))
	return true
}

// Suppress transitions an active alert directly to suppressed.
func (m *Manager) Suppress(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok || a.Status != StatusActive {
		return false
	}
	a.Status = StatusSuppressed
	now := time.Now()
	a.UpdatedAt = now
	a.ResolvedAt = now
	obs.AlertsActive.WithLabelValues(a.Plugin).Set(float64(m.activeCountLocked(a.Plugin)))
	return true
}

// List returns every alert for plugin, oldest first. Pass "" for all
// plugins.
func (m *Manager) List(plugin string) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Alert
	if plugin != "" {
		for _, id := range m.byPlugin[plugin] {
			if a, ok := m.alerts[id]; ok {
				out = append(out, *a)
			}
		}
		return out
	}
	for _, a := range m.alerts {
		out = append(out, *a)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// sweepExpired removes resolved/suppressed alerts older than the
// retention period. Runs on a fixed cron schedule rather than a timer
// per alert.
func (m *Manager) sweepExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-m.cfg.RetentionPeriod)
	for plugin, ids := range m.byPlugin {
		kept := ids[:0]
		for _, id := range ids {
			a, ok := m.alerts[id]
			if !ok {
				continue
			}
			if (a.Status == StatusResolved || a.Status == StatusSuppressed) && a.ResolvedAt.Before(cutoff) {
				delete(m.alerts, id)
				continue
			}
			kept = append(kept, id)
		}
		m.byPlugin[plugin] = kept
	}
}

// Stop halts the retention sweep.
func (m *Manager) Stop() {
	m.cron.Stop()
}
