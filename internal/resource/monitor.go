// Copyright 2025 James Ross
package resource

import (
	"os"
	"sync"
	"time"

	"github.com/pactforge/plugin-guard/internal/obs"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// Config tunes the monitor's windowing, thresholds and history retention.
type Config struct {
	WindowSize         time.Duration
	WarningThreshold   float64
	CriticalThreshold  float64
	SnapshotInterval   time.Duration
	HistorySize        int
	DefaultLimits      Limits
}

func defaultConfig() Config {
	return Config{
		WindowSize:        time.Minute,
		WarningThreshold:  0.8,
		CriticalThreshold: 1.0,
		SnapshotInterval:  10 * time.Second,
		HistorySize:       100,
	}
}

// Monitor continuously aggregates the five resource streams per plugin. It
// is the single source of usage truth: other components read snapshots but
// never mutate counters directly.
type Monitor struct {
	mu     sync.Mutex
	cfg    Config
	states map[string]*PluginState
	logger *zap.Logger

	// selfProcess backs the CPU cross-check: guests run in-process VMs, not
	// OS processes, so the only real process-level signal available is the
	// host process itself.
	selfProcess *process.Process
}

func New(cfg Config, logger *zap.Logger) *Monitor {
	if cfg.WindowSize <= 0 {
		cfg = defaultConfig()
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &Monitor{
		cfg:         cfg,
		states:      make(map[string]*PluginState),
		logger:      logger,
		selfProcess: proc,
	}
}

// RegisterPlugin seeds per-plugin state from its manifest-declared limits.
func (m *Monitor) RegisterPlugin(plugin string, limits Limits) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[plugin] = &PluginState{
		Plugin:      plugin,
		Limits:      mergeDefaults(limits, m.cfg.DefaultLimits),
		WindowUsage: make(map[Stream]int64),
		Peak:        make(map[Stream]int64),
		Total:       make(map[Stream]int64),
		WindowStart: time.Now(),
	}
}

func mergeDefaults(l, d Limits) Limits {
	if l.MemoryBytes == 0 {
		l.MemoryBytes = d.MemoryBytes
	}
	if l.CPUMillisPerTick == 0 {
		l.CPUMillisPerTick = d.CPUMillisPerTick
	}
	if l.APICallsPerMinute == 0 {
		l.APICallsPerMinute = d.APICallsPerMinute
	}
	if l.StorageBytes == 0 {
		l.StorageBytes = d.StorageBytes
	}
	if l.NetworkRequestsPerMinute == 0 {
		l.NetworkRequestsPerMinute = d.NetworkRequestsPerMinute
	}
	return l
}

func (m *Monitor) Unregister(plugin string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, plugin)
}

// Record adds delta to stream's running total and window counter for
// plugin, rolling the window if its duration has elapsed, updating peak,
// and testing the configured thresholds. Returns zero or one violation —
// only the most severe crossing for this call, since a single record
// cannot simultaneously cross both thresholds in a way that matters twice.
func (m *Monitor) Record(plugin string, stream Stream, delta int64) *Violation {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[plugin]
	if !ok {
		return nil
	}

	now := time.Now()
	if now.Sub(st.WindowStart) >= m.cfg.WindowSize {
		st.WindowUsage = make(map[Stream]int64)
		st.WindowStart = now
	}

	st.WindowUsage[stream] += delta
	st.Total[stream] += delta
	if st.WindowUsage[stream] > st.Peak[stream] {
		st.Peak[stream] = st.WindowUsage[stream]
	}

	limit := limitFor(st.Limits, stream)
	if limit <= 0 {
		return nil
	}
	ratio := float64(st.WindowUsage[stream]) / float64(limit)
	obs.ResourceUsageRatio.WithLabelValues(plugin, string(stream)).Set(ratio)

	var severity Severity
	switch {
	case ratio >= m.cfg.CriticalThreshold:
		severity = SeverityCritical
	case ratio >= m.cfg.WarningThreshold:
		severity = SeverityWarning
	default:
		return nil
	}

	st.ViolationCount++
	obs.ResourceViolations.WithLabelValues(plugin, string(stream), string(severity)).Inc()
	return &Violation{
		Plugin:    plugin,
		Stream:    stream,
		Severity:  severity,
		Usage:     st.WindowUsage[stream],
		Limit:     limit,
		Ratio:     ratio,
		Timestamp: now,
	}
}

func limitFor(l Limits, s Stream) int64 {
	switch s {
	case StreamMemory:
		return l.MemoryBytes
	case StreamCPU:
		return l.CPUMillisPerTick
	case StreamAPICalls:
		return l.APICallsPerMinute
	case StreamStorage:
		return l.StorageBytes
	case StreamNetwork:
		return l.NetworkRequestsPerMinute
	default:
		return 0
	}
}

// Snapshot appends the current usage/peak state to plugin's bounded history
// ring, evicting the oldest entry once HistorySize is reached.
func (m *Monitor) Snapshot(plugin string) *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[plugin]
	if !ok {
		return nil
	}

	snap := Snapshot{
		Timestamp: time.Now(),
		Usage:     cloneCounts(st.WindowUsage),
		Peak:      cloneCounts(st.Peak),
	}
	st.History = append(st.History, snap)
	if len(st.History) > m.cfg.HistorySize {
		excess := len(st.History) - m.cfg.HistorySize
		st.History = st.History[excess:]
	}
	return &snap
}

func cloneCounts(src map[Stream]int64) map[Stream]int64 {
	dst := make(map[Stream]int64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// History returns a copy of plugin's retained snapshot ring.
func (m *Monitor) History(plugin string) []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[plugin]
	if !ok {
		return nil
	}
	out := make([]Snapshot, len(st.History))
	copy(out, st.History)
	return out
}

// State returns a defensive copy of a plugin's current aggregate.
func (m *Monitor) State(plugin string) *PluginState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[plugin]
	if !ok {
		return nil
	}
	cp := *st
	cp.WindowUsage = cloneCounts(st.WindowUsage)
	cp.Peak = cloneCounts(st.Peak)
	cp.Total = cloneCounts(st.Total)
	return &cp
}

// CrossCheckCPU samples the host process's real CPU time via gopsutil as a
// supplementary signal: it never replaces the per-call executionTime the
// guest host measures directly, but it can catch runaway Lua execution the
// interrupt predicate hasn't yet caught.
func (m *Monitor) CrossCheckCPU() (percent float64, err error) {
	if m.selfProcess == nil {
		return 0, nil
	}
	return m.selfProcess.Percent(0)
}

// StartSnapshotLoop periodically snapshots every registered plugin until
// stop is closed.
func (m *Monitor) StartSnapshotLoop(stop <-chan struct{}) {
	interval := m.cfg.SnapshotInterval
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.mu.Lock()
				plugins := make([]string, 0, len(m.states))
				for p := range m.states {
					plugins = append(plugins, p)
				}
				m.mu.Unlock()
				for _, p := range plugins {
					m.Snapshot(p)
				}
			case <-stop:
				return
			}
		}
	}()
}
