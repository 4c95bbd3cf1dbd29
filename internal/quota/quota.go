// Copyright 2025 James Ross
package quota

import (
	"fmt"
	"sync"
	"time"

	"github.com/pactforge/plugin-guard/internal/obs"
	"github.com/pactforge/plugin-guard/internal/resource"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Action is an enforcement step, strictly ordered warn < throttle <
// suspend < terminate.
type Action int

const (
	ActionWarn Action = iota
	ActionThrottle
	ActionSuspend
	ActionTerminate
)

func (a Action) String() string {
	switch a {
	case ActionWarn:
		return "warn"
	case ActionThrottle:
		return "throttle"
	case ActionSuspend:
		return "suspend"
	case ActionTerminate:
		return "terminate"
	default:
		return "unknown"
	}
}

// Status is a plugin's current enforcement status.
type Status string

const (
	StatusActive     Status = "active"
	StatusThrottled  Status = "throttled"
	StatusSuspended  Status = "suspended"
	StatusTerminated Status = "terminated"
)

var statusMetricValue = map[Status]float64{
	StatusActive:     0,
	StatusThrottled:  1,
	StatusSuspended:  2,
	StatusTerminated: 3,
}

// Policy configures how violations escalate into enforcement actions.
type Policy struct {
	OnWarning               Action
	OnCritical              Action
	WarningsBeforeEscalation int
	ThrottleCooldown        time.Duration
	SuspendDuration         time.Duration
	AutoResume              bool
}

func defaultPolicy() Policy {
	return Policy{
		OnWarning:                ActionWarn,
		OnCritical:               ActionThrottle,
		WarningsBeforeEscalation: 3,
		ThrottleCooldown:         time.Minute,
		SuspendDuration:          5 * time.Minute,
		AutoResume:               true,
	}
}

type pluginState struct {
	status         Status
	warningCount   int
	throttledUntil time.Time
	suspendedUntil time.Time
}

// DenyReason explains why checkQuota refused admission.
type DenyReason string

const (
	DenyThrottled   DenyReason = "THROTTLED"
	DenySuspended   DenyReason = "SUSPENDED"
	DenyTerminated  DenyReason = "TERMINATED"
)

// CheckResult is the admission-path verdict.
type CheckResult struct {
	Allowed    bool
	Reason     DenyReason
	RetryAfter time.Duration
}

// Manager converts resource violations into enforcement state transitions.
type Manager struct {
	mu       sync.Mutex
	policies map[string]Policy
	states   map[string]*pluginState
	logger   *zap.Logger
	cron     *cron.Cron
}

// New constructs a Manager and starts its auto-resume sweep, which runs
// every sweepSchedule (a cron expression, e.g. "@every 10s") and resumes
// any throttled/suspended plugin whose deadline has passed.
func New(sweepSchedule string, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		policies: make(map[string]Policy),
		states:   make(map[string]*pluginState),
		logger:   logger,
		cron:     cron.New(),
	}
	if sweepSchedule == "" {
		sweepSchedule = "@every 10s"
	}
	if _, err := m.cron.AddFunc(sweepSchedule, m.sweep); err != nil {
		return nil, fmt.Errorf("quota: invalid sweep schedule %q: %w", sweepSchedule, err)
	}
	m.cron.Start()
	return m, nil
}

// sweep auto-resumes every plugin whose throttle/suspend deadline has
// already passed, per policy.AutoResume.
func (m *Manager) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for plugin, st := range m.states {
		policy := m.policies[plugin]
		if !policy.AutoResume {
			continue
		}
		switch st.status {
		case StatusSuspended:
			if !now.Before(st.suspendedUntil) {
				st.status = StatusActive
				st.warningCount = 0
				obs.EnforcementState.WithLabelValues(plugin).Set(statusMetricValue[StatusActive])
			}
		case StatusThrottled:
			if !now.Before(st.throttledUntil) {
				st.status = StatusActive
				obs.EnforcementState.WithLabelValues(plugin).Set(statusMetricValue[StatusActive])
			}
		}
	}
}

// RegisterPlugin seeds active enforcement state for a plugin under the
// given policy (zero-value Policy gets defaults).
func (m *Manager) RegisterPlugin(plugin string, policy Policy) {
	if policy.WarningsBeforeEscalation <= 0 {
		policy = defaultPolicy()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[plugin] = policy
	m.states[plugin] = &pluginState{status: StatusActive}
	obs.EnforcementState.WithLabelValues(plugin).Set(statusMetricValue[StatusActive])
}

func (m *Manager) Unregister(plugin string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.policies, plugin)
	delete(m.states, plugin)
}

// HandleViolation maps a resource.Violation through the plugin's policy and
// applies the resulting action. Warnings accumulate; once
// WarningsBeforeEscalation is exceeded, the next warning is upgraded to the
// next-stronger action than warn.
func (m *Manager) HandleViolation(v resource.Violation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	policy, ok := m.policies[v.Plugin]
	if !ok {
		return fmt.Errorf("quota: plugin %s not registered", v.Plugin)
	}
	st := m.states[v.Plugin]

	var action Action
	switch v.Severity {
	case resource.SeverityCritical:
		action = policy.OnCritical
	default:
		action = policy.OnWarning
	}

	if action == ActionWarn {
		st.warningCount++
		if st.warningCount > policy.WarningsBeforeEscalation {
			action = nextStronger(ActionWarn)
		}
	}

	return m.applyAction(v.Plugin, action, policy)
}

// ApplyAction enforces action directly against plugin's registered policy,
// bypassing the warning-escalation count — used when another signal (the
// behavior monitor's recommended action, for instance) has already decided
// the severity and only needs the state transition applied.
func (m *Manager) ApplyAction(plugin string, action Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	policy, ok := m.policies[plugin]
	if !ok {
		return fmt.Errorf("quota: plugin %s not registered", plugin)
	}
	return m.applyAction(plugin, action, policy)
}

func nextStronger(a Action) Action {
	if a < ActionTerminate {
		return a + 1
	}
	return ActionTerminate
}

// applyAction performs the state transition for action, honoring
// terminate's absorbing nature and monotonic (never-backwards) timers.
func (m *Manager) applyAction(plugin string, action Action, policy Policy) error {
	st, ok := m.states[plugin]
	if !ok {
		return fmt.Errorf("quota: plugin %s not registered", plugin)
	}
	if st.status == StatusTerminated {
		return nil
	}

	now := time.Now()
	switch action {
	case ActionWarn:
		// event only; no state transition
	case ActionThrottle:
		st.status = StatusThrottled
		candidate := now.Add(policy.ThrottleCooldown)
		if candidate.After(st.throttledUntil) {
			st.throttledUntil = candidate
		}
	case ActionSuspend:
		st.status = StatusSuspended
		candidate := now.Add(policy.SuspendDuration)
		if candidate.After(st.suspendedUntil) {
			st.suspendedUntil = candidate
		}
	case ActionTerminate:
		st.status = StatusTerminated
	}

	obs.EnforcementState.WithLabelValues(plugin).Set(statusMetricValue[st.status])
	return nil
}

// CheckQuota is the admission-path gate: terminated always denies;
// suspended/throttled deny until their deadline passes, at which point the
// plugin auto-resumes and the call proceeds.
func (m *Manager) CheckQuota(plugin string) CheckResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[plugin]
	if !ok {
		return CheckResult{Allowed: true}
	}

	now := time.Now()
	switch st.status {
	case StatusTerminated:
		return CheckResult{Allowed: false, Reason: DenyTerminated}
	case StatusSuspended:
		if now.Before(st.suspendedUntil) {
			return CheckResult{Allowed: false, Reason: DenySuspended, RetryAfter: st.suspendedUntil.Sub(now)}
		}
		st.status = StatusActive
		st.warningCount = 0
		obs.EnforcementState.WithLabelValues(plugin).Set(statusMetricValue[StatusActive])
	case StatusThrottled:
		if now.Before(st.throttledUntil) {
			return CheckResult{Allowed: false, Reason: DenyThrottled, RetryAfter: st.throttledUntil.Sub(now)}
		}
		st.status = StatusActive
		obs.EnforcementState.WithLabelValues(plugin).Set(statusMetricValue[StatusActive])
	}

	return CheckResult{Allowed: true}
}

// ResumePlugin manually returns a throttled or suspended plugin to active.
// Refuses to revive a terminated plugin: terminate is absorbing.
func (m *Manager) ResumePlugin(plugin string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[plugin]
	if !ok {
		return fmt.Errorf("quota: plugin %s not registered", plugin)
	}
	if st.status == StatusTerminated {
		return fmt.Errorf("quota: plugin %s is terminated, cannot resume", plugin)
	}
	st.status = StatusActive
	st.warningCount = 0
	obs.EnforcementState.WithLabelValues(plugin).Set(statusMetricValue[StatusActive])
	return nil
}

func (m *Manager) Status(plugin string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[plugin]
	if !ok {
		return "", false
	}
	return st.status, true
}

// Snapshot returns the current enforcement status of every registered
// plugin, for the admin inspection surface.
func (m *Manager) Snapshot() map[string]Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Status, len(m.states))
	for plugin, st := range m.states {
		out[plugin] = st.status
	}
	return out
}

// Stop shuts down the cron scheduler backing any sweep jobs.
func (m *Manager) Stop() {
	m.cron.Stop()
}
