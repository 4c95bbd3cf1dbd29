// Copyright 2025 James Ross
package behavior

import "time"

// EventType enumerates the typed events the monitor records.
type EventType string

const (
	EventAPICall            EventType = "api_call"
	EventMemoryAllocation    EventType = "memory_allocation"
	EventCPUUsage            EventType = "cpu_usage"
	EventNetworkRequest      EventType = "network_request"
	EventStorageOperation    EventType = "storage_operation"
	EventUIInteraction       EventType = "ui_interaction"
	EventCapabilityRequest   EventType = "capability_request"
	EventError               EventType = "error"
)

// Event is one recorded occurrence for a plugin.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Method    string
	Bytes     int64
	Denied    bool
	Duration  time.Duration
}

// Detector names the seven-in-name (six enumerated) anomaly classes.
type Detector string

const (
	DetectorSuddenActivitySpike       Detector = "sudden_activity_spike"
	DetectorUnusualAPISequence        Detector = "unusual_api_sequence"
	DetectorResourceExhaustionAttempt Detector = "resource_exhaustion_attempt"
	DetectorCapabilityEscalation      Detector = "capability_escalation"
	DetectorDataExfiltrationPattern   Detector = "data_exfiltration_pattern"
	DetectorDormantActivation         Detector = "dormant_activation"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type SuggestedAction string

const (
	ActionMonitor  SuggestedAction = "monitor"
	ActionWarn     SuggestedAction = "warn"
	ActionThrottle SuggestedAction = "throttle"
	ActionSuspend  SuggestedAction = "suspend"
)

// Anomaly is the single best signal a detector returns for one evaluation
// pass.
type Anomaly struct {
	Detector Detector
	Severity Severity
	Action   SuggestedAction
	Score    float64
	Detail   string
}

// Profile is the derived, read-only view behavior consumers (alerts,
// dashboards) see.
type Profile struct {
	Plugin          string
	EventCounts     map[EventType]int64
	AverageRate     float64
	PeakRate        float64
	FirstSeen       time.Time
	AnomalyScore    float64
}
