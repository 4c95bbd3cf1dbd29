// Copyright 2025 James Ross
package behavior

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMonitor(cfg Config) *Monitor {
	return New(cfg, zap.NewNop())
}

// seedPastLearningPeriod back-dates a plugin's firstSeen so detectors are
// live immediately, instead of waiting out the real learning period.
func seedPastLearningPeriod(m *Monitor, plugin string) {
	m.mu.Lock()
	m.buffers[plugin].firstSeen = time.Now().Add(-time.Hour)
	m.mu.Unlock()
}

func TestNoDetectionDuringLearningPeriod(t *testing.T) {
	m := newMonitor(Config{MaxEventsPerPlugin: 1000, SequenceRingSize: 50, LearningPeriod: time.Hour, MinEventsForDetection: 1, SpikeSensitivity: 1})
	m.RegisterPlugin("com.example.widget")

	a := m.Record("com.example.widget", Event{Type: EventAPICall, Method: "read"})
	assert.Nil(t, a)
}

func TestUnusualAPISequenceDetected(t *testing.T) {
	m := newMonitor(Config{MaxEventsPerPlugin: 1000, SequenceRingSize: 50, LearningPeriod: time.Millisecond, MinEventsForDetection: 1, SpikeSensitivity: 1})
	m.RegisterPlugin("com.example.widget")
	seedPastLearningPeriod(m, "com.example.widget")

	var last *Anomaly
	for i := 0; i < 5; i++ {
		last = m.Record("com.example.widget", Event{Type: EventAPICall, Method: "poll"})
	}
	require.NotNil(t, last)
	assert.Equal(t, DetectorUnusualAPISequence, last.Detector)
	assert.Equal(t, SeverityLow, last.Severity)
}

func TestCapabilityEscalationSeverityScalesWithCount(t *testing.T) {
	m := newMonitor(Config{MaxEventsPerPlugin: 1000, SequenceRingSize: 50, LearningPeriod: time.Millisecond, MinEventsForDetection: 1, SpikeSensitivity: 1})
	m.RegisterPlugin("com.example.widget")
	seedPastLearningPeriod(m, "com.example.widget")

	var last *Anomaly
	for i := 0; i < 10; i++ {
		last = m.Record("com.example.widget", Event{Type: EventCapabilityRequest, Denied: true})
	}
	require.NotNil(t, last)
	assert.Equal(t, DetectorCapabilityEscalation, last.Detector)
	assert.Equal(t, SeverityHigh, last.Severity)
	assert.Equal(t, ActionSuspend, last.Action)
}

func TestDataExfiltrationPatternDetected(t *testing.T) {
	m := newMonitor(Config{MaxEventsPerPlugin: 1000, SequenceRingSize: 50, LearningPeriod: time.Millisecond, MinEventsForDetection: 1, SpikeSensitivity: 1})
	m.RegisterPlugin("com.example.widget")
	seedPastLearningPeriod(m, "com.example.widget")

	for i := 0; i < 6; i++ {
		m.Record("com.example.widget", Event{Type: EventStorageOperation})
	}
	a := m.Record("com.example.widget", Event{Type: EventNetworkRequest, Bytes: 200 * 1024})
	require.NotNil(t, a)
	assert.Equal(t, DetectorDataExfiltrationPattern, a.Detector)
	assert.Equal(t, SeverityHigh, a.Severity)
}

func TestProfileAggregatesEventCounts(t *testing.T) {
	m := newMonitor(Config{MaxEventsPerPlugin: 1000, SequenceRingSize: 50, LearningPeriod: time.Hour, MinEventsForDetection: 1000, SpikeSensitivity: 1})
	m.RegisterPlugin("com.example.widget")

	m.Record("com.example.widget", Event{Type: EventAPICall, Method: "read"})
	m.Record("com.example.widget", Event{Type: EventAPICall, Method: "write"})
	m.Record("com.example.widget", Event{Type: EventError})

	profile := m.Profile("com.example.widget")
	require.NotNil(t, profile)
	assert.Equal(t, int64(2), profile.EventCounts[EventAPICall])
	assert.Equal(t, int64(1), profile.EventCounts[EventError])
}

func TestUnregisterStopsRecording(t *testing.T) {
	m := newMonitor(Config{MaxEventsPerPlugin: 1000, SequenceRingSize: 50, LearningPeriod: time.Hour, MinEventsForDetection: 1, SpikeSensitivity: 1})
	m.RegisterPlugin("com.example.widget")
	m.Unregister("com.example.widget")

	assert.Nil(t, m.Record("com.example.widget", Event{Type: EventAPICall}))
	assert.Nil(t, m.Profile("com.example.widget"))
}
