// Copyright 2025 James Ross
package resource

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMonitor(t *testing.T) *Monitor {
	t.Helper()
	return New(Config{
		WindowSize:        time.Minute,
		WarningThreshold:  0.8,
		CriticalThreshold: 1.0,
		HistorySize:       3,
	}, zap.NewNop())
}

func TestRecordNoViolationBelowThreshold(t *testing.T) {
	m := newMonitor(t)
	m.RegisterPlugin("com.example.widget", Limits{MemoryBytes: 1000})

	v := m.Record("com.example.widget", StreamMemory, 500)
	assert.Nil(t, v)
}

func TestRecordWarningAtEightyPercent(t *testing.T) {
	m := newMonitor(t)
	m.RegisterPlugin("com.example.widget", Limits{MemoryBytes: 1000})

	v := m.Record("com.example.widget", StreamMemory, 800)
	require.NotNil(t, v)
	assert.Equal(t, SeverityWarning, v.Severity)
}

func TestRecordCriticalAtOneHundredPercent(t *testing.T) {
	m := newMonitor(t)
	m.RegisterPlugin("com.example.widget", Limits{MemoryBytes: 1000})

	v := m.Record("com.example.widget", StreamMemory, 1000)
	require.NotNil(t, v)
	assert.Equal(t, SeverityCritical, v.Severity)
}

func TestRecordAccumulatesWithinWindow(t *testing.T) {
	m := newMonitor(t)
	m.RegisterPlugin("com.example.widget", Limits{APICallsPerMinute: 10})

	m.Record("com.example.widget", StreamAPICalls, 5)
	v := m.Record("com.example.widget", StreamAPICalls, 4)
	require.NotNil(t, v)
	assert.Equal(t, SeverityWarning, v.Severity)

	st := m.State("com.example.widget")
	assert.Equal(t, int64(9), st.WindowUsage[StreamAPICalls])
}

func TestSnapshotHistoryBounded(t *testing.T) {
	m := newMonitor(t)
	m.RegisterPlugin("com.example.widget", Limits{MemoryBytes: 1000})

	for i := 0; i < 5; i++ {
		m.Record("com.example.widget", StreamMemory, 10)
		m.Snapshot("com.example.widget")
	}

	history := m.History("com.example.widget")
	assert.Len(t, history, 3)
}

func TestUnregisterDropsState(t *testing.T) {
	m := newMonitor(t)
	m.RegisterPlugin("com.example.widget", Limits{MemoryBytes: 1000})
	m.Unregister("com.example.widget")

	assert.Nil(t, m.Record("com.example.widget", StreamMemory, 10))
	assert.Nil(t, m.State("com.example.widget"))
}

func TestPeakTracksMaximumWithinWindow(t *testing.T) {
	m := newMonitor(t)
	m.RegisterPlugin("com.example.widget", Limits{MemoryBytes: 1000})

	m.Record("com.example.widget", StreamMemory, 700)
	m.Record("com.example.widget", StreamMemory, -200)

	st := m.State("com.example.widget")
	assert.Equal(t, int64(700), st.Peak[StreamMemory])
	assert.Equal(t, int64(500), st.WindowUsage[StreamMemory])
}
