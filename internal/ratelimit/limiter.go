// Copyright 2025 James Ross
package ratelimit

import (
	"sync"
	"time"

	"github.com/pactforge/plugin-guard/internal/obs"
	"golang.org/x/time/rate"
)

// Result is the admission decision returned by Consume.
type Result struct {
	Allowed  bool
	Remaining int
	ResetIn  time.Duration
	Limit    int
}

// EndpointLimits lets specific endpoints override the default per-minute
// budget; endpoints not listed inherit Config.DefaultLimit.
type EndpointLimits map[string]int

type bucket struct {
	mu     sync.Mutex
	recent []time.Time
	limit  int
}

// Limiter implements the mandatory primary ceiling: a sliding window of
// recent admission timestamps per (plugin, endpoint) pair. This is
// deliberately an in-process ring rather than a network round trip, so
// admission decisions are deterministic under test and never depend on an
// external store's clock.
type Limiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	windowMs  int64
	defaultLimit int
	endpointLimits EndpointLimits

	// global is a secondary, independent ceiling: a process-wide token
	// bucket backstopping the per-endpoint rings against aggregate
	// overload. Spec.md 9 calls these "independent ceilings" and warns
	// against collapsing them — Consume reports which ceiling denied a
	// call so callers (and the broker's metrics) can tell them apart.
	global *rate.Limiter
}

func New(windowMs int64, defaultLimit int, endpointLimits EndpointLimits, globalRatePerSec float64, globalBurst int) *Limiter {
	return &Limiter{
		buckets:        make(map[string]*bucket),
		windowMs:       windowMs,
		defaultLimit:   defaultLimit,
		endpointLimits: endpointLimits,
		global:         rate.NewLimiter(rate.Limit(globalRatePerSec), globalBurst),
	}
}

func bucketKey(plugin, endpoint string) string { return plugin + "\x00" + endpoint }

func (l *Limiter) limitFor(endpoint string) int {
	if v, ok := l.endpointLimits[endpoint]; ok {
		return v
	}
	return l.defaultLimit
}

func (l *Limiter) getBucket(plugin, endpoint string) *bucket {
	key := bucketKey(plugin, endpoint)
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limit: l.limitFor(endpoint)}
		l.buckets[key] = b
	}
	return b
}

// Consume admits or denies one request against the endpoint's sliding
// window, then checks the independent global valve. Both ceilings are
// audited separately in the rate_limit_decisions_total metric so the two
// are never conflated into a single signal.
func (l *Limiter) Consume(plugin, endpoint string) Result {
	b := l.getBucket(plugin, endpoint)
	window := time.Duration(l.windowMs) * time.Millisecond

	b.mu.Lock()
	now := time.Now()
	cutoff := now.Add(-window)
	kept := b.recent[:0]
	for _, ts := range b.recent {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.recent = kept

	if len(b.recent) >= b.limit {
		oldest := b.recent[0]
		resetIn := oldest.Add(window).Sub(now)
		res := Result{Allowed: false, Remaining: 0, ResetIn: resetIn, Limit: b.limit}
		b.mu.Unlock()
		obs.RateLimitDecisions.WithLabelValues(plugin, endpoint, "deny", "endpoint").Inc()
		return res
	}
	b.recent = append(b.recent, now)
	remaining := b.limit - len(b.recent)
	limit := b.limit
	b.mu.Unlock()

	if !l.global.Allow() {
		obs.RateLimitDecisions.WithLabelValues(plugin, endpoint, "deny", "global").Inc()
		return Result{Allowed: false, Remaining: remaining, Limit: limit}
	}

	obs.RateLimitDecisions.WithLabelValues(plugin, endpoint, "allow", "endpoint").Inc()
	return Result{Allowed: true, Remaining: remaining, Limit: limit}
}

// Cleanup walks every endpoint ring and drops entries older than the
// window, preventing unbounded growth for idle endpoints that are never
// admitted again.
func (l *Limiter) Cleanup() {
	window := time.Duration(l.windowMs) * time.Millisecond
	cutoff := time.Now().Add(-window)

	l.mu.Lock()
	buckets := make([]*bucket, 0, len(l.buckets))
	for _, b := range l.buckets {
		buckets = append(buckets, b)
	}
	l.mu.Unlock()

	for _, b := range buckets {
		b.mu.Lock()
		kept := b.recent[:0]
		for _, ts := range b.recent {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		b.recent = kept
		b.mu.Unlock()
	}
}

// StartCleanup runs Cleanup on the given interval until stop is closed.
func (l *Limiter) StartCleanup(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Cleanup()
			case <-stop:
				return
			}
		}
	}()
}
