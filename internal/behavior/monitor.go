// Copyright 2025 James Ross
package behavior

import (
	"math"
	"sync"
	"time"

	"github.com/pactforge/plugin-guard/internal/obs"
	"go.uber.org/zap"
)

// Config tunes ring sizes, the learning period, and detector sensitivity.
type Config struct {
	MaxEventsPerPlugin    int
	SequenceRingSize      int
	LearningPeriod        time.Duration
	MinEventsForDetection int
	SpikeSensitivity      float64
}

func defaultConfig() Config {
	return Config{
		MaxEventsPerPlugin:    10000,
		SequenceRingSize:      50,
		LearningPeriod:        5 * time.Minute,
		MinEventsForDetection: 50,
		SpikeSensitivity:      1.0,
	}
}

type pluginBuffer struct {
	events       []Event
	sequence     []string
	firstSeen    time.Time
	minuteCounts map[int64]int64
}

// Monitor records per-plugin event streams and, once the learning period
// elapses and enough events have accrued, runs the six anomaly detectors
// this module implements against each new event.
type Monitor struct {
	mu      sync.Mutex
	cfg     Config
	buffers map[string]*pluginBuffer
	logger  *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Monitor {
	if cfg.MaxEventsPerPlugin <= 0 {
		cfg = defaultConfig()
	}
	return &Monitor{
		cfg:     cfg,
		buffers: make(map[string]*pluginBuffer),
		logger:  logger,
	}
}

func (m *Monitor) RegisterPlugin(plugin string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buffers[plugin] = &pluginBuffer{
		firstSeen:    time.Now(),
		minuteCounts: make(map[int64]int64),
	}
}

func (m *Monitor) Unregister(plugin string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buffers, plugin)
}

// Record appends ev to plugin's ring, updates derived structures, and — if
// the plugin is past its learning period — runs the detector suite,
// returning the single strongest anomaly found, if any.
func (m *Monitor) Record(plugin string, ev Event) *Anomaly {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf, ok := m.buffers[plugin]
	if !ok {
		return nil
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	buf.events = append(buf.events, ev)
	if len(buf.events) > m.cfg.MaxEventsPerPlugin {
		excess := len(buf.events) - m.cfg.MaxEventsPerPlugin
		buf.events = buf.events[excess:]
	}

	minute := ev.Timestamp.Unix() / 60
	buf.minuteCounts[minute]++

	if ev.Type == EventAPICall {
		buf.sequence = append(buf.sequence, ev.Method)
		if len(buf.sequence) > m.cfg.SequenceRingSize {
			excess := len(buf.sequence) - m.cfg.SequenceRingSize
			buf.sequence = buf.sequence[excess:]
		}
	}

	if time.Since(buf.firstSeen) < m.cfg.LearningPeriod || len(buf.events) < m.cfg.MinEventsForDetection {
		return nil
	}

	anomaly := m.detect(plugin, buf)
	if anomaly != nil {
		obs.BehaviorAnomalies.WithLabelValues(plugin, string(anomaly.Detector)).Inc()
	}
	return anomaly
}

// detect runs all six detectors and returns the single highest-severity
// signal, preferring the order the detector table lists on ties.
func (m *Monitor) detect(plugin string, buf *pluginBuffer) *Anomaly {
	candidates := []*Anomaly{
		detectSuddenActivitySpike(buf, m.cfg.SpikeSensitivity),
		detectUnusualAPISequence(buf),
		detectResourceExhaustionAttempt(buf),
		detectCapabilityEscalation(buf),
		detectDataExfiltrationPattern(buf),
		detectDormantActivation(buf),
	}

	var best *Anomaly
	for _, c := range candidates {
		if c == nil {
			continue
		}
		if best == nil || severityRank(c.Severity) > severityRank(best.Severity) {
			best = c
		}
	}
	return best
}

func severityRank(s Severity) int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

func detectSuddenActivitySpike(buf *pluginBuffer, sensitivity float64) *Anomaly {
	if len(buf.minuteCounts) < 2 {
		return nil
	}
	var total, count int64
	var current int64
	currentMinute := time.Now().Unix() / 60
	for minute, c := range buf.minuteCounts {
		total += c
		count++
		if minute == currentMinute {
			current = c
		}
	}
	average := float64(total) / float64(count)
	threshold := 5 * average * sensitivity
	if float64(current) > threshold && current > 50 {
		severity := SeverityMedium
		action := ActionWarn
		if float64(current) > 2*threshold {
			severity = SeverityHigh
			action = ActionThrottle
		}
		return &Anomaly{
			Detector: DetectorSuddenActivitySpike,
			Severity: severity,
			Action:   action,
			Score:    clamp01(float64(current) / (threshold + 1)),
			Detail:   "current-window event count far exceeds rolling average",
		}
	}
	return nil
}

func detectUnusualAPISequence(buf *pluginBuffer) *Anomaly {
	n := len(buf.sequence)
	if n < 5 {
		return nil
	}
	last := buf.sequence[n-5:]
	for i := 1; i < len(last); i++ {
		if last[i] != last[0] {
			return nil
		}
	}
	return &Anomaly{
		Detector: DetectorUnusualAPISequence,
		Severity: SeverityLow,
		Action:   ActionMonitor,
		Score:    0.3,
		Detail:   "last five API calls are identical",
	}
}

func detectResourceExhaustionAttempt(buf *pluginBuffer) *Anomaly {
	memTrend, memVariance := trendAndVariance(buf.events, EventMemoryAllocation)
	cpuTrend, cpuPeak := trendAndPeak(buf.events, EventCPUUsage)

	memExhaustion := memTrend == trendIncreasing && memVariance > 1<<20
	cpuExhaustion := cpuPeak > 200*time.Millisecond && cpuTrend == trendIncreasing

	if memExhaustion || cpuExhaustion {
		return &Anomaly{
			Detector: DetectorResourceExhaustionAttempt,
			Severity: SeverityMedium,
			Action:   ActionThrottle,
			Score:    0.6,
			Detail:   "memory or cpu usage pattern shows a sustained increasing trend",
		}
	}
	return nil
}

func detectCapabilityEscalation(buf *pluginBuffer) *Anomaly {
	denied := 0
	for i := len(buf.events) - 1; i >= 0 && i >= len(buf.events)-200; i-- {
		if buf.events[i].Type == EventCapabilityRequest && buf.events[i].Denied {
			denied++
		}
	}
	if denied < 5 {
		return nil
	}
	severity := SeverityMedium
	action := ActionWarn
	if denied >= 10 {
		severity = SeverityHigh
		action = ActionSuspend
	}
	return &Anomaly{
		Detector: DetectorCapabilityEscalation,
		Severity: severity,
		Action:   action,
		Score:    clamp01(float64(denied) / 10),
		Detail:   "repeated denied capability requests",
	}
}

func detectDataExfiltrationPattern(buf *pluginBuffer) *Anomaly {
	readOps := 0
	var networkBytes int64
	sawNetworkAfterReads := false

	for _, ev := range buf.events {
		switch ev.Type {
		case EventStorageOperation:
			readOps++
		case EventNetworkRequest:
			if readOps > 5 {
				networkBytes += ev.Bytes
				sawNetworkAfterReads = true
			}
		}
	}

	if sawNetworkAfterReads && networkBytes > 100*1024 {
		return &Anomaly{
			Detector: DetectorDataExfiltrationPattern,
			Severity: SeverityHigh,
			Action:   ActionSuspend,
			Score:    clamp01(float64(networkBytes) / (200 * 1024)),
			Detail:   "bulk reads followed by large outbound network transfer",
		}
	}
	return nil
}

func detectDormantActivation(buf *pluginBuffer) *Anomaly {
	n := len(buf.events)
	if n < 2 {
		return nil
	}
	var maxGap time.Duration
	gapIndex := -1
	for i := 1; i < n; i++ {
		gap := buf.events[i].Timestamp.Sub(buf.events[i-1].Timestamp)
		if gap > maxGap {
			maxGap = gap
			gapIndex = i
		}
	}
	if maxGap <= time.Hour || gapIndex <= 0 {
		return nil
	}

	before := rateOf(buf.events[:gapIndex])
	after := rateOf(buf.events[gapIndex:])
	if before > 0 && after > 10*before {
		return &Anomaly{
			Detector: DetectorDormantActivation,
			Severity: SeverityMedium,
			Action:   ActionWarn,
			Score:    0.5,
			Detail:   "activity resumed at far higher rate after a long dormancy gap",
		}
	}
	return nil
}

type trend int

const (
	trendFlat trend = iota
	trendIncreasing
	trendDecreasing
)

func trendAndVariance(events []Event, t EventType) (trend, float64) {
	var values []float64
	for _, ev := range events {
		if ev.Type == t {
			values = append(values, float64(ev.Bytes))
		}
	}
	return computeTrend(values), variance(values)
}

func trendAndPeak(events []Event, t EventType) (trend, time.Duration) {
	var values []float64
	var peak time.Duration
	for _, ev := range events {
		if ev.Type == t {
			values = append(values, float64(ev.Duration))
			if ev.Duration > peak {
				peak = ev.Duration
			}
		}
	}
	return computeTrend(values), peak
}

func computeTrend(values []float64) trend {
	if len(values) < 4 {
		return trendFlat
	}
	mid := len(values) / 2
	firstAvg := average(values[:mid])
	secondAvg := average(values[mid:])
	switch {
	case secondAvg > firstAvg*1.1:
		return trendIncreasing
	case secondAvg < firstAvg*0.9:
		return trendDecreasing
	default:
		return trendFlat
	}
}

func average(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func variance(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	avg := average(values)
	var sumSq float64
	for _, v := range values {
		d := v - avg
		sumSq += d * d
	}
	return sumSq / float64(len(values))
}

func rateOf(events []Event) float64 {
	if len(events) < 2 {
		return 0
	}
	span := events[len(events)-1].Timestamp.Sub(events[0].Timestamp).Seconds()
	if span <= 0 {
		return float64(len(events))
	}
	return float64(len(events)) / span
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// Profile derives the read-only summary view of a plugin's recorded
// behavior.
func (m *Monitor) Profile(plugin string) *Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, ok := m.buffers[plugin]
	if !ok {
		return nil
	}

	counts := make(map[EventType]int64)
	for _, ev := range buf.events {
		counts[ev.Type]++
	}

	var total, peak int64
	for _, c := range buf.minuteCounts {
		total += c
		if c > peak {
			peak = c
		}
	}
	var avg float64
	if len(buf.minuteCounts) > 0 {
		avg = float64(total) / float64(len(buf.minuteCounts))
	}

	return &Profile{
		Plugin:       plugin,
		EventCounts:  counts,
		AverageRate:  avg,
		PeakRate:     float64(peak),
		FirstSeen:    buf.firstSeen,
		AnomalyScore: 0,
	}
}
