package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertAuthFailureSpike AlertType = "auth_failure_spike"
	AlertSignFailureSpike AlertType = "sign_failure_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// window is a sliding-window counter that fires once per threshold crossing.
type window struct {
	times     []time.Time
	span      time.Duration
	threshold int
}

// add records one occurrence at now and reports the count when the
// threshold was reached, resetting the window.
func (w *window) add(now time.Time) (int, bool) {
	w.times = append(w.times, now)
	w.times = trimWindow(w.times, now, w.span)
	if len(w.times) < w.threshold {
		return 0, false
	}
	n := len(w.times)
	// Reset to avoid repeated alerts within the same spike.
	w.times = w.times[:0]
	return n, true
}

// metricsCollector tracks sliding window counters for anomaly detection.
type metricsCollector struct {
	mu           sync.Mutex
	authFailures window
	signFailures window
	alertFn      AlertFunc
	now          func() time.Time
}

const (
	defaultAuthFailureWindow    = 1 * time.Minute
	defaultAuthFailureThreshold = 50
	defaultSignFailureWindow    = 5 * time.Minute
	defaultSignFailureThreshold = 20
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		authFailures: window{span: defaultAuthFailureWindow, threshold: defaultAuthFailureThreshold},
		signFailures: window{span: defaultSignFailureWindow, threshold: defaultSignFailureThreshold},
		alertFn:      alertFn,
		now:          time.Now,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case AuditAuthFailure:
		m.record(&m.authFailures, AlertAuthFailureSpike, "authentication failure rate exceeds threshold")
	case AuditSignFailure:
		m.record(&m.signFailures, AlertSignFailureSpike, "signing failure rate exceeds threshold")
	}
}

func (m *metricsCollector) record(w *window, typ AlertType, msg string) {
	m.mu.Lock()
	now := m.now()
	n, fire := w.add(now)
	m.mu.Unlock()

	if fire {
		m.alertFn(AlertEvent{
			Type:      typ,
			Message:   msg,
			Count:     n,
			Threshold: w.threshold,
			Timestamp: now,
		})
	}
}

// trimWindow removes entries older than (now - span) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, span time.Duration) []time.Time {
	cutoff := now.Add(-span)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
