// Package security watches per-client traffic for floods, error bursts
// and repeated authentication failures, and fans matching events out to
// registered handlers.
package security

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mwistrand/aussie-sub005/internal/config"
)

// EventType classifies a security event.
type EventType string

const (
	EventRateLimitExceeded EventType = "RateLimitExceeded"
	EventDosAttack         EventType = "DosAttackDetected"
	EventSuspicious        EventType = "SuspiciousPattern"
)

// Event is one detected anomaly. ClientID and SessionID are SHA-256
// hashes of the raw values; raw identifiers never appear in events.
type Event struct {
	Type       EventType
	Pattern    string // request_flood, high_error_rate, brute_force_attempt
	ClientID   string
	SessionID  string
	ServiceID  string
	Confidence float64
	Evidence   map[string]any
	Timestamp  time.Time
}

// clientWindow tracks one hashed client IP. The window start is swapped
// with a CAS so concurrent requests reset it at most once.
type clientWindow struct {
	windowStart  atomic.Int64 // unix nanos
	requests     atomic.Int64
	errors       atomic.Int64
	authFailures atomic.Int64
}

// Monitor maintains sliding-window counters per hashed client IP and
// emits events through a Dispatcher when thresholds are crossed.
type Monitor struct {
	cfg        config.SecurityConfig
	dispatcher *Dispatcher

	mu      sync.Mutex
	clients map[string]*clientWindow

	now func() time.Time // test hook
}

// NewMonitor creates a monitor publishing to dispatcher. The dispatcher
// may be nil, in which case detection still runs but events go nowhere.
func NewMonitor(cfg config.SecurityConfig, dispatcher *Dispatcher) *Monitor {
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.RateLimitThreshold <= 0 {
		cfg.RateLimitThreshold = 1000
	}
	return &Monitor{
		cfg:        cfg,
		dispatcher: dispatcher,
		clients:    make(map[string]*clientWindow),
		now:        time.Now,
	}
}

// HashIdentifier returns the hex SHA-256 of a raw client identifier.
func HashIdentifier(raw string) string {
	if raw == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// RecordRequest counts one request from clientIP against serviceID.
// isError marks 4xx/5xx outcomes.
func (m *Monitor) RecordRequest(clientIP, serviceID string, isError bool) {
	if !m.cfg.Enabled {
		return
	}
	hashed := HashIdentifier(clientIP)
	w := m.window(hashed)
	m.rollWindow(w)

	requests := w.requests.Add(1)
	errors := w.errors.Load()
	if isError {
		errors = w.errors.Add(1)
	}

	threshold := int64(m.cfg.RateLimitThreshold)
	if requests == threshold+1 {
		m.emit(Event{
			Type:      EventRateLimitExceeded,
			ClientID:  hashed,
			ServiceID: serviceID,
			Evidence:  map[string]any{"requests": requests, "threshold": threshold},
		})
	}

	if m.cfg.DosDetection.Enabled {
		spike := int64(float64(threshold) * m.cfg.DosDetection.SpikeThreshold)
		if spike > 0 && requests == spike+1 {
			m.emit(Event{
				Type:       EventDosAttack,
				Pattern:    "request_flood",
				ClientID:   hashed,
				ServiceID:  serviceID,
				Confidence: 0.9,
				Evidence:   map[string]any{"requests": requests, "window": m.cfg.RateLimitWindow.String()},
			})
		}
		if requests > 0 {
			rate := float64(errors) / float64(requests)
			if isError && rate > m.cfg.DosDetection.ErrorRateThreshold {
				m.emit(Event{
					Type:       EventSuspicious,
					Pattern:    "high_error_rate",
					ClientID:   hashed,
					ServiceID:  serviceID,
					Confidence: rate,
					Evidence:   map[string]any{"errors": errors, "requests": requests},
				})
			}
		}
	}
}

// RecordAuthFailure counts one failed authentication from clientIP. At
// five failures a brute-force event is emitted once per window, with
// confidence growing toward 1.0 at ten failures.
func (m *Monitor) RecordAuthFailure(clientIP, sessionID, serviceID string) {
	if !m.cfg.Enabled {
		return
	}
	hashed := HashIdentifier(clientIP)
	w := m.window(hashed)
	m.rollWindow(w)

	count := w.authFailures.Add(1)
	if count == 5 {
		confidence := float64(count) / 10
		if confidence > 1 {
			confidence = 1
		}
		m.emit(Event{
			Type:       EventSuspicious,
			Pattern:    "brute_force_attempt",
			ClientID:   hashed,
			SessionID:  HashIdentifier(sessionID),
			ServiceID:  serviceID,
			Confidence: confidence,
			Evidence:   map[string]any{"failures": count},
		})
	}
}

func (m *Monitor) window(hashed string) *clientWindow {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.clients[hashed]
	if !ok {
		w = &clientWindow{}
		w.windowStart.Store(m.now().UnixNano())
		m.clients[hashed] = w
	}
	return w
}

// rollWindow resets counters when the window has elapsed. The CAS on
// windowStart guarantees a single resetter under concurrency.
func (m *Monitor) rollWindow(w *clientWindow) {
	now := m.now().UnixNano()
	start := w.windowStart.Load()
	if now-start < int64(m.cfg.RateLimitWindow) {
		return
	}
	if w.windowStart.CompareAndSwap(start, now) {
		w.requests.Store(0)
		w.errors.Store(0)
		w.authFailures.Store(0)
	}
}

func (m *Monitor) emit(ev Event) {
	ev.Timestamp = m.now()
	if m.dispatcher != nil {
		m.dispatcher.Publish(ev)
	}
}
