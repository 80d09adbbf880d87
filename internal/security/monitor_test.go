package security

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mwistrand/aussie-sub005/internal/config"
)

type recordingHandler struct {
	name     string
	priority int

	mu     sync.Mutex
	events []Event
	order  *[]string // shared across handlers to observe delivery order
	panics bool
}

func (h *recordingHandler) Name() string  { return h.name }
func (h *recordingHandler) Priority() int { return h.priority }

func (h *recordingHandler) Handle(ctx context.Context, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.order != nil {
		*h.order = append(*h.order, h.name)
	}
	if h.panics {
		panic("handler failure")
	}
	h.events = append(h.events, ev)
}

func (h *recordingHandler) captured() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Event, len(h.events))
	copy(out, h.events)
	return out
}

func securityConfig() config.SecurityConfig {
	return config.SecurityConfig{
		Enabled:            true,
		RateLimitWindow:    time.Minute,
		RateLimitThreshold: 10,
		DosDetection: config.DosDetectionConfig{
			Enabled:            true,
			SpikeThreshold:     3,
			ErrorRateThreshold: 0.5,
		},
	}
}

func drainedMonitor(t *testing.T, h Handler) (*Monitor, *Dispatcher) {
	t.Helper()
	d := NewDispatcher(64, nil, h)
	d.Start()
	t.Cleanup(d.Stop)
	return NewMonitor(securityConfig(), d), d
}

func TestBruteForceDetection(t *testing.T) {
	h := &recordingHandler{name: "rec"}
	m, d := drainedMonitor(t, h)

	for i := 0; i < 5; i++ {
		m.RecordAuthFailure("203.0.113.9", "sess-1", "svc")
	}
	d.Stop()

	events := h.captured()
	if len(events) != 1 {
		t.Fatalf("events = %d, want exactly 1 brute-force event", len(events))
	}
	ev := events[0]
	if ev.Type != EventSuspicious || ev.Pattern != "brute_force_attempt" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Confidence != 0.5 {
		t.Errorf("confidence = %v, want 0.5 at five failures", ev.Confidence)
	}
	if ev.ClientID == "203.0.113.9" || ev.ClientID == "" {
		t.Error("client IP must be hashed in the event")
	}
	if ev.SessionID == "sess-1" || ev.SessionID == "" {
		t.Error("session ID must be hashed in the event")
	}
}

func TestRateLimitAndFloodEvents(t *testing.T) {
	h := &recordingHandler{name: "rec"}
	m, d := drainedMonitor(t, h)

	// Threshold 10, spike multiplier 3: event at request 11 and again
	// as a flood at request 31.
	for i := 0; i < 31; i++ {
		m.RecordRequest("198.51.100.4", "svc", false)
	}
	d.Stop()

	var rateLimit, flood int
	for _, ev := range h.captured() {
		switch {
		case ev.Type == EventRateLimitExceeded:
			rateLimit++
		case ev.Type == EventDosAttack && ev.Pattern == "request_flood":
			flood++
		}
	}
	if rateLimit != 1 {
		t.Errorf("rate-limit events = %d, want 1", rateLimit)
	}
	if flood != 1 {
		t.Errorf("flood events = %d, want 1", flood)
	}
}

func TestHighErrorRateEvent(t *testing.T) {
	h := &recordingHandler{name: "rec"}
	m, d := drainedMonitor(t, h)

	m.RecordRequest("198.51.100.5", "svc", false)
	m.RecordRequest("198.51.100.5", "svc", true)
	m.RecordRequest("198.51.100.5", "svc", true) // 2/3 errors > 0.5
	d.Stop()

	found := false
	for _, ev := range h.captured() {
		if ev.Type == EventSuspicious && ev.Pattern == "high_error_rate" {
			found = true
		}
	}
	if !found {
		t.Error("expected a high_error_rate event")
	}
}

func TestWindowReset(t *testing.T) {
	h := &recordingHandler{name: "rec"}
	m, d := drainedMonitor(t, h)

	base := time.Now()
	m.now = func() time.Time { return base }
	for i := 0; i < 4; i++ {
		m.RecordAuthFailure("192.0.2.77", "", "svc")
	}

	// A new window forgets the tally; one more failure stays under the
	// brute-force threshold.
	m.now = func() time.Time { return base.Add(2 * time.Minute) }
	m.RecordAuthFailure("192.0.2.77", "", "svc")
	d.Stop()

	if n := len(h.captured()); n != 0 {
		t.Errorf("events = %d, want 0 after window reset", n)
	}
}

func TestDispatcherPriorityAndIsolation(t *testing.T) {
	var order []string
	low := &recordingHandler{name: "low", priority: 1, order: &order}
	high := &recordingHandler{name: "high", priority: 10, order: &order, panics: true}

	d := NewDispatcher(8, nil, low, high)
	d.Start()
	d.Publish(Event{Type: EventSuspicious, Pattern: "brute_force_attempt"})
	d.Stop()

	if len(order) != 2 || order[0] != "high" || order[1] != "low" {
		t.Fatalf("delivery order = %v, want [high low]", order)
	}
	// The panicking high-priority handler must not prevent delivery to
	// the low-priority one.
	if len(low.captured()) != 1 {
		t.Error("low-priority handler missed the event")
	}
}

func TestDispatcherDropsWhenSaturated(t *testing.T) {
	d := NewDispatcher(1, nil) // no handlers, never started: queue fills
	d.Publish(Event{Type: EventSuspicious})
	d.Publish(Event{Type: EventSuspicious}) // dropped, must not block
}

func TestDisabledMonitor(t *testing.T) {
	h := &recordingHandler{name: "rec"}
	d := NewDispatcher(8, nil, h)
	d.Start()
	cfg := securityConfig()
	cfg.Enabled = false
	m := NewMonitor(cfg, d)

	for i := 0; i < 100; i++ {
		m.RecordRequest("198.51.100.6", "svc", true)
		m.RecordAuthFailure("198.51.100.6", "", "svc")
	}
	d.Stop()
	if n := len(h.captured()); n != 0 {
		t.Errorf("events = %d, want 0 when disabled", n)
	}
}
