package health

import (
	"log"
	"sync"
	"time"
)

const defaultFailureThreshold = 3

func truncateStr(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// Tracker maintains hysteresis-based health state for named
// dependencies. A dependency flips to unhealthy only after
// failureThreshold consecutive failures; a single success flips
// it back to healthy.
type Tracker struct {
	mu               sync.RWMutex
	entries          map[string]*Snapshot
	failureThreshold int
}

// NewTracker creates a health tracker with the given failure threshold
func NewTracker(failureThreshold int) *Tracker {
	if failureThreshold <= 0 {
		failureThreshold = defaultFailureThreshold
	}
	return &Tracker{
		entries:          make(map[string]*Snapshot),
		failureThreshold: failureThreshold,
	}
}

// Register adds a dependency with unknown status. Registering an
// existing name is a no-op.
func (t *Tracker) Register(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[name]; !exists {
		t.entries[name] = &Snapshot{Name: name, Status: StatusUnknown}
		log.Printf("[HEALTH] Registered dependency %s", name)
	}
}

// MarkHealthy records a successful probe. Returns a non-nil Transition
// when this success recovered the dependency from unhealthy.
func (t *Tracker) MarkHealthy(name string, latencyMs int) *Transition {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, exists := t.entries[name]
	if !exists {
		return nil
	}

	from := h.Status
	h.Status = StatusHealthy
	h.FailureCount = 0
	h.LastError = ""
	h.LastSuccessAt = time.Now()
	h.LastChecked = time.Now()
	h.LatencyMs = latencyMs

	if from == StatusUnhealthy {
		log.Printf("[HEALTH] %s recovered - now healthy", name)
		return &Transition{Name: name, From: from, To: StatusHealthy}
	}
	return nil
}

// MarkUnhealthy records a failed probe. Returns a non-nil Transition
// when this failure crossed the threshold and flipped the dependency
// to unhealthy.
func (t *Tracker) MarkUnhealthy(name string, errMsg string) *Transition {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, exists := t.entries[name]
	if !exists {
		return nil
	}

	from := h.Status
	h.FailureCount++
	h.LastError = errMsg
	h.LastChecked = time.Now()

	if h.FailureCount >= t.failureThreshold && from != StatusUnhealthy {
		h.Status = StatusUnhealthy
		log.Printf("[HEALTH] %s marked UNHEALTHY after %d failures: %s",
			name, h.FailureCount, truncateStr(errMsg, 200))
		return &Transition{Name: name, From: from, To: StatusUnhealthy, LastError: errMsg}
	}

	if h.Status != StatusUnhealthy {
		log.Printf("[HEALTH] %s failure %d/%d: %s",
			name, h.FailureCount, t.failureThreshold, truncateStr(errMsg, 200))
	}
	return nil
}

// IsHealthy reports whether a dependency is currently usable.
// Unknown dependencies are assumed healthy.
func (t *Tracker) IsHealthy(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	h, exists := t.entries[name]
	if !exists {
		return true
	}
	return h.Status != StatusUnhealthy
}

// Get returns a copy of one dependency's snapshot
func (t *Tracker) Get(name string) (Snapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	h, exists := t.entries[name]
	if !exists {
		return Snapshot{}, false
	}
	return *h, true
}

// All returns copies of every registered snapshot
func (t *Tracker) All() []Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Snapshot, 0, len(t.entries))
	for _, h := range t.entries {
		out = append(out, *h)
	}
	return out
}
