package messagebus

import (
	"sync"
	"time"
)

// WakePolicy is the optional subcomponent consulted when an external
// subsystem requests auto-wake for an offline agent. It keeps an
// in-memory history of wake timestamps per agent; nothing here is
// persisted, matching the spec's subscription-durability design note.
type WakePolicy struct {
	Enabled            bool
	PriorityThreshold  int
	Cooldown           time.Duration
	MaxConcurrentOnline int
	ResourceCheck       func() bool

	mu         sync.Mutex
	lastWakeAt map[string]time.Time
}

// NewWakePolicy constructs a WakePolicy with the given tunables.
func NewWakePolicy(enabled bool, priorityThreshold int, cooldown time.Duration, maxConcurrent int, resourceCheck func() bool) *WakePolicy {
	if resourceCheck == nil {
		resourceCheck = func() bool { return true }
	}
	return &WakePolicy{
		Enabled:             enabled,
		PriorityThreshold:   priorityThreshold,
		Cooldown:            cooldown,
		MaxConcurrentOnline: maxConcurrent,
		ResourceCheck:       resourceCheck,
		lastWakeAt:          make(map[string]time.Time),
	}
}

// Allow reports whether an auto-wake of agentID at messagePriority is
// permitted given the current number of online agents. On true, it
// records the wake so future cooldown checks see it.
func (w *WakePolicy) Allow(agentID string, messagePriority int, currentOnlineCount int) bool {
	if !w.Enabled {
		return false
	}
	if messagePriority < w.PriorityThreshold {
		return false
	}
	if currentOnlineCount >= w.MaxConcurrentOnline {
		return false
	}
	if !w.ResourceCheck() {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if last, ok := w.lastWakeAt[agentID]; ok && time.Since(last) <= w.Cooldown {
		return false
	}
	w.lastWakeAt[agentID] = time.Now()
	return true
}
