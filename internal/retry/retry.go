package retry

import (
	"sync"
	"time"
)

// DefaultMaxAttempts is the ceiling after which CanRetry reports false.
const DefaultMaxAttempts = 3

type state struct {
	count       int
	lastAttempt time.Time
}

// Manager tracks per-operation retry counters so callers can bail out of
// retry loops instead of looping forever. It is pure bookkeeping: the caller
// decides when to increment or reset based on the operation outcome.
type Manager struct {
	mu          sync.Mutex
	maxAttempts int
	states      map[key]state
	now         func() time.Time
}

type key struct {
	opType string
	opID   string
}

func NewManager(maxAttempts int) *Manager {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Manager{
		maxAttempts: maxAttempts,
		states:      make(map[key]state),
		now:         time.Now,
	}
}

// CanRetry reports whether the operation is still under the retry ceiling.
// The comparison is strictly count < max: once the counter reaches the
// ceiling no further retries are allowed.
func (m *Manager) CanRetry(opType, opID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[key{opType, opID}].count < m.maxAttempts
}

// Increment records a failed attempt and returns the new count.
func (m *Manager) Increment(opType, opID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{opType, opID}
	current := m.states[k]
	current.count++
	current.lastAttempt = m.now().UTC()
	m.states[k] = current
	return current.count
}

// Reset clears the counter for one operation, typically after a success.
func (m *Manager) Reset(opType, opID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, key{opType, opID})
}

// ClearAll drops every tracked counter.
func (m *Manager) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = make(map[key]state)
}

// Count returns the current counter for an operation.
func (m *Manager) Count(opType, opID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[key{opType, opID}].count
}
