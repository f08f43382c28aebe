package connstate

import (
	"fmt"
	"sync"
	"time"
)

// State is the lifecycle phase of one streaming connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Machine tracks connection state for one streaming session. A single writer
// (the session loop) drives transitions while any number of readers poll it.
type Machine struct {
	mu                sync.RWMutex
	state             State
	failureReason     string
	reconnectAttempts int
	lastConnected     time.Time
}

func New() *Machine {
	return &Machine{state: Disconnected}
}

// SetState records a transition. Entering Connected resets the reconnect
// counter and stamps the time; entering Reconnecting increments the counter.
func (m *Machine) SetState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = s
	switch s {
	case Connected:
		m.reconnectAttempts = 0
		m.lastConnected = time.Now()
		m.failureReason = ""
	case Reconnecting:
		m.reconnectAttempts++
	}
}

// Fail records a terminal failure with its reason.
func (m *Machine) Fail(reason string) {
	m.mu.Lock()
	m.state = Failed
	m.failureReason = reason
	m.mu.Unlock()
}

func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// FailureReason returns the reason recorded by Fail, empty otherwise.
func (m *Machine) FailureReason() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failureReason
}

func (m *Machine) ReconnectAttempts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reconnectAttempts
}

func (m *Machine) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == Connected
}

// ConnectedFor returns how long ago the machine last entered Connected, and
// false when it never has.
func (m *Machine) ConnectedFor() (time.Duration, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.lastConnected.IsZero() {
		return 0, false
	}
	return time.Since(m.lastConnected), true
}
