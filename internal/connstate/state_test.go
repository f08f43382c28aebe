package connstate

import (
	"sync"
	"testing"
)

func TestReconnectCounter(t *testing.T) {
	m := New()
	m.SetState(Reconnecting)
	m.SetState(Reconnecting)
	m.SetState(Reconnecting)
	if got := m.ReconnectAttempts(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}

	m.SetState(Connected)
	if got := m.ReconnectAttempts(); got != 0 {
		t.Fatalf("expected counter reset on connect, got %d", got)
	}
	if !m.IsConnected() {
		t.Fatalf("expected connected")
	}
	if _, ok := m.ConnectedFor(); !ok {
		t.Fatalf("expected last-connected timestamp")
	}
}

func TestFailRecordsReason(t *testing.T) {
	m := New()
	m.Fail("reconnect attempts exhausted")
	if m.State() != Failed {
		t.Fatalf("expected failed state, got %s", m.State())
	}
	if m.FailureReason() != "reconnect attempts exhausted" {
		t.Fatalf("unexpected reason: %q", m.FailureReason())
	}

	m.SetState(Connected)
	if m.FailureReason() != "" {
		t.Fatalf("reason must clear on reconnect")
	}
}

func TestInitialState(t *testing.T) {
	m := New()
	if m.State() != Disconnected || m.IsConnected() {
		t.Fatalf("expected disconnected start")
	}
	if _, ok := m.ConnectedFor(); ok {
		t.Fatalf("expected no last-connected before first connect")
	}
}

func TestConcurrentReaders(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	done := make(chan struct{})

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					_ = m.State()
					_ = m.IsConnected()
					_ = m.ReconnectAttempts()
				}
			}
		}()
	}

	for i := 0; i < 1000; i++ {
		m.SetState(Reconnecting)
		m.SetState(Connected)
	}
	close(done)
	wg.Wait()
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		Disconnected: "disconnected",
		Connecting:   "connecting",
		Connected:    "connected",
		Reconnecting: "reconnecting",
		Failed:       "failed",
	}
	for s, want := range cases {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), s.String(), want)
		}
	}
}
