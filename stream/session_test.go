package stream

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	appconfig "betstream/config"
	"betstream/internal/connstate"
	"betstream/models"
	"betstream/rest"

	"github.com/shopspring/decimal"
)

// fakeExchange speaks just enough of the wire protocol for session tests:
// greeting, authentication status and scripted data frames.
type fakeExchange struct {
	t      *testing.T
	ln     net.Listener
	authOK bool

	mu    sync.Mutex
	lines []string

	connCh chan net.Conn
}

func newFakeExchange(t *testing.T, authOK bool) *fakeExchange {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeExchange{
		t:      t,
		ln:     ln,
		authOK: authOK,
		connCh: make(chan net.Conn, 4),
	}
	go f.serve()
	return f
}

func (f *fakeExchange) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeExchange) handle(conn net.Conn) {
	fmt.Fprintf(conn, "{\"op\":\"connection\",\"connectionId\":\"conn-1\"}\r\n")

	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	if err != nil {
		conn.Close()
		return
	}
	f.record(line)

	if !f.authOK {
		fmt.Fprintf(conn, "{\"op\":\"status\",\"id\":1,\"statusCode\":\"FAILURE\",\"errorCode\":\"INVALID_SESSION_INFORMATION\",\"connectionClosed\":true}\r\n")
		conn.Close()
		return
	}
	fmt.Fprintf(conn, "{\"op\":\"status\",\"id\":1,\"statusCode\":\"SUCCESS\"}\r\n")

	go func() {
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			f.record(line)
		}
	}()

	f.connCh <- conn
}

func (f *fakeExchange) record(line string) {
	f.mu.Lock()
	f.lines = append(f.lines, line)
	f.mu.Unlock()
}

func (f *fakeExchange) countLines(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, l := range f.lines {
		if strings.Contains(l, substr) {
			n++
		}
	}
	return n
}

func (f *fakeExchange) dialer() dialFunc {
	addr := f.ln.Addr().String()
	return func(ctx context.Context) (net.Conn, error) {
		return (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	}
}

func (f *fakeExchange) close() {
	f.ln.Close()
}

func (f *fakeExchange) nextConn(t *testing.T) net.Conn {
	t.Helper()
	select {
	case conn := <-f.connCh:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for authenticated connection")
		return nil
	}
}

func newTestSession(f *fakeExchange) *Session {
	cfg := &appconfig.Config{
		Stream: appconfig.StreamConfig{
			Endpoint:     "unused:443",
			HeartbeatMs:  500,
			LadderLevels: 3,
			Reconnect: appconfig.ReconnectConfig{
				MaxAttempts: 3,
				BaseDelay:   10 * time.Millisecond,
				MaxDelay:    50 * time.Millisecond,
			},
		},
		Auth: appconfig.AuthConfig{AppKey: "test-key"},
	}
	s := NewSession(cfg, rest.StaticSession("test-session"))
	s.dial = f.dialer()
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func send(t *testing.T, conn net.Conn, frame string) {
	t.Helper()
	if _, err := fmt.Fprintf(conn, "%s\r\n", frame); err != nil {
		t.Fatalf("send frame: %v", err)
	}
}

func TestSessionMarketDataEndToEnd(t *testing.T) {
	f := newFakeExchange(t, true)
	defer f.close()

	s := newTestSession(f)
	if err := s.SubscribeMarkets([]string{"1.123"}, 3); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	conn := f.nextConn(t)
	waitFor(t, "market subscription", func() bool {
		return f.countLines(models.OpMarketSubscription) >= 1
	})

	send(t, conn, `{"op":"mcm","id":2,"clk":"A","pt":1,"mc":[{"id":"1.123","rc":[{"id":58805,"batb":[[0,4.3,943.24]]}]}]}`)

	waitFor(t, "best bid", func() bool {
		_, ok := s.Books().BestBid("1.123", 58805)
		return ok
	})
	best, _ := s.Books().BestBid("1.123", 58805)
	if best.Level != 0 || !best.Price.Equal(decimal.RequireFromString("4.3")) || !best.Size.Equal(decimal.RequireFromString("943.24")) {
		t.Fatalf("unexpected best bid: %+v", best)
	}
	if !s.IsConnected() {
		t.Fatalf("expected connected session")
	}
}

func TestSessionOrderFlowEndToEnd(t *testing.T) {
	f := newFakeExchange(t, true)
	defer f.close()

	s := newTestSession(f)
	if err := s.SubscribeOrders(nil); err != nil {
		t.Fatalf("subscribe orders: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	conn := f.nextConn(t)
	waitFor(t, "order subscription", func() bool {
		return f.countLines(models.OpOrderSubscription) >= 1
	})

	send(t, conn, `{"op":"ocm","clk":"B","pt":1,"oc":[{"id":"1.123","orc":[{"id":58805,"uo":[{"id":"bet1","p":4.3,"s":2,"side":"B","status":"E","sm":0,"sr":2}]}]}]}`)

	waitFor(t, "active order", func() bool {
		return len(s.Orders().ActiveOrders("1.123")) == 1
	})

	send(t, conn, `{"op":"ocm","clk":"C","pt":2,"oc":[{"id":"1.123","orc":[{"id":58805,"uo":[{"id":"bet1","p":4.3,"s":2,"side":"B","status":"EC","sm":2,"sr":0}]}]}]}`)

	waitFor(t, "order removal", func() bool {
		return len(s.Orders().ActiveOrders("1.123")) == 0
	})
}

func TestSessionAuthRejectionIsFatal(t *testing.T) {
	f := newFakeExchange(t, false)
	defer f.close()

	s := newTestSession(f)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	waitFor(t, "failed state", func() bool {
		return s.State() == connstate.Failed
	})
	if !strings.Contains(s.FailureReason(), "authentication rejected") {
		t.Fatalf("unexpected failure reason: %q", s.FailureReason())
	}
	// One login attempt only; rejections are not retried as transient.
	time.Sleep(100 * time.Millisecond)
	if n := f.countLines(models.OpAuthentication); n != 1 {
		t.Fatalf("expected single authentication attempt, got %d", n)
	}
}

func TestSessionResubscribesAfterReconnect(t *testing.T) {
	f := newFakeExchange(t, true)
	defer f.close()

	s := newTestSession(f)
	if err := s.SubscribeMarkets([]string{"1.123"}, 5); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	conn := f.nextConn(t)
	waitFor(t, "first subscription", func() bool {
		return f.countLines(models.OpMarketSubscription) >= 1
	})

	// Drop the transport; the exchange forgets subscriptions so the session
	// must re-issue them on the new connection.
	conn.Close()

	f.nextConn(t)
	waitFor(t, "resubscription", func() bool {
		return f.countLines(models.OpMarketSubscription) >= 2
	})
	waitFor(t, "reconnected", func() bool {
		return s.IsConnected()
	})
	if got := s.ReconnectAttempts(); got != 0 {
		t.Fatalf("expected attempts reset after reconnect, got %d", got)
	}
}

func TestSessionFailsAfterExhaustedReconnects(t *testing.T) {
	f := newFakeExchange(t, true)
	f.close() // nothing listening: every dial fails

	s := newTestSession(f)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	waitFor(t, "failed state", func() bool {
		return s.State() == connstate.Failed
	})
	if !strings.Contains(s.FailureReason(), "exhausted") {
		t.Fatalf("unexpected failure reason: %q", s.FailureReason())
	}
}

func TestSessionSkipsBadFramesAndHeartbeats(t *testing.T) {
	f := newFakeExchange(t, true)
	defer f.close()

	s := newTestSession(f)
	if err := s.SubscribeMarkets([]string{"1.123"}, 3); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	conn := f.nextConn(t)

	// A bad frame and heartbeats must not tear the connection down or touch
	// derived state.
	send(t, conn, `this is not json`)
	send(t, conn, `{"op":"heartbeat","id":2}`)
	send(t, conn, `{"op":"mcm","id":2,"ct":"HEARTBEAT","clk":"H","pt":3}`)
	send(t, conn, `{"op":"mcm","id":2,"clk":"D","pt":4,"mc":[{"id":"1.123","rc":[{"id":58805,"batl":[[0,4.4,12]]}]}]}`)

	waitFor(t, "best ask", func() bool {
		_, ok := s.Books().BestAsk("1.123", 58805)
		return ok
	})
	if !s.IsConnected() {
		t.Fatalf("bad frame must not kill the connection")
	}
	if len(s.Books().Markets()) != 1 {
		t.Fatalf("heartbeats must not create market state: %v", s.Books().Markets())
	}
}

func TestSessionCallbacks(t *testing.T) {
	f := newFakeExchange(t, true)
	defer f.close()

	s := newTestSession(f)

	var mu sync.Mutex
	var marketEvents []string
	var states []connstate.State
	s.OnMarketUpdate = func(marketID string) {
		mu.Lock()
		marketEvents = append(marketEvents, marketID)
		mu.Unlock()
	}
	s.OnStateChange = func(st connstate.State) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	}

	if err := s.SubscribeMarkets([]string{"1.123"}, 3); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	conn := f.nextConn(t)
	send(t, conn, `{"op":"mcm","id":2,"clk":"A","pt":1,"mc":[{"id":"1.123","rc":[{"id":58805,"batb":[[0,4.3,1]]}]}]}`)

	waitFor(t, "market callback", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(marketEvents) >= 1
	})
	mu.Lock()
	defer mu.Unlock()
	if marketEvents[0] != "1.123" {
		t.Fatalf("unexpected market event: %v", marketEvents)
	}
	sawConnected := false
	for _, st := range states {
		if st == connstate.Connected {
			sawConnected = true
		}
	}
	if !sawConnected {
		t.Fatalf("expected connected state callback, got %v", states)
	}
}

func TestSessionDoubleStart(t *testing.T) {
	f := newFakeExchange(t, true)
	defer f.close()

	s := newTestSession(f)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("expected error on second start")
	}
}
