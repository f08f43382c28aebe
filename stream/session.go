package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	appconfig "betstream/config"
	"betstream/internal/book"
	"betstream/internal/connstate"
	"betstream/internal/ordercache"
	"betstream/logger"
	"betstream/models"
	"betstream/rest"
)

type cmdKind int

const (
	cmdSyncMarkets cmdKind = iota
	cmdSyncOrders
)

type command struct {
	kind cmdKind
}

// Session owns one streaming connection: it authenticates, issues
// subscriptions, decodes framed messages in strict arrival order and routes
// them into the orderbook registry and the order cache. The exchange forgets
// subscriptions on disconnect, so the session tracks what was subscribed and
// re-issues everything after every reconnect.
//
// All state mutation happens on the single dispatch goroutine; readers access
// derived state only through the Books and Orders handles.
type Session struct {
	config   *appconfig.Config
	provider rest.SessionProvider
	state    *connstate.Machine
	books    *book.Books
	orders   *ordercache.Cache
	log      *logger.Log

	dial     dialFunc
	commands chan command
	msgID    int64

	mu          sync.RWMutex
	running     bool
	marketIDs   map[string]struct{}
	ladderDepth int
	orderFilter *models.OrderFilter
	orderSubbed bool

	// Optional push callbacks, invoked from the dispatch goroutine after the
	// corresponding state has been applied. They must not block.
	OnMarketUpdate func(marketID string)
	OnOrderUpdate  func(marketID string)
	OnStateChange  func(state connstate.State)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSession creates a session bound to the configured stream endpoint. The
// provider supplies the session credential for the authentication handshake.
func NewSession(cfg *appconfig.Config, provider rest.SessionProvider) *Session {
	return &Session{
		config:      cfg,
		provider:    provider,
		state:       connstate.New(),
		books:       book.NewBooks(),
		orders:      ordercache.NewCache(),
		log:         logger.GetLogger(),
		dial:        tlsDialer(cfg.Stream.Endpoint, cfg.Stream.InsecureTLS),
		commands:    make(chan command, 16),
		marketIDs:   make(map[string]struct{}),
		ladderDepth: cfg.Stream.LadderLevels,
	}
}

// Start opens the connection and runs the session loop until Stop or a
// terminal failure.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("stream session already running")
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.log.WithComponent("stream").WithFields(logger.Fields{
		"endpoint": s.config.Stream.Endpoint,
	}).Info("starting stream session")

	s.wg.Add(1)
	go s.run(s.ctx)
	return nil
}

// Stop signals the session loop and waits for it to exit. The loop leaves at
// the next decode boundary.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	s.log.WithComponent("stream").Info("stopping stream session")
	cancel()
	s.wg.Wait()
	s.state.SetState(connstate.Disconnected)
	s.notifyState()
	s.log.WithComponent("stream").Info("stream session stopped")
}

// SubscribeMarkets records a market-data subscription at the requested ladder
// depth and asks the session loop to issue it. The request path is
// non-blocking: it never delays the decode loop, and it fails fast when the
// command queue is full.
func (s *Session) SubscribeMarkets(marketIDs []string, depth int) error {
	s.mu.Lock()
	for _, id := range marketIDs {
		s.marketIDs[id] = struct{}{}
	}
	if depth > 0 {
		s.ladderDepth = depth
	}
	s.mu.Unlock()

	return s.enqueue(command{kind: cmdSyncMarkets})
}

// UnsubscribeMarkets drops markets from the tracked subscription and discards
// their book state. The remaining markets are re-issued as a fresh
// subscription.
func (s *Session) UnsubscribeMarkets(marketIDs []string) error {
	s.mu.Lock()
	for _, id := range marketIDs {
		delete(s.marketIDs, id)
	}
	s.mu.Unlock()

	for _, id := range marketIDs {
		s.books.ResetMarket(id)
		s.orders.ClearMarket(id)
	}
	return s.enqueue(command{kind: cmdSyncMarkets})
}

// SubscribeOrders records an order-stream subscription with an optional
// strategy filter.
func (s *Session) SubscribeOrders(filter *models.OrderFilter) error {
	s.mu.Lock()
	s.orderFilter = filter
	s.orderSubbed = true
	s.mu.Unlock()

	return s.enqueue(command{kind: cmdSyncOrders})
}

func (s *Session) enqueue(cmd command) error {
	s.mu.RLock()
	running := s.running
	s.mu.RUnlock()
	if !running {
		// Recorded subscriptions are issued on connect.
		return nil
	}
	select {
	case s.commands <- cmd:
		return nil
	default:
		return ErrCommandQueueFull
	}
}

// Books exposes the concurrently readable orderbook handle.
func (s *Session) Books() *book.Books {
	return s.books
}

// Orders exposes the concurrently readable order-cache handle.
func (s *Session) Orders() *ordercache.Cache {
	return s.orders
}

func (s *Session) IsConnected() bool {
	return s.state.IsConnected()
}

func (s *Session) State() connstate.State {
	return s.state.State()
}

func (s *Session) FailureReason() string {
	return s.state.FailureReason()
}

func (s *Session) ReconnectAttempts() int {
	return s.state.ReconnectAttempts()
}

func (s *Session) notifyState() {
	if s.OnStateChange != nil {
		s.OnStateChange(s.state.State())
	}
}

func (s *Session) nextID() int64 {
	return atomic.AddInt64(&s.msgID, 1)
}

// run drives connect, dispatch and the bounded reconnect loop. Reconnection
// does not use the generic retry policy because every new connection also
// needs the authentication handshake and re-subscription bookkeeping.
func (s *Session) run(ctx context.Context) {
	defer s.wg.Done()

	log := s.log.WithComponent("stream")
	recon := s.config.Stream.Reconnect

	s.state.SetState(connstate.Connecting)
	s.notifyState()

	for {
		if ctx.Err() != nil {
			return
		}

		t, err := s.connect(ctx)
		if err == nil {
			s.state.SetState(connstate.Connected)
			s.notifyState()
			log.Info("stream connected")

			err = s.dispatchLoop(ctx, t)
			t.close()
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("stream connection lost")
		} else {
			if ctx.Err() != nil {
				return
			}
			var authErr *AuthenticationError
			if errors.As(err, &authErr) {
				// Fatal for this session: retrying a rejected login as if it
				// were transient would hammer the exchange with bad creds.
				log.WithError(authErr).Error("stream authentication rejected")
				s.state.Fail(authErr.Error())
				s.notifyState()
				return
			}
			log.WithError(err).Warn("stream connect failed")
		}

		s.state.SetState(connstate.Reconnecting)
		logger.IncrementReconnect()
		s.notifyState()

		attempts := s.state.ReconnectAttempts()
		if attempts > recon.MaxAttempts {
			reason := fmt.Sprintf("reconnect attempts exhausted after %d tries", recon.MaxAttempts)
			log.WithFields(logger.Fields{"attempts": recon.MaxAttempts}).Error("giving up on stream connection")
			s.state.Fail(reason)
			s.notifyState()
			return
		}

		wait := backoffDelay(recon.BaseDelay, recon.MaxDelay, attempts)
		log.WithFields(logger.Fields{"attempt": attempts, "wait": wait.String()}).Info("reconnecting")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// connect dials the endpoint, performs the authentication handshake and
// re-issues all tracked subscriptions.
func (s *Session) connect(ctx context.Context) (*transport, error) {
	conn, err := s.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	t := newTransport(conn, s.config.Stream.ReadBuffer)

	// The exchange greets with a connection frame before anything else.
	line, err := t.readLine(10 * time.Second)
	if err != nil {
		t.close()
		return nil, fmt.Errorf("read connection frame: %w", err)
	}
	var greeting models.ConnectionMessage
	if err := json.Unmarshal(line, &greeting); err != nil || greeting.Op != models.OpConnection {
		t.close()
		return nil, fmt.Errorf("unexpected greeting frame: %q", string(line))
	}
	s.log.WithComponent("stream").WithFields(logger.Fields{
		"connection_id": greeting.ConnectionID,
	}).Debug("received connection frame")

	token, err := s.provider.SessionToken(ctx)
	if err != nil {
		t.close()
		return nil, fmt.Errorf("session credential: %w", err)
	}

	// Authentication is the first outbound frame; the first status response
	// decides the fate of the connection.
	auth := models.AuthenticationMessage{
		Op:      models.OpAuthentication,
		ID:      s.nextID(),
		AppKey:  s.config.Auth.AppKey,
		Session: token,
	}
	if err := t.writeJSON(auth); err != nil {
		t.close()
		return nil, fmt.Errorf("write authentication: %w", err)
	}

	line, err = t.readLine(10 * time.Second)
	if err != nil {
		t.close()
		return nil, fmt.Errorf("read authentication response: %w", err)
	}
	var status models.StatusMessage
	if err := json.Unmarshal(line, &status); err != nil || status.Op != models.OpStatus {
		t.close()
		return nil, fmt.Errorf("unexpected authentication response: %q", string(line))
	}
	if status.StatusCode != models.StatusSuccess {
		t.close()
		if inv, ok := s.provider.(interface{ Invalidate() }); ok {
			inv.Invalidate()
		}
		return nil, &AuthenticationError{Code: status.ErrorCode, Message: status.ErrorMessage}
	}

	if err := s.syncMarketSubscription(t); err != nil {
		t.close()
		return nil, err
	}
	if err := s.syncOrderSubscription(t); err != nil {
		t.close()
		return nil, err
	}
	return t, nil
}

func (s *Session) syncMarketSubscription(t *transport) error {
	s.mu.RLock()
	ids := make([]string, 0, len(s.marketIDs))
	for id := range s.marketIDs {
		ids = append(ids, id)
	}
	depth := s.ladderDepth
	s.mu.RUnlock()

	if len(ids) == 0 {
		return nil
	}

	sub := models.MarketSubscriptionMessage{
		Op:           models.OpMarketSubscription,
		ID:           s.nextID(),
		MarketFilter: models.MarketFilter{MarketIDs: ids},
		MarketDataFilter: models.MarketDataFilter{
			Fields:       []string{"EX_BEST_OFFERS_DISP"},
			LadderLevels: depth,
		},
		ConflateMs:  s.config.Stream.ConflateMs,
		HeartbeatMs: s.config.Stream.HeartbeatMs,
	}
	if err := t.writeJSON(sub); err != nil {
		return fmt.Errorf("write market subscription: %w", err)
	}
	s.log.WithComponent("stream").WithFields(logger.Fields{
		"markets": ids,
		"depth":   depth,
	}).Info("market subscription issued")
	return nil
}

func (s *Session) syncOrderSubscription(t *transport) error {
	s.mu.RLock()
	subbed := s.orderSubbed
	filter := s.orderFilter
	s.mu.RUnlock()

	if !subbed {
		return nil
	}

	sub := models.OrderSubscriptionMessage{
		Op:          models.OpOrderSubscription,
		ID:          s.nextID(),
		OrderFilter: filter,
		HeartbeatMs: s.config.Stream.HeartbeatMs,
	}
	if err := t.writeJSON(sub); err != nil {
		return fmt.Errorf("write order subscription: %w", err)
	}
	s.log.WithComponent("stream").Info("order subscription issued")
	return nil
}

// dispatchLoop processes frames in strict arrival order. Ladder updates and
// cumulative matched volumes are neither idempotent nor commutative, so a
// single goroutine applies everything. Command processing only happens when
// no frame is waiting.
func (s *Session) dispatchLoop(ctx context.Context, t *transport) error {
	readDeadline := s.readDeadline()

	msgCh := make(chan []byte, 256)
	errCh := make(chan error, 1)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			line, err := t.readLine(readDeadline)
			if err != nil {
				errCh <- err
				return
			}
			logger.IncrementFrameRead()
			select {
			case msgCh <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		// Inbound frames take priority over outbound commands.
		select {
		case line := <-msgCh:
			s.dispatch(line)
			continue
		default:
		}

		select {
		case line := <-msgCh:
			s.dispatch(line)
		case cmd := <-s.commands:
			if err := s.handleCommand(t, cmd); err != nil {
				return err
			}
		case err := <-errCh:
			return err
		case <-ctx.Done():
			t.close()
			return ctx.Err()
		}
	}
}

// readDeadline sits comfortably above the heartbeat interval so a silent
// connection is detected promptly without tripping on normal quiet periods.
func (s *Session) readDeadline() time.Duration {
	hb := time.Duration(s.config.Stream.HeartbeatMs) * time.Millisecond
	if hb <= 0 {
		hb = 5 * time.Second
	}
	return 2*hb + 5*time.Second
}

func (s *Session) handleCommand(t *transport, cmd command) error {
	switch cmd.kind {
	case cmdSyncMarkets:
		return s.syncMarketSubscription(t)
	case cmdSyncOrders:
		return s.syncOrderSubscription(t)
	}
	return nil
}

// dispatch decodes and routes one frame. A frame that fails to decode is a
// protocol error: it is logged and skipped, never grounds to tear down the
// connection.
func (s *Session) dispatch(line []byte) {
	log := s.log.WithComponent("stream")

	var frame models.Frame
	if err := json.Unmarshal(line, &frame); err != nil {
		logger.IncrementProtocolError()
		log.WithError(err).Warn("skipping undecodable frame")
		return
	}

	switch frame.Op {
	case models.OpMarketChange:
		var msg models.MarketChangeMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			logger.IncrementProtocolError()
			log.WithError(err).Warn("skipping malformed market change")
			return
		}
		s.applyMarketChange(&msg)
	case models.OpOrderChange:
		var msg models.OrderChangeMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			logger.IncrementProtocolError()
			log.WithError(err).Warn("skipping malformed order change")
			return
		}
		s.applyOrderChange(&msg)
	case models.OpHeartbeat:
		logger.IncrementHeartbeat()
	case models.OpStatus:
		var msg models.StatusMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			logger.IncrementProtocolError()
			return
		}
		if msg.StatusCode != models.StatusSuccess {
			log.WithFields(logger.Fields{
				"error_code":    msg.ErrorCode,
				"error_message": msg.ErrorMessage,
			}).Warn("subscription request failed")
		}
	case models.OpConnection:
		// Already handled during connect; ignore duplicates.
	default:
		logger.IncrementProtocolError()
		log.WithFields(logger.Fields{"op": frame.Op}).Warn("skipping frame with unknown operation")
	}
}

func (s *Session) applyMarketChange(msg *models.MarketChangeMessage) {
	if msg.IsHeartbeat() {
		logger.IncrementHeartbeat()
		return
	}

	for _, mc := range msg.Markets {
		if mc.Image {
			// A fresh image replaces everything previously known.
			s.books.ResetMarket(mc.MarketID)
		}
		for _, rc := range mc.Runners {
			selectionID := rc.SelectionID
			backs := rc.AvailableToBack
			lays := rc.AvailableToLay
			s.books.Apply(mc.MarketID, selectionID, func(ob *book.Orderbook) {
				for _, l := range backs {
					ob.AddBid(l.Level, l.Price, l.Size)
				}
				for _, l := range lays {
					ob.AddAsk(l.Level, l.Price, l.Size)
				}
			})
		}
		logger.IncrementMarketUpdate()
		if s.OnMarketUpdate != nil {
			s.OnMarketUpdate(mc.MarketID)
		}
	}
}

func (s *Session) applyOrderChange(msg *models.OrderChangeMessage) {
	if msg.IsHeartbeat() {
		logger.IncrementHeartbeat()
		return
	}

	for _, oc := range msg.Markets {
		if oc.Closed {
			s.orders.ClearMarket(oc.MarketID)
			continue
		}
		for _, orc := range oc.Runners {
			if orc.FullImage {
				s.orders.ApplyFullImage(oc.MarketID, orc.SelectionID, orc.Unmatched)
			} else {
				for _, uo := range orc.Unmatched {
					s.orders.UpdateOrder(oc.MarketID, orc.SelectionID, uo)
				}
			}
			if len(orc.MatchedBacks) > 0 {
				s.orders.UpdateMatchedBacks(oc.MarketID, orc.SelectionID, orc.MatchedBacks)
			}
			if len(orc.MatchedLays) > 0 {
				s.orders.UpdateMatchedLays(oc.MarketID, orc.SelectionID, orc.MatchedLays)
			}
		}
		logger.IncrementOrderUpdate()
		if s.OnOrderUpdate != nil {
			s.OnOrderUpdate(oc.MarketID)
		}
	}
}
