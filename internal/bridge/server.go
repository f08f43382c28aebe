package bridge

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	appconfig "betstream/config"
	"betstream/internal/book"
	"betstream/logger"
)

// LadderMessage is the wire format pushed to bridge clients: one selection's
// ladder snapshot, prices and sizes as strings to keep exact values.
type LadderMessage struct {
	Type        string       `json:"type"`
	MarketID    string       `json:"marketId"`
	SelectionID int64        `json:"selectionId"`
	Bids        []PriceLevel `json:"bids"`
	Asks        []PriceLevel `json:"asks"`
	Timestamp   int64        `json:"timestamp"`
}

type PriceLevel struct {
	Level int    `json:"level"`
	Price string `json:"price"`
	Size  string `json:"size"`
}

// Server re-publishes ladder snapshots over websocket so local consumers can
// watch markets without holding their own exchange connection.
type Server struct {
	config   *appconfig.Config
	books    *book.Books
	log      *logger.Log
	upgrader websocket.Upgrader
	httpSrv  *http.Server

	mu      sync.RWMutex
	running bool
	clients map[*websocket.Conn]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(cfg *appconfig.Config, books *book.Books) *Server {
	return &Server{
		config:  cfg,
		books:   books,
		log:     logger.GetLogger(),
		clients: make(map[*websocket.Conn]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start serves the websocket endpoint and begins the periodic push loop.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("bridge server already running")
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	s.httpSrv = &http.Server{Addr: s.config.Bridge.ListenAddr, Handler: mux}

	log := s.log.WithComponent("bridge")
	log.WithFields(logger.Fields{"listen_addr": s.config.Bridge.ListenAddr}).Info("starting bridge server")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("bridge server stopped unexpectedly")
		}
	}()

	s.wg.Add(1)
	go s.pushLoop()
	return nil
}

func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	s.log.WithComponent("bridge").Info("stopping bridge server")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		s.log.WithComponent("bridge").WithError(err).Warn("bridge shutdown error")
	}

	s.mu.Lock()
	for client := range s.clients {
		client.Close()
	}
	s.clients = make(map[*websocket.Conn]bool)
	s.mu.Unlock()

	s.wg.Wait()
	s.log.WithComponent("bridge").Info("bridge server stopped")
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	log := s.log.WithComponent("bridge")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	s.mu.Lock()
	s.clients[conn] = true
	s.mu.Unlock()
	log.WithFields(logger.Fields{"remote": r.RemoteAddr}).Info("bridge client connected")

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		conn.Close()
		log.Info("bridge client disconnected")
	}()

	// Clients only receive; drain the read side to notice disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) pushLoop() {
	defer s.wg.Done()

	interval := s.config.Bridge.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.pushSnapshots()
		}
	}
}

func (s *Server) pushSnapshots() {
	s.mu.RLock()
	hasClients := len(s.clients) > 0
	s.mu.RUnlock()
	if !hasClients {
		return
	}

	now := time.Now().UnixMilli()
	for _, msg := range s.snapshotMessages(now) {
		s.broadcast(msg)
	}
}

// snapshotMessages builds one message per selection with ladder state.
func (s *Server) snapshotMessages(timestamp int64) []LadderMessage {
	var msgs []LadderMessage
	for _, marketID := range s.books.Markets() {
		for _, selectionID := range s.books.Selections(marketID) {
			bids, asks, ok := s.books.Snapshot(marketID, selectionID)
			if !ok || (len(bids) == 0 && len(asks) == 0) {
				continue
			}
			msgs = append(msgs, LadderMessage{
				Type:        "ladder",
				MarketID:    marketID,
				SelectionID: selectionID,
				Bids:        toWireLevels(bids),
				Asks:        toWireLevels(asks),
				Timestamp:   timestamp,
			})
		}
	}
	return msgs
}

func toWireLevels(levels []book.Level) []PriceLevel {
	out := make([]PriceLevel, 0, len(levels))
	for _, l := range levels {
		out = append(out, PriceLevel{
			Level: l.Level,
			Price: l.Price.String(),
			Size:  l.Size.String(),
		})
	}
	return out
}

func (s *Server) broadcast(msg LadderMessage) {
	s.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(s.clients))
	for client := range s.clients {
		clients = append(clients, client)
	}
	s.mu.RUnlock()

	for _, client := range clients {
		if err := client.WriteJSON(msg); err != nil {
			s.log.WithComponent("bridge").WithError(err).Warn("dropping bridge client")
			client.Close()
			s.mu.Lock()
			delete(s.clients, client)
			s.mu.Unlock()
		}
	}
}
