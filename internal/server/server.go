package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"qamd/internal/domain"
	"qamd/internal/infra"
	"qamd/internal/quotecache"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// SubscriptionManager is the dispatcher surface the server depends on.
type SubscriptionManager interface {
	AddSubscription(clientID, rawID string)
	RemoveAllForClient(clientID string)
	Counts() map[string]int
}

// UpstreamStatus exposes the session pool to the welcome frame and the
// status endpoint.
type UpstreamStatus interface {
	ActiveSessions() int
	TotalSessions() int
	TotalSubscriptions() int
	StatusLines() []string
}

// Server accepts downstream WebSocket clients and serves them quote frames.
type Server struct {
	port     int
	cache    *quotecache.Cache
	displays *domain.DisplayMap
	subs     SubscriptionManager
	upstream UpstreamStatus

	httpServer *http.Server
	upgrader   websocket.Upgrader

	clientsMu sync.Mutex
	clients   map[string]*Client

	subscribersMu         sync.Mutex
	instrumentSubscribers map[string]map[string]struct{} // raw id -> client ids

	pendingMu   sync.Mutex
	pendingPeek map[string]struct{} // suspended client ids

	quit         chan struct{}
	notifierDone chan struct{}
}

// New creates the downstream server. Start brings up the listener and the
// wake notifier.
func New(port int, cache *quotecache.Cache, displays *domain.DisplayMap,
	subs SubscriptionManager, upstream UpstreamStatus) *Server {
	return &Server{
		port:     port,
		cache:    cache,
		displays: displays,
		subs:     subs,
		upstream: upstream,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients:               make(map[string]*Client),
		instrumentSubscribers: make(map[string]map[string]struct{}),
		pendingPeek:           make(map[string]struct{}),
		quit:                  make(chan struct{}),
		notifierDone:          make(chan struct{}),
	}
}

// Start launches the wake notifier and the HTTP listener. It returns once
// the listener stops; callers run it on its own goroutine.
func (s *Server) Start() error {
	go s.runWakeNotifier()

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebSocket)
	mux.HandleFunc("/status", s.handleStatus)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	slog.Info("downstream server listening", slog.Int("port", s.port))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts down the listener, the notifier, and every client.
func (s *Server) Stop(ctx context.Context) error {
	close(s.quit)

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	s.clientsMu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.Unlock()
	for _, c := range clients {
		c.Close()
	}

	<-s.notifierDone
	slog.Info("downstream server stopped")
	return err
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}

	clientID := uuid.NewString()
	client := newClient(clientID, conn)

	s.clientsMu.Lock()
	s.clients[clientID] = client
	s.clientsMu.Unlock()
	infra.GlobalMetrics.IncrementClients()

	slog.Info("client connected", slog.String("client", clientID))
	client.Send(welcomeFrame(clientID, s.upstream.ActiveSessions() > 0, time.Now().UnixMilli()))

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		s.handleClientMessage(client, msg)
	}

	s.removeClient(client)
}

// clientRequest is the downstream request envelope. InsList is a pointer so
// a missing field is distinguishable from an empty list.
type clientRequest struct {
	Aid     string  `json:"aid"`
	InsList *string `json:"ins_list"`
}

func (s *Server) handleClientMessage(c *Client, msg []byte) {
	var req clientRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		c.Send(errorFrame("Invalid JSON format", time.Now().UnixMilli()))
		return
	}

	switch req.Aid {
	case "subscribe_quote":
		if req.InsList == nil {
			c.Send(errorFrame("Missing or invalid 'ins_list' field", time.Now().UnixMilli()))
			return
		}
		s.handleSubscribe(c, *req.InsList)
	case "peek_message":
		s.handlePeekMessage(c)
	default:
		// Unknown aids are ignored, matching the downstream dialect.
	}
}

// handleSubscribe merges the requested instruments into the client's set and
// hands them to the dispatcher. The ack is immediate; upstream placement is
// asynchronous and failures surface as silent quotes, not errors.
func (s *Server) handleSubscribe(c *Client, insList string) {
	displayIDs := domain.ParseInsList(insList)

	rawIDs := make([]string, 0, len(displayIDs))
	for _, displayID := range displayIDs {
		rawID := domain.StripExchangePrefix(displayID)
		s.displays.Set(rawID, displayID)
		rawIDs = append(rawIDs, rawID)
	}

	c.AddSubscriptions(rawIDs)

	s.subscribersMu.Lock()
	for _, rawID := range rawIDs {
		if set, ok := s.instrumentSubscribers[rawID]; ok {
			set[c.ID()] = struct{}{}
		} else {
			s.instrumentSubscribers[rawID] = map[string]struct{}{c.ID(): {}}
		}
	}
	s.subscribersMu.Unlock()

	for _, rawID := range rawIDs {
		s.subs.AddSubscription(c.ID(), rawID)
	}

	slog.Info("client subscribed",
		slog.String("client", c.ID()), slog.Int("instruments", len(rawIDs)))
	c.Send(subscribeOKFrame())
}

func (s *Server) removeClient(c *Client) {
	clientID := c.ID()

	s.clientsMu.Lock()
	_, known := s.clients[clientID]
	delete(s.clients, clientID)
	s.clientsMu.Unlock()
	if !known {
		return
	}

	s.subscribersMu.Lock()
	for _, rawID := range c.Subscriptions() {
		if set, ok := s.instrumentSubscribers[rawID]; ok {
			delete(set, clientID)
			if len(set) == 0 {
				delete(s.instrumentSubscribers, rawID)
			}
		}
	}
	s.subscribersMu.Unlock()

	s.pendingMu.Lock()
	delete(s.pendingPeek, clientID)
	s.pendingMu.Unlock()

	s.subs.RemoveAllForClient(clientID)
	c.Close()
	infra.GlobalMetrics.DecrementClients()
	slog.Info("client disconnected", slog.String("client", clientID))
}

func (s *Server) getClient(clientID string) *Client {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return s.clients[clientID]
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return len(s.clients)
}

// statusResponse is the /status snapshot.
type statusResponse struct {
	Clients        int                   `json:"clients"`
	CachedQuotes   int                   `json:"cached_quotes"`
	Sessions       []string              `json:"sessions"`
	ActiveSessions int                   `json:"active_sessions"`
	Subscriptions  map[string]int        `json:"subscriptions"`
	Metrics        infra.MetricsSnapshot `json:"metrics"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Clients:        s.ClientCount(),
		CachedQuotes:   s.cache.Len(),
		Sessions:       s.upstream.StatusLines(),
		ActiveSessions: s.upstream.ActiveSessions(),
		Subscriptions:  s.subs.Counts(),
		Metrics:        infra.GlobalMetrics.Snapshot(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Warn("failed to write status response", slog.Any("error", err))
	}
}
