package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"qamd/internal/domain"
	"qamd/internal/infra"
	"qamd/internal/quotecache"
)

// Status is the lifecycle state of one gateway session.
type Status int32

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusLoggedIn
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "DISCONNECTED"
	case StatusConnecting:
		return "CONNECTING"
	case StatusConnected:
		return "CONNECTED"
	case StatusLoggedIn:
		return "LOGGED_IN"
	case StatusError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// errorThreshold marks the session ERROR once cumulative errors pass it.
const errorThreshold = 10

// restartDelay is the pause between stop and start during a restart.
const restartDelay = 2 * time.Second

// flowDir is where per-session gateway working directories live.
const flowDir = "upstream_flow"

// depthLogEvery samples the hot-path running average into the log.
const depthLogEvery = 50000

// Events receives session state transitions and subscription acks. The
// subscription dispatcher implements it.
type Events interface {
	OnSubscriptionSuccess(sessionID, rawID string)
	OnSubscriptionFailed(sessionID, rawID string)
	OnUnsubscriptionSuccess(sessionID, rawID string)
	HandleConnectionFailure(sessionID string)
	HandleConnectionRecovery(sessionID string)
}

// Session is one connection to one gateway front endpoint.
type Session struct {
	cfg      infra.UpstreamConfig
	dialer   Dialer
	events   Events
	cache    *quotecache.Cache
	displays *domain.DisplayMap

	// Cooperative shutdown flag owned by the server; restarts are skipped
	// once it drops.
	serverRunning *atomic.Bool

	status     atomic.Int32
	errorCount atomic.Int32
	stopping   atomic.Bool

	mu   sync.Mutex
	conn Conn
	subs map[string]struct{}

	wg sync.WaitGroup

	depthCalls atomic.Uint64
	depthSumNs atomic.Int64
}

// NewSession creates a session; it stays DISCONNECTED until Start.
func NewSession(cfg infra.UpstreamConfig, dialer Dialer, events Events,
	cache *quotecache.Cache, displays *domain.DisplayMap, serverRunning *atomic.Bool) *Session {
	return &Session{
		cfg:           cfg,
		dialer:        dialer,
		events:        events,
		cache:         cache,
		displays:      displays,
		serverRunning: serverRunning,
		subs:          make(map[string]struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.cfg.ConnectionID }

// Status returns the current lifecycle state.
func (s *Session) Status() Status { return Status(s.status.Load()) }

// ErrorCount returns the cumulative error counter.
func (s *Session) ErrorCount() int { return int(s.errorCount.Load()) }

// SubscriptionCount returns the number of instruments this session holds.
func (s *Session) SubscriptionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// CanAcceptMore reports whether the session is logged in with spare
// subscription capacity.
func (s *Session) CanAcceptMore() bool {
	if s.Status() != StatusLoggedIn {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs) < s.cfg.MaxSubscriptions
}

// Start transitions DISCONNECTED -> CONNECTING and dials the gateway in the
// background. Fails if the session is in any other state.
func (s *Session) Start() error {
	if !s.status.CompareAndSwap(int32(StatusDisconnected), int32(StatusConnecting)) {
		return fmt.Errorf("session %s: start from %s", s.cfg.ConnectionID, s.Status())
	}
	s.stopping.Store(false)

	// The gateway binding requires a per-session working directory.
	path := filepath.Join(".", flowDir, s.cfg.ConnectionID)
	if err := os.MkdirAll(path, 0755); err != nil {
		slog.Warn("failed to create flow directory",
			slog.String("session", s.cfg.ConnectionID), slog.Any("error", err))
	}

	s.wg.Add(1)
	go s.run()

	slog.Info("upstream session starting",
		slog.String("session", s.cfg.ConnectionID), slog.String("front", s.cfg.FrontAddr))
	return nil
}

func (s *Session) run() {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	conn, err := s.dialer(ctx, s.cfg.FrontAddr)
	cancel()
	if err != nil {
		slog.Warn("upstream dial failed",
			slog.String("session", s.cfg.ConnectionID), slog.Any("error", err))
		s.status.Store(int32(StatusDisconnected))
		s.errorCount.Add(1)
		infra.GlobalMetrics.RecordError()
		if s.events != nil && !s.stopping.Load() {
			s.events.HandleConnectionFailure(s.cfg.ConnectionID)
		}
		return
	}

	s.mu.Lock()
	// Stop may have run while the dial was in flight; the late connection
	// must not resurrect the session.
	if s.stopping.Load() {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()

	s.onFrontConnected()
	s.readLoop(conn)
}

// onFrontConnected transitions to CONNECTED and issues the anonymous login.
func (s *Session) onFrontConnected() {
	s.status.Store(int32(StatusConnected))
	slog.Info("upstream front connected", slog.String("session", s.cfg.ConnectionID))

	req := loginRequest{Type: frameLogin, BrokerID: s.cfg.BrokerID}
	if err := s.writeJSON(req); err != nil {
		slog.Error("failed to send login request",
			slog.String("session", s.cfg.ConnectionID), slog.Any("error", err))
		s.status.Store(int32(StatusError))
		s.errorCount.Add(1)
	}
}

func (s *Session) readLoop(conn Conn) {
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			s.onFrontDisconnected(err)
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			slog.Warn("malformed gateway frame",
				slog.String("session", s.cfg.ConnectionID), slog.Any("error", err))
			continue
		}

		switch frame.Type {
		case frameLoginAck:
			s.onLoginResponse(&frame)
		case frameSubAck:
			s.onSubAck(&frame)
		case frameUnsubAck:
			s.onUnsubAck(&frame)
		case frameDepth:
			s.onDepth(frame.Data)
		case frameError:
			s.onError(&frame)
		}
	}
}

func (s *Session) onFrontDisconnected(err error) {
	if s.stopping.Load() {
		return
	}
	slog.Warn("upstream front disconnected",
		slog.String("session", s.cfg.ConnectionID), slog.Any("error", err))
	s.status.Store(int32(StatusDisconnected))
	s.errorCount.Add(1)
	if s.events != nil {
		s.events.HandleConnectionFailure(s.cfg.ConnectionID)
	}
}

func (s *Session) onLoginResponse(frame *inboundFrame) {
	if frame.ErrorID != 0 {
		slog.Error("upstream login failed",
			slog.String("session", s.cfg.ConnectionID), slog.String("error", frame.ErrorMsg))
		s.status.Store(int32(StatusError))
		s.errorCount.Add(1)
		return
	}

	slog.Info("upstream login successful", slog.String("session", s.cfg.ConnectionID))
	s.status.Store(int32(StatusLoggedIn))
	if s.events != nil {
		s.events.HandleConnectionRecovery(s.cfg.ConnectionID)
	}
}

func (s *Session) onSubAck(frame *inboundFrame) {
	if frame.ErrorID != 0 {
		slog.Error("subscribe rejected by gateway",
			slog.String("session", s.cfg.ConnectionID),
			slog.String("instrument", frame.InstrumentID),
			slog.String("error", frame.ErrorMsg))
		s.errorCount.Add(1)
		s.mu.Lock()
		delete(s.subs, frame.InstrumentID)
		s.mu.Unlock()
		if s.events != nil {
			s.events.OnSubscriptionFailed(s.cfg.ConnectionID, frame.InstrumentID)
		}
		return
	}

	slog.Info("subscribed",
		slog.String("session", s.cfg.ConnectionID), slog.String("instrument", frame.InstrumentID))
	if s.events != nil {
		s.events.OnSubscriptionSuccess(s.cfg.ConnectionID, frame.InstrumentID)
	}
}

func (s *Session) onUnsubAck(frame *inboundFrame) {
	if frame.ErrorID != 0 {
		slog.Error("unsubscribe rejected by gateway",
			slog.String("session", s.cfg.ConnectionID),
			slog.String("instrument", frame.InstrumentID),
			slog.String("error", frame.ErrorMsg))
		s.errorCount.Add(1)
		return
	}

	if s.events != nil {
		s.events.OnUnsubscriptionSuccess(s.cfg.ConnectionID, frame.InstrumentID)
	}
}

// onDepth is the hot path: build the snapshot, write the cache slot, done.
// No locks beyond the cache's own discipline, no logging per message.
func (s *Session) onDepth(raw *domain.RawDepth) {
	if raw == nil {
		return
	}
	start := time.Now()

	displayID := s.displays.Get(raw.InstrumentID)
	snap := domain.BuildSnapshot(raw, displayID, uint64(time.Now().UnixMilli()))

	if err := s.cache.Write(raw.InstrumentID, &snap); err != nil {
		slog.Error("quote dropped: cache write failed",
			slog.String("session", s.cfg.ConnectionID),
			slog.String("instrument", raw.InstrumentID),
			slog.Any("error", err))
		infra.GlobalMetrics.RecordError()
		return
	}

	elapsed := time.Since(start).Nanoseconds()
	infra.GlobalMetrics.RecordQuote(elapsed)
	s.depthSumNs.Add(elapsed)
	count := s.depthCalls.Add(1)
	if count%depthLogEvery == 0 {
		slog.Info("depth handler avg cost",
			slog.String("session", s.cfg.ConnectionID),
			slog.Int64("avg_ns", s.depthSumNs.Load()/int64(count)),
			slog.Uint64("calls", count))
	}
}

func (s *Session) onError(frame *inboundFrame) {
	slog.Error("gateway error",
		slog.String("session", s.cfg.ConnectionID),
		slog.Int("error_id", frame.ErrorID),
		slog.String("error", frame.ErrorMsg))
	infra.GlobalMetrics.RecordError()
	if s.errorCount.Add(1) > errorThreshold {
		slog.Error("too many errors, marking session failed",
			slog.String("session", s.cfg.ConnectionID))
		s.status.Store(int32(StatusError))
	}
}

// Subscribe issues a gateway subscribe for rawID. Valid only when logged in,
// under capacity, and not already held.
func (s *Session) Subscribe(rawID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Status() != StatusLoggedIn {
		return domain.NewUpstreamError(s.cfg.ConnectionID, "subscribe", domain.ErrNotLoggedIn)
	}
	if _, ok := s.subs[rawID]; ok {
		return domain.ErrAlreadySubscribed
	}
	if len(s.subs) >= s.cfg.MaxSubscriptions {
		return &domain.UpstreamError{
			ConnectionID: s.cfg.ConnectionID, Op: "subscribe",
			Err: domain.ErrCapacityExceeded, Retriable: false,
		}
	}

	req := instrumentRequest{Type: frameSubscribe, InstrumentID: rawID}
	if err := s.writeJSONLocked(req); err != nil {
		s.errorCount.Add(1)
		return domain.NewUpstreamError(s.cfg.ConnectionID, "subscribe", err)
	}

	s.subs[rawID] = struct{}{}
	return nil
}

// Unsubscribe issues a gateway unsubscribe for rawID. A no-op when the
// instrument is not held.
func (s *Session) Unsubscribe(rawID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Status() != StatusLoggedIn {
		return domain.NewUpstreamError(s.cfg.ConnectionID, "unsubscribe", domain.ErrNotLoggedIn)
	}
	if _, ok := s.subs[rawID]; !ok {
		return nil
	}

	req := instrumentRequest{Type: frameUnsubscribe, InstrumentID: rawID}
	if err := s.writeJSONLocked(req); err != nil {
		s.errorCount.Add(1)
		return domain.NewUpstreamError(s.cfg.ConnectionID, "unsubscribe", err)
	}

	delete(s.subs, rawID)
	return nil
}

func (s *Session) writeJSON(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSONLocked(v)
}

func (s *Session) writeJSONLocked(v interface{}) error {
	if s.conn == nil {
		return fmt.Errorf("no connection")
	}
	return s.conn.WriteJSON(v)
}

// Stop releases the connection, clears held subscriptions, and settles in
// DISCONNECTED. Idempotent.
func (s *Session) Stop() {
	s.stopping.Store(true)
	s.status.Store(int32(StatusDisconnected))

	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.subs = make(map[string]struct{})
	s.mu.Unlock()

	s.wg.Wait()
	// run may have raced past the stopping check before it was set; settle
	// the final state after the goroutine is gone.
	s.status.Store(int32(StatusDisconnected))
	slog.Info("upstream session stopped", slog.String("session", s.cfg.ConnectionID))
}

// Restart stops, pauses, and starts again unless the server is shutting
// down.
func (s *Session) Restart() error {
	slog.Info("restarting upstream session", slog.String("session", s.cfg.ConnectionID))
	s.Stop()
	time.Sleep(restartDelay)

	if s.serverRunning != nil && !s.serverRunning.Load() {
		slog.Info("server stopping, cancelling restart", slog.String("session", s.cfg.ConnectionID))
		return nil
	}

	infra.GlobalMetrics.RecordSessionRestart()
	return s.Start()
}

// StatusLine formats the session state for the status surface.
func (s *Session) StatusLine() string {
	st := s.Status()
	if st == StatusLoggedIn {
		return fmt.Sprintf("%s: %s (%d subs)", s.cfg.ConnectionID, st, s.SubscriptionCount())
	}
	return fmt.Sprintf("%s: %s", s.cfg.ConnectionID, st)
}
