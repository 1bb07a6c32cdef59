package upstream

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"qamd/internal/domain"
	"qamd/internal/infra"
	"qamd/internal/quotecache"
)

// minRestartWindow gates how soon an unhealthy session may be restarted
// again; consecutive failures stretch the window exponentially.
const minRestartWindow = 10 * time.Second

// disconnectedErrorLimit: a DISCONNECTED session is only restarted once its
// error count passes this.
const disconnectedErrorLimit = 5

// Pool owns all upstream sessions and runs the health monitor.
type Pool struct {
	dialer   Dialer
	events   Events
	cache    *quotecache.Cache
	displays *domain.DisplayMap

	serverRunning *atomic.Bool

	mu       sync.Mutex
	sessions map[string]*Session

	healthInterval time.Duration
	monitorRunning atomic.Bool
	monitorDone    chan struct{}

	restartMu       sync.Mutex
	nextRestart     map[string]time.Time
	restartAttempts map[string]int
}

// NewPool creates an empty pool. Sessions are added per enabled upstream
// config and started with StartAll.
func NewPool(dialer Dialer, events Events, cache *quotecache.Cache,
	displays *domain.DisplayMap, serverRunning *atomic.Bool, healthInterval time.Duration) *Pool {
	return &Pool{
		dialer:          dialer,
		events:          events,
		cache:           cache,
		displays:        displays,
		serverRunning:   serverRunning,
		sessions:        make(map[string]*Session),
		healthInterval:  healthInterval,
		nextRestart:     make(map[string]time.Time),
		restartAttempts: make(map[string]int),
	}
}

// Add registers a new session for the given config.
func (p *Pool) Add(cfg infra.UpstreamConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.sessions[cfg.ConnectionID]; ok {
		return fmt.Errorf("session %s already exists", cfg.ConnectionID)
	}

	p.sessions[cfg.ConnectionID] = NewSession(cfg, p.dialer, p.events, p.cache, p.displays, p.serverRunning)
	slog.Info("added upstream session",
		slog.String("session", cfg.ConnectionID), slog.String("front", cfg.FrontAddr))
	return nil
}

// Remove stops and deletes a session.
func (p *Pool) Remove(sessionID string) bool {
	p.mu.Lock()
	sess, ok := p.sessions[sessionID]
	if ok {
		delete(p.sessions, sessionID)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	sess.Stop()
	slog.Info("removed upstream session", slog.String("session", sessionID))
	return true
}

// Get returns the session with the given id, or nil.
func (p *Pool) Get(sessionID string) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[sessionID]
}

// All returns every session, ordered by id for deterministic iteration.
func (p *Pool) All() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Available returns sessions that are logged in with spare capacity.
func (p *Pool) Available() []*Session {
	all := p.All()
	out := make([]*Session, 0, len(all))
	for _, s := range all {
		if s.CanAcceptMore() {
			out = append(out, s)
		}
	}
	return out
}

// TotalSessions returns the pool size.
func (p *Pool) TotalSessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// ActiveSessions counts logged-in sessions.
func (p *Pool) ActiveSessions() int {
	active := 0
	for _, s := range p.All() {
		if s.Status() == StatusLoggedIn {
			active++
		}
	}
	return active
}

// TotalSubscriptions sums held subscriptions across sessions.
func (p *Pool) TotalSubscriptions() int {
	total := 0
	for _, s := range p.All() {
		total += s.SubscriptionCount()
	}
	return total
}

// StartAll starts every disconnected session and the health monitor.
func (p *Pool) StartAll() {
	for _, s := range p.All() {
		if s.Status() == StatusDisconnected {
			if err := s.Start(); err != nil {
				slog.Error("failed to start session",
					slog.String("session", s.ID()), slog.Any("error", err))
			}
		}
	}
	p.startHealthMonitor()
	slog.Info("started upstream sessions", slog.Int("count", p.TotalSessions()))
}

// StopAll stops the health monitor, then every session.
func (p *Pool) StopAll() {
	p.stopHealthMonitor()
	for _, s := range p.All() {
		s.Stop()
	}
	slog.Info("stopped all upstream sessions")
}

func (p *Pool) startHealthMonitor() {
	if !p.monitorRunning.CompareAndSwap(false, true) {
		return
	}
	p.monitorDone = make(chan struct{})
	go p.healthCheckLoop()
	slog.Info("started upstream health monitor")
}

func (p *Pool) stopHealthMonitor() {
	if !p.monitorRunning.CompareAndSwap(true, false) {
		return
	}
	<-p.monitorDone
	slog.Info("stopped upstream health monitor")
}

func (p *Pool) healthCheckLoop() {
	defer close(p.monitorDone)

	for p.monitorRunning.Load() {
		p.checkSessions()
		infra.GlobalMetrics.SetActiveSessions(int32(p.ActiveSessions()))

		// Sleep in 1s steps so shutdown completes within a step.
		for i := 0; i < int(p.healthInterval/time.Second) && p.monitorRunning.Load(); i++ {
			time.Sleep(time.Second)
		}
	}
}

func (p *Pool) checkSessions() {
	for _, sess := range p.All() {
		status := sess.Status()
		unhealthy := status == StatusError ||
			(status == StatusDisconnected && sess.ErrorCount() > disconnectedErrorLimit)
		if !unhealthy {
			if status == StatusLoggedIn {
				p.resetRestartBackoff(sess.ID())
			}
			continue
		}

		if !p.allowRestart(sess.ID()) {
			continue
		}

		slog.Warn("session unhealthy, attempting restart",
			slog.String("session", sess.ID()), slog.String("status", status.String()))
		// Restart runs synchronously on the monitor goroutine; never spawn
		// per-restart goroutines.
		if err := sess.Restart(); err != nil {
			slog.Error("session restart failed",
				slog.String("session", sess.ID()), slog.Any("error", err))
		}
	}
}

// allowRestart dedupes restart attempts inside the backoff window. Each
// consecutive attempt widens the window; a session that logs back in resets
// it through resetRestartBackoff.
func (p *Pool) allowRestart(sessionID string) bool {
	p.restartMu.Lock()
	defer p.restartMu.Unlock()

	now := time.Now()
	if next, ok := p.nextRestart[sessionID]; ok && now.Before(next) {
		return false
	}

	window := infra.CalculateBackoff(p.restartAttempts[sessionID])
	if window < minRestartWindow {
		window = minRestartWindow
	}
	p.restartAttempts[sessionID]++
	p.nextRestart[sessionID] = now.Add(window)
	return true
}

// resetRestartBackoff clears the restart backoff once a session is healthy
// again.
func (p *Pool) resetRestartBackoff(sessionID string) {
	p.restartMu.Lock()
	delete(p.restartAttempts, sessionID)
	delete(p.nextRestart, sessionID)
	p.restartMu.Unlock()
}

// StatusLines formats every session's state for the status surface.
func (p *Pool) StatusLines() []string {
	sessions := p.All()
	lines := make([]string, 0, len(sessions))
	for _, s := range sessions {
		lines = append(lines, s.StatusLine())
	}
	return lines
}
