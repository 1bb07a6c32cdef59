// Package dispatch owns the global subscription table: which instrument is
// assigned to which upstream session, which clients asked for it, and the
// retry/migration machinery that keeps subscriptions alive across session
// failures.
package dispatch

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"qamd/internal/domain"
	"qamd/internal/upstream"
)

// SubStatus is the lifecycle state of one instrument subscription.
type SubStatus int

const (
	SubPending SubStatus = iota
	SubSubscribing
	SubActive
	// SubFailed marks a placement failure. The entry stays in the retry set
	// while under the retry budget; past it, only a fresh client request
	// revives the subscription before the retention GC removes it.
	SubFailed
	SubCancelled
)

func (s SubStatus) String() string {
	switch s {
	case SubPending:
		return "PENDING"
	case SubSubscribing:
		return "SUBSCRIBING"
	case SubActive:
		return "ACTIVE"
	case SubFailed:
		return "FAILED"
	case SubCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// failedRetention is how long a FAILED subscription lingers before the
// maintenance loop deletes it. Re-requesting within the window revives it.
const failedRetention = 10 * time.Minute

type subscription struct {
	rawID      string
	sessionID  string // empty while unassigned
	status     SubStatus
	clients    map[string]struct{}
	retryCount int
	createdAt  time.Time
	lastUpdate time.Time
}

// Dispatcher tracks all subscriptions and places them onto pool sessions.
// It implements upstream.Events; the pool's sessions call back into it.
type Dispatcher struct {
	mu          sync.Mutex
	subs        map[string]*subscription          // raw_id -> subscription
	clientSubs  map[string]map[string]struct{}    // client_id -> raw_ids
	sessionSubs map[string]map[string]struct{}    // session_id -> raw_ids
	retrySet    map[string]struct{}               // raw_ids awaiting placement

	pool *upstream.Pool

	maxRetry            int
	autoFailover        bool
	maintenanceInterval time.Duration

	rrCounter atomic.Uint64

	running atomic.Bool
	done    chan struct{}
}

// New creates a dispatcher with no pool attached. Initialize wires the pool
// before any sessions start; the two-step construction breaks the mutual
// dependency between pool and dispatcher.
func New() *Dispatcher {
	return &Dispatcher{
		subs:        make(map[string]*subscription),
		clientSubs:  make(map[string]map[string]struct{}),
		sessionSubs: make(map[string]map[string]struct{}),
		retrySet:    make(map[string]struct{}),
	}
}

// Initialize attaches the session pool and dispatch policy and starts the
// maintenance loop.
func (d *Dispatcher) Initialize(pool *upstream.Pool, maxRetry int, autoFailover bool, maintenanceInterval time.Duration) {
	d.pool = pool
	d.maxRetry = maxRetry
	d.autoFailover = autoFailover
	d.maintenanceInterval = maintenanceInterval

	if d.running.CompareAndSwap(false, true) {
		d.done = make(chan struct{})
		go d.maintenanceLoop()
	}
	slog.Info("subscription dispatcher initialized",
		slog.Int("max_retry", maxRetry), slog.Bool("auto_failover", autoFailover))
}

// Stop halts the maintenance loop. Sessions must be stopped first so no
// callbacks arrive afterwards.
func (d *Dispatcher) Stop() {
	if !d.running.CompareAndSwap(true, false) {
		return
	}
	<-d.done
	slog.Info("subscription dispatcher stopped")
}

// AddSubscription registers clientID's interest in rawID. The first client
// triggers upstream placement; later clients share the existing subscription.
// A FAILED subscription is revived by a fresh request.
func (d *Dispatcher) AddSubscription(clientID, rawID string) {
	d.mu.Lock()

	if cs, ok := d.clientSubs[clientID]; ok {
		cs[rawID] = struct{}{}
	} else {
		d.clientSubs[clientID] = map[string]struct{}{rawID: {}}
	}

	sub, ok := d.subs[rawID]
	if ok {
		sub.clients[clientID] = struct{}{}
		sub.lastUpdate = time.Now()
		if sub.status != SubFailed {
			d.mu.Unlock()
			return
		}
		// Revive: a client asked again, start the retry budget over.
		sub.status = SubPending
		sub.retryCount = 0
		sub.sessionID = ""
		d.mu.Unlock()
		d.placeSubscription(rawID)
		return
	}

	now := time.Now()
	d.subs[rawID] = &subscription{
		rawID:      rawID,
		status:     SubPending,
		clients:    map[string]struct{}{clientID: {}},
		createdAt:  now,
		lastUpdate: now,
	}
	d.mu.Unlock()

	d.placeSubscription(rawID)
}

// RemoveSubscription drops clientID's interest in rawID. When the last
// client leaves, the upstream subscription is cancelled.
func (d *Dispatcher) RemoveSubscription(clientID, rawID string) {
	d.mu.Lock()

	if cs, ok := d.clientSubs[clientID]; ok {
		delete(cs, rawID)
		if len(cs) == 0 {
			delete(d.clientSubs, clientID)
		}
	}

	sub, ok := d.subs[rawID]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(sub.clients, clientID)
	if len(sub.clients) > 0 {
		d.mu.Unlock()
		return
	}

	sessionID := sub.sessionID
	wasActive := sub.status == SubActive || sub.status == SubSubscribing
	sub.status = SubCancelled
	sub.lastUpdate = time.Now()
	delete(d.retrySet, rawID)
	d.detachFromSessionLocked(sessionID, rawID)
	delete(d.subs, rawID)
	d.mu.Unlock()

	if wasActive && sessionID != "" {
		if sess := d.pool.Get(sessionID); sess != nil {
			if err := sess.Unsubscribe(rawID); err != nil {
				slog.Warn("unsubscribe failed",
					slog.String("session", sessionID),
					slog.String("instrument", rawID),
					slog.Any("error", err))
			}
		}
	}
}

// RemoveAllForClient drops every subscription held by clientID. Called on
// client disconnect.
func (d *Dispatcher) RemoveAllForClient(clientID string) {
	d.mu.Lock()
	cs, ok := d.clientSubs[clientID]
	if !ok {
		d.mu.Unlock()
		return
	}
	rawIDs := make([]string, 0, len(cs))
	for rawID := range cs {
		rawIDs = append(rawIDs, rawID)
	}
	d.mu.Unlock()

	for _, rawID := range rawIDs {
		d.RemoveSubscription(clientID, rawID)
	}
}

// placeSubscription assigns rawID to a session via round-robin and issues the
// upstream subscribe. With no session available it parks the instrument in
// the retry set for the maintenance loop.
func (d *Dispatcher) placeSubscription(rawID string) {
	available := d.pool.Available()

	d.mu.Lock()
	sub, ok := d.subs[rawID]
	// Only PENDING and queued FAILED entries are placeable; concurrent retry
	// drains may both pick up the same instrument.
	if !ok || (sub.status != SubPending && sub.status != SubFailed) {
		d.mu.Unlock()
		return
	}

	if len(available) == 0 {
		sub.status = SubFailed
		sub.lastUpdate = time.Now()
		d.retrySet[rawID] = struct{}{}
		d.mu.Unlock()
		slog.Warn("subscription queued for retry",
			slog.String("instrument", rawID), slog.Any("error", domain.ErrNoAvailableSession))
		return
	}

	sess := available[d.rrCounter.Add(1)%uint64(len(available))]
	sub.sessionID = sess.ID()
	sub.status = SubSubscribing
	sub.lastUpdate = time.Now()
	d.attachToSessionLocked(sess.ID(), rawID)
	delete(d.retrySet, rawID)
	d.mu.Unlock()

	if err := sess.Subscribe(rawID); err != nil {
		slog.Warn("subscribe request failed",
			slog.String("session", sess.ID()),
			slog.String("instrument", rawID),
			slog.Any("error", err))
		d.mu.Lock()
		if sub, ok := d.subs[rawID]; ok && sub.sessionID == sess.ID() {
			d.detachFromSessionLocked(sess.ID(), rawID)
			sub.sessionID = ""
		}
		d.mu.Unlock()
		if domain.IsRetriable(err) {
			d.recordFailure(rawID)
		} else {
			d.markFailed(rawID)
		}
	}
}

// OnSubscriptionSuccess is called by a session when the gateway confirms a
// subscribe.
func (d *Dispatcher) OnSubscriptionSuccess(sessionID, rawID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sub, ok := d.subs[rawID]
	if !ok || sub.sessionID != sessionID {
		return
	}
	sub.status = SubActive
	sub.retryCount = 0
	sub.lastUpdate = time.Now()
}

// OnSubscriptionFailed is called by a session when the gateway rejects a
// subscribe.
func (d *Dispatcher) OnSubscriptionFailed(sessionID, rawID string) {
	d.mu.Lock()
	sub, ok := d.subs[rawID]
	if !ok || sub.sessionID != sessionID {
		d.mu.Unlock()
		return
	}
	d.detachFromSessionLocked(sessionID, rawID)
	sub.sessionID = ""
	d.mu.Unlock()

	d.recordFailure(rawID)
}

// OnUnsubscriptionSuccess is called by a session when the gateway confirms an
// unsubscribe. The subscription is already gone from the table by then.
func (d *Dispatcher) OnUnsubscriptionSuccess(sessionID, rawID string) {
	slog.Debug("unsubscribe confirmed",
		slog.String("session", sessionID), slog.String("instrument", rawID))
}

// HandleConnectionFailure sweeps every subscription held by the failed
// session. With failover enabled each instrument is re-placed immediately;
// otherwise it waits in the retry set for the session to recover.
func (d *Dispatcher) HandleConnectionFailure(sessionID string) {
	d.mu.Lock()
	held := d.sessionSubs[sessionID]
	toMove := make([]string, 0, len(held))
	for rawID := range held {
		sub, ok := d.subs[rawID]
		// A stale mirror entry can outlive a migration; only sweep
		// subscriptions still assigned to the failed session.
		if !ok || sub.sessionID != sessionID {
			continue
		}
		if sub.status == SubActive || sub.status == SubSubscribing {
			sub.status = SubPending
			sub.sessionID = ""
			sub.lastUpdate = time.Now()
			toMove = append(toMove, rawID)
		}
	}
	delete(d.sessionSubs, sessionID)
	if !d.autoFailover {
		for _, rawID := range toMove {
			d.retrySet[rawID] = struct{}{}
		}
	}
	d.mu.Unlock()

	if len(toMove) == 0 {
		return
	}
	slog.Warn("session failed, re-dispatching subscriptions",
		slog.String("session", sessionID), slog.Int("count", len(toMove)))

	if d.autoFailover {
		for _, rawID := range toMove {
			d.placeSubscription(rawID)
		}
	}
}

// HandleConnectionRecovery drains the retry set once a session logs back in.
func (d *Dispatcher) HandleConnectionRecovery(sessionID string) {
	slog.Info("session recovered, processing pending subscriptions",
		slog.String("session", sessionID))
	d.processPending()
}

// recordFailure bumps the retry counter and either requeues the instrument or
// gives up past the retry budget. The entry is FAILED either way; queued
// failures keep their retry-set slot, exhausted ones lose it.
func (d *Dispatcher) recordFailure(rawID string) {
	d.mu.Lock()
	sub, ok := d.subs[rawID]
	if !ok {
		d.mu.Unlock()
		return
	}
	sub.retryCount++
	sub.status = SubFailed
	sub.lastUpdate = time.Now()
	if sub.retryCount >= d.maxRetry {
		delete(d.retrySet, rawID)
		d.mu.Unlock()
		slog.Error("subscription failed permanently",
			slog.String("instrument", rawID), slog.Int("retries", sub.retryCount))
		return
	}
	d.retrySet[rawID] = struct{}{}
	d.mu.Unlock()
}

func (d *Dispatcher) markFailed(rawID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sub, ok := d.subs[rawID]; ok {
		sub.status = SubFailed
		sub.lastUpdate = time.Now()
		delete(d.retrySet, rawID)
	}
}

// processPending re-places everything in the retry set.
func (d *Dispatcher) processPending() {
	d.mu.Lock()
	pending := make([]string, 0, len(d.retrySet))
	for rawID := range d.retrySet {
		pending = append(pending, rawID)
	}
	d.mu.Unlock()

	for _, rawID := range pending {
		d.placeSubscription(rawID)
	}
}

func (d *Dispatcher) maintenanceLoop() {
	defer close(d.done)

	for d.running.Load() {
		d.processPending()
		d.cleanupFailed()

		for i := 0; i < int(d.maintenanceInterval/time.Second) && d.running.Load(); i++ {
			time.Sleep(time.Second)
		}
	}
}

// cleanupFailed deletes FAILED subscriptions past the retention window,
// including their client mappings.
func (d *Dispatcher) cleanupFailed() {
	cutoff := time.Now().Add(-failedRetention)

	d.mu.Lock()
	defer d.mu.Unlock()

	for rawID, sub := range d.subs {
		if sub.status != SubFailed || sub.lastUpdate.After(cutoff) {
			continue
		}
		for clientID := range sub.clients {
			if cs, ok := d.clientSubs[clientID]; ok {
				delete(cs, rawID)
				if len(cs) == 0 {
					delete(d.clientSubs, clientID)
				}
			}
		}
		delete(d.retrySet, rawID)
		delete(d.subs, rawID)
		slog.Info("cleaned up failed subscription", slog.String("instrument", rawID))
	}
}

func (d *Dispatcher) attachToSessionLocked(sessionID, rawID string) {
	if ss, ok := d.sessionSubs[sessionID]; ok {
		ss[rawID] = struct{}{}
		return
	}
	d.sessionSubs[sessionID] = map[string]struct{}{rawID: {}}
}

func (d *Dispatcher) detachFromSessionLocked(sessionID, rawID string) {
	if sessionID == "" {
		return
	}
	if ss, ok := d.sessionSubs[sessionID]; ok {
		delete(ss, rawID)
		if len(ss) == 0 {
			delete(d.sessionSubs, sessionID)
		}
	}
}

// InstrumentStatus reports the state of one subscription.
func (d *Dispatcher) InstrumentStatus(rawID string) (SubStatus, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sub, ok := d.subs[rawID]
	if !ok {
		return 0, false
	}
	return sub.status, true
}

// AssignedSession reports which session holds rawID, if any.
func (d *Dispatcher) AssignedSession(rawID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sub, ok := d.subs[rawID]
	if !ok || sub.sessionID == "" {
		return "", false
	}
	return sub.sessionID, true
}

// Counts returns subscription totals by status for the status surface.
func (d *Dispatcher) Counts() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := map[string]int{}
	for _, sub := range d.subs {
		out[sub.status.String()]++
	}
	out["retry_queue"] = len(d.retrySet)
	return out
}
