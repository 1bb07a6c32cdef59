package server

import (
	"log/slog"
	"sort"
	"time"

	"qamd/internal/domain"
)

// wakeBatch bounds how many suspended clients one cache notification wakes.
// Later notifications pick up the remainder.
const wakeBatch = 64

type instrumentUpdate struct {
	rawID     string
	displayID string
	snap      domain.Snapshot
	version   uint64
}

// handlePeekMessage runs one poll cycle for a client: collect instruments
// whose cache version moved past what the client last saw, then push either a
// full frame (first delivery) or a diff frame. With nothing to send the
// client is parked until a cache write on one of its instruments wakes it.
func (s *Server) handlePeekMessage(c *Client) {
	start := time.Now()

	subs := c.Subscriptions()
	if len(subs) == 0 {
		return
	}
	sort.Strings(subs)

	versions, lastSent, hasBaseline := c.pollState()
	updates := s.collectUpdates(subs, versions)

	if len(updates) == 0 {
		// Suspend only after the first successful delivery; before that an
		// empty poll simply returns so the client can retry.
		if hasBaseline {
			s.suspend(c.ID())
		}
		return
	}

	frame := newRtnDataFrame()
	if !hasBaseline {
		for i := range updates {
			frame.addFull(updates[i].displayID, &updates[i].snap)
		}
	} else {
		for i := range updates {
			u := &updates[i]
			if old, ok := lastSent[u.rawID]; ok {
				frame.addDiff(u.displayID, &old, &u.snap)
			} else {
				frame.addFull(u.displayID, &u.snap)
			}
		}
	}

	// Versions advance even when every diff came out empty; the content is
	// identical, so nothing is lost.
	c.commitPoll(updates)

	if frame.Empty() {
		s.suspend(c.ID())
		return
	}
	c.Send(frame.Bytes())

	if hasBaseline {
		slog.Info("peek_message processed",
			slog.String("client", c.ID()),
			slog.Int64("elapsed_ms", time.Since(start).Milliseconds()),
			slog.Int("diff_instruments", len(updates)))
	}
}

// collectUpdates reads the cache slot of every subscribed instrument and
// keeps those whose logical version is newer than the client's last-seen one.
// Slots under write contention past the retry budget are skipped this cycle.
func (s *Server) collectUpdates(subs []string, lastVersions map[string]uint64) []instrumentUpdate {
	updates := make([]instrumentUpdate, 0, len(subs))

	for _, rawID := range subs {
		idx, ok := s.cache.Index(rawID)
		if !ok {
			continue
		}
		snap, version, ok := s.cache.Read(idx)
		if !ok {
			continue
		}
		if last, seen := lastVersions[rawID]; seen && version <= last {
			continue
		}
		updates = append(updates, instrumentUpdate{
			rawID:     rawID,
			displayID: s.displays.Get(rawID),
			snap:      snap,
			version:   version,
		})
	}
	return updates
}

// suspend parks a client until a subscribed instrument gets written.
func (s *Server) suspend(clientID string) {
	s.pendingMu.Lock()
	s.pendingPeek[clientID] = struct{}{}
	s.pendingMu.Unlock()
}

// runWakeNotifier consumes cache write notifications and re-runs the poll
// for suspended subscribers of the written instrument. Runs on its own
// goroutine so the upstream callback path never touches client state.
func (s *Server) runWakeNotifier() {
	defer close(s.notifierDone)

	for {
		select {
		case rawID := <-s.cache.Notifications():
			s.notifyPendingClients(rawID)
		case <-s.quit:
			return
		}
	}
}

func (s *Server) notifyPendingClients(rawID string) {
	var toWake []string

	s.subscribersMu.Lock()
	subscribers := s.instrumentSubscribers[rawID]
	s.pendingMu.Lock()
	for clientID := range subscribers {
		if _, ok := s.pendingPeek[clientID]; !ok {
			continue
		}
		delete(s.pendingPeek, clientID)
		toWake = append(toWake, clientID)
		if len(toWake) >= wakeBatch {
			break
		}
	}
	s.pendingMu.Unlock()
	s.subscribersMu.Unlock()

	for _, clientID := range toWake {
		c := s.getClient(clientID)
		if c == nil || c.Closed() {
			continue
		}
		slog.Debug("waking suspended client",
			slog.String("client", clientID), slog.String("instrument", rawID))
		s.handlePeekMessage(c)
	}
}
