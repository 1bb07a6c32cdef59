package server

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"qamd/internal/domain"
	"qamd/internal/quotecache"
)

// recorderConn captures frames instead of writing to a socket.
type recorderConn struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *recorderConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	c.frames = append(c.frames, append([]byte(nil), data...))
	c.mu.Unlock()
	return nil
}

func (c *recorderConn) SetWriteDeadline(t time.Time) error { return nil }
func (c *recorderConn) Close() error                       { return nil }

func (c *recorderConn) Frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

// fakeSubs records dispatcher calls.
type fakeSubs struct {
	mu      sync.Mutex
	added   []string // "client:raw"
	removed []string // client ids
}

func (f *fakeSubs) AddSubscription(clientID, rawID string) {
	f.mu.Lock()
	f.added = append(f.added, clientID+":"+rawID)
	f.mu.Unlock()
}

func (f *fakeSubs) RemoveAllForClient(clientID string) {
	f.mu.Lock()
	f.removed = append(f.removed, clientID)
	f.mu.Unlock()
}

func (f *fakeSubs) Counts() map[string]int { return map[string]int{} }

type fakeUpstream struct{ active int }

func (f *fakeUpstream) ActiveSessions() int     { return f.active }
func (f *fakeUpstream) TotalSessions() int      { return f.active }
func (f *fakeUpstream) TotalSubscriptions() int { return 0 }
func (f *fakeUpstream) StatusLines() []string   { return nil }

type serverRig struct {
	server *Server
	subs   *fakeSubs
	cache  *quotecache.Cache
}

func newServerRig(t *testing.T) *serverRig {
	t.Helper()
	cache := quotecache.New(64)
	subs := &fakeSubs{}
	srv := New(0, cache, domain.NewDisplayMap(), subs, &fakeUpstream{active: 1})
	return &serverRig{server: srv, subs: subs, cache: cache}
}

// addClient registers a recorder-backed client the way the upgrade handler
// would.
func (r *serverRig) addClient(id string) (*Client, *recorderConn) {
	conn := &recorderConn{}
	c := newClient(id, conn)
	r.server.clientsMu.Lock()
	r.server.clients[id] = c
	r.server.clientsMu.Unlock()
	return c, conn
}

func waitFrames(t *testing.T, conn *recorderConn, n int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if frames := conn.Frames(); len(frames) >= n {
			return frames
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d frames, have %d", n, len(conn.Frames()))
	return nil
}

func writeQuote(t *testing.T, cache *quotecache.Cache, rawID string, last float64, ts uint64) {
	t.Helper()
	snap := domain.Snapshot{
		InstrumentID: "SHFE." + rawID,
		Datetime:     "2026-08-24 10:15:30.250",
		Timestamp:    ts,
		LastPrice:    last,
	}
	if err := cache.Write(rawID, &snap); err != nil {
		t.Fatalf("cache write failed: %v", err)
	}
}

func TestSubscribeQuoteRequest(t *testing.T) {
	rig := newServerRig(t)
	c, conn := rig.addClient("client-1")

	rig.server.handleClientMessage(c, []byte(`{"aid":"subscribe_quote","ins_list":"SHFE.si2609,GFEX.lc2607"}`))

	frames := waitFrames(t, conn, 1)
	var ack map[string]any
	if err := json.Unmarshal(frames[0], &ack); err != nil {
		t.Fatalf("ack invalid: %v", err)
	}
	if ack["aid"] != "subscribe_quote" || ack["status"] != "ok" {
		t.Errorf("ack = %v", ack)
	}

	// Raw ids reach the dispatcher without the exchange prefix.
	rig.subs.mu.Lock()
	added := append([]string(nil), rig.subs.added...)
	rig.subs.mu.Unlock()
	want := []string{"client-1:si2609", "client-1:lc2607"}
	if len(added) != 2 || added[0] != want[0] || added[1] != want[1] {
		t.Errorf("dispatched = %v, want %v", added, want)
	}

	// The display mapping is recorded for the depth path.
	if got := rig.server.displays.Get("si2609"); got != "SHFE.si2609" {
		t.Errorf("display mapping = %q", got)
	}
}

func TestMalformedRequest(t *testing.T) {
	rig := newServerRig(t)
	c, conn := rig.addClient("client-1")

	rig.server.handleClientMessage(c, []byte(`{not json`))
	frames := waitFrames(t, conn, 1)

	var errf map[string]any
	json.Unmarshal(frames[0], &errf)
	if errf["type"] != "error" || errf["message"] != "Invalid JSON format" {
		t.Errorf("error frame = %v", errf)
	}
}

func TestSubscribeMissingInsList(t *testing.T) {
	rig := newServerRig(t)
	c, conn := rig.addClient("client-1")

	rig.server.handleClientMessage(c, []byte(`{"aid":"subscribe_quote"}`))
	frames := waitFrames(t, conn, 1)

	var errf map[string]any
	json.Unmarshal(frames[0], &errf)
	if errf["message"] != "Missing or invalid 'ins_list' field" {
		t.Errorf("error frame = %v", errf)
	}
}

func decodeQuotes(t *testing.T, frame []byte) map[string]map[string]any {
	t.Helper()
	var env struct {
		Aid  string `json:"aid"`
		Data []struct {
			Quotes map[string]map[string]any `json:"quotes"`
		} `json:"data"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		t.Fatalf("invalid frame: %v", err)
	}
	if env.Aid != "rtn_data" {
		t.Fatalf("aid = %q", env.Aid)
	}
	return env.Data[0].Quotes
}

func TestPeekFullThenDiff(t *testing.T) {
	rig := newServerRig(t)
	c, conn := rig.addClient("client-1")

	rig.server.handleClientMessage(c, []byte(`{"aid":"subscribe_quote","ins_list":"SHFE.si2609"}`))
	waitFrames(t, conn, 1) // ack

	writeQuote(t, rig.cache, "si2609", 3568.2, 1000)

	// First poll: full frame with every key.
	rig.server.handlePeekMessage(c)
	frames := waitFrames(t, conn, 2)
	quotes := decodeQuotes(t, frames[1])
	full := quotes["SHFE.si2609"]
	if full["last_price"] != 3568.2 {
		t.Errorf("full last_price = %v", full["last_price"])
	}
	if _, ok := full["average"]; !ok {
		t.Error("full frame missing reserved fields")
	}

	// Second poll after an update: diff frame with only the moved fields.
	writeQuote(t, rig.cache, "si2609", 3569.0, 2000)
	rig.server.handlePeekMessage(c)
	frames = waitFrames(t, conn, 3)
	diff := decodeQuotes(t, frames[2])["SHFE.si2609"]
	if diff["last_price"] != 3569.0 || diff["timestamp"] != float64(2000) {
		t.Errorf("diff = %v", diff)
	}
	if _, ok := diff["average"]; ok {
		t.Error("diff frame must omit unchanged fields")
	}
}

func TestPeekSuspendAndWake(t *testing.T) {
	rig := newServerRig(t)
	c, conn := rig.addClient("client-1")

	rig.server.handleClientMessage(c, []byte(`{"aid":"subscribe_quote","ins_list":"SHFE.si2609"}`))
	writeQuote(t, rig.cache, "si2609", 3568.2, 1000)

	rig.server.handlePeekMessage(c)
	waitFrames(t, conn, 2) // ack + full

	// Nothing new: the poll parks the client.
	rig.server.handlePeekMessage(c)
	rig.server.pendingMu.Lock()
	_, suspended := rig.server.pendingPeek["client-1"]
	rig.server.pendingMu.Unlock()
	if !suspended {
		t.Fatal("client not suspended after empty poll")
	}

	// A write on the subscribed instrument wakes it with a diff.
	writeQuote(t, rig.cache, "si2609", 3570.0, 2000)
	rig.server.notifyPendingClients("si2609")

	frames := waitFrames(t, conn, 3)
	diff := decodeQuotes(t, frames[2])["SHFE.si2609"]
	if diff["last_price"] != 3570.0 {
		t.Errorf("wake diff = %v", diff)
	}

	rig.server.pendingMu.Lock()
	_, suspended = rig.server.pendingPeek["client-1"]
	rig.server.pendingMu.Unlock()
	if suspended {
		t.Error("client still suspended after wake")
	}
}

func TestPeekBeforeFirstQuoteDoesNotSuspend(t *testing.T) {
	rig := newServerRig(t)
	c, _ := rig.addClient("client-1")

	rig.server.handleClientMessage(c, []byte(`{"aid":"subscribe_quote","ins_list":"SHFE.si2609"}`))
	rig.server.handlePeekMessage(c)

	rig.server.pendingMu.Lock()
	_, suspended := rig.server.pendingPeek["client-1"]
	rig.server.pendingMu.Unlock()
	if suspended {
		t.Error("client without a delivered baseline must not suspend")
	}
}

func TestVersionGateSkipsStaleQuotes(t *testing.T) {
	rig := newServerRig(t)
	c, conn := rig.addClient("client-1")

	rig.server.handleClientMessage(c, []byte(`{"aid":"subscribe_quote","ins_list":"SHFE.si2609"}`))
	writeQuote(t, rig.cache, "si2609", 3568.2, 1000)

	rig.server.handlePeekMessage(c)
	waitFrames(t, conn, 2)

	// Same cache version: collect must find nothing.
	updates := rig.server.collectUpdates([]string{"si2609"}, map[string]uint64{"si2609": 1})
	if len(updates) != 0 {
		t.Errorf("stale version passed the gate: %v", updates)
	}
}

func TestRemoveClientCleansUp(t *testing.T) {
	rig := newServerRig(t)
	c, _ := rig.addClient("client-1")

	rig.server.handleClientMessage(c, []byte(`{"aid":"subscribe_quote","ins_list":"SHFE.si2609"}`))
	rig.server.suspend("client-1")

	rig.server.removeClient(c)

	rig.subs.mu.Lock()
	removed := append([]string(nil), rig.subs.removed...)
	rig.subs.mu.Unlock()
	if len(removed) != 1 || removed[0] != "client-1" {
		t.Errorf("dispatcher cleanup = %v", removed)
	}

	rig.server.subscribersMu.Lock()
	_, indexed := rig.server.instrumentSubscribers["si2609"]
	rig.server.subscribersMu.Unlock()
	if indexed {
		t.Error("subscriber index survived disconnect")
	}

	rig.server.pendingMu.Lock()
	_, suspended := rig.server.pendingPeek["client-1"]
	rig.server.pendingMu.Unlock()
	if suspended {
		t.Error("pending entry survived disconnect")
	}

	// Double removal is harmless.
	rig.server.removeClient(c)
	rig.subs.mu.Lock()
	again := len(rig.subs.removed)
	rig.subs.mu.Unlock()
	if again != 1 {
		t.Error("second removal reached the dispatcher")
	}
}

func TestClientWriteOrder(t *testing.T) {
	conn := &recorderConn{}
	c := newClient("client-1", conn)

	for i := 0; i < 50; i++ {
		c.Send([]byte{byte(i)})
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(conn.Frames()) < 50 {
		time.Sleep(5 * time.Millisecond)
	}

	frames := conn.Frames()
	if len(frames) != 50 {
		t.Fatalf("frames delivered: %d", len(frames))
	}
	for i, f := range frames {
		if f[0] != byte(i) {
			t.Fatalf("frame %d out of order: %d", i, f[0])
		}
	}
}
