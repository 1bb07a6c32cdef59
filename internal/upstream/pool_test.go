package upstream

import (
	"context"
	"os"
	"testing"
	"time"

	"qamd/internal/domain"
	"qamd/internal/quotecache"
)

func chdirTemp(t *testing.T) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() { os.Chdir(old) })
}

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	chdirTemp(t)

	dialer := func(ctx context.Context, addr string) (Conn, error) {
		return newFakeGateway(), nil
	}
	p := NewPool(dialer, &eventRecorder{}, quotecache.New(64), domain.NewDisplayMap(), nil, time.Second)
	t.Cleanup(p.StopAll)
	return p
}

func TestPoolAddAndDuplicate(t *testing.T) {
	p := newTestPool(t)

	if err := p.Add(testUpstreamConfig("s1", 10)); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := p.Add(testUpstreamConfig("s1", 10)); err == nil {
		t.Error("duplicate Add should fail")
	}
	if p.TotalSessions() != 1 {
		t.Errorf("total sessions: %d", p.TotalSessions())
	}
}

func TestPoolRemove(t *testing.T) {
	p := newTestPool(t)
	p.Add(testUpstreamConfig("s1", 10))

	if !p.Remove("s1") {
		t.Error("Remove should report true for a known session")
	}
	if p.Remove("s1") {
		t.Error("Remove should report false for an unknown session")
	}
	if p.TotalSessions() != 0 {
		t.Errorf("total sessions after remove: %d", p.TotalSessions())
	}
}

func TestPoolAvailableFiltersByState(t *testing.T) {
	p := newTestPool(t)
	p.Add(testUpstreamConfig("s1", 10))
	p.Add(testUpstreamConfig("s2", 10))

	// Nothing started: nothing available.
	if n := len(p.Available()); n != 0 {
		t.Fatalf("available before start: %d", n)
	}

	p.StartAll()
	waitFor(t, "both logged in", func() bool { return p.ActiveSessions() == 2 })

	avail := p.Available()
	if len(avail) != 2 {
		t.Fatalf("available after login: %d", len(avail))
	}
	// Deterministic ordering by session id.
	if avail[0].ID() != "s1" || avail[1].ID() != "s2" {
		t.Errorf("ordering: %s, %s", avail[0].ID(), avail[1].ID())
	}
}

func TestPoolTotalSubscriptions(t *testing.T) {
	p := newTestPool(t)
	p.Add(testUpstreamConfig("s1", 10))
	p.StartAll()

	s1 := p.Get("s1")
	waitFor(t, "login", func() bool { return s1.Status() == StatusLoggedIn })

	if err := s1.Subscribe("a"); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if err := s1.Subscribe("b"); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if got := p.TotalSubscriptions(); got != 2 {
		t.Errorf("total subscriptions: %d", got)
	}
}

func TestAllowRestartWindow(t *testing.T) {
	p := newTestPool(t)

	if !p.allowRestart("s1") {
		t.Fatal("first restart attempt must be allowed")
	}
	if p.allowRestart("s1") {
		t.Error("second attempt inside the window must be blocked")
	}

	// Recovery clears the window.
	p.resetRestartBackoff("s1")
	if !p.allowRestart("s1") {
		t.Error("attempt after reset must be allowed")
	}

	// Independent sessions do not share windows.
	if !p.allowRestart("s2") {
		t.Error("other session must have its own window")
	}
}

func TestPoolStatusLines(t *testing.T) {
	p := newTestPool(t)
	p.Add(testUpstreamConfig("s1", 10))

	lines := p.StatusLines()
	if len(lines) != 1 {
		t.Fatalf("status lines: %d", len(lines))
	}
	if lines[0] != "s1: DISCONNECTED" {
		t.Errorf("status line = %q", lines[0])
	}
}
