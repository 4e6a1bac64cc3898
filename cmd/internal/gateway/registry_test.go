package gateway

import (
	"log/slog"
	"testing"
	"time"
)

func TestRegistryReplace(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(slog.Default())

	a := NewBot(7, "sess_a", 8)
	if old := reg.Add(a); old != nil {
		t.Fatalf("first Add returned old bot %v", old)
	}
	if reg.Count() != 1 {
		t.Fatalf("count = %d, want 1", reg.Count())
	}

	b := NewBot(7, "sess_b", 8)
	old := reg.Add(b)
	if old != a {
		t.Fatalf("Add did not return the replaced bot")
	}
	if reg.Count() != 1 {
		t.Fatalf("count after replace = %d, want 1", reg.Count())
	}
	if got := reg.Get(7); got != b {
		t.Fatalf("Get returned stale bot")
	}

	// Removing the replaced connection must not evict the current one.
	if reg.Remove(a) {
		t.Fatal("Remove(stale) reported removal")
	}
	if got := reg.Get(7); got != b {
		t.Fatalf("stale Remove evicted the current bot")
	}

	if !reg.Remove(b) {
		t.Fatal("Remove(current) reported nothing removed")
	}
	if reg.Count() != 0 {
		t.Fatalf("count after remove = %d, want 0", reg.Count())
	}
}

func TestBotCloseIdempotent(t *testing.T) {
	t.Parallel()

	b := NewBot(1, "sess", 4)

	select {
	case <-b.Done():
		t.Fatal("Done closed before Close")
	default:
	}

	b.Close()
	b.Close()

	select {
	case <-b.Done():
	default:
		t.Fatal("Done still open after Close")
	}
}

func TestRateLimiterWindow(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(2, time.Minute)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if !rl.Allow(now) {
		t.Fatal("first event refused")
	}
	if !rl.Allow(now.Add(time.Second)) {
		t.Fatal("second event refused")
	}
	if rl.Allow(now.Add(2 * time.Second)) {
		t.Fatal("third event allowed inside the window")
	}
	if !rl.Allow(now.Add(2 * time.Minute)) {
		t.Fatal("event refused after the window expired")
	}
}
