package admission

import (
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
)

// userTracker holds one user's sliding windows for the abuse heuristics.
// Each tracker carries its own mutex so that two users never contend; the
// Controller locks it for the duration of a DetectAbuse/Consume call.
//
// Trackers are process-local. They do not survive restarts and are not
// shared between instances, so the heuristics are advisory rather than a
// hard enforcement boundary.
type userTracker struct {
	mu sync.Mutex

	requests []time.Time    // rapid-request window
	messages []time.Time    // spam window
	contents []contentEntry // repeated-content window

	lastSeen time.Time
}

// contentEntry is a (timestamp, digest) pair in the repeated-content window.
// Storing a digest instead of the message keeps the window small and avoids
// retaining user text in memory.
type contentEntry struct {
	at     time.Time
	digest [blake2b.Size256]byte
}

func contentDigest(content string) [blake2b.Size256]byte {
	return blake2b.Sum256([]byte(content))
}

// trackerSet is the per-user tracker registry.
type trackerSet struct {
	mu    sync.Mutex
	users map[string]*userTracker
}

func newTrackerSet() *trackerSet {
	return &trackerSet{users: make(map[string]*userTracker)}
}

// get returns the user's tracker, creating it on first sight, and bumps its
// last-seen time. The returned tracker must be locked by the caller before
// touching its windows.
func (s *trackerSet) get(userID string, now time.Time) *userTracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.users[userID]
	if !ok {
		t = &userTracker{}
		s.users[userID] = t
	}
	t.lastSeen = now
	return t
}

// clear drops all window state for one user (fresh start after a ban).
func (s *trackerSet) clear(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, userID)
}

// sweep removes trackers idle since before cutoff and returns how many were
// dropped. Without it the registry would grow by one entry per user ever
// seen.
func (s *trackerSet) sweep(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := 0
	for id, t := range s.users {
		if t.lastSeen.Before(cutoff) {
			delete(s.users, id)
			dropped++
		}
	}
	return dropped
}

func (s *trackerSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

// pruneTimes keeps timestamps younger than window relative to now, in place.
func pruneTimes(log []time.Time, now time.Time, window time.Duration) []time.Time {
	kept := log[:0]
	for _, ts := range log {
		if now.Sub(ts) < window {
			kept = append(kept, ts)
		}
	}
	return kept
}

// pruneContents keeps content entries younger than window relative to now.
func pruneContents(log []contentEntry, now time.Time, window time.Duration) []contentEntry {
	kept := log[:0]
	for _, e := range log {
		if now.Sub(e.at) < window {
			kept = append(kept, e)
		}
	}
	return kept
}
