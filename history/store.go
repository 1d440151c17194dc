// Package history keeps a bounded, per-session log of chat turns.
// Entries live for the process lifetime only; nothing is persisted.
package history

import (
	"fmt"
	"sync"
)

// Entry is one recorded turn. Immutable once appended.
type Entry struct {
	Speaker string
	Content string
	IsBot   bool
	Images  []string
}

// ring is a fixed-capacity circular buffer of entries. Appending at
// capacity overwrites the oldest entry in O(1).
type ring struct {
	entries []Entry
	start   int
	size    int
}

func (r *ring) append(e Entry) {
	if r.size < len(r.entries) {
		r.entries[(r.start+r.size)%len(r.entries)] = e
		r.size++
		return
	}
	r.entries[r.start] = e
	r.start = (r.start + 1) % len(r.entries)
}

func (r *ring) snapshot() []Entry {
	out := make([]Entry, r.size)
	for i := 0; i < r.size; i++ {
		e := r.entries[(r.start+i)%len(r.entries)]
		e.Images = copyImages(e.Images)
		out[i] = e
	}
	return out
}

// copyImages detaches the image slice so neither the caller's entry nor a
// snapshot can alias the buffer the store holds.
func copyImages(images []string) []string {
	if len(images) == 0 {
		return nil
	}
	out := make([]string, len(images))
	copy(out, images)
	return out
}

// Store holds one bounded log per session id. Sessions are created lazily
// on first append and never destroyed.
type Store struct {
	mu       sync.Mutex
	capacity int
	sessions map[string]*ring
}

func NewStore(capacity int) (*Store, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("history: capacity must be >= 1, got %d", capacity)
	}
	return &Store{
		capacity: capacity,
		sessions: make(map[string]*ring),
	}, nil
}

// Append records one turn for a session, evicting the oldest turn once the
// session is at capacity. It never fails.
func (s *Store) Append(sessionID string, e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.sessions[sessionID]
	if !ok {
		r = &ring{entries: make([]Entry, s.capacity)}
		s.sessions[sessionID] = r
	}
	e.Images = copyImages(e.Images)
	r.append(e)
}

// Snapshot returns a copy of the session's entries, oldest first. Unknown
// sessions yield an empty slice. Mutating the result never affects the
// store.
func (s *Store) Snapshot(sessionID string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.sessions[sessionID]
	if !ok {
		return []Entry{}
	}
	return r.snapshot()
}

// Len reports the current number of entries stored for a session.
func (s *Store) Len(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.sessions[sessionID]
	if !ok {
		return 0
	}
	return r.size
}
