// Package server keeps the process-wide set of claimed usernames and the
// live session list behind a single mutex via the Registry type.
package server

import (
	"sync"

	"github.com/samber/lo"
)

// Registry owns the claimed usernames and the ordered list of Active
// sessions. Every mutation and the snapshot read share one mutex, and no
// I/O happens while it is held.
type Registry struct {
	mu       sync.Mutex
	claimed  map[string]struct{}
	sessions []*Session
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		claimed: make(map[string]struct{}),
	}
}

// TryClaim inserts name if nobody holds it and reports whether the claim
// succeeded. Concurrent claims of the same name have exactly one winner.
func (r *Registry) TryClaim(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.claimed[name]; taken {
		return false
	}
	r.claimed[name] = struct{}{}
	return true
}

// Release frees name. Releasing an unclaimed name is a no-op.
func (r *Registry) Release(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.claimed, name)
}

// IsClaimed reports whether name is currently held.
func (r *Registry) IsClaimed(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, taken := r.claimed[name]
	return taken
}

// AddSession appends s to the live list unless it is already present.
func (r *Registry) AddSession(s *Session) {
	if s == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if lo.Contains(r.sessions, s) {
		return
	}
	r.sessions = append(r.sessions, s)
}

// RemoveSession drops s from the live list and reports whether it was there.
func (r *Registry) RemoveSession(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !lo.Contains(r.sessions, s) {
		return false
	}
	r.sessions = lo.Without(r.sessions, s)
	return true
}

// CountActive returns the size of the live list.
func (r *Registry) CountActive() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.sessions)
}

// Snapshot returns a point-in-time copy of the live list that callers may
// iterate without holding the lock.
func (r *Registry) Snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := make([]*Session, len(r.sessions))
	copy(snapshot, r.sessions)
	return snapshot
}
