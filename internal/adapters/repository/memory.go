package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/okian/reelpulse/internal/domain/session"
)

// MemorySessionStore keeps session aggregates in a map.
type MemorySessionStore struct {
	mu   sync.RWMutex
	byID map[string]session.Session
}

// NewMemorySessionStore constructs an empty in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{byID: make(map[string]session.Session)}
}

// Upsert applies m under the store lock.
func (s *MemorySessionStore) Upsert(_ context.Context, m session.Mutation) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cur *session.Session
	if existing, ok := s.byID[m.SessionID]; ok {
		cur = &existing
	}
	next := session.Apply(cur, m)
	s.byID[m.SessionID] = next
	return next, nil
}

// Get returns the session or session.ErrNotFound.
func (s *MemorySessionStore) Get(_ context.Context, id string) (session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out, ok := s.byID[id]
	if !ok {
		return session.Session{}, session.ErrNotFound
	}
	return out, nil
}

// Len reports the number of stored sessions.
func (s *MemorySessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// MemoryPresenceStore keeps per-film members with individual expiry times.
// Expired members are ignored by Count and pruned on the next write. A film
// with no live members is forgotten.
type MemoryPresenceStore struct {
	mu    sync.Mutex
	films map[string]map[string]time.Time // film -> user -> expiry
	ttl   time.Duration
	now   func() time.Time
}

// NewMemoryPresenceStore constructs an in-memory presence store.
func NewMemoryPresenceStore(opts ...Option) *MemoryPresenceStore {
	o := buildOptions(opts)
	return &MemoryPresenceStore{
		films: make(map[string]map[string]time.Time),
		ttl:   o.ttl,
		now:   o.now,
	}
}

func (s *MemoryPresenceStore) Add(_ context.Context, filmID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	members, ok := s.films[filmID]
	if !ok {
		members = make(map[string]time.Time)
		s.films[filmID] = members
	}
	prune(members, now)
	members[userID] = now.Add(s.ttl)
	return nil
}

func (s *MemoryPresenceStore) Remove(_ context.Context, filmID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if members, ok := s.films[filmID]; ok {
		delete(members, userID)
		prune(members, s.now())
		if len(members) == 0 {
			delete(s.films, filmID)
		}
	}
	return nil
}

func (s *MemoryPresenceStore) Count(_ context.Context, filmID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var n int64
	for _, exp := range s.films[filmID] {
		if exp.After(now) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryPresenceStore) Films(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make([]string, 0, len(s.films))
	for f, members := range s.films {
		prune(members, now)
		if len(members) == 0 {
			delete(s.films, f)
			continue
		}
		out = append(out, f)
	}
	sort.Strings(out)
	return out, nil
}

func prune(members map[string]time.Time, now time.Time) {
	for u, exp := range members {
		if !exp.After(now) {
			delete(members, u)
		}
	}
}
