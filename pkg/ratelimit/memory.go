package ratelimit

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/cafgpt/cafgpt/pkg/models"
)

type entry struct {
	mu       sync.Mutex
	hourly   window
	daily    window
	lastSeen time.Time
	removed  bool
}

// MemoryStore keeps windows in process memory. The map lock only guards
// lookup and insertion; each client's windows have their own lock.
type MemoryStore struct {
	mu         sync.Mutex
	entries    map[string]*entry
	maxClients int
}

// NewMemoryStore creates a MemoryStore. Sweep trims it to maxClients
// entries; zero means unbounded.
func NewMemoryStore(maxClients int) *MemoryStore {
	return &MemoryStore{
		entries:    make(map[string]*entry),
		maxClients: maxClients,
	}
}

// lockEntry returns the locked entry for key, creating it if needed.
func (s *MemoryStore) lockEntry(key string) *entry {
	for {
		s.mu.Lock()
		e, ok := s.entries[key]
		if !ok {
			e = &entry{}
			s.entries[key] = e
		}
		s.mu.Unlock()

		e.mu.Lock()
		if !e.removed {
			return e
		}
		// Swept between lookup and lock; look again.
		e.mu.Unlock()
	}
}

// CheckAndConsume implements Store.
func (s *MemoryStore) CheckAndConsume(_ context.Context, key string, limits Limits, now time.Time) (Decision, error) {
	e := s.lockEntry(key)
	defer e.mu.Unlock()

	var d Decision
	e.hourly, e.daily, d = decide(e.hourly, e.daily, limits, now)
	e.lastSeen = now
	return d, nil
}

// Remaining implements Store.
func (s *MemoryStore) Remaining(_ context.Context, key string, limits Limits, now time.Time) (models.RateLimitStatus, error) {
	s.mu.Lock()
	e, ok := s.entries[key]
	s.mu.Unlock()
	if !ok {
		return fullStatus(limits, now), nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return models.RateLimitStatus{
		Hourly: e.hourly.status(limits.Hourly, now, HourWindow),
		Daily:  e.daily.status(limits.Daily, now, DayWindow),
	}, nil
}

// Len returns the number of tracked clients.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep drops clients whose windows have all expired, then evicts the least
// recently seen clients beyond maxClients. It returns the number removed.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	type seen struct {
		key  string
		last time.Time
	}
	var live []seen
	for key, e := range s.entries {
		e.mu.Lock()
		if !e.hourly.active(now, HourWindow) && !e.daily.active(now, DayWindow) {
			e.removed = true
			delete(s.entries, key)
			removed++
		} else {
			live = append(live, seen{key, e.lastSeen})
		}
		e.mu.Unlock()
	}

	if s.maxClients > 0 && len(live) > s.maxClients {
		sort.Slice(live, func(i, j int) bool { return live[i].last.Before(live[j].last) })
		for _, c := range live[:len(live)-s.maxClients] {
			e := s.entries[c.key]
			e.mu.Lock()
			e.removed = true
			e.mu.Unlock()
			delete(s.entries, c.key)
			removed++
		}
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *MemoryStore) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.Sweep(now); n > 0 {
				log.Printf("ratelimit: swept %d stale clients", n)
			}
		}
	}
}
