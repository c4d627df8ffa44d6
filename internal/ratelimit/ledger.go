package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Ledger records rate-limited events per key over a sliding window. Allow
// both checks and records: an allowed call counts against the limit, a
// denied call does not.
type Ledger interface {
	Allow(ctx context.Context, key string, now time.Time) (bool, error)
}

// SlidingWindow is the in-process Ledger. Events older than the window are
// discarded lazily on each call for the same key.
type SlidingWindow struct {
	limit  int
	window time.Duration

	mu     sync.Mutex
	events map[string][]time.Time
}

func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		limit:  limit,
		window: window,
		events: make(map[string][]time.Time),
	}
}

func (s *SlidingWindow) Allow(ctx context.Context, key string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-s.window)
	kept := s.events[key][:0]
	for _, at := range s.events[key] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}

	if len(kept) >= s.limit {
		s.events[key] = kept
		return false, nil
	}

	s.events[key] = append(kept, now)
	return true, nil
}

// Count returns the events for key still inside the window at now.
func (s *SlidingWindow) Count(key string, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-s.window)
	n := 0
	for _, at := range s.events[key] {
		if at.After(cutoff) {
			n++
		}
	}
	return n
}
