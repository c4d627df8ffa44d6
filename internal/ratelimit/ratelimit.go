package ratelimit

import (
	"sync"
	"time"
)

// RateLimit guards an HTTP surface per client address.
type RateLimit interface {
	Allow(addr string) bool
}

type WindowData struct {
	count       int
	windowStart time.Time
}

// FixedWindowLimiter counts requests per address in fixed windows. It keeps
// no history, so it is only used in front of order creation where a burst at
// a window edge is harmless.
type FixedWindowLimiter struct {
	maxRequests int
	window      time.Duration
	requests    map[string]*WindowData
	mutex       sync.Mutex
	now         func() time.Time
}

func New(maxRequests int, interval time.Duration) *FixedWindowLimiter {
	return &FixedWindowLimiter{
		maxRequests: maxRequests,
		window:      interval,
		requests:    make(map[string]*WindowData),
		now:         time.Now,
	}
}

func (rl *FixedWindowLimiter) Allow(addr string) bool {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	wd := rl.requests[addr]

	// first request or the previous window has closed
	if wd == nil || now.Sub(wd.windowStart) > rl.window {
		if rl.maxRequests == 0 {
			return false
		}

		rl.requests[addr] = &WindowData{
			count:       1,
			windowStart: now,
		}
		return true
	}

	if wd.count >= rl.maxRequests {
		return false
	}
	wd.count++

	return true
}

// Prune drops windows that closed before now so idle addresses do not
// accumulate. It returns the number of entries removed.
func (rl *FixedWindowLimiter) Prune() int {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	removed := 0
	for addr, wd := range rl.requests {
		if now.Sub(wd.windowStart) > rl.window {
			delete(rl.requests, addr)
			removed++
		}
	}
	return removed
}
