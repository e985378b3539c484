package server

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// rateLimiter is a fixed-window per-key counter. Windows live in an LRU so
// abandoned keys age out without a sweeper.
type rateLimiter struct {
	mu        sync.Mutex
	perMinute int
	windows   *lru.Cache[string, *rateWindow]
	now       func() time.Time
}

type rateWindow struct {
	start time.Time
	count int
}

func newRateLimiter(perMinute int) *rateLimiter {
	windows, _ := lru.New[string, *rateWindow](1024)
	return &rateLimiter{
		perMinute: perMinute,
		windows:   windows,
		now:       time.Now,
	}
}

func (r *rateLimiter) allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	w, ok := r.windows.Get(key)
	if !ok || now.Sub(w.start) >= time.Minute {
		r.windows.Add(key, &rateWindow{start: now, count: 1})
		return true
	}
	w.count++
	return w.count <= r.perMinute
}
