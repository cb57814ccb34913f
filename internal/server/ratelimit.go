package server

import (
	"sync"
	"time"
)

// RateLimitConfig controls the global request budget and the per-IP login
// attempt window.
type RateLimitConfig struct {
	GlobalRPS   float64
	GlobalBurst int
	LoginLimit  int
	LoginWindow time.Duration
}

type rateLimiter struct {
	global      *tokenBucket
	loginLimit  int
	loginWindow time.Duration

	mu           sync.Mutex
	loginWindows map[string]*loginWindow
}

type loginWindow struct {
	attempts []time.Time
	lastSeen time.Time
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		loginLimit:   cfg.LoginLimit,
		loginWindow:  cfg.LoginWindow,
		loginWindows: make(map[string]*loginWindow),
	}
	if rl.loginWindow <= 0 {
		rl.loginWindow = time.Minute
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst)
	}
	return rl
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowLogin applies a sliding window per client IP. The second return is
// how long the caller should wait before retrying when denied.
func (r *rateLimiter) AllowLogin(ip string) (bool, time.Duration) {
	if r == nil || r.loginLimit <= 0 {
		return true, 0
	}
	now := time.Now()
	cutoff := now.Add(-r.loginWindow)

	r.mu.Lock()
	defer r.mu.Unlock()
	win := r.loginWindows[ip]
	if win == nil {
		win = &loginWindow{}
		r.loginWindows[ip] = win
	}
	kept := win.attempts[:0]
	for _, at := range win.attempts {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	win.attempts = kept
	win.lastSeen = now
	r.evictStaleLocked(now)

	if len(win.attempts) >= r.loginLimit {
		return false, win.attempts[0].Add(r.loginWindow).Sub(now)
	}
	win.attempts = append(win.attempts, now)
	return true, 0
}

func (r *rateLimiter) evictStaleLocked(now time.Time) {
	stale := now.Add(-10 * r.loginWindow)
	for ip, win := range r.loginWindows {
		if win.lastSeen.Before(stale) {
			delete(r.loginWindows, ip)
		}
	}
}

type tokenBucket struct {
	mu     sync.Mutex
	rate   float64
	burst  float64
	tokens float64
	last   time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	return &tokenBucket{
		rate:   rate,
		burst:  float64(burst),
		tokens: float64(burst),
		last:   time.Now(),
	}
}

func (b *tokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	b.tokens += now.Sub(b.last).Seconds() * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
