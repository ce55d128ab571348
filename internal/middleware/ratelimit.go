package middleware

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxAttemptsPerMinute is the default rate limit for failed auth attempts per IP.
	DefaultMaxAttemptsPerMinute = 10

	// DefaultMaxTrackedIPs bounds the number of IPs the limiter remembers.
	DefaultMaxTrackedIPs = 10000

	cleanupInterval = time.Minute
	staleThreshold  = 5 * time.Minute
)

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter tracks failed authentication attempts per client IP. Each IP
// gets a token bucket refilled at maxPerMinute tokens per minute.
type RateLimiter struct {
	mu            sync.Mutex
	entries       map[string]*ipEntry
	limit         rate.Limit
	burst         int
	maxTrackedIPs int
	cancel        context.CancelFunc
}

// NewRateLimiter creates a per-IP limiter and starts its cleanup loop, which
// runs until ctx is done or Stop is called. A non-positive maxPerMinute
// selects DefaultMaxAttemptsPerMinute.
func NewRateLimiter(ctx context.Context, maxPerMinute int) *RateLimiter {
	if maxPerMinute <= 0 {
		maxPerMinute = DefaultMaxAttemptsPerMinute
	}
	ctx, cancel := context.WithCancel(ctx)
	rl := &RateLimiter{
		entries:       make(map[string]*ipEntry),
		limit:         rate.Every(time.Minute / time.Duration(maxPerMinute)),
		burst:         maxPerMinute,
		maxTrackedIPs: DefaultMaxTrackedIPs,
		cancel:        cancel,
	}
	go rl.cleanup(ctx)
	return rl
}

// Allow reports whether ip may make another auth attempt. IPs without
// recorded failures are always allowed.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, ok := rl.entries[ip]
	if !ok {
		return true
	}
	e.lastSeen = time.Now()
	return e.limiter.Allow()
}

// RecordFailure records a failed auth attempt for ip.
func (rl *RateLimiter) RecordFailure(ip string) {
	rl.RecordFailureAndAllow(ip)
}

// RecordFailureAndAllow records a failed attempt for ip and reports whether
// the attempt is still within the limit.
func (rl *RateLimiter) RecordFailureAndAllow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return rl.entryLocked(ip, time.Now()).limiter.Allow()
}

func (rl *RateLimiter) entryLocked(ip string, now time.Time) *ipEntry {
	e, ok := rl.entries[ip]
	if !ok {
		if len(rl.entries) >= rl.maxTrackedIPs {
			rl.evictOldestLocked()
		}
		e = &ipEntry{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.entries[ip] = e
	}
	e.lastSeen = now
	return e
}

// Tracked returns the number of IPs with recorded failures.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

// Stop cancels the background cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.cancel()
}

func (rl *RateLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			rl.removeStale(now)
		}
	}
}

func (rl *RateLimiter) removeStale(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, e := range rl.entries {
		if now.Sub(e.lastSeen) > staleThreshold {
			delete(rl.entries, ip)
		}
	}
}

func (rl *RateLimiter) evictOldestLocked() {
	var (
		oldestIP   string
		oldestSeen time.Time
	)
	for ip, e := range rl.entries {
		if oldestIP == "" || e.lastSeen.Before(oldestSeen) {
			oldestIP, oldestSeen = ip, e.lastSeen
		}
	}
	delete(rl.entries, oldestIP)
}

// ExtractIP extracts the IP address from a RemoteAddr string, stripping the port.
func ExtractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
