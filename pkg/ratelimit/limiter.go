// Package ratelimit throttles DNS clients with per-client token buckets
// so a single misbehaving host cannot monopolize the resolver.
package ratelimit

import (
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"dns-agent/pkg/config"
	"dns-agent/pkg/logging"
)

// Limiter tracks a token bucket per client IP. A nil *Limiter allows
// everything, so callers can hold one unconditionally.
type Limiter struct {
	cfg    *config.RateLimitConfig
	logger *logging.Logger
	exempt []netip.Prefix

	mu      sync.Mutex
	clients map[string]*clientBucket

	stopCh   chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

type clientBucket struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// New returns nil when rate limiting is disabled.
func New(cfg *config.RateLimitConfig, logger *logging.Logger) *Limiter {
	if cfg == nil || !cfg.Enabled {
		return nil
	}

	l := &Limiter{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[string]*clientBucket, 128),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}

	for _, cidr := range cfg.ExemptCIDRs {
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			logger.Warn("Invalid rate limit exempt CIDR, skipping",
				"value", cidr,
				"error", err)
			continue
		}
		l.exempt = append(l.exempt, prefix)
	}

	if cfg.CleanupInterval > 0 {
		go l.cleanupLoop()
	}

	return l
}

// Allow reports whether the client may proceed.
func (l *Limiter) Allow(clientIP string) bool {
	if l == nil || clientIP == "" {
		return true
	}

	if l.isExempt(clientIP) {
		return true
	}

	return l.getBucket(clientIP).Allow()
}

// Refuse reports whether limited clients get a REFUSED answer instead of
// silence.
func (l *Limiter) Refuse() bool {
	return l != nil && l.cfg.Action == config.RateLimitActionRefuse
}

// Stop terminates the cleanup goroutine.
func (l *Limiter) Stop() {
	if l == nil {
		return
	}
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *Limiter) isExempt(clientIP string) bool {
	if len(l.exempt) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(clientIP)
	if err != nil {
		return false
	}
	for _, prefix := range l.exempt {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func (l *Limiter) getBucket(clientIP string) *rate.Limiter {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, ok := l.clients[clientIP]; ok {
		entry.lastSeen = now
		return entry.bucket
	}

	if l.cfg.MaxTrackedClients > 0 && len(l.clients) >= l.cfg.MaxTrackedClients {
		l.evictOldestLocked()
	}

	entry := &clientBucket{
		bucket:   rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.Burst),
		lastSeen: now,
	}
	l.clients[clientIP] = entry
	return entry.bucket
}

func (l *Limiter) evictOldestLocked() {
	var oldestIP string
	var oldestTime time.Time
	first := true

	for ip, entry := range l.clients {
		if first || entry.lastSeen.Before(oldestTime) {
			oldestIP = ip
			oldestTime = entry.lastSeen
			first = false
		}
	}

	if oldestIP != "" {
		delete(l.clients, oldestIP)
	}
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCh:
			return
		}
	}
}

func (l *Limiter) cleanup() {
	cutoff := l.now().Add(-l.cfg.CleanupInterval)

	l.mu.Lock()
	defer l.mu.Unlock()

	for ip, entry := range l.clients {
		if entry.lastSeen.Before(cutoff) {
			delete(l.clients, ip)
		}
	}
}
