// Package ratelimit throttles metered requests per caller so a runaway
// client cannot flood the generation upstream.
package ratelimit

import (
	"sync"
	"time"
)

// Config holds per-user limits.
type Config struct {
	// RequestsPerSecond is the sustained rate. Zero disables limiting.
	RequestsPerSecond float64
	// Burst is the bucket capacity; defaults to twice the rate.
	Burst float64
	// CleanupInterval drops idle buckets; zero keeps them forever.
	CleanupInterval time.Duration
}

// Limiter keeps one token bucket per user in memory. It suits a single
// instance; replicas each enforce their own limit.
type Limiter struct {
	capacity   float64
	refillRate float64
	now        func() time.Time

	mu      sync.RWMutex
	buckets map[string]*TokenBucket
	stop    chan struct{}
	once    sync.Once
}

// NewLimiter returns nil when cfg disables limiting; a nil Limiter allows everything.
func NewLimiter(cfg Config) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		return nil
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RequestsPerSecond * 2
	}
	l := &Limiter{
		capacity:   cfg.Burst,
		refillRate: cfg.RequestsPerSecond,
		now:        time.Now,
		buckets:    make(map[string]*TokenBucket),
		stop:       make(chan struct{}),
	}
	if cfg.CleanupInterval > 0 {
		go l.cleanupLoop(cfg.CleanupInterval)
	}
	return l
}

// Allow consumes a token for userID and reports the tokens left.
func (l *Limiter) Allow(userID string) (bool, float64) {
	if l == nil {
		return true, 0
	}
	b := l.bucket(userID)
	ok := b.Allow()
	return ok, b.Remaining()
}

// RetryAfter returns how long userID must wait for the next token.
func (l *Limiter) RetryAfter(userID string) time.Duration {
	if l == nil {
		return 0
	}
	return l.bucket(userID).WaitTime()
}

// Capacity returns the burst size.
func (l *Limiter) Capacity() float64 {
	if l == nil {
		return 0
	}
	return l.capacity
}

// Reset refills userID's bucket.
func (l *Limiter) Reset(userID string) {
	if l == nil {
		return
	}
	l.mu.RLock()
	b, ok := l.buckets[userID]
	l.mu.RUnlock()
	if ok {
		b.Reset()
	}
}

// Len returns the number of tracked buckets.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

// Close stops background cleanup.
func (l *Limiter) Close() error {
	if l == nil {
		return nil
	}
	l.once.Do(func() { close(l.stop) })
	return nil
}

func (l *Limiter) bucket(userID string) *TokenBucket {
	l.mu.RLock()
	b, ok := l.buckets[userID]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[userID]; ok {
		return b
	}
	b = newTokenBucket(l.capacity, l.refillRate, l.now)
	l.buckets[userID] = b
	return b
}

func (l *Limiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stop:
			return
		}
	}
}

// cleanup drops buckets that have refilled to near capacity.
func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, b := range l.buckets {
		if b.Remaining() >= b.capacity*0.95 {
			delete(l.buckets, id)
		}
	}
}
