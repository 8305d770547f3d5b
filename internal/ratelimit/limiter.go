package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// SourceLimiter is a token bucket per DICOM source. It governs request
// initiation only; concurrent resource occupation is bounded separately by
// the in-flight semaphore, so tokens are never held across transfers.
type SourceLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*rate.Limiter
}

func NewSourceLimiter() *SourceLimiter {
	return &SourceLimiter{buckets: make(map[string]*rate.Limiter)}
}

// Configure sets (or replaces) the bucket for a source. Reconfiguration is
// safe at runtime.
func (l *SourceLimiter) Configure(source string, tokensPerSecond float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets[source] = rate.NewLimiter(rate.Limit(tokensPerSecond), burst)
}

// SetRate adjusts an existing bucket in place, keeping accumulated tokens.
func (l *SourceLimiter) SetRate(source string, tokensPerSecond float64) error {
	l.mu.RLock()
	bucket, ok := l.buckets[source]
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no rate limiter for source %q", source)
	}
	bucket.SetLimit(rate.Limit(tokensPerSecond))
	return nil
}

// Rate reports the current refill rate for a source.
func (l *SourceLimiter) Rate(source string) (float64, error) {
	l.mu.RLock()
	bucket, ok := l.buckets[source]
	l.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("no rate limiter for source %q", source)
	}
	return float64(bucket.Limit()), nil
}

// Acquire blocks until a token for the source is available or ctx fires.
func (l *SourceLimiter) Acquire(ctx context.Context, source string) error {
	l.mu.RLock()
	bucket, ok := l.buckets[source]
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no rate limiter for source %q", source)
	}
	return bucket.Wait(ctx)
}

// InFlight bounds the number of messages being processed concurrently.
// Prefetch on the broker is set to the same ceiling so back-pressure reaches
// the queue.
type InFlight struct {
	sem *semaphore.Weighted
	max int64
}

func NewInFlight(max int) *InFlight {
	return &InFlight{sem: semaphore.NewWeighted(int64(max)), max: int64(max)}
}

func (f *InFlight) Acquire(ctx context.Context) error {
	return f.sem.Acquire(ctx, 1)
}

func (f *InFlight) Release() {
	f.sem.Release(1)
}

func (f *InFlight) Max() int64 {
	return f.max
}
