// Package ratelimit implements the engine's global byte-rate cap: a single
// token budget over a rolling 1-second window, shared by every transfer
// worker. It is a global cap, not per-download fairness.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// defaultChunkSize is used when no limit is set.
const defaultChunkSize = 8192

// minChunkSize is the floor chunk size. It takes over from limit/4 below
// 4096 bytes/sec, where a worker then makes fewer than four rate checks
// per second.
const minChunkSize = 1024

// Limiter is a global token bucket over a 1-second wall-clock window.
// A zero value is ready to use with limiting disabled.
type Limiter struct {
	mu          sync.Mutex
	limitBps    int64
	windowStart time.Time
	consumed    int64

	now func() time.Time
}

// New creates a Limiter with the given limit in bytes/sec. A limit of 0
// disables limiting.
func New(limitBps int64) *Limiter {
	return &Limiter{limitBps: limitBps, windowStart: time.Now(), now: time.Now}
}

// SetLimit updates the limit in bytes/sec. 0 disables limiting.
func (l *Limiter) SetLimit(limitBps int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limitBps = limitBps
}

// Limit returns the current limit in bytes/sec (0 means unlimited).
func (l *Limiter) Limit() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limitBps
}

// ChunkSize returns the chunk size a worker should read/write at: a
// rate-proportional size of limit/4 when limiting is enabled (so at least
// four rate checks happen per second), floored at 1024 bytes, otherwise a
// fixed 8KB.
func (l *Limiter) ChunkSize() int {
	limit := l.Limit()
	if limit <= 0 {
		return defaultChunkSize
	}
	chunk := int(limit / 4)
	if chunk < minChunkSize {
		chunk = minChunkSize
	}
	return chunk
}

// Acquire blocks until n bytes may be consumed under the current limit,
// implementing the windowed cumulative-expected-time algorithm:
//
//  1. limit == 0 returns immediately.
//  2. if the window is stale (>= 1s old) it resets.
//  3. n is added to the window's running total.
//  4. if the running total implies we're ahead of the wall clock, sleep the
//     difference.
//  5. if the running total has reached the limit, the window resets early.
//
// Acquire is cancel-safe: it rechecks ctx after waking from its sleep.
func (l *Limiter) Acquire(ctx context.Context, n int) error {
	l.mu.Lock()
	limit := l.limitBps
	if limit <= 0 {
		l.mu.Unlock()
		return nil
	}

	now := l.now()
	elapsed := now.Sub(l.windowStart)
	if elapsed >= time.Second {
		l.windowStart = now
		l.consumed = 0
		elapsed = 0
	}

	l.consumed += int64(n)
	expected := time.Duration(float64(l.consumed) / float64(limit) * float64(time.Second))

	var sleep time.Duration
	if expected > elapsed {
		sleep = expected - elapsed
	}

	if l.consumed >= limit {
		l.windowStart = l.now()
		l.consumed = 0
	}
	l.mu.Unlock()

	if sleep <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(sleep)
	defer timer.Stop()
	select {
	case <-timer.C:
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
