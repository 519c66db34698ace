// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package hubhttp

import (
	"context"
	"time"
)

// Backoff implements exponential backoff with jitter.
type Backoff struct {
	next   time.Duration
	max    time.Duration
	mult   float64
	jitter time.Duration
}

// NewBackoff creates a backoff starting at initial and capped at max.
// Non-positive arguments fall back to 400ms and 10s.
func NewBackoff(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = 400 * time.Millisecond
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	return &Backoff{next: initial, max: max, mult: 1.6, jitter: 120 * time.Millisecond}
}

// Next returns the next backoff duration.
func (b *Backoff) Next() time.Duration {
	d := b.next + time.Duration(int64(b.jitter)*int64(time.Now().UnixNano()%3)/2)
	b.next = time.Duration(float64(b.next) * b.mult)
	if b.next > b.max {
		b.next = b.max
	}
	return d
}

// SleepCtx waits for d or returns false if ctx is canceled first.
func SleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
