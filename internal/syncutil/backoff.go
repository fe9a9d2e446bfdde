// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncutil

import (
	"context"
	"time"
)

// Backoff doubles the wait after each failure, between Min and Max.
type Backoff struct {
	Min     time.Duration
	Max     time.Duration
	current time.Duration
}

// NewBackoff returns a backoff starting at lo.
func NewBackoff(lo, hi time.Duration) *Backoff {
	if hi < lo {
		hi = lo
	}
	return &Backoff{Min: lo, Max: hi, current: lo}
}

// Current returns the wait for the next attempt.
func (b *Backoff) Current() time.Duration { return b.current }

// Failure doubles the wait, capped at Max, and returns the wait to apply now.
func (b *Backoff) Failure() time.Duration {
	d := b.current
	b.current *= 2
	if b.current > b.Max {
		b.current = b.Max
	}
	if b.current <= 0 {
		b.current = b.Min
	}
	return d
}

// Reset returns to Min after a success.
func (b *Backoff) Reset() { b.current = b.Min }

// SleepWithContext waits for d or until ctx is done.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
