// Package ratelimit wraps golang.org/x/time/rate into the pair of caps
// the migration copier needs: a keys/sec cap on how many keys it scans
// and moves, and a bytes/sec cap on the DUMP payloads it ships, so one
// busy range migration cannot starve client traffic on the same link.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter bundles the two caps a migration Task consults before each
// key it copies.
type Limiter struct {
	keys  *rate.Limiter
	bytes *rate.Limiter
}

// New builds a Limiter. keysPerSec or bytesPerSec of zero disables
// that cap (rate.Inf).
func New(keysPerSec, bytesPerSec int) *Limiter {
	l := &Limiter{}
	if keysPerSec <= 0 {
		l.keys = rate.NewLimiter(rate.Inf, 1)
	} else {
		l.keys = rate.NewLimiter(rate.Limit(keysPerSec), keysPerSec)
	}
	if bytesPerSec <= 0 {
		l.bytes = rate.NewLimiter(rate.Inf, 1)
	} else {
		l.bytes = rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec)
	}
	return l
}

// WaitKey blocks until one key's worth of quota is available.
func (l *Limiter) WaitKey(ctx context.Context) error {
	return l.keys.Wait(ctx)
}

// WaitBytes blocks until n bytes of quota are available. DUMP payloads
// vary in size, so callers reserve after the fact rather than guessing
// ahead of time.
func (l *Limiter) WaitBytes(ctx context.Context, n int) error {
	if n <= 0 || l.bytes.Limit() == rate.Inf {
		return nil
	}
	// WaitN refuses n above the burst, so larger payloads wait in
	// burst-sized chunks.
	for n > 0 {
		chunk := n
		if b := l.bytes.Burst(); chunk > b {
			chunk = b
		}
		if err := l.bytes.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}
