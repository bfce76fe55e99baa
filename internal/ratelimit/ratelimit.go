// Package ratelimit throttles data channel throughput with a token bucket.
//
// The bucket holds one second worth of bytes and starts full, so short
// transfers run unthrottled while long ones converge to the configured
// average rate.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter limits the rate of data transfer to a fixed number of bytes per
// second. A nil *Limiter never blocks.
type Limiter struct {
	lim   *rate.Limiter
	burst int
}

// New creates a limiter for bytesPerSecond. It returns nil (unlimited) for
// rates <= 0.
func New(bytesPerSecond int64) *Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	burst := int(min(bytesPerSecond, int64(1<<30)))
	return &Limiter{
		lim:   rate.NewLimiter(rate.Limit(bytesPerSecond), burst),
		burst: burst,
	}
}

// Wait blocks until n bytes may be moved or ctx is done. Requests larger
// than the bucket are consumed in bucket-sized pieces.
func (l *Limiter) Wait(ctx context.Context, n int) error {
	if l == nil || n <= 0 {
		return nil
	}
	for n > 0 {
		chunk := min(n, l.burst)
		if err := l.lim.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// Rate returns the configured rate in bytes per second, 0 for unlimited.
func (l *Limiter) Rate() int64 {
	if l == nil {
		return 0
	}
	return int64(l.lim.Limit())
}
