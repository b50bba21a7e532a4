// Package ratelimit provides the per-device token-bucket pair consulted
// before every I/O operation: one bucket meters bytes per second, the other
// operations per second. A device owns exactly one Limiter; buckets are
// never shared across devices.
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// Config sizes the two buckets. A zero field leaves that dimension
// unlimited.
type Config struct {
	// BytesPerSec refills the bandwidth bucket.
	BytesPerSec int64 `toml:"bytes_per_sec"`
	// BytesBurst is the bandwidth bucket capacity. Defaults to one
	// second's worth of refill.
	BytesBurst int64 `toml:"bytes_burst"`
	// OpsPerSec refills the operations bucket.
	OpsPerSec int64 `toml:"ops_per_sec"`
	// OpsBurst is the operations bucket capacity. Defaults to OpsPerSec.
	OpsBurst int64 `toml:"ops_burst"`
}

// Limiter is a {bandwidth, operations} token-bucket pair.
type Limiter struct {
	bytes *rate.Limiter
	ops   *rate.Limiter
}

// New builds a Limiter from cfg. New(Config{}) never throttles.
func New(cfg Config) *Limiter {
	l := &Limiter{}

	if cfg.BytesPerSec > 0 {
		burst := cfg.BytesBurst
		if burst == 0 {
			burst = cfg.BytesPerSec
		}

		l.bytes = rate.NewLimiter(rate.Limit(cfg.BytesPerSec), int(burst))
	}

	if cfg.OpsPerSec > 0 {
		burst := cfg.OpsBurst
		if burst == 0 {
			burst = cfg.OpsPerSec
		}

		l.ops = rate.NewLimiter(rate.Limit(cfg.OpsPerSec), int(burst))
	}

	return l
}

// AllowOp reports whether one operation moving n bytes may proceed now.
// Tokens are consumed only when both buckets can cover the operation, so a
// denial leaves the limiter untouched and the caller free to retry later.
func (l *Limiter) AllowOp(n int) bool {
	now := time.Now()

	var opRes *rate.Reservation

	if l.ops != nil {
		opRes = l.ops.ReserveN(now, 1)
		if !opRes.OK() || opRes.DelayFrom(now) > 0 {
			opRes.CancelAt(now)

			return false
		}
	}

	if l.bytes != nil {
		byteRes := l.bytes.ReserveN(now, n)
		if !byteRes.OK() || byteRes.DelayFrom(now) > 0 {
			byteRes.CancelAt(now)

			if opRes != nil {
				opRes.CancelAt(now)
			}

			return false
		}
	}

	return true
}
