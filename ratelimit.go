package dht

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nictuku/nettools"
)

// tokenBucketLimiter bounds the node's total inbound processing rate with a
// global token bucket, generalizing the teacher's dht.go Run loop
// (totalDroppedPackets), now exposed as the pluggable RateLimiter
// collaborator spec.md's resource policy implies (spec.md §9 Design Notes,
// "Rate limiting" supplement). It layers the teacher's own per-source
// throttle, github.com/nictuku/nettools.ClientThrottle, in front of the
// global bucket, mirroring dht.go's processPacket ordering
// ("if !d.clientThrottle.CheckBlock(...) { drop }" before any other work):
// a source hammering the node is blocked there even while the global bucket
// still has tokens to spare.
type tokenBucketLimiter struct {
	mu       sync.Mutex
	clock    clock.Clock
	rate     int64
	tokens   int64
	lastFill time.Time

	perSource *nettools.ClientThrottle
}

func newTokenBucketLimiter(ratePerSecond int64, c clock.Clock) *tokenBucketLimiter {
	return &tokenBucketLimiter{
		clock:     c,
		rate:      ratePerSecond,
		tokens:    ratePerSecond,
		lastFill:  c.Now(),
		perSource: nettools.NewThrottler(10, 1000),
	}
}

// Allow reports whether a packet from ip may be processed. ip must first
// clear the per-source throttle, then the global bucket, refilled
// proportionally to elapsed wall time.
func (l *tokenBucketLimiter) Allow(ip string) bool {
	if !l.perSource.CheckBlock(ip) {
		return false
	}
	if l.rate <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	elapsed := now.Sub(l.lastFill)
	if elapsed > 0 {
		refill := int64(elapsed.Seconds() * float64(l.rate))
		if refill > 0 {
			l.tokens += refill
			if l.tokens > l.rate {
				l.tokens = l.rate
			}
			l.lastFill = now
		}
	}
	if l.tokens <= 0 {
		return false
	}
	l.tokens--
	return true
}
