// Package idempotency generates per-attempt idempotency keys for processor
// calls. A key is a crypto-random UUID joined with a monotonic nanosecond
// marker, so a retried network call can never be mistaken for a new charge
// while two attempts can never collide.
package idempotency

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var lastMark atomic.Int64

// NewKey returns a fresh idempotency key. Each call produces a distinct
// value even within the same nanosecond.
func NewKey() string {
	now := time.Now().UnixNano()
	for {
		prev := lastMark.Load()
		if now <= prev {
			now = prev + 1
		}
		if lastMark.CompareAndSwap(prev, now) {
			break
		}
	}
	return fmt.Sprintf("%s-%d", uuid.NewString(), now)
}
