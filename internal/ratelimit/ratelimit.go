// Package ratelimit adapts token-bucket rate limiting to the epoll-driven
// device workers. The bucket arithmetic itself is delegated to
// golang.org/x/time/rate; this package adds the two-budget (bytes + ops)
// admission check, the blocked state, and a timerfd the worker polls for
// the unblock event.
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/tinyrange/virtblk/internal/event"
)

// TokenBucket describes one replenishing budget.
type TokenBucket struct {
	// Size is the bucket capacity and the amount replenished every
	// RefillTime. Zero means the budget is unlimited.
	Size uint64
	// OneTimeBurst is an initial extra allowance consumed before the
	// replenishing budget is touched.
	OneTimeBurst uint64
	// RefillTime is the time to replenish a full bucket.
	RefillTime time.Duration
}

// BucketUpdateKind selects how a bucket update applies.
type BucketUpdateKind int

const (
	// BucketKeep leaves the current bucket unchanged.
	BucketKeep BucketUpdateKind = iota
	// BucketReplace swaps in a new bucket configuration.
	BucketReplace
	// BucketDisable removes the budget entirely.
	BucketDisable
)

// BucketUpdate is a dynamic reconfiguration of one budget.
type BucketUpdate struct {
	Kind   BucketUpdateKind
	Bucket TokenBucket
}

// Keep returns an update that leaves the budget unchanged.
func Keep() BucketUpdate { return BucketUpdate{Kind: BucketKeep} }

// Replace returns an update that swaps in tb.
func Replace(tb TokenBucket) BucketUpdate {
	return BucketUpdate{Kind: BucketReplace, Bucket: tb}
}

// Disable returns an update that removes the budget.
func Disable() BucketUpdate { return BucketUpdate{Kind: BucketDisable} }

type bucket struct {
	lim     *rate.Limiter
	burst   uint64
	oneTime uint64
}

func newBucket(tb TokenBucket) *bucket {
	if tb.Size == 0 {
		return nil
	}
	refill := tb.RefillTime
	if refill <= 0 {
		refill = time.Second
	}
	limit := rate.Limit(float64(tb.Size) / refill.Seconds())
	return &bucket{
		lim:     rate.NewLimiter(limit, int(tb.Size)),
		burst:   tb.Size,
		oneTime: tb.OneTimeBurst,
	}
}

// reserve attempts to take n tokens. It returns the reservation (nil when
// nothing had to be reserved), the wait until the reservation is usable,
// and how much of the one-time burst would be spent.
func (b *bucket) reserve(now time.Time, n uint64) (*rate.Reservation, time.Duration, uint64) {
	if b == nil || n == 0 {
		return nil, 0, 0
	}
	spend := n
	if spend > b.oneTime {
		spend = b.oneTime
	}
	n -= spend
	if n == 0 {
		return nil, 0, spend
	}
	// Requests larger than the bucket are charged a full bucket so they
	// pass at whole-bucket granularity instead of blocking forever.
	if n > b.burst {
		n = b.burst
	}
	r := b.lim.ReserveN(now, int(n))
	if !r.OK() {
		return nil, 0, spend
	}
	return r, r.DelayFrom(now), spend
}

// Limiter gates request admission on a byte budget and an operation
// budget. It is owned by a single worker goroutine.
type Limiter struct {
	bytes   *bucket
	ops     *bucket
	timer   *event.Timer
	blocked bool
}

// NewLimiter creates a limiter with the given budgets. A zero-size bucket
// leaves that budget unlimited.
func NewLimiter(bytes, ops TokenBucket) (*Limiter, error) {
	timer, err := event.NewTimer()
	if err != nil {
		return nil, err
	}
	return &Limiter{
		bytes: newBucket(bytes),
		ops:   newBucket(ops),
		timer: timer,
	}, nil
}

// NewUnlimited creates a limiter that admits everything. It still owns a
// timer so workers can register it unconditionally.
func NewUnlimited() (*Limiter, error) {
	return NewLimiter(TokenBucket{}, TokenBucket{})
}

// TryConsume takes bytes and ops from the budgets. If either budget falls
// short, nothing is consumed, the limiter becomes blocked, and the unblock
// timer is armed for the point both budgets would admit the request.
func (l *Limiter) TryConsume(bytes, ops uint64) bool {
	now := time.Now()
	bres, bdelay, bspend := l.bytes.reserve(now, bytes)
	ores, odelay, ospend := l.ops.reserve(now, ops)

	delay := bdelay
	if odelay > delay {
		delay = odelay
	}
	if delay > 0 {
		if bres != nil {
			bres.CancelAt(now)
		}
		if ores != nil {
			ores.CancelAt(now)
		}
		l.blocked = true
		_ = l.timer.ArmAfter(delay)
		return false
	}
	if l.bytes != nil {
		l.bytes.oneTime -= bspend
	}
	if l.ops != nil {
		l.ops.oneTime -= ospend
	}
	return true
}

// Blocked reports whether admission was denied since the last Resume.
func (l *Limiter) Blocked() bool {
	return l.blocked
}

// Timer returns the unblock readiness source for poller registration.
func (l *Limiter) Timer() *event.Timer {
	return l.timer
}

// Resume consumes the unblock event and clears the blocked state.
func (l *Limiter) Resume() error {
	l.blocked = false
	return l.timer.Clear()
}

// Update applies dynamic bucket reconfiguration without disturbing the
// blocked state; a blocked queue is re-drained when the armed timer fires.
func (l *Limiter) Update(bytes, ops BucketUpdate) {
	switch bytes.Kind {
	case BucketReplace:
		l.bytes = newBucket(bytes.Bucket)
	case BucketDisable:
		l.bytes = nil
	}
	switch ops.Kind {
	case BucketReplace:
		l.ops = newBucket(ops.Bucket)
	case BucketDisable:
		l.ops = nil
	}
}

// Close releases the timer.
func (l *Limiter) Close() error {
	return l.timer.Close()
}
