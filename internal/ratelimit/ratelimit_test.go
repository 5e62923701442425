package ratelimit

import (
	"testing"
	"time"
)

func newTestLimiter(t *testing.T, bytes, ops TokenBucket) *Limiter {
	t.Helper()
	l, err := NewLimiter(bytes, ops)
	if err != nil {
		t.Fatalf("NewLimiter: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestUnlimited(t *testing.T) {
	l, err := NewUnlimited()
	if err != nil {
		t.Fatalf("NewUnlimited: %v", err)
	}
	defer l.Close()

	for i := 0; i < 3; i++ {
		if !l.TryConsume(1<<40, 1<<20) {
			t.Fatal("unlimited limiter denied admission")
		}
	}
	if l.Blocked() {
		t.Fatal("unlimited limiter reports blocked")
	}
}

func TestBytesBudget(t *testing.T) {
	l := newTestLimiter(t,
		TokenBucket{Size: 1000, RefillTime: 10 * time.Second},
		TokenBucket{})

	if !l.TryConsume(600, 1) {
		t.Fatal("first request denied with a full bucket")
	}
	if l.TryConsume(600, 1) {
		t.Fatal("second request admitted past the budget")
	}
	if !l.Blocked() {
		t.Fatal("limiter not blocked after denial")
	}
	if err := l.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if l.Blocked() {
		t.Fatal("limiter still blocked after Resume")
	}
}

func TestOpsBudget(t *testing.T) {
	l := newTestLimiter(t,
		TokenBucket{},
		TokenBucket{Size: 2, RefillTime: 10 * time.Second})

	if !l.TryConsume(4096, 1) || !l.TryConsume(4096, 1) {
		t.Fatal("ops within the budget were denied")
	}
	if l.TryConsume(1, 1) {
		t.Fatal("third op admitted past a two-op budget")
	}
}

func TestOversizedRequestClamped(t *testing.T) {
	l := newTestLimiter(t,
		TokenBucket{Size: 1000, RefillTime: 10 * time.Second},
		TokenBucket{})

	// An oversized request is charged a whole bucket, so a full bucket
	// admits it once.
	if !l.TryConsume(1500, 1) {
		t.Fatal("oversized request denied with a full bucket")
	}
	// The denial path must not have leaked tokens: a second oversized
	// request blocks.
	if l.TryConsume(1500, 1) {
		t.Fatal("second oversized request admitted on an empty bucket")
	}
}

func TestOneTimeBurst(t *testing.T) {
	l := newTestLimiter(t,
		TokenBucket{Size: 100, OneTimeBurst: 500, RefillTime: 10 * time.Second},
		TokenBucket{})

	// The burst is spent before the replenishing budget.
	if !l.TryConsume(500, 1) {
		t.Fatal("burst-covered request denied")
	}
	if !l.TryConsume(100, 1) {
		t.Fatal("bucket-covered request denied after the burst was spent")
	}
	if l.TryConsume(100, 1) {
		t.Fatal("request admitted with burst and bucket both empty")
	}
}

func TestUpdateReplaceAndDisable(t *testing.T) {
	l := newTestLimiter(t,
		TokenBucket{Size: 100, RefillTime: 10 * time.Second},
		TokenBucket{})

	if !l.TryConsume(100, 1) {
		t.Fatal("initial request denied")
	}
	if l.TryConsume(100, 1) {
		t.Fatal("request admitted on an empty bucket")
	}

	l.Update(Replace(TokenBucket{Size: 1000, RefillTime: 10 * time.Second}), Keep())
	if !l.TryConsume(100, 1) {
		t.Fatal("request denied after the bucket was replaced")
	}

	l.Update(Disable(), Disable())
	if !l.TryConsume(1<<30, 1) {
		t.Fatal("request denied after the budgets were disabled")
	}
}
