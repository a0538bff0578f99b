package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// ErrRateLimitExceeded is returned when admission would take longer than the caller allows.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

const (
	ClassPublic  = "public"
	ClassPrivate = "private"
)

const maxWait = time.Duration(math.MaxInt64)

// Budget is a point-in-time view of a bucket.
type Budget struct {
	Class      string    `json:"class"`
	Tokens     float64   `json:"tokens"`
	Capacity   float64   `json:"capacity"`
	RefillRate float64   `json:"refill_per_sec"`
	LastRefill time.Time `json:"last_refill"`
}

// Admission is the result of a single admit decision.
type Admission struct {
	Admitted bool
	Wait     time.Duration
}

type Bucket struct {
	class      string
	capacity   float64
	refillRate float64
	now        func() time.Time

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

func NewBucket(class string, capacity, refillPerSec float64, now func() time.Time) (*Bucket, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("bucket %s: capacity must be > 0", class)
	}
	if refillPerSec <= 0 {
		return nil, fmt.Errorf("bucket %s: refill rate must be > 0", class)
	}
	if now == nil {
		now = time.Now
	}
	return &Bucket{
		class:      class,
		capacity:   capacity,
		refillRate: refillPerSec,
		now:        now,
		tokens:     capacity,
		lastRefill: now(),
	}, nil
}

// Admit deducts cost when enough tokens are available, otherwise reports how long
// until they will be. A cost above capacity is never admitted.
func (b *Bucket) Admit(cost float64) Admission {
	if cost <= 0 {
		return Admission{Admitted: true}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	if cost > b.capacity {
		return Admission{Wait: maxWait}
	}
	if b.tokens >= cost {
		b.tokens -= cost
		return Admission{Admitted: true}
	}
	missing := cost - b.tokens
	wait := time.Duration(math.Ceil(missing / b.refillRate * float64(time.Second)))
	if wait <= 0 {
		wait = time.Nanosecond
	}
	return Admission{Wait: wait}
}

// Wait blocks until cost is admitted. It fails with ErrRateLimitExceeded when the
// total wait would exceed limit; sleep is called for each pause.
func (b *Bucket) Wait(ctx context.Context, cost float64, limit time.Duration, sleep func(context.Context, time.Duration) error) error {
	if sleep == nil {
		sleep = Sleep
	}
	var waited time.Duration
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		adm := b.Admit(cost)
		if adm.Admitted {
			return nil
		}
		if adm.Wait == maxWait || waited+adm.Wait > limit {
			return fmt.Errorf("%w: %s bucket needs %s (limit %s)", ErrRateLimitExceeded, b.class, describeWait(adm.Wait), limit)
		}
		if err := sleep(ctx, adm.Wait); err != nil {
			return err
		}
		waited += adm.Wait
	}
}

func (b *Bucket) Budget() Budget {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return Budget{
		Class:      b.class,
		Tokens:     b.tokens,
		Capacity:   b.capacity,
		RefillRate: b.refillRate,
		LastRefill: b.lastRefill,
	}
}

func (b *Bucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed.Seconds()*b.refillRate)
	b.lastRefill = now
}

func describeWait(d time.Duration) string {
	if d == maxWait {
		return "more than capacity"
	}
	return d.String()
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Limiter groups buckets by operation class.
type Limiter struct {
	buckets map[string]*Bucket
	maxWait time.Duration
	sleep   func(context.Context, time.Duration) error
}

func NewLimiter(maxWait time.Duration, buckets ...*Bucket) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*Bucket, len(buckets)),
		maxWait: maxWait,
		sleep:   Sleep,
	}
	for _, b := range buckets {
		if b != nil {
			l.buckets[b.class] = b
		}
	}
	return l
}

// SetSleep replaces the pause function, mainly for tests.
func (l *Limiter) SetSleep(sleep func(context.Context, time.Duration) error) {
	if sleep != nil {
		l.sleep = sleep
	}
}

// Acquire waits for cost tokens in class. Unknown classes are not limited.
func (l *Limiter) Acquire(ctx context.Context, class string, cost float64) error {
	b, ok := l.buckets[class]
	if !ok {
		return nil
	}
	return b.Wait(ctx, cost, l.maxWait, l.sleep)
}

func (l *Limiter) Budgets() []Budget {
	out := make([]Budget, 0, len(l.buckets))
	for _, b := range l.buckets {
		out = append(out, b.Budget())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Class < out[j].Class })
	return out
}
