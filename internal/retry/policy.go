package retry

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand"
	"net"
	"sync"
	"syscall"
	"time"
)

// Class is the retry decision for one failed attempt.
type Class int

const (
	Fatal Class = iota
	Retryable
)

func (c Class) String() string {
	if c == Retryable {
		return "retryable"
	}
	return "fatal"
}

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 4 * time.Second
	DefaultMaxDelay    = 10 * time.Second
	DefaultJitter      = 0.2
	maxJitter          = 0.5
)

// Policy bounds the attempts of one logical call and spaces them with capped
// exponential backoff. Jitter only shortens an uncapped delay, so successive delays
// never decrease.
type Policy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	JitterFraction float64
	Rand           func() float64
}

func Default() Policy {
	return Policy{
		MaxAttempts:    DefaultMaxAttempts,
		BaseDelay:      DefaultBaseDelay,
		MaxDelay:       DefaultMaxDelay,
		JitterFraction: DefaultJitter,
	}
}

func (p Policy) Normalize() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.JitterFraction < 0 {
		p.JitterFraction = 0
	}
	if p.JitterFraction > maxJitter {
		p.JitterFraction = maxJitter
	}
	if p.Rand == nil {
		p.Rand = lockedRand
	}
	return p
}

// NextDelay is the pause before attempt+1, given that attempt (1-based) just failed.
func (p Policy) NextDelay(attempt int) time.Duration {
	p = p.Normalize()
	if attempt < 1 {
		attempt = 1
	}
	raw := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if raw >= float64(p.MaxDelay) {
		return p.MaxDelay
	}
	r := p.Rand()
	if r < 0 {
		r = 0
	}
	if r > 1 {
		r = 1
	}
	return time.Duration(raw - r*p.JitterFraction*raw)
}

// ShouldRetry reports whether another attempt is allowed after attempt failed with class.
func (p Policy) ShouldRetry(class Class, attempt int) bool {
	p = p.Normalize()
	return class == Retryable && attempt < p.MaxAttempts
}

type temporary interface {
	Temporary() bool
}

// Classify decides whether err may succeed on a later attempt. Anything not
// recognized is fatal.
func (p Policy) Classify(err error) Class {
	return Classify(err)
}

func Classify(err error) Class {
	if err == nil {
		return Fatal
	}
	if errors.Is(err, context.Canceled) {
		return Fatal
	}
	switch {
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF):
		return Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Retryable
	}
	var tmp temporary
	if errors.As(err, &tmp) && tmp.Temporary() {
		return Retryable
	}
	return Fatal
}

var (
	randMu  sync.Mutex
	randSrc = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func lockedRand() float64 {
	randMu.Lock()
	defer randMu.Unlock()
	return randSrc.Float64()
}
