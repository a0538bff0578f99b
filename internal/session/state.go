package session

import (
	"context"
	"errors"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"

	"kraken-mcp-trader/internal/core"
	"kraken-mcp-trader/internal/ratelimit"
)

const DefaultNonceReserve = 10_000_000

// NonceStore persists the highest nonce this process may have used.
type NonceStore interface {
	LoadNonceWatermark() (uint64, bool, error)
	SaveNonceWatermark(watermark uint64) error
}

type Options struct {
	Store   NonceStore
	Reserve uint64
	Limiter *ratelimit.Limiter
	Now     func() time.Time
}

// State is the single owner of per-credential mutable state: the nonce sequence,
// the send gate, rate-limit budgets and the last known balance.
type State struct {
	store   NonceStore
	reserve uint64
	limiter *ratelimit.Limiter
	now     func() time.Time

	gate chan struct{}

	nonceMu  sync.Mutex
	last     uint64
	reserved uint64

	snapMu    sync.RWMutex
	balance   core.Balance
	haveSnap  bool
	snapStale bool
}

func New(opts Options) (*State, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Reserve == 0 {
		opts.Reserve = DefaultNonceReserve
	}
	s := &State{
		store:   opts.Store,
		reserve: opts.Reserve,
		limiter: opts.Limiter,
		now:     opts.Now,
		gate:    make(chan struct{}, 1),
	}
	if s.store != nil {
		watermark, ok, err := s.store.LoadNonceWatermark()
		if err != nil {
			return nil, pkgerrors.Wrap(err, "load nonce watermark")
		}
		if ok {
			s.last = watermark
			s.reserved = watermark
		}
	}
	return s, nil
}

// NextNonce returns a value strictly greater than any nonce issued before, in this
// process or a previous one sharing the store.
func (s *State) NextNonce() (uint64, error) {
	s.nonceMu.Lock()
	defer s.nonceMu.Unlock()
	n := s.last + 1
	if ts := s.now().UnixMicro(); ts > 0 && uint64(ts) > n {
		n = uint64(ts)
	}
	if s.store != nil && n > s.reserved {
		next := n + s.reserve
		if err := s.store.SaveNonceWatermark(next); err != nil {
			return 0, pkgerrors.Wrap(err, "reserve nonce block")
		}
		s.reserved = next
	}
	s.last = n
	return n, nil
}

// Ticket is the right to send one signed request.
type Ticket struct {
	Nonce uint64
	once  sync.Once
	gate  chan struct{}
}

// Release frees the send gate. It is safe to call more than once.
func (t *Ticket) Release() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		<-t.gate
	})
}

// Begin takes the send gate and issues a nonce under it, so requests reach the
// wire in nonce order.
func (s *State) Begin(ctx context.Context) (*Ticket, error) {
	select {
	case s.gate <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	nonce, err := s.NextNonce()
	if err != nil {
		<-s.gate
		return nil, err
	}
	return &Ticket{Nonce: nonce, gate: s.gate}, nil
}

func (s *State) Limiter() *ratelimit.Limiter {
	return s.limiter
}

// Budget is a diagnostic view of the rate-limit buckets.
func (s *State) Budget() []ratelimit.Budget {
	if s.limiter == nil {
		return nil
	}
	return s.limiter.Budgets()
}

func (s *State) RecordBalance(b core.Balance) {
	if b.AsOf.IsZero() {
		b.AsOf = s.now().UTC()
	}
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	s.balance = b
	s.haveSnap = true
	s.snapStale = false
}

func (s *State) InvalidateSnapshot() {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	s.snapStale = true
}

// Snapshot returns the last recorded balance and whether it is still current.
func (s *State) Snapshot() (core.Balance, bool, error) {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	if !s.haveSnap {
		return core.Balance{}, false, ErrNoSnapshot
	}
	return s.balance, !s.snapStale, nil
}

var ErrNoSnapshot = errors.New("no balance snapshot recorded")
