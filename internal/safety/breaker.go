package safety

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"kraken-mcp-trader/internal/alert"
	"kraken-mcp-trader/internal/core"
	"kraken-mcp-trader/internal/exchange"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

type circuitState string

const (
	circuitClosed   circuitState = "closed"
	circuitOpen     circuitState = "open"
	circuitHalfOpen circuitState = "half_open"
)

const (
	actionPlace  = "place order"
	actionCancel = "cancel order"

	defaultCooldown = 60 * time.Second
)

type circuit struct {
	name        string
	maxFailures int
	failures    int
	state       circuitState
	openedAt    time.Time
	openErr     error
	probing     bool
}

// Breaker stops sending orders after repeated consecutive failures. After the
// cooldown a single probe call is let through; its result closes or reopens the
// circuit.
type Breaker struct {
	enabled  bool
	cooldown time.Duration
	now      func() time.Time

	mu     sync.Mutex
	place  circuit
	cancel circuit

	alerter alert.Alerter
	log     logrus.FieldLogger
}

func NewBreaker(enabled bool, maxPlaceFailures, maxCancelFailures int, cooldown time.Duration) *Breaker {
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	return &Breaker{
		enabled:  enabled,
		cooldown: cooldown,
		now:      time.Now,
		place:    circuit{name: actionPlace, maxFailures: maxPlaceFailures, state: circuitClosed},
		cancel:   circuit{name: actionCancel, maxFailures: maxCancelFailures, state: circuitClosed},
		log:      logrus.StandardLogger().WithField("component", "breaker"),
	}
}

func (b *Breaker) SetAlerter(alerter alert.Alerter) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alerter = alerter
}

func (b *Breaker) SetLogger(logger logrus.FieldLogger) {
	if b == nil || logger == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.log = logger.WithField("component", "breaker")
}

func (b *Breaker) AllowPlace() error {
	if b == nil {
		return nil
	}
	return b.allow(&b.place)
}

func (b *Breaker) AllowCancel() error {
	if b == nil {
		return nil
	}
	return b.allow(&b.cancel)
}

func (b *Breaker) RecordPlace(err error) error {
	if b == nil {
		return nil
	}
	return b.record(&b.place, err)
}

func (b *Breaker) RecordCancel(err error) error {
	if b == nil {
		return nil
	}
	return b.record(&b.cancel, err)
}

// CooldownRemaining reports how long the place circuit stays open.
func (b *Breaker) CooldownRemaining() time.Duration {
	if b == nil || !b.enabled {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.place.state != circuitOpen {
		return 0
	}
	if left := b.cooldown - b.now().Sub(b.place.openedAt); left > 0 {
		return left
	}
	return 0
}

func (b *Breaker) allow(c *circuit) error {
	if !b.enabled || c.maxFailures < 1 {
		return nil
	}
	b.mu.Lock()
	switch c.state {
	case circuitOpen:
		if b.now().Sub(c.openedAt) < b.cooldown {
			err := c.openErr
			b.mu.Unlock()
			return err
		}
		c.state = circuitHalfOpen
		c.probing = true
		alerter, log := b.alerter, b.log
		b.mu.Unlock()
		log.WithFields(logrus.Fields{"action": c.name, "cooldown_sec": int64(b.cooldown / time.Second)}).Info("circuit_breaker_half_open")
		if alerter != nil {
			alerter.Important("circuit_breaker_half_open", map[string]string{
				"action":       c.name,
				"cooldown_sec": strconv.FormatInt(int64(b.cooldown/time.Second), 10),
			})
		}
		return nil
	case circuitHalfOpen:
		if c.probing {
			b.mu.Unlock()
			return fmt.Errorf("%w: %s probe in flight", ErrCircuitOpen, c.name)
		}
		c.probing = true
	}
	b.mu.Unlock()
	return nil
}

func (b *Breaker) record(c *circuit, err error) error {
	if !b.enabled || c.maxFailures < 1 {
		return nil
	}
	b.mu.Lock()
	alerter, log := b.alerter, b.log
	if err == nil {
		prevFailures, prevState := c.failures, c.state
		recovered := c.state == circuitHalfOpen || (c.state == circuitClosed && c.failures > 0)
		if c.state != circuitOpen {
			c.state = circuitClosed
			c.failures = 0
			c.openErr = nil
			c.probing = false
		}
		b.mu.Unlock()
		if recovered {
			log.WithFields(logrus.Fields{
				"action":                        c.name,
				"previous_consecutive_failures": prevFailures,
				"from_state":                    string(prevState),
			}).Info("circuit_breaker_recovered")
			if alerter != nil && prevState == circuitHalfOpen {
				alerter.Important("circuit_breaker_recovered", map[string]string{
					"action":     c.name,
					"from_state": string(prevState),
				})
			}
		}
		return nil
	}

	switch c.state {
	case circuitOpen:
		openErr := c.openErr
		b.mu.Unlock()
		return openErr
	case circuitHalfOpen:
		openErr := b.tripLocked(c, err, "half_open_probe_failed")
		failures, limit := c.failures, c.maxFailures
		b.mu.Unlock()
		b.reportTrip(log, alerter, c.name, failures, limit, "half_open", err)
		return openErr
	}

	c.failures++
	failures, limit := c.failures, c.maxFailures
	if failures < limit {
		b.mu.Unlock()
		if limit > 1 && failures == limit-1 {
			log.WithFields(logrus.Fields{
				"action":               c.name,
				"consecutive_failures": failures,
				"threshold":            limit,
			}).WithError(err).Warn("circuit_breaker_near_trip")
		}
		return nil
	}
	openErr := b.tripLocked(c, err, "consecutive_failures")
	b.mu.Unlock()
	b.reportTrip(log, alerter, c.name, failures, limit, "closed", err)
	return openErr
}

func (b *Breaker) tripLocked(c *circuit, err error, reason string) error {
	if c.failures < 1 {
		c.failures = c.maxFailures
	}
	c.state = circuitOpen
	c.openedAt = b.now()
	c.probing = false
	c.openErr = fmt.Errorf("%w: %s failed %d consecutive times, cooldown=%s, reason=%s, last error: %v",
		ErrCircuitOpen, c.name, c.failures, b.cooldown, reason, err)
	return c.openErr
}

func (b *Breaker) reportTrip(log logrus.FieldLogger, alerter alert.Alerter, action string, failures, limit int, phase string, err error) {
	log.WithFields(logrus.Fields{
		"action":               action,
		"phase":                phase,
		"consecutive_failures": failures,
		"threshold":            limit,
	}).WithError(err).Error("circuit_breaker_trip")
	if alerter != nil {
		alerter.Important("circuit_breaker_trip", map[string]string{
			"action":               action,
			"phase":                phase,
			"consecutive_failures": strconv.Itoa(failures),
			"threshold":            strconv.Itoa(limit),
			"last_error":           err.Error(),
		})
	}
}

// countsAsFailure separates exchange health problems from ordinary business
// rejections, which say nothing about whether the exchange is reachable.
// Rate-limit refusals, local or from Kraken, are throttling and not outages.
func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	if kind, ok := core.KindOf(err); ok {
		switch kind {
		case core.KindValidation, core.KindConfiguration, core.KindRateLimit:
			return false
		}
	}
	for _, benign := range []error{
		core.ErrRateLimited,
		core.ErrInsufficientFunds,
		core.ErrOrderNotFound,
		core.ErrInvalidPrice,
		core.ErrInvalidVolume,
		core.ErrUnknownPair,
		core.ErrOrderLimit,
		core.ErrMalformedRequest,
	} {
		if errors.Is(err, benign) {
			return false
		}
	}
	return true
}

// GuardedExchange puts the breaker in front of order placement and cancellation.
// Reads pass straight through.
type GuardedExchange struct {
	exchange.Exchange
	breaker *Breaker
}

func NewGuardedExchange(inner exchange.Exchange, breaker *Breaker) *GuardedExchange {
	return &GuardedExchange{Exchange: inner, breaker: breaker}
}

func (g *GuardedExchange) PlaceOrder(ctx context.Context, req core.OrderRequest) (core.OrderResult, error) {
	if err := g.breaker.AllowPlace(); err != nil {
		return core.OrderResult{}, circuitError("place_order", err)
	}
	res, err := g.Exchange.PlaceOrder(ctx, req)
	if countsAsFailure(err) {
		_ = g.breaker.RecordPlace(err)
	} else {
		_ = g.breaker.RecordPlace(nil)
	}
	return res, err
}

func (g *GuardedExchange) CancelOrder(ctx context.Context, orderID string) (core.CancelResult, error) {
	if err := g.breaker.AllowCancel(); err != nil {
		return core.CancelResult{}, circuitError("cancel_order", err)
	}
	res, err := g.Exchange.CancelOrder(ctx, orderID)
	if countsAsFailure(err) {
		_ = g.breaker.RecordCancel(err)
	} else {
		_ = g.breaker.RecordCancel(nil)
	}
	return res, err
}

func circuitError(op string, err error) error {
	e := core.NewError(core.KindCircuitOpen, op, "too many consecutive exchange failures; calls are paused", err)
	e.Recommendation = "wait for the cooldown to pass and check exchange status"
	return e
}
