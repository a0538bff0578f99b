package executor

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"kraken-mcp-trader/internal/alert"
	"kraken-mcp-trader/internal/core"
	"kraken-mcp-trader/internal/exchange"
	"kraken-mcp-trader/internal/logging"
	"kraken-mcp-trader/internal/session"
)

const defaultConfirmTimeout = 15 * time.Second

type Options struct {
	Exchange exchange.Exchange
	Pairs    *core.Whitelist
	Session  *session.State
	// MaxOpenOrders rejects placements once this many orders are open. Zero disables.
	// Placements through one Executor are serialized while the cap is set.
	MaxOpenOrders int
	// ConfirmAmbiguous looks an ambiguous placement up by client order id once.
	ConfirmAmbiguous bool
	ConfirmTimeout   time.Duration
	Events           logging.Sink
	Alerts           alert.Alerter
	Now              func() time.Time
	NewID            func() string
}

// Executor validates commands and drives them against the exchange. Each call to
// Execute is independent and safe for concurrent use.
type Executor struct {
	exchange         exchange.Exchange
	pairs            *core.Whitelist
	session          *session.State
	maxOpenOrders    int
	placeGate        *semaphore.Weighted
	confirmAmbiguous bool
	confirmTimeout   time.Duration
	events           logging.Sink
	alerts           alert.Alerter
	now              func() time.Time
	newID            func() string
}

func New(opts Options) (*Executor, error) {
	if opts.Exchange == nil {
		return nil, errors.New("executor: exchange required")
	}
	if opts.Pairs == nil {
		return nil, errors.New("executor: pair whitelist required")
	}
	e := &Executor{
		exchange:         opts.Exchange,
		pairs:            opts.Pairs,
		session:          opts.Session,
		maxOpenOrders:    opts.MaxOpenOrders,
		confirmAmbiguous: opts.ConfirmAmbiguous,
		confirmTimeout:   opts.ConfirmTimeout,
		events:           opts.Events,
		alerts:           opts.Alerts,
		now:              opts.Now,
		newID:            opts.NewID,
	}
	if e.maxOpenOrders > 0 {
		e.placeGate = semaphore.NewWeighted(1)
	}
	if e.confirmTimeout <= 0 {
		e.confirmTimeout = defaultConfirmTimeout
	}
	if e.events == nil {
		e.events = logging.Nop{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	return e, nil
}

// Pairs returns the tradable pairs.
func (e *Executor) Pairs() []core.PairRules {
	return e.pairs.Pairs()
}

// step is a validated command ready to run.
type step func(ctx context.Context, resp *Response) error

func (e *Executor) Execute(ctx context.Context, cmd Command) Response {
	start := e.now()
	resp := Response{CommandID: e.newID(), Command: cmd.Kind}
	resp.advance(StateReceived)
	ctx = logging.WithCommandID(ctx, resp.CommandID)
	e.emit(resp, "command_received", logrus.DebugLevel, 0, nil)

	run, err := e.validate(cmd)
	if err != nil {
		e.finish(&resp, err, start)
		return resp
	}
	resp.advance(StateValidated)
	e.emit(resp, "command_validated", logrus.DebugLevel, 0, nil)

	resp.advance(StateExecuting)
	e.finish(&resp, run(ctx, &resp), start)
	return resp
}

func (e *Executor) validate(cmd Command) (step, error) {
	switch cmd.Kind {
	case KindGetBalance:
		return e.getBalance, nil
	case KindListOpenOrders:
		return e.listOpenOrders, nil
	case KindPlaceOrder:
		req, err := e.pairs.ValidateOrder(core.RawOrder{
			Pair:   cmd.Pair,
			Side:   cmd.Side,
			Price:  cmd.Price,
			Volume: cmd.Volume,
		})
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, resp *Response) error {
			return e.placeOrder(ctx, resp, req)
		}, nil
	case KindCancelOrder:
		id, err := core.ValidateOrderID(cmd.OrderID)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, resp *Response) error {
			return e.cancelOrder(ctx, resp, id)
		}, nil
	}
	return nil, core.ValidationError("unknown command " + strconv.Quote(string(cmd.Kind)))
}

func (e *Executor) getBalance(ctx context.Context, resp *Response) error {
	bal, err := e.exchange.Balance(ctx)
	if err != nil {
		return err
	}
	if e.session != nil {
		e.session.RecordBalance(bal)
	}
	resp.Payload = bal
	resp.Message = "balance fetched for " + strconv.Itoa(len(bal.Assets)) + " assets"
	return nil
}

func (e *Executor) listOpenOrders(ctx context.Context, resp *Response) error {
	orders, err := e.exchange.OpenOrders(ctx, "")
	if err != nil {
		return err
	}
	if orders == nil {
		orders = []core.Order{}
	}
	resp.Payload = OpenOrders{Orders: orders, Count: len(orders)}
	resp.Message = strconv.Itoa(len(orders)) + " open orders"
	return nil
}

func (e *Executor) placeOrder(ctx context.Context, resp *Response, req core.OrderRequest) error {
	if e.maxOpenOrders > 0 {
		// Held across count and placement so concurrent orders see each other.
		if err := e.placeGate.Acquire(ctx, 1); err != nil {
			return core.NewError(core.KindNetwork, "place_order", "cancelled while waiting for another placement, nothing was sent", err)
		}
		defer e.placeGate.Release(1)
		open, err := e.exchange.OpenOrders(ctx, "")
		if err != nil {
			return err
		}
		if len(open) >= e.maxOpenOrders {
			return &core.Error{
				Kind:    core.KindOpenOrderLimit,
				Op:      "place_order",
				Message: strconv.Itoa(len(open)) + " open orders, limit is " + strconv.Itoa(e.maxOpenOrders),
			}
		}
	}

	res, err := e.exchange.PlaceOrder(ctx, req)
	if kind, _ := core.KindOf(err); kind == core.KindAmbiguous {
		res, err = e.confirmPlacement(ctx, req, err)
	}
	if err != nil {
		return err
	}
	e.invalidateSnapshot()
	resp.Payload = res
	switch {
	case res.Reconciled:
		resp.Message = "order confirmed open after an uncertain send"
	case res.Status == core.OrderValidated:
		resp.Message = "order validated by the exchange, not placed"
	default:
		resp.Message = "order placed"
	}
	return nil
}

// confirmPlacement resolves an ambiguous placement with a single lookup by client
// order id. It never places the order again.
func (e *Executor) confirmPlacement(ctx context.Context, req core.OrderRequest, cause error) (core.OrderResult, error) {
	if e.confirmAmbiguous {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.confirmTimeout)
		orders, err := e.exchange.OpenOrders(lookupCtx, req.ClientOrderID())
		cancel()
		if err == nil {
			for _, o := range orders {
				if o.ClientOrderID != req.ClientOrderID() {
					continue
				}
				return core.OrderResult{
					OrderID:       o.ID,
					ClientOrderID: req.ClientOrderID(),
					Pair:          req.Pair(),
					Side:          req.Side(),
					Price:         req.Price(),
					Volume:        req.Volume(),
					Status:        core.OrderAccepted,
					Reference:     o.Description,
					Reconciled:    true,
					Timestamp:     e.now().UTC(),
				}, nil
			}
		}
	}
	// The order may have filled already, so absence from open orders proves nothing.
	e.invalidateSnapshot()
	e.alert("order_outcome_ambiguous", map[string]string{
		"client_order_id": req.ClientOrderID(),
		"pair":            req.Pair(),
		"side":            string(req.Side()),
		"price":           req.PriceString(),
		"volume":          req.VolumeString(),
	})
	out := &core.Error{
		Kind:    core.KindAmbiguous,
		Op:      "place_order",
		Message: "order " + req.ClientOrderID() + " may or may not have been placed",
		Recommendation: "check open orders and trade history for client order id " +
			req.ClientOrderID() + " before placing it again",
		Err: cause,
	}
	if prev, ok := core.AsError(cause); ok {
		out.Attempts = prev.Attempts
	}
	return core.OrderResult{}, out
}

func (e *Executor) cancelOrder(ctx context.Context, resp *Response, id string) error {
	res, err := e.exchange.CancelOrder(ctx, id)
	if errors.Is(err, core.ErrOrderNotFound) {
		res, err = core.CancelResult{OrderID: id, NoOp: true}, nil
	}
	if err != nil {
		return err
	}
	e.invalidateSnapshot()
	resp.Payload = res
	resp.NoOp = res.NoOp
	switch {
	case res.NoOp:
		resp.Message = "order " + id + " is unknown or already closed, nothing to cancel"
	case res.Pending:
		resp.Message = "cancel of order " + id + " is pending"
	default:
		resp.Message = "order " + id + " cancelled"
	}
	return nil
}

func (e *Executor) finish(resp *Response, err error, start time.Time) {
	latency := e.now().Sub(start)
	if err == nil {
		resp.Status = StatusCompleted
		resp.advance(StateCompleted)
		e.emit(*resp, "command_completed", logrus.InfoLevel, latency, nil)
		return
	}

	ce, ok := core.AsError(err)
	if !ok {
		ce = &core.Error{Kind: core.KindExchange, Message: "unexpected failure", Err: err}
	}
	resp.Kind = ce.Kind
	resp.Message = ce.Message
	resp.Recommendation = ce.Recommendation
	if resp.Recommendation == "" {
		resp.Recommendation = recommendationFor(ce.Kind)
	}
	resp.Payload = nil

	switch ce.Kind {
	case core.KindValidation, core.KindOpenOrderLimit:
		resp.Status = StatusRejected
		resp.advance(StateRejected)
		e.emit(*resp, "command_rejected", logrus.WarnLevel, latency, err)
	default:
		resp.Status = StatusFailed
		resp.advance(StateFailed)
		e.emit(*resp, "command_failed", logrus.ErrorLevel, latency, err)
	}
}

func recommendationFor(kind core.ErrorKind) string {
	switch kind {
	case core.KindConfiguration:
		return "check KRAKEN_API_KEY, KRAKEN_API_SECRET and the key permissions"
	case core.KindRateLimit:
		return "wait before sending more commands"
	case core.KindNetwork:
		return "check connectivity to the exchange and retry"
	case core.KindCircuitOpen:
		return "the exchange has been failing repeatedly, wait for the cooldown"
	}
	return ""
}

func (e *Executor) emit(resp Response, name string, level logrus.Level, latency time.Duration, err error) {
	ev := logging.Event{
		Name:      name,
		Level:     level,
		CommandID: resp.CommandID,
		Operation: string(resp.Command),
		Outcome:   string(resp.Status),
		Latency:   latency,
		Message:   resp.Message,
	}
	if resp.Kind != "" {
		ev.Fields = map[string]any{"kind": string(resp.Kind)}
	}
	if err != nil {
		if ev.Fields == nil {
			ev.Fields = map[string]any{}
		}
		ev.Fields["cause"] = err.Error()
	}
	e.events.Emit(ev)
}

func (e *Executor) alert(event string, fields map[string]string) {
	if e.alerts != nil {
		e.alerts.Important(event, fields)
	}
}

func (e *Executor) invalidateSnapshot() {
	if e.session != nil {
		e.session.InvalidateSnapshot()
	}
}
