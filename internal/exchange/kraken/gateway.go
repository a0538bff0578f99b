package kraken

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"kraken-mcp-trader/internal/alert"
	"kraken-mcp-trader/internal/core"
	"kraken-mcp-trader/internal/logging"
	"kraken-mcp-trader/internal/ratelimit"
	"kraken-mcp-trader/internal/retry"
	"kraken-mcp-trader/internal/session"
)

// Operation describes one REST endpoint.
type Operation struct {
	Name       string
	Path       string
	Private    bool
	Idempotent bool
}

var (
	OpBalance      = Operation{Name: "Balance", Path: "/0/private/Balance", Private: true, Idempotent: true}
	OpAddOrder     = Operation{Name: "AddOrder", Path: "/0/private/AddOrder", Private: true}
	OpCancelOrder  = Operation{Name: "CancelOrder", Path: "/0/private/CancelOrder", Private: true, Idempotent: true}
	OpOpenOrders   = Operation{Name: "OpenOrders", Path: "/0/private/OpenOrders", Private: true, Idempotent: true}
	OpServerTime   = Operation{Name: "Time", Path: "/0/public/Time", Idempotent: true}
	OpSystemStatus = Operation{Name: "SystemStatus", Path: "/0/public/SystemStatus", Idempotent: true}
	OpAssetPairs   = Operation{Name: "AssetPairs", Path: "/0/public/AssetPairs", Idempotent: true}
)

func (op Operation) class() string {
	if op.Private {
		return ratelimit.ClassPrivate
	}
	return ratelimit.ClassPublic
}

func (op Operation) costKey() string {
	if op.Private {
		return op.Name
	}
	return "public"
}

type OutcomeKind int

const (
	Success OutcomeKind = iota
	RetryableFailure
	FatalFailure
	Ambiguous
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case RetryableFailure:
		return "retryable"
	case FatalFailure:
		return "fatal"
	case Ambiguous:
		return "ambiguous"
	}
	return "unknown"
}

// CallOutcome is the result of one logical call across all of its attempts.
type CallOutcome struct {
	Kind       OutcomeKind
	Payload    json.RawMessage
	Err        error
	Attempts   int
	HTTPStatus int
}

type GatewayOptions struct {
	APIKey      string
	Signer      *Signer
	Session     *session.State
	Transport   Transport
	Policy      retry.Policy
	CallTimeout time.Duration
	// Costs maps operation names, and "public" for public endpoints, to rate
	// limit tokens. Missing entries cost 1.
	Costs   map[string]float64
	Events  logging.Sink
	Alerter alert.Alerter
	Sleep   func(context.Context, time.Duration) error
	Tracer  trace.Tracer
	Now     func() time.Time
}

// Gateway signs, rate limits, sends and retries calls to the REST API.
type Gateway struct {
	apiKey      string
	signer      *Signer
	session     *session.State
	transport   Transport
	policy      retry.Policy
	callTimeout time.Duration
	costs       map[string]float64
	events      logging.Sink
	alerter     alert.Alerter
	sleep       func(context.Context, time.Duration) error
	tracer      trace.Tracer
	now         func() time.Time
}

func NewGateway(opts GatewayOptions) (*Gateway, error) {
	if opts.Transport == nil {
		return nil, errors.New("kraken gateway: transport required")
	}
	if opts.Session == nil {
		return nil, errors.New("kraken gateway: session required")
	}
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = retry.Default()
	}
	g := &Gateway{
		apiKey:      opts.APIKey,
		signer:      opts.Signer,
		session:     opts.Session,
		transport:   opts.Transport,
		policy:      opts.Policy.Normalize(),
		callTimeout: opts.CallTimeout,
		costs:       opts.Costs,
		events:      opts.Events,
		alerter:     opts.Alerter,
		sleep:       opts.Sleep,
		tracer:      opts.Tracer,
		now:         opts.Now,
	}
	if g.callTimeout <= 0 {
		g.callTimeout = 10 * time.Second
	}
	if g.events == nil {
		g.events = logging.Nop{}
	}
	if g.sleep == nil {
		g.sleep = ratelimit.Sleep
	}
	if g.tracer == nil {
		g.tracer = otel.Tracer("kraken-mcp-trader/exchange/kraken")
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g, nil
}

// HasCredentials reports whether private operations can be signed.
func (g *Gateway) HasCredentials() bool {
	return g.apiKey != "" && g.signer != nil
}

// Execute runs op until it succeeds, fails fatally, becomes ambiguous or runs out
// of attempts. A non-idempotent call that may have reached the exchange is never
// repeated.
func (g *Gateway) Execute(ctx context.Context, op Operation, params url.Values) CallOutcome {
	ctx, span := g.tracer.Start(ctx, "kraken."+op.Name, trace.WithAttributes(
		attribute.String("kraken.operation", op.Name),
		attribute.Bool("kraken.private", op.Private),
	))
	defer span.End()

	commandID := logging.CommandIDFromContext(ctx)
	var out CallOutcome
	for attempt := 1; ; attempt++ {
		start := g.now()
		out = g.attempt(ctx, op, params)
		out.Attempts = attempt
		g.emitAttempt(commandID, op, attempt, out, g.now().Sub(start))

		if out.Kind != RetryableFailure || !g.policy.ShouldRetry(retry.Retryable, attempt) {
			break
		}
		delay := g.policy.NextDelay(attempt)
		g.events.Emit(logging.Event{
			Name:      "exchange_retry_scheduled",
			Level:     logrus.DebugLevel,
			CommandID: commandID,
			Operation: op.Name,
			Attempt:   attempt,
			Fields:    map[string]any{"delay_ms": delay.Milliseconds()},
		})
		if err := g.sleep(ctx, delay); err != nil {
			out = CallOutcome{Kind: FatalFailure, Err: err, Attempts: attempt, HTTPStatus: out.HTTPStatus}
			break
		}
	}

	span.SetAttributes(
		attribute.Int("kraken.attempts", out.Attempts),
		attribute.String("kraken.outcome", out.Kind.String()),
	)
	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Kind.String())
	}
	return out
}

func (g *Gateway) attempt(ctx context.Context, op Operation, params url.Values) CallOutcome {
	if op.Private && !g.HasCredentials() {
		return CallOutcome{Kind: FatalFailure, Err: core.ConfigurationError("api credentials are not configured", nil)}
	}
	if limiter := g.session.Limiter(); limiter != nil {
		if err := limiter.Acquire(ctx, op.class(), g.cost(op)); err != nil {
			return CallOutcome{Kind: FatalFailure, Err: err}
		}
	}

	req := &Request{Method: http.MethodGet, Path: op.Path, Header: http.Header{}}
	var ticket *session.Ticket
	if op.Private {
		var err error
		ticket, err = g.session.Begin(ctx)
		if err != nil {
			return CallOutcome{Kind: FatalFailure, Err: err}
		}
		defer ticket.Release()

		form := url.Values{}
		for k, v := range params {
			form[k] = append([]string(nil), v...)
		}
		form.Set("nonce", strconv.FormatUint(ticket.Nonce, 10))
		req.Method = http.MethodPost
		req.Body = form.Encode()
		req.Header.Set("API-Key", g.apiKey)
		req.Header.Set("API-Sign", g.signer.Sign(op.Path, ticket.Nonce, req.Body))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")
	} else if len(params) > 0 {
		req.Query = params.Encode()
	}

	var written atomic.Bool
	req.OnWritten = func() {
		written.Store(true)
		// Idempotent calls only need ordering up to the wire.
		if op.Idempotent {
			ticket.Release()
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
	resp, err := g.transport.Do(callCtx, req)
	cancel()
	if err != nil {
		if !op.Idempotent && written.Load() {
			return CallOutcome{Kind: Ambiguous, Err: err}
		}
		if ctx.Err() != nil {
			return CallOutcome{Kind: FatalFailure, Err: ctx.Err()}
		}
		return CallOutcome{Kind: outcomeForClass(g.policy.Classify(err)), Err: err}
	}
	return g.interpret(op, resp)
}

func (g *Gateway) interpret(op Operation, resp *Response) CallOutcome {
	var env envelope
	decodeErr := json.Unmarshal(resp.Body, &env)
	if decodeErr == nil && len(env.Error) > 0 {
		err := classifyAPIError(env.Error)
		out := CallOutcome{Err: err, HTTPStatus: resp.StatusCode}
		apiErr, _ := AsAPIError(err)
		switch {
		case apiErr.Uncertain() && !op.Idempotent:
			out.Kind = Ambiguous
		case apiErr.Uncertain():
			out.Kind = RetryableFailure
		default:
			out.Kind = outcomeForClass(g.policy.Classify(err))
		}
		if errors.Is(err, core.ErrInvalidNonce) {
			g.alert("invalid_nonce", map[string]string{"operation": op.Name})
		}
		return out
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := HTTPStatusError{StatusCode: resp.StatusCode, Body: snippet(resp.Body)}
		if !op.Idempotent && uncertainStatus(resp.StatusCode) {
			return CallOutcome{Kind: Ambiguous, Err: err, HTTPStatus: resp.StatusCode}
		}
		return CallOutcome{Kind: outcomeForClass(g.policy.Classify(err)), Err: err, HTTPStatus: resp.StatusCode}
	}
	if decodeErr != nil || len(env.Result) == 0 {
		err := errors.New("kraken: malformed response body")
		if decodeErr != nil {
			err = errors.Join(err, decodeErr)
		}
		if !op.Idempotent {
			return CallOutcome{Kind: Ambiguous, Err: err, HTTPStatus: resp.StatusCode}
		}
		return CallOutcome{Kind: RetryableFailure, Err: err, HTTPStatus: resp.StatusCode}
	}
	return CallOutcome{Kind: Success, Payload: env.Result, HTTPStatus: resp.StatusCode}
}

func (g *Gateway) cost(op Operation) float64 {
	if c, ok := g.costs[op.costKey()]; ok && c > 0 {
		return c
	}
	return 1
}

func (g *Gateway) emitAttempt(commandID string, op Operation, attempt int, out CallOutcome, latency time.Duration) {
	ev := logging.Event{
		Name:       "exchange_attempt",
		CommandID:  commandID,
		Operation:  op.Name,
		Attempt:    attempt,
		Outcome:    out.Kind.String(),
		Latency:    latency,
		HTTPStatus: out.HTTPStatus,
	}
	switch out.Kind {
	case RetryableFailure:
		ev.Level = logrus.WarnLevel
	case FatalFailure, Ambiguous:
		ev.Level = logrus.ErrorLevel
	}
	if out.Err != nil {
		ev.Message = out.Err.Error()
	}
	g.events.Emit(ev)
}

func (g *Gateway) alert(event string, fields map[string]string) {
	if g.alerter != nil {
		g.alerter.Important(event, fields)
	}
}

func outcomeForClass(c retry.Class) OutcomeKind {
	if c == retry.Retryable {
		return RetryableFailure
	}
	return FatalFailure
}
