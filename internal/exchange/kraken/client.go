package kraken

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"kraken-mcp-trader/internal/core"
	"kraken-mcp-trader/internal/ratelimit"
)

type ClientOptions struct {
	// ValidateOnly sends AddOrder with validate=true so nothing is placed.
	ValidateOnly bool
	Now          func() time.Time
}

// Client maps exchange operations onto Kraken REST calls.
type Client struct {
	gw           *Gateway
	pairs        *core.Whitelist
	validateOnly bool
	now          func() time.Time
}

func NewClient(gw *Gateway, pairs *core.Whitelist, opts ClientOptions) *Client {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Client{gw: gw, pairs: pairs, validateOnly: opts.ValidateOnly, now: now}
}

func (c *Client) Name() string { return "kraken" }

// SetWhitelist swaps the pair rules, e.g. after tightening them from AssetPairs.
func (c *Client) SetWhitelist(pairs *core.Whitelist) {
	c.pairs = pairs
}

func (c *Client) Balance(ctx context.Context) (core.Balance, error) {
	const op = "get_balance"
	out := c.gw.Execute(ctx, OpBalance, nil)
	if err := outcomeError(op, out); err != nil {
		return core.Balance{}, err
	}
	var raw map[string]decimal.Decimal
	if err := json.Unmarshal(out.Payload, &raw); err != nil {
		return core.Balance{}, core.NewError(core.KindExchange, op, "unexpected balance payload", pkgerrors.Wrap(err, "decode balance"))
	}
	assets := make(map[string]decimal.Decimal, len(raw))
	for code, amount := range raw {
		name := core.NormalizeAsset(code)
		assets[name] = assets[name].Add(amount)
	}
	return core.Balance{Assets: assets, AsOf: c.now().UTC()}, nil
}

func (c *Client) PlaceOrder(ctx context.Context, req core.OrderRequest) (core.OrderResult, error) {
	const op = "place_order"
	if req.IsZero() {
		return core.OrderResult{}, core.ValidationError("order request was not validated")
	}
	params := url.Values{}
	params.Set("pair", req.WireName())
	params.Set("type", string(req.Side()))
	params.Set("ordertype", string(req.Type()))
	params.Set("price", req.PriceString())
	params.Set("volume", req.VolumeString())
	params.Set("cl_ord_id", req.ClientOrderID())
	if c.validateOnly {
		params.Set("validate", "true")
	}

	out := c.gw.Execute(ctx, OpAddOrder, params)
	if err := outcomeError(op, out); err != nil {
		return core.OrderResult{}, err
	}
	var res addOrderResult
	if err := json.Unmarshal(out.Payload, &res); err != nil {
		// The order was accepted; only the echo is unreadable.
		res = addOrderResult{}
	}
	result := core.OrderResult{
		ClientOrderID: req.ClientOrderID(),
		Pair:          req.Pair(),
		Side:          req.Side(),
		Price:         req.Price(),
		Volume:        req.Volume(),
		Status:        core.OrderAccepted,
		Reference:     res.Descr.Order,
		Timestamp:     c.now().UTC(),
	}
	if len(res.TxID) > 0 {
		result.OrderID = res.TxID[0]
	}
	if c.validateOnly {
		result.Status = core.OrderValidated
	}
	return result, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) (core.CancelResult, error) {
	const op = "cancel_order"
	params := url.Values{}
	if _, err := uuid.Parse(orderID); err == nil {
		params.Set("cl_ord_id", orderID)
	} else {
		params.Set("txid", orderID)
	}
	out := c.gw.Execute(ctx, OpCancelOrder, params)
	if err := outcomeError(op, out); err != nil {
		return core.CancelResult{OrderID: orderID}, err
	}
	var res cancelOrderResult
	if err := json.Unmarshal(out.Payload, &res); err != nil {
		return core.CancelResult{OrderID: orderID}, core.NewError(core.KindExchange, op, "unexpected cancel payload", pkgerrors.Wrap(err, "decode cancel"))
	}
	return core.CancelResult{
		OrderID:   orderID,
		Cancelled: res.Count,
		Pending:   res.Pending,
		NoOp:      res.Count == 0 && !res.Pending,
	}, nil
}

// OpenOrders lists open orders, optionally only those with clientOrderID.
func (c *Client) OpenOrders(ctx context.Context, clientOrderID string) ([]core.Order, error) {
	const op = "list_open_orders"
	var params url.Values
	if clientOrderID != "" {
		params = url.Values{"cl_ord_id": {clientOrderID}}
	}
	out := c.gw.Execute(ctx, OpOpenOrders, params)
	if err := outcomeError(op, out); err != nil {
		return nil, err
	}
	var res openOrdersResult
	if err := json.Unmarshal(out.Payload, &res); err != nil {
		return nil, core.NewError(core.KindExchange, op, "unexpected open orders payload", pkgerrors.Wrap(err, "decode open orders"))
	}
	orders := make([]core.Order, 0, len(res.Open))
	for id, o := range res.Open {
		if clientOrderID != "" && o.ClOrdID != clientOrderID {
			continue
		}
		orders = append(orders, c.toOrder(id, o))
	}
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].OpenedAt.Equal(orders[j].OpenedAt) {
			return orders[i].ID < orders[j].ID
		}
		return orders[i].OpenedAt.Before(orders[j].OpenedAt)
	})
	return orders, nil
}

func (c *Client) toOrder(id string, o openOrder) core.Order {
	pair := o.Descr.Pair
	if c.pairs != nil {
		pair = c.pairs.PairByWireName(pair)
	}
	status := core.OrderOpen
	if o.Status == "pending" {
		status = core.OrderPending
	}
	sec := int64(o.OpenTM)
	nsec := int64((o.OpenTM - float64(sec)) * 1e9)
	return core.Order{
		ID:            id,
		ClientOrderID: o.ClOrdID,
		Pair:          pair,
		Side:          core.Side(o.Descr.Type),
		Type:          core.OrderType(o.Descr.OrderType),
		Price:         o.Descr.Price,
		Volume:        o.Vol,
		VolumeExec:    o.VolExec,
		Status:        status,
		Description:   o.Descr.Order,
		OpenedAt:      time.Unix(sec, nsec).UTC(),
	}
}

func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	out := c.gw.Execute(ctx, OpServerTime, nil)
	if err := outcomeError("server_time", out); err != nil {
		return time.Time{}, err
	}
	var res serverTimeResult
	if err := json.Unmarshal(out.Payload, &res); err != nil {
		return time.Time{}, pkgerrors.Wrap(err, "decode server time")
	}
	return time.Unix(res.UnixTime, 0).UTC(), nil
}

// SystemStatus returns the exchange status string (online, maintenance,
// cancel_only, post_only).
func (c *Client) SystemStatus(ctx context.Context) (string, error) {
	out := c.gw.Execute(ctx, OpSystemStatus, nil)
	if err := outcomeError("system_status", out); err != nil {
		return "", err
	}
	var res systemStatusResult
	if err := json.Unmarshal(out.Payload, &res); err != nil {
		return "", pkgerrors.Wrap(err, "decode system status")
	}
	return res.Status, nil
}

// AssetPairs fetches precision rules for the whitelisted pairs, keyed by the
// whitelist pair name.
func (c *Client) AssetPairs(ctx context.Context) (map[string]core.PairRules, error) {
	if c.pairs == nil {
		return nil, errors.New("kraken: no pair whitelist configured")
	}
	wanted := c.pairs.Pairs()
	names := make([]string, 0, len(wanted))
	for _, p := range wanted {
		names = append(names, p.WireName)
	}
	params := url.Values{"pair": {strings.Join(names, ",")}}
	out := c.gw.Execute(ctx, OpAssetPairs, params)
	if err := outcomeError("asset_pairs", out); err != nil {
		return nil, err
	}
	var res map[string]assetPairInfo
	if err := json.Unmarshal(out.Payload, &res); err != nil {
		return nil, pkgerrors.Wrap(err, "decode asset pairs")
	}
	rules := make(map[string]core.PairRules, len(res))
	for _, info := range res {
		name := c.pairs.PairByWireName(info.AltName)
		if _, ok := c.pairs.Lookup(name); !ok {
			continue
		}
		rules[name] = core.PairRules{
			Pair:            name,
			WireName:        info.AltName,
			PricePrecision:  info.PairDecimals,
			VolumePrecision: info.LotDecimals,
			MinVolume:       info.OrderMin,
		}
	}
	return rules, nil
}

// rejectionMessages are the user-facing texts for known Kraken rejections.
// Raw exchange strings stay in the cause.
var rejectionMessages = []struct {
	kind error
	msg  string
}{
	{core.ErrInsufficientFunds, "insufficient funds"},
	{core.ErrUnknownPair, "unknown asset pair"},
	{core.ErrInvalidPrice, "price rejected by the exchange"},
	{core.ErrInvalidVolume, "volume rejected by the exchange"},
	{core.ErrOrderNotFound, "order not found"},
	{core.ErrOrderLimit, "exchange open order limit reached"},
	{core.ErrMalformedRequest, "request arguments rejected by the exchange"},
	{core.ErrInvalidNonce, "nonce rejected by the exchange"},
	{core.ErrServiceUnavailable, "exchange temporarily unavailable"},
	{core.ErrLockedOut, "api key temporarily locked out"},
}

func rejectionMessage(err error) string {
	for _, r := range rejectionMessages {
		if errors.Is(err, r.kind) {
			return r.msg
		}
	}
	return "exchange rejected the request"
}

// outcomeError turns a failed CallOutcome into a *core.Error with a user-safe
// message. The cause keeps the exchange sentinels for errors.Is.
func outcomeError(op string, out CallOutcome) error {
	if out.Kind == Success {
		return nil
	}
	e := &core.Error{Op: op, Attempts: out.Attempts, Err: out.Err}
	if out.Err == nil {
		e.Err = errors.New("call failed without a cause")
	}
	switch {
	case out.Kind == Ambiguous:
		e.Kind = core.KindAmbiguous
		e.Message = "the exchange may or may not have applied the request"
	case errors.Is(out.Err, ratelimit.ErrRateLimitExceeded), errors.Is(out.Err, core.ErrRateLimited):
		e.Kind = core.KindRateLimit
		e.Message = "rate limit exceeded, try again later"
	case errors.Is(out.Err, core.ErrAuthentication), errors.Is(out.Err, core.ErrPermissionDenied):
		e.Kind = core.KindConfiguration
		e.Message = "api key rejected, check credentials and key permissions"
	default:
		if kind, ok := core.KindOf(out.Err); ok {
			e.Kind = kind
			e.Message = "request failed"
			if inner, ok := core.AsError(out.Err); ok && inner.Message != "" {
				e.Message = inner.Message
			}
			break
		}
		if _, ok := AsAPIError(out.Err); ok {
			e.Kind = core.KindExchange
			e.Message = rejectionMessage(out.Err)
			break
		}
		var statusErr HTTPStatusError
		if errors.As(out.Err, &statusErr) {
			e.Kind = core.KindExchange
			e.Message = "exchange returned http " + strconv.Itoa(statusErr.StatusCode)
			break
		}
		e.Kind = core.KindNetwork
		e.Message = "exchange unreachable"
		if out.Attempts > 1 {
			e.Message += " after " + strconv.Itoa(out.Attempts) + " attempts"
		}
	}
	return e
}
