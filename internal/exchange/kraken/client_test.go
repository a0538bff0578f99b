package kraken

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kraken-mcp-trader/internal/core"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testPairs(t *testing.T) *core.Whitelist {
	t.Helper()
	w, err := core.NewWhitelist([]core.PairRules{
		{Pair: "XBT/USD", PricePrecision: 1, VolumePrecision: 8},
		{Pair: "ETH/USD", PricePrecision: 2, VolumePrecision: 8},
	}, decimal.Zero)
	require.NoError(t, err)
	return w
}

func newTestClient(t *testing.T, validateOnly bool, replies ...reply) (*Client, *gatewayFixture) {
	t.Helper()
	f := newGatewayFixture(t, replies...)
	c := NewClient(f.gw, testPairs(t), ClientOptions{ValidateOnly: validateOnly, Now: func() time.Time { return fixedNow }})
	return c, f
}

func formOf(t *testing.T, req *Request) url.Values {
	t.Helper()
	form, err := url.ParseQuery(req.Body)
	require.NoError(t, err)
	return form
}

func TestClientBalanceNormalizesAssets(t *testing.T) {
	c, _ := newTestClient(t, false, reply{status: 200, body: `{"error":[],"result":{"XXBT":"0.5","XBT.F":"0.25","ZUSD":"1000.10","DOT":"3"}}`})

	bal, err := c.Balance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"DOT", "USD", "XBT"}, bal.AssetNames())
	assert.True(t, bal.Get("XBT").Equal(decimal.RequireFromString("0.75")))
	assert.True(t, bal.Get("usd").Equal(decimal.RequireFromString("1000.10")))
	assert.Equal(t, fixedNow, bal.AsOf)
}

func TestClientPlaceOrderSendsLimitOrder(t *testing.T) {
	c, f := newTestClient(t, false, reply{status: 200, body: `{"error":[],"result":{"descr":{"order":"buy 0.10000000 XBTUSD @ limit 30000.0"},"txid":["OUF4EM-FRGI2-MQMWZD"]}}`})
	req, err := testPairs(t).ValidateOrder(core.RawOrder{Pair: "XBT/USD", Side: "buy", Price: "30000", Volume: "0.1"})
	require.NoError(t, err)

	res, err := c.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "OUF4EM-FRGI2-MQMWZD", res.OrderID)
	assert.Equal(t, core.OrderAccepted, res.Status)
	assert.Equal(t, req.ClientOrderID(), res.ClientOrderID)
	assert.Equal(t, "buy 0.10000000 XBTUSD @ limit 30000.0", res.Reference)

	form := formOf(t, f.transport.calls[0])
	assert.Equal(t, "XBTUSD", form.Get("pair"))
	assert.Equal(t, "buy", form.Get("type"))
	assert.Equal(t, "limit", form.Get("ordertype"))
	assert.Equal(t, "30000.0", form.Get("price"))
	assert.Equal(t, "0.10000000", form.Get("volume"))
	assert.Equal(t, req.ClientOrderID(), form.Get("cl_ord_id"))
	assert.Empty(t, form.Get("validate"))
}

func TestClientPlaceOrderValidateOnly(t *testing.T) {
	c, f := newTestClient(t, true, reply{status: 200, body: `{"error":[],"result":{"descr":{"order":"sell 1.00000000 ETHUSD @ limit 2500.00"}}}`})
	req, err := testPairs(t).ValidateOrder(core.RawOrder{Pair: "ETHUSD", Side: "sell", Price: "2500", Volume: "1"})
	require.NoError(t, err)

	res, err := c.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, core.OrderValidated, res.Status)
	assert.Empty(t, res.OrderID)
	assert.Equal(t, "true", formOf(t, f.transport.calls[0]).Get("validate"))
}

func TestClientPlaceOrderRejectsUnvalidatedRequest(t *testing.T) {
	c, f := newTestClient(t, false)
	_, err := c.PlaceOrder(context.Background(), core.OrderRequest{})
	kind, _ := core.KindOf(err)
	assert.Equal(t, core.KindValidation, kind)
	assert.Zero(t, f.transport.callCount())
}

func TestClientPlaceOrderAmbiguous(t *testing.T) {
	c, f := newTestClient(t, false, reply{err: context.DeadlineExceeded})
	req, err := testPairs(t).ValidateOrder(core.RawOrder{Pair: "XBT/USD", Side: "buy", Price: "30000", Volume: "0.1"})
	require.NoError(t, err)

	_, err = c.PlaceOrder(context.Background(), req)
	e, ok := core.AsError(err)
	require.True(t, ok)
	assert.Equal(t, core.KindAmbiguous, e.Kind)
	assert.Equal(t, 1, e.Attempts)
	assert.Equal(t, 1, f.transport.callCount())
}

func TestClientCancelUnknownOrder(t *testing.T) {
	c, f := newTestClient(t, false, reply{status: 200, body: `{"error":["EOrder:Unknown order"]}`})

	_, err := c.CancelOrder(context.Background(), "OABCDE-12345-FGHIJK")
	assert.ErrorIs(t, err, core.ErrOrderNotFound)
	kind, _ := core.KindOf(err)
	assert.Equal(t, core.KindExchange, kind)
	assert.Equal(t, "OABCDE-12345-FGHIJK", formOf(t, f.transport.calls[0]).Get("txid"))
	assert.Equal(t, 1, f.transport.callCount())
}

func TestClientCancelByClientOrderID(t *testing.T) {
	c, f := newTestClient(t, false, reply{status: 200, body: `{"error":[],"result":{"count":0}}`})
	id := "3f2504e0-4f89-11d3-9a0c-0305e82c3301"

	res, err := c.CancelOrder(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, res.NoOp)
	form := formOf(t, f.transport.calls[0])
	assert.Equal(t, id, form.Get("cl_ord_id"))
	assert.Empty(t, form.Get("txid"))
}

func TestClientCancelCountsCancelled(t *testing.T) {
	c, _ := newTestClient(t, false, reply{status: 200, body: `{"error":[],"result":{"count":1}}`})
	res, err := c.CancelOrder(context.Background(), "OABCDE-12345-FGHIJK")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Cancelled)
	assert.False(t, res.NoOp)
}

const openOrdersBody = `{"error":[],"result":{"open":{
 "OB-2":{"cl_ord_id":"cid-2","status":"open","opentm":1700000100.5,"descr":{"pair":"ETHUSD","type":"sell","ordertype":"limit","price":"2500.00","order":"sell 1 ETHUSD @ limit 2500"},"vol":"1.0","vol_exec":"0.2"},
 "OA-1":{"cl_ord_id":"cid-1","status":"pending","opentm":1700000000,"descr":{"pair":"XBTUSD","type":"buy","ordertype":"limit","price":"30000.0","order":"buy 0.1 XBTUSD @ limit 30000"},"vol":"0.1","vol_exec":"0"}
}}}`

func TestClientOpenOrdersParsesAndSorts(t *testing.T) {
	c, _ := newTestClient(t, false, reply{status: 200, body: openOrdersBody})

	orders, err := c.OpenOrders(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "OA-1", orders[0].ID)
	assert.Equal(t, "XBT/USD", orders[0].Pair)
	assert.Equal(t, core.OrderPending, orders[0].Status)
	assert.Equal(t, core.Buy, orders[0].Side)
	assert.Equal(t, "ETH/USD", orders[1].Pair)
	assert.True(t, orders[1].VolumeExec.Equal(decimal.RequireFromString("0.2")))
	assert.True(t, orders[1].Price.Equal(decimal.RequireFromString("2500")))
	assert.Equal(t, time.Unix(1700000100, 500000000).UTC(), orders[1].OpenedAt)
}

func TestClientOpenOrdersFiltersByClientOrderID(t *testing.T) {
	c, f := newTestClient(t, false, reply{status: 200, body: openOrdersBody})

	orders, err := c.OpenOrders(context.Background(), "cid-2")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "OB-2", orders[0].ID)
	assert.Equal(t, "cid-2", formOf(t, f.transport.calls[0]).Get("cl_ord_id"))
}

func TestClientAssetPairsTightensWhitelist(t *testing.T) {
	c, f := newTestClient(t, false, reply{status: 200, body: `{"error":[],"result":{
 "XXBTZUSD":{"altname":"XBTUSD","wsname":"XBT/USD","pair_decimals":1,"lot_decimals":8,"ordermin":"0.0001"},
 "XETHZUSD":{"altname":"ETHUSD","wsname":"ETH/USD","pair_decimals":2,"lot_decimals":8,"ordermin":"0.01"}
}}`})

	rules, err := c.AssetPairs(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, int32(1), rules["XBT/USD"].PricePrecision)
	assert.True(t, rules["ETH/USD"].MinVolume.Equal(decimal.RequireFromString("0.01")))

	req := f.transport.calls[0]
	assert.Equal(t, "/0/public/AssetPairs", req.Path)
	q, err := url.ParseQuery(req.Query)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"XBTUSD", "ETHUSD"}, strings.Split(q.Get("pair"), ","))

	tightened := testPairs(t).WithExchangeRules(rules)
	_, err = tightened.ValidateOrder(core.RawOrder{Pair: "ETH/USD", Side: "buy", Price: "2000", Volume: "0.001"})
	assert.Error(t, err)
}

func TestClientServerTimeAndStatus(t *testing.T) {
	c, f := newTestClient(t, false,
		reply{status: 200, body: `{"error":[],"result":{"unixtime":1700000000,"rfc1123":"Tue, 14 Nov 23 22:13:20 +0000"}}`},
		reply{status: 200, body: `{"error":[],"result":{"status":"online","timestamp":"2023-11-14T22:13:20Z"}}`},
	)
	ts, err := c.ServerTime(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), ts)

	status, err := c.SystemStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "online", status)
	assert.Empty(t, f.transport.nonces)
}

func TestOutcomeErrorKinds(t *testing.T) {
	cases := []struct {
		name string
		body string
		want core.ErrorKind
	}{
		{"auth", `{"error":["EAPI:Invalid key"]}`, core.KindConfiguration},
		{"permission", `{"error":["EGeneral:Permission denied"]}`, core.KindConfiguration},
		{"rate limited", `{"error":["EAPI:Rate limit exceeded"]}`, core.KindRateLimit},
		{"insufficient", `{"error":["EOrder:Insufficient funds"]}`, core.KindExchange},
		{"http", "forbidden", core.KindExchange},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status := 200
			if tc.name == "http" {
				status = 403
			}
			c, _ := newTestClient(t, false, reply{status: status, body: tc.body})
			_, err := c.Balance(context.Background())
			kind, ok := core.KindOf(err)
			require.True(t, ok)
			assert.Equal(t, tc.want, kind)
		})
	}
}

func TestOutcomeErrorHidesRawExchangeText(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"unknown code", "EFunding:Unknown withdraw key", "exchange rejected the request"},
		{"known code", "EOrder:Insufficient funds", "insufficient funds"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := newTestClient(t, false, reply{status: 200, body: `{"error":["` + tc.raw + `"]}`})
			_, err := c.Balance(context.Background())
			e, ok := core.AsError(err)
			require.True(t, ok)
			assert.Equal(t, core.KindExchange, e.Kind)
			assert.Equal(t, tc.want, e.Message)
			assert.NotContains(t, e.Message, ":")

			apiErr, ok := AsAPIError(err)
			require.True(t, ok)
			assert.Equal(t, []string{tc.raw}, apiErr.Messages)
		})
	}
}

func TestOutcomeErrorNetwork(t *testing.T) {
	c, _ := newTestClient(t, false, reply{err: timeoutError{}, unsent: true})
	_, err := c.Balance(context.Background())
	e, ok := core.AsError(err)
	require.True(t, ok)
	assert.Equal(t, core.KindNetwork, e.Kind)
	assert.Equal(t, 3, e.Attempts)
	assert.Contains(t, e.Message, "after 3 attempts")
}
