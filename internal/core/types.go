package core

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

type OrderType string

type OrderStatus string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

const (
	Limit OrderType = "limit"
)

const (
	OrderAccepted  OrderStatus = "accepted"
	OrderValidated OrderStatus = "validated"
	OrderRejected  OrderStatus = "rejected"
	OrderOpen      OrderStatus = "open"
	OrderPending   OrderStatus = "pending"
)

// Order is an open order as reported by the exchange.
type Order struct {
	ID            string          `json:"id"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
	Pair          string          `json:"pair"`
	Side          Side            `json:"side"`
	Type          OrderType       `json:"type"`
	Price         decimal.Decimal `json:"price"`
	Volume        decimal.Decimal `json:"volume"`
	VolumeExec    decimal.Decimal `json:"volume_executed"`
	Status        OrderStatus     `json:"status"`
	Description   string          `json:"description,omitempty"`
	OpenedAt      time.Time       `json:"opened_at"`
}

// OrderResult is produced once per accepted placement and never mutated.
type OrderResult struct {
	OrderID       string          `json:"order_id,omitempty"`
	ClientOrderID string          `json:"client_order_id"`
	Pair          string          `json:"pair"`
	Side          Side            `json:"side"`
	Price         decimal.Decimal `json:"price"`
	Volume        decimal.Decimal `json:"volume"`
	Status        OrderStatus     `json:"status"`
	Reference     string          `json:"reference,omitempty"`
	Reconciled    bool            `json:"reconciled,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

type CancelResult struct {
	OrderID   string `json:"order_id"`
	Cancelled int    `json:"cancelled"`
	Pending   bool   `json:"pending,omitempty"`
	NoOp      bool   `json:"no_op,omitempty"`
}

// Balance holds per-asset totals keyed by normalized asset code (XBT, USD, ...).
type Balance struct {
	Assets map[string]decimal.Decimal `json:"assets"`
	AsOf   time.Time                  `json:"as_of"`
}

func (b Balance) Get(asset string) decimal.Decimal {
	if b.Assets == nil {
		return decimal.Zero
	}
	if v, ok := b.Assets[strings.ToUpper(asset)]; ok {
		return v
	}
	return decimal.Zero
}

func (b Balance) AssetNames() []string {
	names := make([]string, 0, len(b.Assets))
	for name := range b.Assets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PairRules describes the precision constraints of one tradable pair.
type PairRules struct {
	Pair            string          `json:"pair"`
	WireName        string          `json:"wire_name"`
	PricePrecision  int32           `json:"price_precision"`
	VolumePrecision int32           `json:"volume_precision"`
	MinVolume       decimal.Decimal `json:"min_volume"`
}

// NormalizeAsset maps Kraken's legacy X/Z prefixed asset codes to their short form.
func NormalizeAsset(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	switch code {
	case "XXBT", "XBT.F":
		return "XBT"
	case "XXDG":
		return "XDG"
	}
	if len(code) == 4 && (code[0] == 'X' || code[0] == 'Z') {
		return code[1:]
	}
	return code
}
