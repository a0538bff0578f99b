package executor

import (
	"bytes"
	"encoding/json"
)

// CommandKind names the four supported commands.
type CommandKind string

const (
	KindGetBalance     CommandKind = "get_balance"
	KindPlaceOrder     CommandKind = "place_order"
	KindCancelOrder    CommandKind = "cancel_order"
	KindListOpenOrders CommandKind = "list_open_orders"
)

// Command is one caller request. Parameters are raw text until validated.
type Command struct {
	Kind    CommandKind `json:"kind"`
	Pair    string      `json:"pair,omitempty"`
	Side    string      `json:"side,omitempty"`
	Price   string      `json:"price,omitempty"`
	Volume  string      `json:"volume,omitempty"`
	OrderID string      `json:"order_id,omitempty"`
}

func GetBalance() Command {
	return Command{Kind: KindGetBalance}
}

func PlaceOrder(pair, side, price, volume string) Command {
	return Command{Kind: KindPlaceOrder, Pair: pair, Side: side, Price: price, Volume: volume}
}

func CancelOrder(orderID string) Command {
	return Command{Kind: KindCancelOrder, OrderID: orderID}
}

func ListOpenOrders() Command {
	return Command{Kind: KindListOpenOrders}
}

// NumberText decodes a decimal given either as a JSON string or a JSON number and
// keeps its exact text, so 0.1 never passes through float64.
type NumberText string

func (n *NumberText) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*n = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*n = NumberText(s)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return err
	}
	*n = NumberText(num.String())
	return nil
}
