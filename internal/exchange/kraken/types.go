package kraken

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// envelope is the common shape of every Kraken REST response.
type envelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

type addOrderResult struct {
	Descr struct {
		Order string `json:"order"`
	} `json:"descr"`
	TxID []string `json:"txid"`
}

type cancelOrderResult struct {
	Count   int  `json:"count"`
	Pending bool `json:"pending"`
}

type openOrdersResult struct {
	Open map[string]openOrder `json:"open"`
}

type openOrder struct {
	ClOrdID string          `json:"cl_ord_id"`
	Status  string          `json:"status"`
	OpenTM  float64         `json:"opentm"`
	Descr   orderDescr      `json:"descr"`
	Vol     decimal.Decimal `json:"vol"`
	VolExec decimal.Decimal `json:"vol_exec"`
}

type orderDescr struct {
	Pair      string          `json:"pair"`
	Type      string          `json:"type"`
	OrderType string          `json:"ordertype"`
	Price     decimal.Decimal `json:"price"`
	Order     string          `json:"order"`
}

type serverTimeResult struct {
	UnixTime int64  `json:"unixtime"`
	RFC1123  string `json:"rfc1123"`
}

type systemStatusResult struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type assetPairInfo struct {
	AltName      string          `json:"altname"`
	WSName       string          `json:"wsname"`
	Base         string          `json:"base"`
	Quote        string          `json:"quote"`
	PairDecimals int32           `json:"pair_decimals"`
	LotDecimals  int32           `json:"lot_decimals"`
	OrderMin     decimal.Decimal `json:"ordermin"`
	Status       string          `json:"status"`
}
