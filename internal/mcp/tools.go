package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"

	"kraken-mcp-trader/internal/executor"
)

type placeOrderArgs struct {
	Pair   string              `json:"pair"`
	Side   string              `json:"side"`
	Price  executor.NumberText `json:"price"`
	Volume executor.NumberText `json:"volume"`
}

type cancelOrderArgs struct {
	OrderID string `json:"order_id"`
}

// decimalValue accepts a JSON string or number. Either form keeps its exact text.
func decimalValue() mcpgo.PropertyOption {
	return func(schema map[string]any) {
		schema["type"] = []string{"string", "number"}
	}
}

func toolCatalog() []mcpgo.Tool {
	return []mcpgo.Tool{
		mcpgo.NewTool(string(executor.KindGetBalance),
			mcpgo.WithDescription("Fetch the current account balance per asset."),
			mcpgo.WithReadOnlyHintAnnotation(true),
			mcpgo.WithDestructiveHintAnnotation(false),
			mcpgo.WithSchemaAdditionalProperties(false),
		),
		mcpgo.NewTool(string(executor.KindPlaceOrder),
			mcpgo.WithDescription("Place a limit order on a whitelisted pair such as XBT/USD."),
			mcpgo.WithDestructiveHintAnnotation(false),
			mcpgo.WithString("pair", mcpgo.Required(), mcpgo.Description("Trading pair, e.g. XBT/USD or XBTUSD.")),
			mcpgo.WithString("side", mcpgo.Required(), mcpgo.Enum("buy", "sell")),
			mcpgo.WithAny("price", mcpgo.Required(), decimalValue(), mcpgo.Description("Limit price in quote currency.")),
			mcpgo.WithAny("volume", decimalValue(), mcpgo.Description("Order size in base currency. Defaults to the configured order size.")),
			mcpgo.WithSchemaAdditionalProperties(false),
		),
		mcpgo.NewTool(string(executor.KindCancelOrder),
			mcpgo.WithDescription("Cancel an open order by exchange order id or client order id."),
			mcpgo.WithIdempotentHintAnnotation(true),
			mcpgo.WithString("order_id", mcpgo.Required()),
			mcpgo.WithSchemaAdditionalProperties(false),
		),
		mcpgo.NewTool(string(executor.KindListOpenOrders),
			mcpgo.WithDescription("List open orders."),
			mcpgo.WithReadOnlyHintAnnotation(true),
			mcpgo.WithDestructiveHintAnnotation(false),
			mcpgo.WithSchemaAdditionalProperties(false),
		),
	}
}

func (s *Server) toolHandler(kind executor.CommandKind) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
		args, err := rawArguments(ctx, req)
		if err != nil {
			return mcpgo.NewToolResultError("invalid arguments for " + string(kind) + ": " + err.Error()), nil
		}
		cmd, err := commandFor(kind, args)
		if err != nil {
			s.log.WithFields(logrus.Fields{"tool": string(kind)}).WithError(err).Warn("mcp_invalid_arguments")
			return mcpgo.NewToolResultError("invalid arguments for " + string(kind) + ": " + err.Error()), nil
		}
		return toolResult(s.runner.Execute(ctx, cmd)), nil
	}
}

func commandFor(kind executor.CommandKind, args json.RawMessage) (executor.Command, error) {
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		args = json.RawMessage("{}")
	}
	switch kind {
	case executor.KindGetBalance:
		return executor.GetBalance(), decodeStrict(args, &struct{}{})
	case executor.KindListOpenOrders:
		return executor.ListOpenOrders(), decodeStrict(args, &struct{}{})
	case executor.KindPlaceOrder:
		var a placeOrderArgs
		if err := decodeStrict(args, &a); err != nil {
			return executor.Command{}, err
		}
		return executor.PlaceOrder(a.Pair, a.Side, string(a.Price), string(a.Volume)), nil
	default:
		var a cancelOrderArgs
		if err := decodeStrict(args, &a); err != nil {
			return executor.Command{}, err
		}
		return executor.CancelOrder(a.OrderID), nil
	}
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

type rawArgumentsKey struct{}

// withRawArguments keeps the undecoded arguments of a tools/call so decimals
// reach the executor with their exact text.
func withRawArguments(ctx context.Context, raw json.RawMessage) context.Context {
	if len(raw) == 0 {
		return ctx
	}
	return context.WithValue(ctx, rawArgumentsKey{}, raw)
}

func rawArguments(ctx context.Context, req mcpgo.CallToolRequest) (json.RawMessage, error) {
	if raw, ok := ctx.Value(rawArgumentsKey{}).(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(req.GetRawArguments())
}

func toolResult(resp executor.Response) *mcpgo.CallToolResult {
	text, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		text = []byte(strings.TrimSpace(resp.Message))
	}
	res := mcpgo.NewToolResultStructured(resp, string(text))
	res.IsError = resp.Status != executor.StatusCompleted
	return res
}
