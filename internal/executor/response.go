package executor

import (
	"kraken-mcp-trader/internal/core"
)

type Status string

const (
	StatusCompleted Status = "completed"
	StatusRejected  Status = "rejected"
	StatusFailed    Status = "failed"
)

// State is a step of the per-command state machine.
type State string

const (
	StateReceived  State = "received"
	StateValidated State = "validated"
	StateExecuting State = "executing"
	StateCompleted State = "completed"
	StateRejected  State = "rejected"
	StateFailed    State = "failed"
)

// Response is the final, caller-facing result of one command.
type Response struct {
	CommandID      string         `json:"command_id"`
	Command        CommandKind    `json:"command"`
	Status         Status         `json:"status"`
	Kind           core.ErrorKind `json:"kind,omitempty"`
	Message        string         `json:"message"`
	Payload        any            `json:"payload,omitempty"`
	NoOp           bool           `json:"no_op,omitempty"`
	Recommendation string         `json:"recommendation,omitempty"`
	Transitions    []State        `json:"transitions"`
}

func (r *Response) advance(s State) {
	r.Transitions = append(r.Transitions, s)
}

// Ambiguous reports whether the command failed with an unknown exchange outcome.
func (r Response) Ambiguous() bool {
	return r.Status == StatusFailed && r.Kind == core.KindAmbiguous
}

// OpenOrders is the payload of list_open_orders.
type OpenOrders struct {
	Orders []core.Order `json:"orders"`
	Count  int          `json:"count"`
}
