package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"kraken-mcp-trader/internal/core"
	"kraken-mcp-trader/internal/executor"
	"kraken-mcp-trader/internal/mcp"
	"kraken-mcp-trader/internal/ratelimit"
)

// BudgetSource reports the current rate-limit budgets for the health endpoint.
type BudgetSource interface {
	Budget() []ratelimit.Budget
}

type Handler struct {
	Runner  mcp.Runner
	Budgets BudgetSource
	Now     func() time.Time
}

type placeOrderRequest struct {
	Pair   string              `json:"pair" binding:"required"`
	Side   string              `json:"side" binding:"required"`
	Price  executor.NumberText `json:"price" binding:"required"`
	Volume executor.NumberText `json:"volume"`
}

type buyOrderRequest struct {
	Pair   string              `json:"pair" binding:"required"`
	Price  executor.NumberText `json:"price" binding:"required"`
	Volume executor.NumberText `json:"volume"`
}

// GET /health
func (h *Handler) Health(c *gin.Context) {
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	body := gin.H{
		"status":    "healthy",
		"server":    mcp.ServerName,
		"version":   mcp.ServerVersion,
		"timestamp": now().UTC().Format(time.RFC3339),
	}
	if h.Budgets != nil {
		body["rate_limits"] = h.Budgets.Budget()
	}
	c.JSON(http.StatusOK, body)
}

// GET /balance
func (h *Handler) Balance(c *gin.Context) {
	h.respond(c, executor.GetBalance())
}

// GET /orders
func (h *Handler) ListOrders(c *gin.Context) {
	h.respond(c, executor.ListOpenOrders())
}

// POST /orders
func (h *Handler) PlaceOrder(c *gin.Context) {
	var req placeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	h.respond(c, executor.PlaceOrder(req.Pair, req.Side, string(req.Price), string(req.Volume)))
}

// POST /order/buy
func (h *Handler) PlaceBuyOrder(c *gin.Context) {
	var req buyOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	h.respond(c, executor.PlaceOrder(req.Pair, string(core.Buy), string(req.Price), string(req.Volume)))
}

// DELETE /orders/:id
func (h *Handler) CancelOrder(c *gin.Context) {
	h.respond(c, executor.CancelOrder(c.Param("id")))
}

func (h *Handler) respond(c *gin.Context, cmd executor.Command) {
	resp := h.Runner.Execute(c.Request.Context(), cmd)
	c.JSON(StatusFor(resp), resp)
}

// StatusFor maps a command response to an HTTP status code.
func StatusFor(resp executor.Response) int {
	switch {
	case resp.Status == executor.StatusCompleted:
		return http.StatusOK
	case resp.Status == executor.StatusRejected:
		return http.StatusBadRequest
	case resp.Ambiguous():
		return http.StatusAccepted
	case resp.Kind == core.KindRateLimit:
		return http.StatusTooManyRequests
	case resp.Kind == core.KindCircuitOpen:
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, executor.Response{
		Status:  executor.StatusRejected,
		Kind:    core.KindValidation,
		Message: "invalid request body: " + err.Error(),
	})
}
