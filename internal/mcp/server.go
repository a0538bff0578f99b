package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"kraken-mcp-trader/internal/executor"
	"kraken-mcp-trader/internal/logging"
)

const (
	ServerName    = "kraken-trader"
	ServerVersion = "1.0.0"
)

const methodCancelled = "notifications/cancelled"

// Runner executes one trading command.
type Runner interface {
	Execute(ctx context.Context, cmd executor.Command) executor.Response
}

// Server exposes the trading commands as MCP tools. mcp-go speaks the protocol;
// Server owns the transports and cancels tool calls on request.
type Server struct {
	runner Runner
	log    *logrus.Entry
	mcp    *mcpserver.MCPServer
}

func NewServer(runner Runner, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{
		runner: runner,
		log:    logging.Component(logger, "mcp"),
	}
	s.mcp = mcpserver.NewMCPServer(ServerName, ServerVersion,
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithRecovery(),
	)
	for _, tool := range toolCatalog() {
		s.mcp.AddTool(tool, s.toolHandler(executor.CommandKind(tool.Name)))
	}
	s.mcp.AddNotificationHandler(methodCancelled, s.handleCancelled)
	return s
}

// Handle processes one encoded message on a short-lived session and returns the
// encoded reply, or nil when none is due.
func (s *Server) Handle(ctx context.Context, raw []byte) []byte {
	c, ctx, err := s.openConn(ctx, nil)
	if err != nil {
		s.log.WithError(err).Error("mcp_session_failed")
		return nil
	}
	defer c.close(ctx)
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}
	head := parseHead(raw)
	callCtx, call := c.begin(ctx, head)
	return c.complete(callCtx, call, head, raw)
}

// messageHead is the part of a JSON-RPC message needed before mcp-go sees it.
type messageHead struct {
	ID     *mcpgo.RequestId `json:"id"`
	Method string           `json:"method"`
	Params struct {
		Arguments json.RawMessage `json:"arguments"`
	} `json:"params"`
}

func parseHead(raw []byte) messageHead {
	var head messageHead
	if err := json.Unmarshal(raw, &head); err != nil {
		return messageHead{}
	}
	if head.ID != nil && head.ID.IsNil() {
		head.ID = nil
	}
	return head
}

type connKey struct{}

// conn is one client connection. It is the mcp-go session for that client and
// tracks its running tool calls by request id.
type conn struct {
	srv           *Server
	id            string
	initialized   atomic.Bool
	notifications chan mcpgo.JSONRPCNotification
	done          chan struct{}
	wg            sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]*inflightCall
}

type inflightCall struct {
	key       string
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

func (c *conn) SessionID() string { return c.id }

func (c *conn) Initialize() { c.initialized.Store(true) }

func (c *conn) Initialized() bool { return c.initialized.Load() }

func (c *conn) NotificationChannel() chan<- mcpgo.JSONRPCNotification { return c.notifications }

// openConn registers a session with mcp-go. Server notifications for the session
// go to write; a nil write drops them.
func (s *Server) openConn(ctx context.Context, write func([]byte) error) (*conn, context.Context, error) {
	c := &conn{
		srv:           s,
		id:            uuid.NewString(),
		notifications: make(chan mcpgo.JSONRPCNotification, 16),
		done:          make(chan struct{}),
		inflight:      make(map[string]*inflightCall),
	}
	if err := s.mcp.RegisterSession(ctx, c); err != nil {
		return nil, nil, pkgerrors.Wrap(err, "register mcp session")
	}
	ctx = s.mcp.WithContext(ctx, c)
	ctx = context.WithValue(ctx, connKey{}, c)
	go c.forwardNotifications(write)
	return c, ctx, nil
}

func (c *conn) forwardNotifications(write func([]byte) error) {
	for {
		select {
		case <-c.done:
			return
		case n := <-c.notifications:
			if write == nil {
				continue
			}
			data, err := json.Marshal(n)
			if err != nil {
				continue
			}
			if err := write(data); err != nil {
				c.srv.log.WithError(err).Debug("mcp_notification_dropped")
			}
		}
	}
}

// close waits for running calls, then drops the session.
func (c *conn) close(ctx context.Context) {
	c.wg.Wait()
	close(c.done)
	c.srv.mcp.UnregisterSession(ctx, c.id)
}

// dispatch handles one inbound message. Requests run on their own goroutine and
// notifications run inline, so a cancellation never overtakes its request.
func (c *conn) dispatch(ctx context.Context, raw []byte, write func([]byte) error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return
	}
	head := parseHead(raw)
	if head.ID == nil {
		c.reply(write, c.complete(ctx, nil, head, raw))
		return
	}
	callCtx, call := c.begin(ctx, head)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.reply(write, c.complete(callCtx, call, head, raw))
	}()
}

func (c *conn) reply(write func([]byte) error, data []byte) {
	if data == nil {
		return
	}
	if err := write(data); err != nil {
		c.srv.log.WithError(err).Warn("mcp_write_failed")
	}
}

// begin registers a tools/call under its request id so it can be cancelled.
func (c *conn) begin(ctx context.Context, head messageHead) (context.Context, *inflightCall) {
	if head.ID == nil || head.Method != string(mcpgo.MethodToolsCall) {
		return ctx, nil
	}
	callCtx, cancel := context.WithCancel(ctx)
	call := &inflightCall{key: head.ID.String(), cancel: cancel}
	c.mu.Lock()
	c.inflight[call.key] = call
	c.mu.Unlock()
	return withRawArguments(callCtx, head.Params.Arguments), call
}

func (c *conn) complete(ctx context.Context, call *inflightCall, head messageHead, raw []byte) []byte {
	reply := c.srv.mcp.HandleMessage(ctx, raw)
	if call != nil {
		call.cancel()
		c.mu.Lock()
		if c.inflight[call.key] == call {
			delete(c.inflight, call.key)
		}
		c.mu.Unlock()
		if call.cancelled.Load() {
			return nil
		}
	}
	if reply == nil {
		return nil
	}
	data, err := json.Marshal(reply)
	if err != nil {
		c.srv.log.WithError(err).Error("mcp_encode_failed")
		id := mcpgo.NewRequestId(nil)
		if head.ID != nil {
			id = *head.ID
		}
		data, _ = json.Marshal(mcpgo.NewJSONRPCError(id, mcpgo.INTERNAL_ERROR, "encode response", nil))
	}
	return data
}

// cancelCall stops the running call with the given request id key.
func (c *conn) cancelCall(key string) bool {
	c.mu.Lock()
	call, ok := c.inflight[key]
	c.mu.Unlock()
	if !ok {
		return false
	}
	call.cancelled.Store(true)
	call.cancel()
	return true
}

func (s *Server) handleCancelled(ctx context.Context, n mcpgo.JSONRPCNotification) {
	c, ok := ctx.Value(connKey{}).(*conn)
	if !ok {
		return
	}
	id, ok := n.Params.AdditionalFields["requestId"]
	if !ok || id == nil {
		return
	}
	key := mcpgo.NewRequestId(id).String()
	if !c.cancelCall(key) {
		return
	}
	reason, _ := n.Params.AdditionalFields["reason"].(string)
	s.log.WithFields(logrus.Fields{"request_id": key, "reason": reason}).Info("mcp_call_cancelled")
}
