package mcp

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type WSOptions struct {
	// AuthToken, when set, must be presented as "Authorization: Bearer <token>".
	AuthToken    string
	PingInterval time.Duration
	ReadLimit    int64
}

// WebSocketHandler serves MCP over WebSocket, one JSON-RPC message per text frame.
// Each connection is its own mcp-go session.
func (s *Server) WebSocketHandler(opts WSOptions) http.Handler {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = maxMessageSize
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !Authorized(r, opts.AuthToken) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.WithError(err).Warn("mcp_ws_upgrade_failed")
			return
		}
		s.serveConn(r.Context(), conn, opts)
	})
}

func (s *Server) serveConn(parent context.Context, ws *websocket.Conn, opts WSOptions) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	log := s.log.WithField("remote", ws.RemoteAddr().String())

	var writeMu sync.Mutex
	write := func(data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return ws.WriteMessage(websocket.TextMessage, data)
	}
	c, sessCtx, err := s.openConn(ctx, write)
	if err != nil {
		cancel()
		_ = ws.Close()
		log.WithError(err).Error("mcp_ws_session_failed")
		return
	}
	log = log.WithField("session", c.SessionID())
	log.Info("mcp_ws_connected")
	defer func() {
		c.close(sessCtx)
		cancel()
		_ = ws.Close()
		log.Info("mcp_ws_disconnected")
	}()

	pongWait := 2 * opts.PingInterval
	ws.SetReadLimit(opts.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(opts.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Debug("mcp_ws_read_stopped")
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		if msgType != websocket.TextMessage {
			continue
		}
		c.dispatch(sessCtx, data, write)
	}
}

// ListenAndServeWebSocket runs the WebSocket endpoint on addr until ctx is done.
func (s *Server) ListenAndServeWebSocket(ctx context.Context, addr, path string, opts WSOptions) error {
	mux := http.NewServeMux()
	mux.Handle(path, s.WebSocketHandler(opts))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() {
		s.log.WithFields(logrus.Fields{"addr": addr, "path": path}).Info("mcp_ws_listening")
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return pkgerrors.Wrap(err, "mcp websocket listener")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Authorized checks a bearer token. An empty token disables the check.
func Authorized(r *http.Request, token string) bool {
	if token == "" {
		return true
	}
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(token)) == 1
}
