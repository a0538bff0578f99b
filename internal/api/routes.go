package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"kraken-mcp-trader/internal/logging"
	"kraken-mcp-trader/internal/mcp"
)

type Options struct {
	AuthToken string
	Logger    logrus.FieldLogger
}

// NewRouter builds the gin engine. /health is always public; the other routes
// require the bearer token when one is configured.
func NewRouter(h *Handler, opts Options) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(opts.Logger))

	router.GET("/health", h.Health)

	authed := router.Group("/", requireToken(opts.AuthToken))
	{
		authed.GET("/balance", h.Balance)
		authed.GET("/orders", h.ListOrders)
		authed.POST("/orders", h.PlaceOrder)
		authed.POST("/order/buy", h.PlaceBuyOrder)
		authed.DELETE("/orders/:id", h.CancelOrder)
	}
	return router
}

func requireToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !mcp.Authorized(c.Request, token) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func requestLogger(logger logrus.FieldLogger) gin.HandlerFunc {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	log := logging.Component(logger, "http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(logrus.Fields{
			"method":     c.Request.Method,
			"path":       c.FullPath(),
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
		}).Debug("http_request")
	}
}

// ListenAndServe runs router on addr until ctx is done, then shuts down gracefully.
func ListenAndServe(ctx context.Context, addr string, router http.Handler, logger logrus.FieldLogger) error {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	srv := &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		logging.Component(logger, "http").WithField("addr", addr).Info("http_api_listening")
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return pkgerrors.Wrap(err, "http api listener")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
