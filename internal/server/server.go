// Package server wires the HTTP surface: the Anthropic-compatible relay
// endpoints and the small admin API.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/relaypool/relaypool/internal/auth"
	"github.com/relaypool/relaypool/internal/broadcast"
	"github.com/relaypool/relaypool/internal/pool"
	"github.com/relaypool/relaypool/internal/record"
	"github.com/relaypool/relaypool/internal/relay"
	"github.com/relaypool/relaypool/internal/router"
	"github.com/relaypool/relaypool/internal/token"
)

// Server hosts the proxy endpoints.
type Server struct {
	engine      *gin.Engine
	pool        *pool.Pool
	router      *router.Router
	relay       *relay.Relay
	counter     *token.Counter
	broadcaster *broadcast.Broadcaster
	tokens      *auth.MemoryTokenStore
	usage       *record.Store // nil when usage recording is disabled

	httpServer *http.Server
}

// New assembles the server around its collaborators.
func New(p *pool.Pool, rt *router.Router, rl *relay.Relay, counter *token.Counter,
	bc *broadcast.Broadcaster, tokens *auth.MemoryTokenStore, usage *record.Store) *Server {

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	s := &Server{
		engine:      engine,
		pool:        p,
		router:      rt,
		relay:       rl,
		counter:     counter,
		broadcaster: bc,
		tokens:      tokens,
		usage:       usage,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.POST("/v1/messages", s.handleMessages)
	s.engine.POST("/v1/messages/count_tokens", s.handleCountTokens)

	s.engine.GET("/providers", s.handleProviders)
	s.engine.POST("/providers/reset", s.handleProvidersReset)
	s.engine.PUT("/oauth/tokens", s.handleSetOAuthToken)
	s.engine.GET("/usage/summary", s.handleUsageSummary)

	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

// Handler exposes the engine for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until the context is cancelled, then drains with a short
// shutdown grace period.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.Infof("Listening on %s", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// requestLogger logs one line per request at debug level, errors at warn.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		line := fmt.Sprintf("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, status, time.Since(start).Round(time.Millisecond))
		if status >= 500 {
			logrus.Warn(line)
		} else {
			logrus.Debug(line)
		}
	}
}
