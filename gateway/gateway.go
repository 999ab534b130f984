package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/guseggert/scriptrelay/metrics"
	"github.com/guseggert/scriptrelay/session"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Gateway is the HTTP server that clients connect to.
// It applies the origin allow-list and hands accepted WebSocket connections to the session server.
type Gateway struct {
	logger *zap.SugaredLogger

	listenAddr     string
	allowedOrigins map[string]bool
	allowAll       bool
	readLimit      int64

	manager       *session.Manager
	sessionServer *session.Server

	mut        sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

type Option func(g *Gateway)

func WithListenAddr(s string) Option {
	return func(g *Gateway) {
		g.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) {
		g.logger = l.Named("gateway").Sugar()
	}
}

// WithAllowedOrigins sets the origins that may open connections. "*" allows any origin.
// Connections without an Origin header are always accepted, since they don't come from browsers.
func WithAllowedOrigins(origins ...string) Option {
	return func(g *Gateway) {
		for _, o := range origins {
			if o == "*" {
				g.allowAll = true
				continue
			}
			g.allowedOrigins[strings.TrimSuffix(o, "/")] = true
		}
	}
}

// WithReadLimit bounds the size of a single client message.
func WithReadLimit(n int64) Option {
	return func(g *Gateway) {
		g.readLimit = n
	}
}

// New constructs a gateway serving the sessions of the given manager.
func New(manager *session.Manager, opts ...Option) (*Gateway, error) {
	if manager == nil {
		return nil, errors.New("gateway needs a session manager")
	}
	g := &Gateway{
		logger:         zap.NewNop().Sugar(),
		listenAddr:     "0.0.0.0:3001",
		allowedOrigins: map[string]bool{},
		readLimit:      session.DefaultReadLimit,
		manager:        manager,
	}
	for _, o := range opts {
		o(g)
	}
	g.sessionServer = &session.Server{
		Log:         g.logger.Named("session_server"),
		Manager:     manager,
		AllowOrigin: g.AllowOrigin,
		ReadLimit:   g.readLimit,
	}
	return g, nil
}

// Handler returns the routes of the gateway.
func (g *Gateway) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/health", g.health)
	router.GET("/ws", g.sessionWS)
	router.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	return router
}

// Run listens on the configured address and serves until Stop is called.
func (g *Gateway) Run() error {
	listener, err := net.Listen("tcp", g.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}

	server := &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.mut.Lock()
	g.httpServer = server
	g.listener = listener
	g.mut.Unlock()

	g.logger.Infow("listening", "Addr", listener.Addr().String())
	err = server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr returns the address the gateway listens on, or nil if it is not running.
func (g *Gateway) Addr() net.Addr {
	g.mut.Lock()
	defer g.mut.Unlock()
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// Stop stops all sessions, closes open connections and shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	g.logger.Info("shutting down")
	var errs []error
	if err := g.manager.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutting down sessions: %w", err))
	}
	g.sessionServer.Close()

	g.mut.Lock()
	server := g.httpServer
	g.mut.Unlock()
	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutting down HTTP server: %w", err))
		}
	}
	return errors.Join(errs...)
}

// AllowOrigin reports whether a connection with the given Origin header value may be accepted.
func (g *Gateway) AllowOrigin(origin string) bool {
	if origin == "" || g.allowAll {
		return true
	}
	return g.allowedOrigins[strings.TrimSuffix(origin, "/")]
}

func (g *Gateway) sessionWS(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	origin := r.Header.Get("Origin")
	clientIP := ClientIP(r)
	if !g.AllowOrigin(origin) {
		metrics.ConnectionsTotal.WithLabelValues("rejected").Inc()
		g.logger.Infow("rejected connection", "Origin", origin, "ClientIP", clientIP)
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	metrics.ConnectionsTotal.WithLabelValues("accepted").Inc()
	g.logger.Infow("accepted connection", "Origin", origin, "ClientIP", clientIP)
	g.sessionServer.ServeHTTP(w, r)
	g.logger.Infow("connection closed", "ClientIP", clientIP)
}

func (g *Gateway) health(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	response := struct {
		Status         string
		ActiveSessions int
	}{
		Status:         "ok",
		ActiveSessions: g.manager.Active(),
	}
	b, err := json.Marshal(response)
	if err != nil {
		g.logger.Debugf("error marshaling health response: %s", err)
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

// ClientIP returns the address of the client, preferring the first X-Forwarded-For entry set by proxies.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
