package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Server is an http.Handler that accepts WebSocket connections and serves the session protocol on them.
type Server struct {
	Log     *zap.SugaredLogger
	Manager *Manager

	// AllowOrigin decides which Origin header values are accepted, "" meaning no header.
	// When nil, only connections whose origin matches the request host, or without an origin, are accepted.
	AllowOrigin  func(origin string) bool
	ReadLimit    int64
	WriteTimeout time.Duration

	mu     sync.Mutex
	closed bool
	conns  map[string]*connHandler
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	acceptOpts := &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	}
	if s.AllowOrigin != nil {
		if origin := r.Header.Get("Origin"); !s.AllowOrigin(origin) {
			s.Log.Debugw("origin not allowed", "Origin", origin)
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}
		// checked above, Accept would also demand the origin match the host
		acceptOpts.InsecureSkipVerify = true
	}
	wsConn, err := websocket.Accept(w, r, acceptOpts)
	if err != nil {
		s.Log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	readLimit := s.ReadLimit
	if readLimit <= 0 {
		readLimit = DefaultReadLimit
	}
	wsConn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := &connHandler{
		id:      uuid.NewString(),
		conn:    wsConn,
		manager: s.Manager,
		ctx:     ctx,
	}
	h.log = s.Log.Named("conn").With("ConnID", h.id)
	h.emitter = &wsEmitter{log: h.log, conn: wsConn, writeTimeout: s.WriteTimeout}

	if !s.track(h) {
		wsConn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.untrack(h)

	h.log.Debug("accepted WebSocket conn")
	h.run()
}

// Close closes every open connection with a "going away" status and refuses new ones.
// Sessions of closed connections are cleaned up like on any other disconnect.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*connHandler, 0, len(s.conns))
	for _, h := range s.conns {
		conns = append(conns, h)
	}
	s.mu.Unlock()

	for _, h := range conns {
		h.close(websocket.StatusGoingAway, "server shutting down")
	}
}

func (s *Server) track(h *connHandler) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.conns == nil {
		s.conns = map[string]*connHandler{}
	}
	s.conns[h.id] = h
	return true
}

func (s *Server) untrack(h *connHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, h.id)
}

type connHandler struct {
	id      string
	log     *zap.SugaredLogger
	conn    *websocket.Conn
	manager *Manager
	emitter *wsEmitter
	ctx     context.Context

	closeConnOnce sync.Once
}

func (h *connHandler) close(code websocket.StatusCode, reason string) {
	// websocket reason can't be above 123 chars
	if len(reason) > 100 {
		reason = reason[0:100]
	}
	h.closeConnOnce.Do(func() {
		err := h.conn.Close(code, reason)
		if err != nil {
			h.log.Debugf("error closing conn: %s", err)
		}
	})
}

// run reads requests until the connection goes away, then cleans up whatever session it left behind.
func (h *connHandler) run() {
	defer func() {
		if h.manager.Disconnect(h.id) {
			h.log.Info("connection closed with a running session, session stopped")
		}
	}()

	for {
		var req Request
		err := wsjson.Read(h.ctx, h.conn, &req)
		if status := websocket.CloseStatus(err); status != -1 {
			h.log.Debugw("connection closed by client", "Status", status)
			return
		}
		if err != nil {
			h.log.Debugf("message reader got error: %s", err)
			h.close(websocket.StatusInternalError, err.Error())
			return
		}
		h.handle(req)
	}
}

func (h *connHandler) handle(req Request) {
	switch req.Event {
	case EventRun:
		_, err := h.manager.Launch(h.ctx, h.id, h.emitter, req.Data)
		switch {
		case err == nil:
		case errors.Is(err, ErrSessionActive):
			// a run is already in progress, ignore the request
		default:
			if emitErr := h.emitter.Emit(h.ctx, errorEvent(err.Error())); emitErr != nil {
				h.log.Debugf("error emitting launch failure: %s", emitErr)
			}
		}
	case EventInput:
		h.manager.Input(h.id, req.Data)
	case EventStop:
		h.manager.Stop(h.id)
	default:
		h.log.Debugw("unknown request, ignoring", "Event", req.Event)
	}
}
