package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/jward/understory"
	"github.com/jward/understory/internal/logging"
)

// maxRequestBytes bounds a POST /request body.
const maxRequestBytes = 64 << 20

// Server serves a Dispatcher over HTTP:
//
//	POST /request  one request, one JSON response
//	GET  /status   engine status
//	GET  /ws       websocket session; analyze-project streams per-file messages
type Server struct {
	engine     *understory.Engine
	dispatcher *Dispatcher
	logger     *logrus.Logger
	log        *logrus.Entry

	server   *http.Server
	listener net.Listener
	serveWG  sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	conns    map[*websocket.Conn]struct{}
	sessions sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l *logrus.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithDispatcher replaces the default dispatcher.
func WithDispatcher(d *Dispatcher) Option {
	return func(s *Server) { s.dispatcher = d }
}

// NewServer creates a Server for engine. Call Start or mount Handler.
func NewServer(engine *understory.Engine, opts ...Option) *Server {
	s := &Server{engine: engine, conns: make(map[*websocket.Conn]struct{})}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logging.Component(s.logger, "bridge")
	if s.dispatcher == nil {
		s.dispatcher = NewDispatcher(engine, WithDispatcherLogger(s.logger))
	}
	return s
}

// Dispatcher returns the request dispatcher.
func (s *Server) Dispatcher() *Dispatcher { return s.dispatcher }

// Handler returns the HTTP handler serving every endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/request", s.handleRequest)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bridge: listen %s: %w", addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.serveWG.Add(1)
	go func() {
		defer s.serveWG.Done()
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("server stopped")
		}
	}()
	s.log.WithField("addr", ln.Addr().String()).Info("bridge listening")
	return nil
}

// Addr returns the listening address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting requests, closes websocket sessions and waits for
// them to end. Runs started by sessions are canceled.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
		s.serveWG.Wait()
	}
	s.sessions.Wait()
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleRequest dispatches one request. Failures are still HTTP 200; only an
// unreadable body is a client error.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, failure("", fmt.Errorf("bridge: decode request: %w", err)))
		return
	}
	writeJSON(w, http.StatusOK, s.dispatcher.Dispatch(r.Context(), req))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.dispatcher.Status())
}

// register tracks a websocket session so Shutdown can close it.
func (s *Server) register(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.sessions.Add(1)
	return true
}

func (s *Server) unregister(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.sessions.Done()
}
