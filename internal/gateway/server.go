// Package gateway hosts the WebSocket endpoint: sessions that invoke registry
// operations, and the hub that fans broadcast log lines out to them.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/basket/liveconsole/internal/backend"
	"github.com/basket/liveconsole/internal/ops"
)

// DefaultMaxMessageBytes bounds one inbound or outbound message.
const DefaultMaxMessageBytes = 100_000_000

// Config wires a Server.
type Config struct {
	Registry *ops.Registry
	Store    *backend.Store
	Hub      *Hub

	// Logger broadcasts; Local must not. Both default to slog.Default().
	Logger *slog.Logger
	Local  *slog.Logger

	Metrics *Metrics

	// WSPath defaults to /ws.
	WSPath string
	// AllowOrigins are host patterns accepted for cross-origin WebSockets.
	// Same-origin requests are always accepted.
	AllowOrigins []string
	// CORSOrigins may read the JSON endpoints cross-origin.
	CORSOrigins     []string
	MaxMessageBytes int64
	// InvokeTimeout bounds each invocation. Zero means none.
	InvokeTimeout time.Duration
	// RatePerSecond limits invocations per session. Zero disables the limit.
	RatePerSecond float64
	RateBurst     int
	// Static, when set, is served at /.
	Static http.Handler
}

// Server is the HTTP surface of the console.
type Server struct {
	cfg     Config
	hub     *Hub
	log     *slog.Logger
	local   *slog.Logger
	metrics *Metrics

	// gate orders inflight.Add before Shutdown's Wait.
	gate     sync.RWMutex
	inflight sync.WaitGroup
	closing  atomic.Bool
}

// New builds a Server. Registry and Hub are required.
func New(cfg Config) (*Server, error) {
	if cfg.Registry == nil {
		return nil, errors.New("gateway: registry is required")
	}
	if cfg.Hub == nil {
		return nil, errors.New("gateway: hub is required")
	}
	if cfg.WSPath == "" {
		cfg.WSPath = "/ws"
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	s := &Server{
		cfg:     cfg,
		hub:     cfg.Hub,
		log:     cfg.Logger,
		local:   cfg.Local,
		metrics: cfg.Metrics,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.local == nil {
		s.local = slog.Default()
	}
	return s, nil
}

// Hub returns the server's hub.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	cors := corsMiddleware(s.cfg.CORSOrigins)
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.WSPath, s.handleWS)
	mux.Handle("/healthz", cors(http.HandlerFunc(s.handleHealthz)))
	mux.Handle("/api/operations", cors(http.HandlerFunc(s.handleOperations)))
	mux.Handle("/metrics", s.metrics.Handler())
	if s.cfg.Static != nil {
		mux.Handle("/", s.cfg.Static)
	}
	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.closing.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.local.Warn("ws: accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	newSession(s, conn).serve(r.Context())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	backendOK := s.cfg.Store != nil && s.cfg.Store.Ping(ctx) == nil
	payload := map[string]any{
		"healthy":    backendOK && !s.closing.Load(),
		"backend_ok": backendOK,
		"sessions":   s.hub.Len(),
		"operations": s.cfg.Registry.Len(),
	}
	w.Header().Set("Content-Type", "application/json")
	if !backendOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"operations": s.cfg.Registry.Names()})
}

// track registers one in-flight invocation. It fails once Shutdown has begun.
func (s *Server) track() bool {
	s.gate.RLock()
	defer s.gate.RUnlock()
	if s.closing.Load() {
		return false
	}
	s.inflight.Add(1)
	return true
}

func (s *Server) invokeContext() (context.Context, context.CancelFunc) {
	if s.cfg.InvokeTimeout > 0 {
		return context.WithTimeout(context.Background(), s.cfg.InvokeTimeout)
	}
	return context.WithCancel(context.Background())
}

// Shutdown refuses new sessions, closes the open ones and waits for in-flight
// invocations to finish or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.gate.Lock()
	s.closing.Store(true)
	s.gate.Unlock()
	for _, sess := range s.hub.Sessions() {
		sess.Close(websocket.StatusGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
