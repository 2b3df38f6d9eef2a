package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/basket/liveconsole/internal/ops"
)

// Outbound event names.
const (
	EventData  = "data"
	EventError = "error"
	EventLog   = "log"
	EventHello = "hello"
)

// Message sent in place of the real error when an operation panics.
const internalErrorMessage = "internal error"

// Frame is one outbound WebSocket message.
type Frame struct {
	Event   string `json:"event"`
	Op      string `json:"op,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// ErrorPayload is the payload of an error frame.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Hello is the payload of the frame sent when a session becomes active.
type Hello struct {
	Session    string   `json:"session"`
	Operations []string `json:"operations"`
}

// State is a session lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Session is the server side of one client connection.
type Session struct {
	id    string
	srv   *Server
	conn  *websocket.Conn
	vocab map[string]struct{}
	limit *rate.Limiter

	state     atomic.Int32
	greeted   chan struct{} // closed once hello has been attempted
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newSession(srv *Server, conn *websocket.Conn) *Session {
	s := &Session{
		id:    uuid.NewString(),
		srv:   srv,
		conn:  conn,
		vocab:   make(map[string]struct{}, srv.cfg.Registry.Len()),
		greeted: make(chan struct{}),
	}
	if srv.cfg.RatePerSecond > 0 {
		burst := srv.cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		s.limit = rate.NewLimiter(rate.Limit(srv.cfg.RatePerSecond), burst)
	}
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// activate binds the vocabulary, joins the hub and sends hello. The hub
// subscription exists before hello is written but its forwarder waits on
// greeted, so hello is the first frame and no broadcast emitted after the
// client reads it is missed.
func (s *Session) activate(ctx context.Context) error {
	defer close(s.greeted)

	names := s.srv.cfg.Registry.Names()
	for _, name := range names {
		s.vocab[name] = struct{}{}
	}
	s.srv.hub.Join(s)
	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateActive)) {
		s.srv.hub.Leave(s)
		return ErrSessionClosed
	}
	// Shutdown sets closing before it snapshots the hub, so a session that
	// joined too late for the snapshot sees the flag here.
	if s.srv.closing.Load() {
		s.srv.hub.Leave(s)
		return errServerClosing
	}
	return s.write(ctx, Frame{Event: EventHello, Payload: Hello{Session: s.id, Operations: names}})
}

// serve runs the read loop until the connection fails or ctx ends.
func (s *Session) serve(ctx context.Context) {
	defer s.Close(websocket.StatusNormalClosure, "bye")

	if err := s.activate(ctx); err != nil {
		if errors.Is(err, errServerClosing) {
			s.Close(websocket.StatusGoingAway, "server shutting down")
			return
		}
		s.srv.local.Warn("ws: hello failed", "session", s.id, "error", err)
		return
	}
	s.srv.log.Info("ws: session connected", "session", s.id, "sessions", s.srv.hub.Len())

	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				s.srv.local.Debug("ws: read ended", "session", s.id, "error", err)
			}
			return
		}
		name, ok := parseInbound(typ, data)
		if !ok {
			s.srv.local.Debug("ws: ignoring malformed frame", "session", s.id, "bytes", len(data))
			continue
		}
		if _, ok := s.vocab[name]; !ok {
			s.srv.local.Debug("ws: ignoring unknown event", "session", s.id, "event", name)
			continue
		}
		if s.limit != nil && !s.limit.Allow() {
			s.srv.metrics.rateLimited(ctx, name)
			s.deliver(Frame{Event: EventError, Op: name, Payload: ErrorPayload{Message: "rate limit exceeded"}})
			continue
		}
		if !s.srv.track() {
			return
		}
		go s.invoke(name)
	}
}

// invoke runs one operation and emits exactly one response for it. The
// context is detached from the connection so closing the session does not
// interrupt the operation.
func (s *Session) invoke(name string) {
	defer s.srv.inflight.Done()

	ctx, cancel := s.srv.invokeContext()
	defer cancel()
	ctx, finish := s.srv.metrics.startInvocation(ctx, name, s.id)

	resp := Frame{Event: EventError, Op: name, Payload: ErrorPayload{Message: internalErrorMessage}}
	outcome, cause := outcomeError, error(nil)
	defer func() {
		if v := recover(); v != nil {
			s.srv.local.Error("ws: panic while answering", "session", s.id, "op", name, "panic", v, "stack", string(debug.Stack()))
			resp = Frame{Event: EventError, Op: name, Payload: ErrorPayload{Message: internalErrorMessage}}
			outcome, cause = outcomeError, fmt.Errorf("panic: %v", v)
		}
		finish(outcome, cause)
		s.deliver(resp)
	}()

	result, err := s.srv.cfg.Registry.Invoke(ctx, s.srv.cfg.Store, name)
	if err != nil {
		cause = err
		resp.Payload = ErrorPayload{Message: s.failureMessage(name, err)}
		return
	}
	text, err := json.MarshalIndent(result, "", "    ")
	if err != nil {
		cause = err
		s.srv.log.Error("operation result not serializable", "session", s.id, "op", name, "error", err)
		resp.Payload = ErrorPayload{Message: "encode result: " + err.Error()}
		return
	}
	resp = Frame{Event: EventData, Op: name, Payload: string(text)}
	outcome = outcomeData
}

func (s *Session) failureMessage(name string, err error) string {
	var pe *ops.PanicError
	if errors.As(err, &pe) {
		s.srv.local.Error("operation panicked", "session", s.id, "op", name, "panic", fmt.Sprint(pe.Value), "stack", string(pe.Stack))
		s.srv.log.Error("operation failed", "session", s.id, "op", name, "error", internalErrorMessage)
		return internalErrorMessage
	}
	s.srv.log.Error("operation failed", "session", s.id, "op", name, "error", err)
	return err.Error()
}

// deliver sends a response frame unless the session has gone away.
func (s *Session) deliver(f Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.srv.hub.Unicast(ctx, s, f); err != nil {
		s.srv.local.Debug("ws: response dropped", "session", s.id, "op", f.Op, "event", f.Event, "error", err)
	}
}

func (s *Session) write(ctx context.Context, f Frame) error {
	if s.State() == StateClosed {
		return ErrSessionClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wsjson.Write(ctx, s.conn, f)
}

// Close leaves the hub and closes the connection. Safe to call more than once.
func (s *Session) Close(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		wasActive := s.State() == StateActive
		s.state.Store(int32(StateClosed))
		s.srv.hub.Leave(s)
		_ = s.conn.Close(code, reason)
		if wasActive {
			s.srv.log.Info("ws: session closed", "session", s.id, "sessions", s.srv.hub.Len())
		}
	})
}

// parseInbound accepts {"event":"name"} and ["name", ...] text frames.
func parseInbound(typ websocket.MessageType, data []byte) (string, bool) {
	if typ != websocket.MessageText {
		return "", false
	}
	var obj struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		return obj.Event, obj.Event != ""
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil || len(arr) == 0 {
		return "", false
	}
	var name string
	if err := json.Unmarshal(arr[0], &name); err != nil {
		return "", false
	}
	return name, name != ""
}
