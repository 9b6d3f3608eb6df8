// Package gateway is the thin transport front for ticketd: a JSON-RPC 2.0
// Submission API over WebSocket, a matching newline-delimited event
// notification stream, and an SSE fallback for clients that cannot hold a
// WebSocket open. It holds no scheduling state of its own; every mutating
// call is forwarded to the Ticket Store or the Queue Manager's public
// interface.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ticketd/ticketd/internal/bus"
	"github.com/ticketd/ticketd/internal/config"
	"github.com/ticketd/ticketd/internal/queue"
	"github.com/ticketd/ticketd/internal/store"
)

const maxReplayEventsPerSubscribe = 64

// Submitter is the subset of *queue.Manager the gateway needs to push a
// ticket into scheduling. A narrow interface keeps the gateway testable
// without a real Supervisor/Consumer stack.
type Submitter interface {
	Submit(task queue.Task) bool
}

// Config wires the gateway to the rest of the daemon.
type Config struct {
	Store     *store.Store
	Queue     Submitter
	Bus       *bus.Bus
	Auth      *AuthMiddleware
	CORS      func(http.Handler) http.Handler
	RateLimit *RateLimitMiddleware

	// AllowOrigins controls accepted Origin headers for browser WebSocket
	// connections. An empty list means same-origin only.
	AllowOrigins []string
}

// Server is the gateway's HTTP/WebSocket front end.
type Server struct {
	cfg Config

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	Method  string    `json:"method,omitempty"`
	Params  any       `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	errCodeParse          = -32700
	errCodeInvalidRequest = -32600
	errCodeMethodNotFound = -32601
	errCodeInvalidParams  = -32602
	errCodeInternal       = -32603
)

// New builds a Server. cfg.Auth, cfg.CORS, and cfg.RateLimit may be nil, in
// which case the corresponding middleware is skipped.
func New(cfg Config) *Server {
	return &Server{cfg: cfg, clients: map[*client]struct{}{}}
}

// Handler builds the full HTTP mux, wrapped in CORS/auth/rate-limit
// middleware outside-in the way the teacher layers its gateway.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/events", s.handleSSE)
	mux.HandleFunc("/healthz", s.handleHealthz)

	var h http.Handler = mux
	if s.cfg.RateLimit != nil {
		h = s.cfg.RateLimit.Wrap(h)
	}
	if s.cfg.Auth != nil {
		h = s.cfg.Auth.Wrap(h)
	}
	if s.cfg.CORS != nil {
		h = s.cfg.CORS(h)
	}
	h = RequestSizeLimitMiddleware(1 << 20)(h)
	return h
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn}
	s.addClient(c)
	defer func() {
		s.removeClient(c)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var req rpcRequest
		if err := wsjson.Read(r.Context(), conn, &req); err != nil {
			return
		}
		resp := s.handleRPC(r.Context(), req)
		if resp == nil {
			continue
		}
		if err := c.write(r.Context(), resp); err != nil {
			slog.Error("ws_write_failed", slog.String("method", req.Method), slog.Any("error", err))
		}
	}
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func decodeID(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	return v, true
}

// submitTaskParams, placeOnHoldParams and resumeParams mirror the
// Submission API request bodies named in the spec's External Interfaces
// section.
type submitTaskParams struct {
	TicketID  string `json:"ticket_id"`
	ProjectID string `json:"project_id"`
	Stage     string `json:"stage"`
}

type placeOnHoldParams struct {
	TicketID string `json:"ticket_id"`
	Reason   string `json:"reason"`
}

type resumeParams struct {
	TicketID string `json:"ticket_id"`
}

func (s *Server) handleRPC(ctx context.Context, req rpcRequest) *rpcResponse {
	id, hasID := decodeID(req.ID)
	reply := func(result any, rpcErr *rpcError) *rpcResponse {
		if !hasID {
			return nil
		}
		return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result, Error: rpcErr}
	}

	if req.JSONRPC != "2.0" || req.Method == "" {
		return reply(nil, &rpcError{Code: errCodeInvalidRequest, Message: "malformed request"})
	}

	switch req.Method {
	case "submit_task":
		var p submitTaskParams
		if err := json.Unmarshal(req.Params, &p); err != nil || p.TicketID == "" || p.ProjectID == "" || p.Stage == "" {
			return reply(nil, &rpcError{Code: errCodeInvalidParams, Message: "ticket_id, project_id, and stage are required"})
		}
		if err := s.cfg.Store.CreateTicket(ctx, p.TicketID, p.ProjectID, p.Stage); err != nil {
			return reply(nil, &rpcError{Code: errCodeInternal, Message: err.Error()})
		}
		if s.cfg.Bus != nil {
			s.cfg.Bus.Publish(bus.TopicTicketCreated, bus.WorkerEventPayload{TicketID: p.TicketID, ProjectID: p.ProjectID, Stage: p.Stage})
		}
		accepted := s.cfg.Queue.Submit(queue.Task{TicketID: p.TicketID, ProjectID: p.ProjectID, Stage: p.Stage})
		return reply(map[string]any{"ticket_id": p.TicketID, "queued": accepted}, nil)

	case "place_ticket_on_hold":
		var p placeOnHoldParams
		if err := json.Unmarshal(req.Params, &p); err != nil || p.TicketID == "" {
			return reply(nil, &rpcError{Code: errCodeInvalidParams, Message: "ticket_id is required"})
		}
		if err := s.cfg.Store.PlaceOnHold(ctx, p.TicketID, p.Reason); err != nil {
			return reply(nil, &rpcError{Code: errCodeInvalidRequest, Message: err.Error()})
		}
		return reply(map[string]any{"ticket_id": p.TicketID, "state": string(store.StateOnHold)}, nil)

	case "resume_ticket_processing":
		var p resumeParams
		if err := json.Unmarshal(req.Params, &p); err != nil || p.TicketID == "" {
			return reply(nil, &rpcError{Code: errCodeInvalidParams, Message: "ticket_id is required"})
		}
		if err := s.cfg.Store.ResumeTicket(ctx, p.TicketID); err != nil {
			return reply(nil, &rpcError{Code: errCodeInvalidRequest, Message: err.Error()})
		}
		tk, err := s.cfg.Store.GetTicket(ctx, p.TicketID)
		if err != nil {
			return reply(nil, &rpcError{Code: errCodeInternal, Message: err.Error()})
		}
		s.cfg.Queue.Submit(queue.Task{TicketID: tk.ID, ProjectID: tk.ProjectID, Stage: tk.CurrentStage})
		return reply(map[string]any{"ticket_id": p.TicketID, "state": string(store.StateOpen)}, nil)

	case "get_ticket":
		var p resumeParams
		if err := json.Unmarshal(req.Params, &p); err != nil || p.TicketID == "" {
			return reply(nil, &rpcError{Code: errCodeInvalidParams, Message: "ticket_id is required"})
		}
		tk, err := s.cfg.Store.GetTicket(ctx, p.TicketID)
		if err != nil {
			return reply(nil, &rpcError{Code: errCodeInvalidRequest, Message: err.Error()})
		}
		return reply(tk, nil)

	default:
		return reply(nil, &rpcError{Code: errCodeMethodNotFound, Message: "unknown method " + req.Method})
	}
}

// ticketEventPrefixes lists the bus topic prefixes forwarded to both the
// WebSocket notification stream and the SSE fallback.
var ticketEventPrefixes = []string{"ticket.", "worker.", "claim."}

func matchesAnyPrefix(topic string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}

// handleSSE serves GET /events as text/event-stream, for clients that
// cannot hold a WebSocket connection open. It replays durable events since
// ?since=<event_id> before switching to live broadcast, mirroring the
// WebSocket notification stream's content but over a simpler transport.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	if s.cfg.Bus == nil {
		http.Error(w, "event stream not available", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		since, _ = strconv.ParseInt(v, 10, 64)
	}
	if rows, err := s.cfg.Store.ListEventsSince(r.Context(), since, maxReplayEventsPerSubscribe); err == nil {
		for _, row := range rows {
			writeSSE(w, "replay", row)
		}
		flusher.Flush()
	}

	sub := s.cfg.Bus.Subscribe("")
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if !matchesAnyPrefix(ev.Topic, ticketEventPrefixes) {
				continue
			}
			writeSSE(w, ev.Topic, ev.Payload)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("event: " + event + "\n"))
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(data)
	_, _ = w.Write([]byte("\n\n"))
}

// BuildAuthFromConfig constructs the gateway's auth middleware from
// declared config, or nil if auth is disabled.
func BuildAuthFromConfig(cfg config.AuthConfig) *AuthMiddleware {
	if !cfg.Enabled {
		return nil
	}
	return NewAuthMiddleware(cfg)
}

// BuildCORSFromConfig constructs the CORS middleware from declared config,
// or nil if CORS is disabled (same-origin only).
func BuildCORSFromConfig(cfg config.CORSConfig) func(http.Handler) http.Handler {
	if !cfg.Enabled {
		return nil
	}
	return NewCORSMiddleware(cfg)
}

// BuildRateLimitFromConfig constructs the rate limit middleware, starting
// its background eviction loop against ctx, or nil if disabled.
func BuildRateLimitFromConfig(ctx context.Context, cfg config.RateLimitConfig) *RateLimitMiddleware {
	if !cfg.Enabled {
		return nil
	}
	rl := NewRateLimitMiddleware(cfg)
	rl.StartEviction(ctx, 5*time.Minute, 30*time.Minute)
	return rl
}
