package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"a2a-coordinator/internal/domain"
	"a2a-coordinator/internal/infra/logger"
	"a2a-coordinator/internal/infra/tracer"
)

// RPCHandler handles a single RPC method call.
type RPCHandler func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error)

// MethodSubscribe replaces a client's event topics.
const MethodSubscribe = "events.subscribe"

const (
	sendQueue  = 64
	rpcTimeout = 30 * time.Second
)

// storeTopic is excluded from the default subscription: every record write
// emits one.
const storeTopic = "store."

// wsClient is one websocket connection and the event topics it follows.
type wsClient struct {
	id     uint64
	info   *ClientInfo
	ws     *websocket.Conn
	out    chan Frame
	done   chan struct{}
	closer sync.Once

	mu     sync.RWMutex
	topics []string // event type prefixes; empty follows everything but store.*
}

func (c *wsClient) close() { c.closer.Do(func() { close(c.done) }) }

func (c *wsClient) setTopics(topics []string) {
	clean := make([]string, 0, len(topics))
	for _, t := range topics {
		if t = strings.TrimSpace(t); t != "" {
			clean = append(clean, t)
		}
	}
	c.mu.Lock()
	c.topics = clean
	c.mu.Unlock()
}

func (c *wsClient) follows(t domain.EventType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.topics) == 0 {
		return !strings.HasPrefix(string(t), storeTopic)
	}
	for _, p := range c.topics {
		if p == "*" || strings.HasPrefix(string(t), p) {
			return true
		}
	}
	return false
}

// Server hosts the gateway: the Controller for routed traffic, operator
// HTTP routes, and a WebSocket that exposes RPC methods and streams
// coordination events.
type Server struct {
	bus    domain.EventBus
	auth   Authenticator
	addr   string
	logger *slog.Logger

	handlersMu sync.RWMutex
	handlers   map[string]RPCHandler

	clientsMu sync.RWMutex
	clients   map[uint64]*wsClient
	nextID    atomic.Uint64

	routes     []httpRoute
	fallback   http.Handler
	middleware []func(http.Handler) http.Handler

	stateMu   sync.Mutex
	httpSrv   *http.Server
	boundAddr string
	unsub     func()
}

type httpRoute struct {
	pattern string
	handler http.HandlerFunc
}

// NewServer creates a gateway server.
func NewServer(bus domain.EventBus, auth Authenticator, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		bus:      bus,
		auth:     auth,
		addr:     addr,
		logger:   logger,
		handlers: make(map[string]RPCHandler),
		clients:  make(map[uint64]*wsClient),
	}
}

// RegisterHandler adds an RPC method. Safe while clients are connected.
func (s *Server) RegisterHandler(method string, handler RPCHandler) {
	s.handlersMu.Lock()
	s.handlers[method] = handler
	s.handlersMu.Unlock()
}

// RegisterHTTPRoute mounts an operator endpoint. Must be called before Start.
func (s *Server) RegisterHTTPRoute(pattern string, handler http.HandlerFunc) {
	s.routes = append(s.routes, httpRoute{pattern: pattern, handler: handler})
}

// SetFallback installs the handler for paths with no registered route,
// normally the gateway Controller. Must be called before Start.
func (s *Server) SetFallback(h http.Handler) { s.fallback = h }

// Use appends HTTP middleware wrapped around the whole mux, first outermost.
// Must be called before Start.
func (s *Server) Use(mw ...func(http.Handler) http.Handler) {
	s.middleware = append(s.middleware, mw...)
}

// Handler builds the HTTP surface: /ws, the operator routes and the fallback,
// wrapped in the configured middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	for _, r := range s.routes {
		mux.HandleFunc(r.pattern, r.handler)
	}
	if s.fallback != nil {
		mux.Handle("/", s.fallback)
	}
	var h http.Handler = mux
	for i := len(s.middleware) - 1; i >= 0; i-- {
		h = s.middleware[i](h)
	}
	return h
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	s.stateMu.Lock()
	s.httpSrv = srv
	s.boundAddr = ln.Addr().String()
	s.stateMu.Unlock()

	s.Forward()
	s.logger.Info("gateway started", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		_ = s.Stop(context.Background())
	}()

	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Forward streams bus events to websocket clients following their type.
// Start calls it; tests serving Handler() call it directly.
func (s *Server) Forward() {
	if s.bus == nil {
		return
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.unsub != nil {
		return
	}
	s.unsub = s.bus.SubscribeAll(s.broadcast)
}

func (s *Server) broadcast(_ context.Context, ev domain.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	frame := Frame{Type: FrameTypeEvent, Event: string(ev.Type), Payload: payload}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for _, c := range s.clients {
		if !c.follows(ev.Type) {
			continue
		}
		select {
		case c.out <- frame:
		default:
			s.logger.Warn("gateway: dropped event for slow client", "conn_id", c.id, "event", string(ev.Type))
		}
	}
}

// Stop disconnects clients and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.stateMu.Lock()
	unsub, srv := s.unsub, s.httpSrv
	s.unsub, s.httpSrv = nil, nil
	s.stateMu.Unlock()

	if unsub != nil {
		unsub()
	}

	s.clientsMu.Lock()
	for id, c := range s.clients {
		c.close()
		c.ws.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, id)
	}
	s.clientsMu.Unlock()

	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// BoundAddr returns the listening address once Start has bound it.
func (s *Server) BoundAddr() string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.boundAddr
}

// Clients returns the number of connected websocket clients.
func (s *Server) Clients() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// handleUpgrade authenticates with ?token= or a bearer header, then serves
// the connection. ?events=a.,b. sets the initial topics.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	info, err := s.auth.Authenticate(token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost", "localhost:*", "127.0.0.1", "127.0.0.1:*", "[::1]", "[::1]:*"},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	c := &wsClient{
		id:   s.nextID.Add(1),
		info: info,
		ws:   ws,
		out:  make(chan Frame, sendQueue),
		done: make(chan struct{}),
	}
	if ev := r.URL.Query().Get("events"); ev != "" {
		c.setTopics(strings.Split(ev, ","))
	}

	s.clientsMu.Lock()
	s.clients[c.id] = c
	s.clientsMu.Unlock()
	s.logger.Info("gateway client connected", "conn_id", c.id, "client", info.Name, "agent_id", info.AgentID)

	go s.writeLoop(c)
	s.readLoop(r.Context(), c)

	c.close()
	s.clientsMu.Lock()
	delete(s.clients, c.id)
	s.clientsMu.Unlock()
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("gateway client disconnected", "conn_id", c.id)
}

func (s *Server) readLoop(ctx context.Context, c *wsClient) {
	for {
		var frame Frame
		if err := wsjson.Read(ctx, c.ws, &frame); err != nil {
			return
		}
		select {
		case <-c.done:
			return
		default:
		}
		if frame.Type == FrameTypeRequest {
			go s.dispatch(ctx, c, frame)
		}
	}
}

func (s *Server) writeLoop(c *wsClient) {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.out:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := wsjson.Write(ctx, c.ws, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// dispatch runs one RPC call under its own request ID and span.
func (s *Server) dispatch(ctx context.Context, c *wsClient, req Frame) {
	ctx = logger.WithRequestID(ctx, uuid.NewString())
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	ctx, span := tracer.StartSpan(ctx, "gateway.rpc")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("rpc.method", req.Method), tracer.StringAttr("client", c.info.Name))

	var (
		result json.RawMessage
		err    error
	)
	if req.Method == MethodSubscribe {
		result, err = subscribe(c, req.Payload)
	} else {
		s.handlersMu.RLock()
		h, ok := s.handlers[req.Method]
		s.handlersMu.RUnlock()
		if ok {
			result, err = h(ctx, c.info, req.Payload)
		} else {
			err = domain.ErrRPCMethodNotFound
		}
	}
	tracer.Finish(span, err)
	if err != nil {
		s.logger.DebugContext(ctx, "rpc failed", "method", req.Method, "error", err)
	}
	s.reply(c, req.ID, result, err)
}

type subscribeRequest struct {
	Events []string `json:"events"`
}

func subscribe(c *wsClient, payload json.RawMessage) (json.RawMessage, error) {
	var req subscribeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRPCInvalidPayload, err)
	}
	c.setTopics(req.Events)
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(subscribeRequest{Events: c.topics})
}

func (s *Server) reply(c *wsClient, id uint64, result json.RawMessage, err error) {
	resp := Frame{Type: FrameTypeResponse, ID: id, Payload: result}
	if err != nil {
		resp.Error = err.Error()
		resp.Code = string(domain.ErrorCodeOf(err))
	}
	select {
	case c.out <- resp:
	default:
		s.logger.Warn("gateway: dropped RPC response for slow client", "conn_id", c.id, "frame_id", id)
	}
}
