package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"a2a-coordinator/internal/domain"
	"a2a-coordinator/internal/infra/tracer"
)

// Config configures the gateway controller.
type Config struct {
	ID           string
	Routes       []Route
	Limits       map[string]LimitConfig
	Breaker      BreakerConfig
	Auth         AuthConfig
	Timeout      time.Duration // upstream request timeout
	FunctionsURL string        // base URL for /api/functions/*; empty routes them to agents
	MaxBodyBytes int64
}

// DefaultConfig returns the stock gateway settings.
func DefaultConfig() Config {
	return Config{
		ID:           "api-gateway",
		Limits:       DefaultLimits(),
		Breaker:      DefaultBreakerConfig(),
		Timeout:      30 * time.Second,
		MaxBodyBytes: 1 << 20,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ID == "" {
		c.ID = d.ID
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = d.MaxBodyBytes
	}
	return c
}

// Request is the transport-neutral shape of an inbound gateway request.
type Request struct {
	ID         string
	Method     string
	Path       string
	Query      string
	Headers    http.Header
	Body       []byte
	ClientID   string
	RemoteAddr string
}

// Response is what the gateway returns for a Request.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// ErrorBody is the JSON body of every gateway rejection.
type ErrorBody struct {
	Error     string    `json:"error"`
	Status    int       `json:"status"`
	Details   any       `json:"details"`
	Timestamp time.Time `json:"timestamp"`
	Gateway   string    `json:"gateway"`
}

// AgentSource lists and resolves registered agents.
type AgentSource interface {
	AgentLookup
	Active() []domain.AgentProfile
}

// ControllerDeps are the collaborators of the controller.
type ControllerDeps struct {
	Agents  AgentSource
	Deliver Deliverer
	Bus     domain.EventBus
	Clock   domain.Clock
	Client  *http.Client
	Logger  *slog.Logger
}

// Controller authenticates, rate-limits and circuit-breaks inbound requests
// before forwarding them to an agent or upstream URL.
type Controller struct {
	cfg      Config
	routes   *RouteTable
	limiter  *RateLimiter
	breakers *BreakerSet
	auth     *Auth
	stats    *Stats
	agents   AgentSource
	deliver  Deliverer
	bus      domain.EventBus
	clock    domain.Clock
	client   *http.Client
	logger   *slog.Logger
	unsub    []func()
}

// NewController builds a controller with the function endpoints, the
// configured routes and one route per active agent.
func NewController(cfg Config, deps ControllerDeps) *Controller {
	cfg = cfg.withDefaults()
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if deps.Client == nil {
		deps.Client = &http.Client{}
	}
	clock := domain.ClockOrSystem(deps.Clock)

	routes := NewRouteTable(FunctionRoutes()...)
	for _, r := range cfg.Routes {
		r.Source = "config"
		if r.Kind == "" {
			r.Kind = TargetURL
			if r.AgentID != "" {
				r.Kind = TargetAgent
			}
		}
		routes.Add(r)
	}

	authCfg := cfg.Auth
	authCfg.Clock = clock

	c := &Controller{
		cfg:      cfg,
		routes:   routes,
		limiter:  NewRateLimiter(cfg.Limits, clock),
		breakers: NewBreakerSet(cfg.Breaker, deps.Bus, deps.Logger),
		auth:     NewAuth(authCfg, deps.Agents),
		stats:    NewStats(),
		agents:   deps.Agents,
		deliver:  deps.Deliver,
		bus:      deps.Bus,
		clock:    clock,
		client:   deps.Client,
		logger:   deps.Logger,
	}
	c.RefreshAgentRoutes()
	return c
}

// ID returns the gateway's identity, sent in x-gateway-agent.
func (c *Controller) ID() string { return c.cfg.ID }

// Routes exposes the routing table.
func (c *Controller) Routes() *RouteTable { return c.routes }

// Limiter exposes the rate limiter.
func (c *Controller) Limiter() *RateLimiter { return c.limiter }

// Auth exposes the authenticator, shared with the websocket server.
func (c *Controller) Auth() *Auth { return c.auth }

// RefreshAgentRoutes rebuilds the per-agent routes from the registry.
func (c *Controller) RefreshAgentRoutes() int {
	if c.agents == nil {
		return 0
	}
	return c.routes.SyncAgents(c.agents.Active())
}

// Watch keeps agent routes and cached agent credentials in step with
// discovery events until Close.
func (c *Controller) Watch() {
	if c.bus == nil {
		return
	}
	refresh := func(_ context.Context, ev domain.Event) {
		if ev.Type != domain.EventAgentDiscovered {
			c.auth.Forget(ev.Subject)
		}
		c.RefreshAgentRoutes()
	}
	for _, t := range []domain.EventType{domain.EventAgentDiscovered, domain.EventAgentInactive, domain.EventAgentUpdated} {
		c.unsub = append(c.unsub, c.bus.Subscribe(t, refresh))
	}
}

// Close drops event subscriptions.
func (c *Controller) Close() {
	for _, u := range c.unsub {
		u()
	}
	c.unsub = nil
}

// Handle runs the request through authentication, rate limiting and the
// route's circuit breaker, then forwards it. Rejections never reach the target.
func (c *Controller) Handle(ctx context.Context, req *Request) *Response {
	start := c.clock.Now()
	if req.Headers == nil {
		req.Headers = make(http.Header)
	}
	if req.ID == "" {
		req.ID = req.Headers.Get("X-Request-Id")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	c.stats.Requests.Add(1)

	route, params, found := c.routes.Resolve(req.Path)

	client, err := c.auth.AuthenticateRequest(req.Headers, route, found)
	if err != nil {
		c.stats.RejectedAuth.Add(1)
		return c.reject(req, start, http.StatusUnauthorized, "Unauthorized", detailOf(err), nil)
	}
	if req.ClientID == "" {
		req.ClientID = clientID(req)
	}

	dec := c.limiter.Allow(LimiterClass(req.Path), req.ClientID)
	if !dec.Allowed {
		c.stats.RejectedRate.Add(1)
		c.logger.Info("rate limited", "request_id", req.ID, "client_id", req.ClientID, "class", dec.Class)
		return c.reject(req, start, http.StatusTooManyRequests, "Rate limit exceeded", map[string]any{
			"limit":      dec.Limit,
			"reset_time": dec.Reset,
		}, &dec)
	}

	if !found {
		c.stats.RejectedRoute.Add(1)
		return c.reject(req, start, http.StatusNotFound, "Endpoint not found", req.Path, &dec)
	}

	done, err := c.breakers.Allow(route.Path)
	if err != nil {
		c.stats.RejectedCircuit.Add(1)
		return c.reject(req, start, http.StatusServiceUnavailable, "Service temporarily unavailable", "circuit breaker open for "+route.Path, &dec)
	}

	ctx, span := tracer.StartSpan(ctx, "gateway.handle")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("route", route.Path),
		tracer.StringAttr("client_id", req.ClientID),
		tracer.StringAttr("request_id", req.ID),
	)

	resp, err := c.forward(ctx, req, route, params, client)
	done(err == nil && resp.Status < http.StatusInternalServerError)
	if err != nil {
		tracer.RecordError(span, err)
		c.stats.UpstreamErrors.Add(1)
		status, msg := http.StatusBadGateway, "Bad gateway"
		if errors.Is(err, domain.ErrTimeout) {
			status, msg = http.StatusGatewayTimeout, "Gateway timeout"
		}
		c.logger.Warn("forward failed", "request_id", req.ID, "route", route.Path, "client_id", req.ClientID, "error", err)
		resp = c.errorResponse(status, msg, detailOf(err))
	} else {
		tracer.SetOK(span)
	}

	c.decorate(resp, req, start, &dec)
	c.stats.Record(req.Method+" "+route.Path, resp.Status, c.clock.Now().Sub(start), c.clock.Now())
	c.logger.Debug("request handled",
		"request_id", req.ID,
		"route", route.Path,
		"client_id", req.ClientID,
		"status", resp.Status,
	)
	return resp
}

func (c *Controller) forward(ctx context.Context, req *Request, route Route, params map[string]string, client *ClientInfo) (*Response, error) {
	switch route.Kind {
	case TargetURL:
		return c.forwardHTTP(ctx, req, route.URL, route)
	case TargetFunction:
		if c.cfg.FunctionsURL != "" {
			return c.forwardHTTP(ctx, req, c.cfg.FunctionsURL, route)
		}
		return c.forwardToAgent(ctx, req, route, params, client)
	default:
		return c.forwardToAgent(ctx, req, route, params, client)
	}
}

func (c *Controller) reject(req *Request, start time.Time, status int, msg string, details any, dec *RateDecision) *Response {
	resp := c.errorResponse(status, msg, details)
	c.decorate(resp, req, start, dec)
	if status == http.StatusTooManyRequests && dec != nil {
		secs := int(dec.Reset.Sub(c.clock.Now()).Seconds())
		if secs < 1 {
			secs = 1
		}
		resp.Headers.Set("Retry-After", strconv.Itoa(secs))
	}
	return resp
}

func (c *Controller) errorResponse(status int, msg string, details any) *Response {
	body, _ := json.Marshal(ErrorBody{
		Error:     msg,
		Status:    status,
		Details:   details,
		Timestamp: c.clock.Now().UTC(),
		Gateway:   c.cfg.ID,
	})
	return &Response{Status: status, Headers: jsonHeaders(), Body: body}
}

func (c *Controller) decorate(resp *Response, req *Request, start time.Time, dec *RateDecision) {
	if resp.Headers == nil {
		resp.Headers = make(http.Header)
	}
	resp.Headers.Set("X-Gateway-Agent", c.cfg.ID)
	resp.Headers.Set("X-Request-Id", req.ID)
	resp.Headers.Set("X-Response-Time", strconv.FormatInt(c.clock.Now().Sub(start).Milliseconds(), 10)+"ms")
	if dec != nil {
		resp.Headers.Set("X-Ratelimit-Limit", strconv.Itoa(dec.Limit))
		resp.Headers.Set("X-Ratelimit-Remaining", strconv.Itoa(dec.Remaining))
		resp.Headers.Set("X-Ratelimit-Reset", strconv.FormatInt(dec.Reset.Unix(), 10))
	}
}

// ServeHTTP adapts Handle to net/http.
func (c *Controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, c.cfg.MaxBodyBytes))
	if err != nil {
		resp := c.errorResponse(http.StatusRequestEntityTooLarge, "Request body too large", err.Error())
		writeResponse(w, resp)
		return
	}
	resp := c.Handle(r.Context(), &Request{
		Method:     r.Method,
		Path:       r.URL.Path,
		Query:      r.URL.RawQuery,
		Headers:    r.Header.Clone(),
		Body:       body,
		RemoteAddr: r.RemoteAddr,
	})
	writeResponse(w, resp)
}

func writeResponse(w http.ResponseWriter, resp *Response) {
	for k, vs := range resp.Headers {
		if k == "Content-Length" {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}

// clientID identifies the caller for rate limiting.
func clientID(req *Request) string {
	if v := req.Headers.Get("X-Client-Id"); v != "" {
		return v
	}
	if v := req.Headers.Get("X-Agent-Id"); v != "" {
		return v
	}
	if req.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
			return host
		}
		return req.RemoteAddr
	}
	if v := req.Headers.Get("User-Agent"); v != "" {
		return v
	}
	return AuthAnonymous
}

func detailOf(err error) string {
	var de *domain.DomainError
	if errors.As(err, &de) && de.Detail != "" {
		return de.Detail
	}
	return err.Error()
}
