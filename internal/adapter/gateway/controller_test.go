package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"a2a-coordinator/internal/domain"
	"a2a-coordinator/internal/usecase/multiagent"
)

var t0 = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type fakeDeliverer struct {
	mu   sync.Mutex
	msgs []domain.Message
	err  error
}

func (f *fakeDeliverer) Deliver(_ context.Context, msg domain.Message) (*multiagent.DeliveryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	if f.err != nil {
		return nil, f.err
	}
	msg.ID = "m-1"
	selected := msg.ToAgent
	reason := domain.ReasonDirectRouting
	if selected == "" {
		selected, reason = "worker", domain.ReasonIntelligentSelection
	}
	return &multiagent.DeliveryResult{
		Message:  msg,
		Decision: domain.RoutingDecision{OriginalAgent: msg.ToAgent, SelectedAgent: selected, Reason: reason},
	}, nil
}

func (f *fakeDeliverer) last() domain.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.msgs[len(f.msgs)-1]
}

type ctrlHarness struct {
	clock   *domain.ManualClock
	deliver *fakeDeliverer
	agents  *fakeAgents
	c       *Controller
}

func newCtrl(t *testing.T, cfg Config) *ctrlHarness {
	t.Helper()
	h := &ctrlHarness{
		clock:   domain.NewManualClock(t0),
		deliver: &fakeDeliverer{},
		agents:  newFakeAgents([]string{"agent-a"}, "agent-b"),
	}
	if cfg.Auth.APIKeys == nil {
		cfg.Auth.APIKeys = []APIKey{{Key: "key-1", Name: "ops"}}
	}
	h.c = NewController(cfg, ControllerDeps{
		Agents:  h.agents,
		Deliver: h.deliver,
		Clock:   h.clock,
	})
	return h
}

func get(path string, kv ...string) *Request {
	return &Request{Method: http.MethodGet, Path: path, Headers: headers(kv...), RemoteAddr: "10.0.0.1:5555"}
}

func decodeError(t *testing.T, resp *Response) ErrorBody {
	t.Helper()
	var body ErrorBody
	require.NoError(t, json.Unmarshal(resp.Body, &body))
	return body
}

func TestControllerAnonymousFunctionRoute(t *testing.T) {
	h := newCtrl(t, Config{})

	resp := h.c.Handle(context.Background(), get("/api/functions/sharpe_ratio"))
	require.Equal(t, http.StatusAccepted, resp.Status)
	assert.Equal(t, "api-gateway", resp.Headers.Get("X-Gateway-Agent"))
	assert.Equal(t, "200", resp.Headers.Get("X-Ratelimit-Limit"))
	assert.Equal(t, "199", resp.Headers.Get("X-Ratelimit-Remaining"))
	assert.NotEmpty(t, resp.Headers.Get("X-Request-Id"))
	assert.NotEmpty(t, resp.Headers.Get("X-Response-Time"))

	msg := h.deliver.last()
	assert.Equal(t, domain.MsgAnalysisRequest, msg.MessageType)
	assert.Empty(t, msg.ToAgent, "function requests are routed by capability")
	assert.Equal(t, "api-gateway", msg.FromAgent)

	var fwd forwardedRequest
	require.NoError(t, json.Unmarshal(msg.Payload, &fwd))
	assert.Equal(t, "sharpe_ratio", fwd.Function)
	assert.Equal(t, "10.0.0.1", fwd.Client)

	var accepted agentAccepted
	require.NoError(t, json.Unmarshal(resp.Body, &accepted))
	assert.Equal(t, "worker", accepted.SelectedAgent)
}

func TestControllerAuthGate(t *testing.T) {
	h := newCtrl(t, Config{})

	resp := h.c.Handle(context.Background(), get("/api/agents/agent-a"))
	require.Equal(t, http.StatusUnauthorized, resp.Status)
	body := decodeError(t, resp)
	assert.Equal(t, http.StatusUnauthorized, body.Status)
	assert.Equal(t, "Unauthorized", body.Error)
	assert.Equal(t, "api-gateway", body.Gateway)
	assert.Equal(t, t0, body.Timestamp)
	assert.Empty(t, h.deliver.msgs, "rejected requests never reach the target")

	resp = h.c.Handle(context.Background(), get("/nowhere"))
	assert.Equal(t, http.StatusUnauthorized, resp.Status)

	resp = h.c.Handle(context.Background(), get("/nowhere", "X-Api-Key", "key-1"))
	assert.Equal(t, http.StatusNotFound, resp.Status)

	resp = h.c.Handle(context.Background(), get("/api/agents/agent-a", "X-Api-Key", "key-1"))
	require.Equal(t, http.StatusAccepted, resp.Status)
	msg := h.deliver.last()
	assert.Equal(t, "agent-a", msg.ToAgent)
	assert.Equal(t, domain.MsgDataRequest, msg.MessageType)

	st := h.c.Stats()
	assert.Equal(t, int64(2), st.Rejections["auth"])
	assert.Equal(t, int64(1), st.Rejections["not_found"])
	assert.Equal(t, int64(1), st.Endpoints["GET /api/agents/agent-a"].Success)
}

func TestControllerAgentSignatureActsAsSender(t *testing.T) {
	h := newCtrl(t, Config{Auth: AuthConfig{AgentSecret: "hmac"}})

	req := get("/api/agents/agent-a",
		"X-Agent-Id", "agent-a",
		"X-Agent-Signature", SignAgent("hmac", "agent-a"),
		"X-Message-Type", string(domain.MsgCoordinationRequest),
		"X-Priority", "high",
	)
	resp := h.c.Handle(context.Background(), req)
	require.Equal(t, http.StatusAccepted, resp.Status)

	msg := h.deliver.last()
	assert.Equal(t, "agent-a", msg.FromAgent)
	assert.Equal(t, domain.MsgCoordinationRequest, msg.MessageType)
	assert.Equal(t, domain.PriorityHigh, msg.Priority)
}

func TestControllerRateLimit(t *testing.T) {
	h := newCtrl(t, Config{Limits: map[string]LimitConfig{LimiterFunctions: {Limit: 2, Window: time.Minute}}})

	for i := 0; i < 2; i++ {
		resp := h.c.Handle(context.Background(), get("/api/functions/monte_carlo"))
		require.Equal(t, http.StatusAccepted, resp.Status)
	}
	resp := h.c.Handle(context.Background(), get("/api/functions/monte_carlo"))
	require.Equal(t, http.StatusTooManyRequests, resp.Status)
	assert.Equal(t, "60", resp.Headers.Get("Retry-After"))
	assert.Equal(t, "0", resp.Headers.Get("X-Ratelimit-Remaining"))

	body := decodeError(t, resp)
	details, ok := body.Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(2), details["limit"])

	// Another client has its own window.
	other := get("/api/functions/monte_carlo", "X-Client-Id", "someone-else")
	assert.Equal(t, http.StatusAccepted, h.c.Handle(context.Background(), other).Status)

	h.clock.Advance(time.Minute)
	assert.Equal(t, http.StatusAccepted, h.c.Handle(context.Background(), get("/api/functions/monte_carlo")).Status)
}

func TestControllerProxiesURLRoutes(t *testing.T) {
	type seenRequest struct {
		header http.Header
		uri    string
	}
	seen := make(chan seenRequest, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- seenRequest{header: r.Header.Clone(), uri: r.URL.RequestURI()}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	h := newCtrl(t, Config{Routes: []Route{{Path: "/api/reports/:id", URL: upstream.URL, AuthRequired: true}}})
	req := get("/api/reports/42", "X-Api-Key", "key-1", "X-Gateway-Token", "strip-me")
	req.Query = "format=json"

	resp := h.c.Handle(context.Background(), req)
	require.Equal(t, http.StatusOK, resp.Status)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))

	got := <-seen
	assert.Equal(t, "/api/reports/42?format=json", got.uri)
	assert.Equal(t, "api-gateway", got.header.Get("X-Forwarded-By"))
	assert.Equal(t, req.ID, got.header.Get("X-Request-Id"))
	assert.Equal(t, t0.Format(time.RFC3339Nano), got.header.Get("X-Gateway-Timestamp"))
	assert.Empty(t, got.header.Get("X-Gateway-Token"))
}

func TestControllerUpstreamTimeout(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()
	defer close(release)

	h := newCtrl(t, Config{
		Timeout: 20 * time.Millisecond,
		Routes:  []Route{{Path: "/slow", URL: upstream.URL}},
	})
	resp := h.c.Handle(context.Background(), get("/slow"))
	assert.Equal(t, http.StatusGatewayTimeout, resp.Status)
	assert.Equal(t, "Gateway timeout", decodeError(t, resp).Error)
}

func TestControllerBreakerTripsAndRecovers(t *testing.T) {
	var hits atomic.Int32
	var healthy atomic.Bool
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if !healthy.Load() {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer upstream.Close()

	h := newCtrl(t, Config{
		Breaker: BreakerConfig{Threshold: 5, CoolDown: 50 * time.Millisecond},
		Routes:  []Route{{Path: "/flaky", URL: upstream.URL}},
	})
	for i := 0; i < 5; i++ {
		resp := h.c.Handle(context.Background(), get("/flaky"))
		require.Equal(t, http.StatusInternalServerError, resp.Status)
	}

	resp := h.c.Handle(context.Background(), get("/flaky"))
	require.Equal(t, http.StatusServiceUnavailable, resp.Status)
	assert.Equal(t, int32(5), hits.Load(), "open circuit does not forward")
	assert.Equal(t, "open", h.c.Stats().Breakers["/flaky"])

	healthy.Store(true)
	time.Sleep(70 * time.Millisecond)
	resp = h.c.Handle(context.Background(), get("/flaky"))
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "closed", h.c.Stats().Breakers["/flaky"])
}

func TestControllerDeliveryFailure(t *testing.T) {
	h := newCtrl(t, Config{})
	h.deliver.err = domain.ErrNoEligibleAgent

	resp := h.c.Handle(context.Background(), get("/api/functions/omega_ratio"))
	assert.Equal(t, http.StatusBadGateway, resp.Status)
	assert.Equal(t, int64(1), h.c.Stats().Rejections["upstream"])
}

func TestControllerAgentRoutesFollowRegistry(t *testing.T) {
	h := newCtrl(t, Config{})

	_, _, ok := h.c.Routes().Resolve("/api/agents/agent-a")
	assert.True(t, ok)
	_, _, ok = h.c.Routes().Resolve("/api/agents/agent-b")
	assert.False(t, ok, "inactive agents get no route")

	h.agents.profiles["agent-c"] = domain.AgentProfile{AgentID: "agent-c", HealthStatus: domain.HealthActive}
	delete(h.agents.profiles, "agent-a")
	assert.Equal(t, 1, h.c.RefreshAgentRoutes())

	_, _, ok = h.c.Routes().Resolve("/api/agents/agent-a")
	assert.False(t, ok)
	_, _, ok = h.c.Routes().Resolve("/api/agents/agent-c")
	assert.True(t, ok)
}

func TestControllerServeHTTP(t *testing.T) {
	h := newCtrl(t, Config{})
	ts := httptest.NewServer(h.c)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/functions/kelly_criterion", "application/json", strings.NewReader(`{"p":0.6}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var fwd forwardedRequest
	require.NoError(t, json.Unmarshal(h.deliver.last().Payload, &fwd))
	assert.JSONEq(t, `{"p":0.6}`, string(fwd.Body))
	assert.Equal(t, http.MethodPost, fwd.Method)
}

func TestControllerInactiveAgentLosesCachedAuth(t *testing.T) {
	bus := &testBus{}
	agents := newFakeAgents([]string{"agent-a"})
	c := NewController(Config{}, ControllerDeps{
		Agents:  agents,
		Deliver: &fakeDeliverer{},
		Bus:     bus,
		Clock:   domain.NewManualClock(t0),
	})
	c.Watch()
	t.Cleanup(c.Close)

	req := func() *Response { return c.Handle(context.Background(), get("/api/agents/agent-a", "X-Agent-Id", "agent-a")) }
	require.Equal(t, http.StatusAccepted, req().Status)

	agents.profiles["agent-a"] = domain.AgentProfile{AgentID: "agent-a", HealthStatus: domain.HealthInactive}
	bus.Publish(context.Background(), domain.NewEvent(domain.EventAgentInactive, "agent-a", t0, nil))

	assert.Equal(t, http.StatusUnauthorized, req().Status)
}
