package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"a2a-coordinator/internal/domain"
)

// testBus delivers synchronously to its subscribers.
type testBus struct {
	mu       sync.Mutex
	handlers map[int]testSub
	next     int
}

type testSub struct {
	all bool
	t   domain.EventType
	h   domain.EventHandler
}

func (b *testBus) Publish(ctx context.Context, event domain.Event) {
	b.mu.Lock()
	hs := make([]domain.EventHandler, 0, len(b.handlers))
	for _, s := range b.handlers {
		if s.all || s.t == event.Type {
			hs = append(hs, s.h)
		}
	}
	b.mu.Unlock()
	for _, h := range hs {
		h(ctx, event)
	}
}

func (b *testBus) Subscribe(t domain.EventType, handler domain.EventHandler) func() {
	return b.add(testSub{t: t, h: handler})
}

func (b *testBus) SubscribeAll(handler domain.EventHandler) func() {
	return b.add(testSub{all: true, h: handler})
}

func (b *testBus) add(s testSub) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers == nil {
		b.handlers = make(map[int]testSub)
	}
	id := b.next
	b.next++
	b.handlers[id] = s
	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

func (b *testBus) Close() {}

func newTestAuth() Authenticator {
	return NewAuth(AuthConfig{APIKeys: []APIKey{{Key: "test-token", Name: "tester"}}}, nil)
}

func startTestServer(t *testing.T, bus domain.EventBus) *Server {
	t.Helper()
	srv := NewServer(bus, newTestAuth(), "127.0.0.1:0", nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() { _ = srv.Start(ctx) }()
	require.Eventually(t, func() bool { return srv.BoundAddr() != "" }, 3*time.Second, 5*time.Millisecond, "server did not bind")
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })
	return srv
}

func dialWS(t *testing.T, addr, token string, query ...string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	url := "ws://" + addr + "/ws?token=" + token
	for _, q := range query {
		url += "&" + q
	}
	ws, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

// connect dials and waits until the server has registered the client.
func connect(t *testing.T, srv *Server, query ...string) *websocket.Conn {
	t.Helper()
	before := srv.Clients()
	ws := dialWS(t, srv.BoundAddr(), "test-token", query...)
	require.Eventually(t, func() bool { return srv.Clients() > before }, 2*time.Second, 5*time.Millisecond)
	return ws
}

func call(t *testing.T, ws *websocket.Conn, id uint64, method, payload string) Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req := Frame{Type: FrameTypeRequest, ID: id, Method: method}
	if payload != "" {
		req.Payload = json.RawMessage(payload)
	}
	require.NoError(t, wsjson.Write(ctx, ws, req))
	for {
		var f Frame
		require.NoError(t, wsjson.Read(ctx, ws, &f))
		if f.Type == FrameTypeResponse && f.ID == id {
			return f
		}
	}
}

func readEvent(t *testing.T, ws *websocket.Conn, wait time.Duration) (Frame, bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	var f Frame
	if err := wsjson.Read(ctx, ws, &f); err != nil {
		return Frame{}, false
	}
	return f, true
}

func TestServerAuthReject(t *testing.T) {
	srv := startTestServer(t, &testBus{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws://"+srv.BoundAddr()+"/ws?token=bad-token", nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
	assert.Equal(t, 0, srv.Clients())
}

func TestServerRPCCarriesClient(t *testing.T) {
	srv := startTestServer(t, &testBus{})
	srv.RegisterHandler("whoami", func(_ context.Context, c *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(c)
	})
	ws := connect(t, srv)

	resp := call(t, ws, 1, "whoami", "")
	require.Empty(t, resp.Error)
	var info ClientInfo
	require.NoError(t, json.Unmarshal(resp.Payload, &info))
	assert.Equal(t, "tester", info.Name)
	assert.Equal(t, AuthAPIKey, info.Method)
}

func TestServerRPCErrors(t *testing.T) {
	srv := startTestServer(t, &testBus{})
	srv.RegisterHandler("fail", func(context.Context, *ClientInfo, json.RawMessage) (json.RawMessage, error) {
		return nil, domain.ErrRPCInvalidPayload
	})
	ws := connect(t, srv)

	resp := call(t, ws, 2, "nonexistent", "")
	assert.Equal(t, string(domain.CodeRPCMethodNotFound), resp.Code)

	resp = call(t, ws, 3, "fail", "")
	assert.NotEmpty(t, resp.Error)
	assert.Equal(t, string(domain.CodeRPCInvalidPayload), resp.Code)
}

func TestServerDefaultTopicsSkipStoreEvents(t *testing.T) {
	bus := &testBus{}
	srv := startTestServer(t, bus)
	ws := connect(t, srv)

	bus.Publish(context.Background(), domain.NewEvent(domain.EventStoreChanged, "agents/a", time.Now(), nil))
	bus.Publish(context.Background(), domain.NewEvent(domain.EventAgentDiscovered, "agent-a", time.Now(), nil))

	f, ok := readEvent(t, ws, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, FrameTypeEvent, f.Type)
	assert.Equal(t, string(domain.EventAgentDiscovered), f.Event)

	var ev domain.Event
	require.NoError(t, json.Unmarshal(f.Payload, &ev))
	assert.Equal(t, "agent-a", ev.Subject)
}

func TestServerTopicQuery(t *testing.T) {
	bus := &testBus{}
	srv := startTestServer(t, bus)
	ws := connect(t, srv, "events=consensus.,workflow.completed")

	bus.Publish(context.Background(), domain.NewEvent(domain.EventAgentDiscovered, "agent-a", time.Now(), nil))
	bus.Publish(context.Background(), domain.NewEvent(domain.EventWorkflowStarted, "e-1", time.Now(), nil))
	bus.Publish(context.Background(), domain.NewEvent(domain.EventProposalCreated, "p-1", time.Now(), nil))

	f, ok := readEvent(t, ws, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, string(domain.EventProposalCreated), f.Event)
}

func TestServerSubscribeRPC(t *testing.T) {
	bus := &testBus{}
	srv := startTestServer(t, bus)
	ws := connect(t, srv)

	resp := call(t, ws, 1, MethodSubscribe, `{"events":[" store. ",""]}`)
	require.Empty(t, resp.Error)
	assert.JSONEq(t, `{"events":["store."]}`, string(resp.Payload))

	bus.Publish(context.Background(), domain.NewEvent(domain.EventAgentDiscovered, "agent-a", time.Now(), nil))
	bus.Publish(context.Background(), domain.NewEvent(domain.EventStoreChanged, "agents/a", time.Now(), nil))

	f, ok := readEvent(t, ws, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, string(domain.EventStoreChanged), f.Event)

	resp = call(t, ws, 2, MethodSubscribe, `not json`)
	assert.Equal(t, string(domain.CodeRPCInvalidPayload), resp.Code)
}

func TestServerSlowClientDoesNotBlock(t *testing.T) {
	bus := &testBus{}
	srv := startTestServer(t, bus)
	connect(t, srv) // never reads

	done := make(chan struct{})
	go func() {
		for i := 0; i < 4*sendQueue; i++ {
			bus.Publish(context.Background(), domain.NewEvent(domain.EventMessageDelivered, "m", time.Now(), nil))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publishing blocked on a slow client")
	}
}

func TestServerDisconnectAndStop(t *testing.T) {
	bus := &testBus{}
	srv := startTestServer(t, bus)
	ws := connect(t, srv)

	ws.Close(websocket.StatusNormalClosure, "bye")
	require.Eventually(t, func() bool { return srv.Clients() == 0 }, 2*time.Second, 5*time.Millisecond)
	bus.Publish(context.Background(), domain.NewEvent(domain.EventMessageDelivered, "m", time.Now(), nil))

	connect(t, srv)
	require.NoError(t, srv.Stop(context.Background()))
	assert.Equal(t, 0, srv.Clients())

	bus.mu.Lock()
	defer bus.mu.Unlock()
	assert.Empty(t, bus.handlers, "Stop drops the bus subscription")
}

func TestServerConcurrentClients(t *testing.T) {
	srv := startTestServer(t, &testBus{})
	srv.RegisterHandler("ping", func(context.Context, *ClientInfo, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`"pong"`), nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			ws, _, err := websocket.Dial(ctx, "ws://"+srv.BoundAddr()+"/ws?token=test-token", nil)
			if err != nil {
				t.Errorf("dial: %v", err)
				return
			}
			defer ws.Close(websocket.StatusNormalClosure, "")
			if err := wsjson.Write(ctx, ws, Frame{Type: FrameTypeRequest, ID: id, Method: "ping"}); err != nil {
				t.Errorf("write: %v", err)
				return
			}
			var resp Frame
			if err := wsjson.Read(ctx, ws, &resp); err != nil {
				t.Errorf("read: %v", err)
				return
			}
			if string(resp.Payload) != `"pong"` {
				t.Errorf("client %d: payload = %s", id, resp.Payload)
			}
		}(uint64(i + 1))
	}
	wg.Wait()
}

func TestServerMiddlewareOrder(t *testing.T) {
	srv := NewServer(&testBus{}, newTestAuth(), "127.0.0.1:0", nil)
	var order []string
	mark := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	srv.Use(mark("outer"), mark("inner"))
	srv.RegisterHTTPRoute("/ping", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	srv.SetFallback(http.NotFoundHandler())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"outer", "inner"}, order)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/elsewhere", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
