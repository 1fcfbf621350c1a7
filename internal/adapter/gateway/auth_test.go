package gateway

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"a2a-coordinator/internal/domain"
)

type fakeAgents struct {
	profiles map[string]domain.AgentProfile
	lookups  int
}

func newFakeAgents(active []string, inactive ...string) *fakeAgents {
	f := &fakeAgents{profiles: make(map[string]domain.AgentProfile)}
	for _, id := range active {
		f.profiles[id] = domain.AgentProfile{AgentID: id, HealthStatus: domain.HealthActive}
	}
	for _, id := range inactive {
		f.profiles[id] = domain.AgentProfile{AgentID: id, HealthStatus: domain.HealthInactive}
	}
	return f
}

func (f *fakeAgents) Profile(id string) (domain.AgentProfile, error) {
	f.lookups++
	p, ok := f.profiles[id]
	if !ok {
		return domain.AgentProfile{}, domain.ErrAgentNotFound
	}
	return p, nil
}

func (f *fakeAgents) Active() []domain.AgentProfile {
	var out []domain.AgentProfile
	for _, p := range f.profiles {
		if p.IsActive() {
			out = append(out, p)
		}
	}
	return out
}

func signJWT(t *testing.T, secret, sub string, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   sub,
		"exp":   exp.Unix(),
		"roles": []string{"operator"},
	})
	s, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func headers(kv ...string) http.Header {
	h := make(http.Header)
	for i := 0; i+1 < len(kv); i += 2 {
		h.Set(kv[i], kv[i+1])
	}
	return h
}

func TestAuthAPIKey(t *testing.T) {
	a := NewAuth(AuthConfig{APIKeys: []APIKey{{Key: "secret-123", Name: "ops"}}}, nil)

	info, err := a.AuthenticateRequest(headers("X-Api-Key", "secret-123"), Route{}, false)
	require.NoError(t, err)
	assert.Equal(t, "ops", info.Name)
	assert.Equal(t, AuthAPIKey, info.Method)

	_, err = a.AuthenticateRequest(headers("X-Api-Key", "wrong"), Route{}, false)
	assert.True(t, errors.Is(err, domain.ErrAuthInvalid))
	assert.Equal(t, domain.CodeAuthInvalid, domain.ErrorCodeOf(err))
}

func TestAuthJWT(t *testing.T) {
	a := NewAuth(AuthConfig{JWTSecret: "jwt-secret"}, nil)

	tok := signJWT(t, "jwt-secret", "dashboard", time.Now().Add(time.Hour))
	info, err := a.AuthenticateRequest(headers("Authorization", "Bearer "+tok), Route{}, false)
	require.NoError(t, err)
	assert.Equal(t, "dashboard", info.Name)
	assert.Equal(t, AuthJWT, info.Method)
	assert.Equal(t, []string{"operator"}, info.Roles)

	forged := signJWT(t, "other-secret", "dashboard", time.Now().Add(time.Hour))
	_, err = a.AuthenticateRequest(headers("Authorization", "Bearer "+forged), Route{}, false)
	assert.ErrorIs(t, err, domain.ErrAuthInvalid)

	expired := signJWT(t, "jwt-secret", "dashboard", time.Now().Add(-time.Minute))
	_, err = a.AuthenticateRequest(headers("Authorization", "Bearer "+expired), Route{}, false)
	assert.ErrorIs(t, err, domain.ErrAuthInvalid)
}

func TestAuthBearerWithoutSecret(t *testing.T) {
	a := NewAuth(AuthConfig{}, nil)
	tok := signJWT(t, "anything", "x", time.Now().Add(time.Hour))
	_, err := a.AuthenticateRequest(headers("Authorization", "Bearer "+tok), Route{}, false)
	assert.ErrorIs(t, err, domain.ErrAuthInvalid)
}

func TestAuthAgentSignature(t *testing.T) {
	agents := newFakeAgents([]string{"agent-a"}, "agent-b")
	a := NewAuth(AuthConfig{AgentSecret: "hmac-key"}, agents)

	info, err := a.AuthenticateRequest(headers(
		"X-Agent-Id", "agent-a",
		"X-Agent-Signature", SignAgent("hmac-key", "agent-a"),
	), Route{}, false)
	require.NoError(t, err)
	assert.Equal(t, "agent-a", info.AgentID)
	assert.Equal(t, AuthAgent, info.Method)

	_, err = a.AuthenticateRequest(headers(
		"X-Agent-Id", "agent-a",
		"X-Agent-Signature", SignAgent("wrong", "agent-a"),
	), Route{}, false)
	assert.ErrorIs(t, err, domain.ErrAuthInvalid)

	_, err = a.AuthenticateRequest(headers(
		"X-Agent-Id", "agent-b",
		"X-Agent-Signature", SignAgent("hmac-key", "agent-b"),
	), Route{}, false)
	assert.ErrorIs(t, err, domain.ErrAuthInvalid, "inactive agents are rejected")
}

func TestAuthCachesSuccess(t *testing.T) {
	agents := newFakeAgents([]string{"agent-a"})
	a := NewAuth(AuthConfig{}, agents)
	h := headers("X-Agent-Id", "agent-a")

	for i := 0; i < 3; i++ {
		_, err := a.AuthenticateRequest(h, Route{}, false)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, agents.lookups)
	assert.Equal(t, 1, a.CacheLen())
}

func TestAuthAnonymous(t *testing.T) {
	a := NewAuth(AuthConfig{}, nil)

	info, err := a.AuthenticateRequest(http.Header{}, Route{Path: "/api/functions/monte_carlo"}, true)
	require.NoError(t, err)
	assert.Equal(t, AuthAnonymous, info.Method)

	_, err = a.AuthenticateRequest(http.Header{}, Route{Path: "/api/agents/x", AuthRequired: true}, true)
	assert.ErrorIs(t, err, domain.ErrAuthInvalid)

	_, err = a.AuthenticateRequest(http.Header{}, Route{}, false)
	assert.ErrorIs(t, err, domain.ErrAuthInvalid, "unknown paths need credentials")
}

func TestAuthenticateToken(t *testing.T) {
	a := NewAuth(AuthConfig{
		JWTSecret: "jwt-secret",
		APIKeys:   []APIKey{{Key: "k1", Name: "cli"}},
	}, nil)

	info, err := a.Authenticate("k1")
	require.NoError(t, err)
	assert.Equal(t, "cli", info.Name)

	info, err = a.Authenticate(signJWT(t, "jwt-secret", "ui", time.Now().Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, "ui", info.Name)

	_, err = a.Authenticate("")
	assert.ErrorIs(t, err, domain.ErrAuthInvalid)
}

func TestAuthCacheStopsAtTokenExpiry(t *testing.T) {
	clock := domain.NewManualClock(t0)
	a := NewAuth(AuthConfig{JWTSecret: "jwt-secret", CacheTTL: 5 * time.Minute, Clock: clock}, nil)
	h := headers("Authorization", "Bearer "+signJWT(t, "jwt-secret", "dashboard", t0.Add(time.Minute)))

	_, err := a.AuthenticateRequest(h, Route{}, false)
	require.NoError(t, err)
	require.Equal(t, 1, a.CacheLen())

	clock.Advance(30 * time.Second)
	_, err = a.AuthenticateRequest(h, Route{}, false)
	require.NoError(t, err, "cached until exp")

	clock.Advance(time.Minute)
	_, err = a.AuthenticateRequest(h, Route{}, false)
	assert.ErrorIs(t, err, domain.ErrAuthInvalid, "expired token rejected inside the cache TTL")
	assert.Equal(t, 0, a.CacheLen())
}

func TestAuthForgetAgent(t *testing.T) {
	agents := newFakeAgents([]string{"agent-a", "agent-c"})
	a := NewAuth(AuthConfig{}, agents)
	ha := headers("X-Agent-Id", "agent-a")
	hc := headers("X-Agent-Id", "agent-c")

	_, err := a.AuthenticateRequest(ha, Route{}, false)
	require.NoError(t, err)
	_, err = a.AuthenticateRequest(hc, Route{}, false)
	require.NoError(t, err)

	agents.profiles["agent-a"] = domain.AgentProfile{AgentID: "agent-a", HealthStatus: domain.HealthInactive}
	_, err = a.AuthenticateRequest(ha, Route{}, false)
	require.NoError(t, err, "still cached")

	assert.Equal(t, 1, a.Forget("agent-a"))
	_, err = a.AuthenticateRequest(ha, Route{}, false)
	assert.ErrorIs(t, err, domain.ErrAuthInvalid)
	assert.Equal(t, 1, a.CacheLen(), "other agents stay cached")
}
