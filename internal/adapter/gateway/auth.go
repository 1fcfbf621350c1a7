package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"a2a-coordinator/internal/domain"
)

// Authentication methods recorded on ClientInfo.
const (
	AuthJWT       = "jwt"
	AuthAPIKey    = "api_key"
	AuthAgent     = "agent"
	AuthAnonymous = "anonymous"
)

// ClientInfo holds metadata about an authenticated gateway client.
type ClientInfo struct {
	Name    string   `json:"name"`
	Method  string   `json:"method"`
	AgentID string   `json:"agent_id,omitempty"`
	Roles   []string `json:"roles,omitempty"`
}

// Authenticator validates websocket connection tokens.
type Authenticator interface {
	Authenticate(token string) (*ClientInfo, error)
}

// APIKey is a static key accepted in the x-api-key header.
type APIKey struct {
	Key  string
	Name string
}

// AuthConfig configures request authentication.
type AuthConfig struct {
	JWTSecret   string
	APIKeys     []APIKey
	AgentSecret string // HMAC-SHA256 key for x-agent-signature; empty skips the signature check
	CacheTTL    time.Duration
	CacheSize   int
	Clock       domain.Clock
}

// AgentLookup resolves agents presenting an agent signature.
type AgentLookup interface {
	Profile(agentID string) (domain.AgentProfile, error)
}

type apiKeyEntry struct {
	key  []byte
	name string
}

// cacheEntry is a successful authentication. until, when set, is the
// credential's own expiry and cuts the cache TTL short.
type cacheEntry struct {
	info  *ClientInfo
	until time.Time
}

// Auth checks bearer JWTs, API keys and agent signatures, in that order.
// Successful results are cached per credential for the configured TTL, never
// past a token's exp.
type Auth struct {
	jwtSecret   []byte
	keys        []apiKeyEntry
	agentSecret []byte
	agents      AgentLookup
	clock       domain.Clock
	cache       *expirable.LRU[string, cacheEntry]
}

// NewAuth builds an Auth. agents may be nil, in which case agent signatures
// are rejected.
func NewAuth(cfg AuthConfig, agents AgentLookup) *Auth {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}
	a := &Auth{
		agents: agents,
		clock:  domain.ClockOrSystem(cfg.Clock),
		cache:  expirable.NewLRU[string, cacheEntry](cfg.CacheSize, nil, cfg.CacheTTL),
	}
	if cfg.JWTSecret != "" {
		a.jwtSecret = []byte(cfg.JWTSecret)
	}
	if cfg.AgentSecret != "" {
		a.agentSecret = []byte(cfg.AgentSecret)
	}
	for _, k := range cfg.APIKeys {
		if k.Key == "" {
			continue
		}
		a.keys = append(a.keys, apiKeyEntry{key: []byte(k.Key), name: k.Name})
	}
	return a
}

// AuthenticateRequest inspects the request headers. Without credentials the
// request passes only when a route was found and allows anonymous access.
func (a *Auth) AuthenticateRequest(h http.Header, route Route, found bool) (*ClientInfo, error) {
	authz := h.Get("Authorization")
	apiKey := h.Get("X-Api-Key")
	agentID := h.Get("X-Agent-Id")
	sig := h.Get("X-Agent-Signature")

	var key string
	switch {
	case strings.HasPrefix(authz, "Bearer "):
		key = "jwt:" + authz
	case apiKey != "":
		key = "key:" + apiKey
	case agentID != "":
		key = "agent:" + agentID + ":" + sig
	default:
		if found && !route.AuthRequired {
			return &ClientInfo{Name: AuthAnonymous, Method: AuthAnonymous}, nil
		}
		return nil, authError("missing credentials")
	}

	if e, ok := a.cache.Get(key); ok {
		if e.until.IsZero() || a.clock.Now().Before(e.until) {
			return e.info, nil
		}
		a.cache.Remove(key)
	}

	var (
		info  *ClientInfo
		until time.Time
		err   error
	)
	switch {
	case strings.HasPrefix(key, "jwt:"):
		info, until, err = a.verifyJWT(strings.TrimPrefix(authz, "Bearer "))
	case strings.HasPrefix(key, "key:"):
		info, err = a.verifyKey(apiKey)
	default:
		info, err = a.verifyAgent(agentID, sig)
	}
	if err != nil {
		return nil, err
	}
	a.cache.Add(key, cacheEntry{info: info, until: until})
	return info, nil
}

// Forget drops cached results for agentID, so the next request re-checks
// its status. It returns the number of entries removed.
func (a *Auth) Forget(agentID string) int {
	prefix := "agent:" + agentID + ":"
	n := 0
	for _, k := range a.cache.Keys() {
		if strings.HasPrefix(k, prefix) && a.cache.Remove(k) {
			n++
		}
	}
	return n
}

// Authenticate implements Authenticator for websocket tokens: an API key or
// a JWT.
func (a *Auth) Authenticate(token string) (*ClientInfo, error) {
	if token == "" {
		return nil, authError("missing token")
	}
	if info, err := a.verifyKey(token); err == nil {
		return info, nil
	}
	info, _, err := a.verifyJWT(token)
	return info, err
}

// CacheLen returns the number of cached credentials.
func (a *Auth) CacheLen() int { return a.cache.Len() }

func (a *Auth) verifyKey(key string) (*ClientInfo, error) {
	b := []byte(key)
	for _, e := range a.keys {
		if subtle.ConstantTimeCompare(b, e.key) == 1 {
			return &ClientInfo{Name: e.name, Method: AuthAPIKey}, nil
		}
	}
	return nil, authError("unknown api key")
}

// verifyJWT also returns the token's exp, zero when it has none.
func (a *Auth) verifyJWT(raw string) (*ClientInfo, time.Time, error) {
	var none time.Time
	if a.jwtSecret == nil {
		return nil, none, authError("bearer tokens not accepted")
	}
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.jwtSecret, nil
	}, jwt.WithTimeFunc(a.clock.Now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, none, authError("token expired")
		}
		return nil, none, authError("invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, none, authError("invalid token")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, none, authError("token missing sub")
	}
	var until time.Time
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		until = exp.Time
	}
	info := &ClientInfo{Name: sub, Method: AuthJWT}
	if roles, ok := claims["roles"].([]any); ok {
		for _, r := range roles {
			if s, ok := r.(string); ok {
				info.Roles = append(info.Roles, s)
			}
		}
	}
	return info, until, nil
}

func (a *Auth) verifyAgent(agentID, sig string) (*ClientInfo, error) {
	if a.agents == nil {
		return nil, authError("agent authentication disabled")
	}
	if a.agentSecret != nil {
		want, _ := hex.DecodeString(SignAgent(string(a.agentSecret), agentID))
		got, err := hex.DecodeString(sig)
		if err != nil || !hmac.Equal(got, want) {
			return nil, authError("bad agent signature")
		}
	}
	p, err := a.agents.Profile(agentID)
	if err != nil || !p.IsActive() {
		return nil, authError("agent not active")
	}
	return &ClientInfo{Name: agentID, Method: AuthAgent, AgentID: agentID}, nil
}

// SignAgent returns the hex HMAC-SHA256 of agentID under secret, the value
// agents send in x-agent-signature.
func SignAgent(secret, agentID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(agentID))
	return hex.EncodeToString(mac.Sum(nil))
}

func authError(detail string) error {
	return domain.NewSubSystemError("gateway", "Auth.Authenticate", domain.ErrAuthInvalid, detail)
}
