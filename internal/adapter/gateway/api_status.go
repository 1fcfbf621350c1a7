package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// RouteStats accumulates outcomes for one "METHOD path" key.
type RouteStats struct {
	Total         int64     `json:"total_requests"`
	Success       int64     `json:"success_count"`
	Errors        int64     `json:"error_count"`
	TotalDuration float64   `json:"total_duration_ms"`
	AvgDuration   float64   `json:"avg_duration_ms"`
	LastRequest   time.Time `json:"last_request"`
}

// Stats tracks gateway counters for the stats API and Prometheus metrics.
type Stats struct {
	Requests        atomic.Int64
	RejectedAuth    atomic.Int64
	RejectedRate    atomic.Int64
	RejectedRoute   atomic.Int64
	RejectedCircuit atomic.Int64
	UpstreamErrors  atomic.Int64

	mu     sync.Mutex
	routes map[string]*RouteStats
}

// NewStats creates empty statistics.
func NewStats() *Stats {
	return &Stats{routes: make(map[string]*RouteStats)}
}

// Record adds one forwarded request. 2xx and 3xx count as success.
func (s *Stats) Record(key string, status int, d time.Duration, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.routes[key]
	if !ok {
		rs = &RouteStats{}
		s.routes[key] = rs
	}
	rs.Total++
	rs.TotalDuration += float64(d.Microseconds()) / 1000
	rs.AvgDuration = rs.TotalDuration / float64(rs.Total)
	rs.LastRequest = at
	if status >= 200 && status < 400 {
		rs.Success++
	} else {
		rs.Errors++
	}
}

// Routes snapshots the per-route statistics.
func (s *Stats) Routes() map[string]RouteStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]RouteStats, len(s.routes))
	for k, v := range s.routes {
		out[k] = *v
	}
	return out
}

// GatewayStats is the JSON body of GET /api/gateway/stats.
type GatewayStats struct {
	Gateway        string                `json:"gateway"`
	Routing        RoutingStats          `json:"routing"`
	RateLimiting   RateLimitStats        `json:"rate_limiting"`
	Authentication AuthStats             `json:"authentication"`
	Performance    PerformanceStats      `json:"performance"`
	Rejections     map[string]int64      `json:"rejections"`
	Breakers       map[string]string     `json:"breakers"`
	Endpoints      map[string]RouteStats `json:"endpoints"`
}

// RoutingStats counts routes.
type RoutingStats struct {
	TotalRoutes  int `json:"total_routes"`
	ActiveRoutes int `json:"active_routes"`
}

// RateLimitStats describes the limiter classes.
type RateLimitStats struct {
	Limiters       map[string]int `json:"limiters"`
	TrackedClients int            `json:"total_tracked_clients"`
}

// AuthStats describes the credential cache.
type AuthStats struct {
	CachedCredentials int `json:"cached_credentials"`
	Providers         int `json:"auth_providers"`
}

// PerformanceStats aggregates forwarded traffic.
type PerformanceStats struct {
	Requests      int64   `json:"requests"`
	AvgResponseMs float64 `json:"avg_response_ms"`
	ErrorRate     float64 `json:"error_rate_percent"`
}

// Stats reports the gateway's counters.
func (c *Controller) Stats() GatewayStats {
	routes := c.stats.Routes()
	breakers := c.breakers.States()

	open := 0
	for _, st := range breakers {
		if st == "open" {
			open++
		}
	}
	var avgSum float64
	var total, errs int64
	for _, rs := range routes {
		avgSum += rs.AvgDuration
		total += rs.Total
		errs += rs.Errors
	}
	perf := PerformanceStats{Requests: c.stats.Requests.Load()}
	if len(routes) > 0 {
		perf.AvgResponseMs = avgSum / float64(len(routes))
	}
	if total > 0 {
		perf.ErrorRate = float64(errs) / float64(total) * 100
	}

	limiters := make(map[string]int)
	for name, lc := range c.limiter.Classes() {
		limiters[name] = lc.Limit
	}

	return GatewayStats{
		Gateway: c.cfg.ID,
		Routing: RoutingStats{
			TotalRoutes:  c.routes.Len(),
			ActiveRoutes: c.routes.Len() - open,
		},
		RateLimiting: RateLimitStats{
			Limiters:       limiters,
			TrackedClients: c.limiter.TrackedClients(),
		},
		Authentication: AuthStats{
			CachedCredentials: c.auth.CacheLen(),
			Providers:         3,
		},
		Performance: perf,
		Rejections: map[string]int64{
			"auth":       c.stats.RejectedAuth.Load(),
			"rate_limit": c.stats.RejectedRate.Load(),
			"not_found":  c.stats.RejectedRoute.Load(),
			"circuit":    c.stats.RejectedCircuit.Load(),
			"upstream":   c.stats.UpstreamErrors.Load(),
		},
		Breakers:  breakers,
		Endpoints: routes,
	}
}

// statsHandler serves GET /api/gateway/stats.
func statsHandler(c *Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, c.Stats())
	}
}

// routesHandler serves GET /api/gateway/routes.
func routesHandler(c *Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, c.routes.Routes())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
