package gateway

import (
	"sort"
	"strings"
	"sync"

	"a2a-coordinator/internal/domain"
)

// TargetKind selects the forwarder for a route.
type TargetKind string

const (
	TargetAgent    TargetKind = "agent"
	TargetURL      TargetKind = "url"
	TargetFunction TargetKind = "function"
)

// Route is one entry of the gateway routing table.
type Route struct {
	Path         string     `json:"path"` // may contain :param segments
	Kind         TargetKind `json:"kind"`
	AgentID      string     `json:"agent_id,omitempty"`
	URL          string     `json:"url,omitempty"`
	Function     string     `json:"function,omitempty"`
	AuthRequired bool       `json:"auth_required"`
	Source       string     `json:"source"` // config, function or discovery
}

// FunctionNames are the analytics functions exposed under /api/functions/.
var FunctionNames = []string{
	"pearson_correlation",
	"correlation_matrix",
	"sharpe_ratio",
	"sortino_ratio",
	"value_at_risk",
	"maximum_drawdown",
	"black_scholes",
	"monte_carlo",
	"temporal_correlations",
	"treynor_ratio",
	"information_ratio",
	"calmar_ratio",
	"omega_ratio",
	"expected_shortfall",
	"kelly_criterion",
	"technical_indicators",
}

// FunctionRoutes returns one anonymous route per analytics function.
func FunctionRoutes() []Route {
	out := make([]Route, 0, len(FunctionNames))
	for _, name := range FunctionNames {
		out = append(out, Route{
			Path:     "/api/functions/" + name,
			Kind:     TargetFunction,
			Function: name,
			Source:   "function",
		})
	}
	return out
}

// AgentRoutePath is the gateway path of an agent.
func AgentRoutePath(agentID string) string { return "/api/agents/" + agentID }

// RouteTable resolves request paths: exact match first, then :param patterns
// in registration order.
type RouteTable struct {
	mu       sync.RWMutex
	exact    map[string]Route
	patterns []Route
}

// NewRouteTable builds a table from routes.
func NewRouteTable(routes ...Route) *RouteTable {
	t := &RouteTable{exact: make(map[string]Route)}
	for _, r := range routes {
		t.add(r)
	}
	return t
}

func (t *RouteTable) add(r Route) {
	if strings.Contains(r.Path, "/:") {
		for i, p := range t.patterns {
			if p.Path == r.Path {
				t.patterns[i] = r
				return
			}
		}
		t.patterns = append(t.patterns, r)
		return
	}
	t.exact[r.Path] = r
}

// Add inserts or replaces a route.
func (t *RouteTable) Add(r Route) {
	t.mu.Lock()
	t.add(r)
	t.mu.Unlock()
}

// Resolve returns the route matching path and its positional parameters.
func (t *RouteTable) Resolve(path string) (Route, map[string]string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if r, ok := t.exact[path]; ok {
		return r, nil, true
	}
	for _, r := range t.patterns {
		if params, ok := matchPattern(path, r.Path); ok {
			return r, params, true
		}
	}
	return Route{}, nil, false
}

// SyncAgents replaces the discovery routes with one route per active agent.
// It returns the number of agent routes installed.
func (t *RouteTable) SyncAgents(profiles []domain.AgentProfile) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	for path, r := range t.exact {
		if r.Source == "discovery" {
			delete(t.exact, path)
		}
	}
	n := 0
	for _, p := range profiles {
		if !p.IsActive() {
			continue
		}
		path := AgentRoutePath(p.AgentID)
		if existing, ok := t.exact[path]; ok && existing.Source == "config" {
			continue
		}
		t.exact[path] = Route{
			Path:         path,
			Kind:         TargetAgent,
			AgentID:      p.AgentID,
			AuthRequired: true,
			Source:       "discovery",
		}
		n++
	}
	return n
}

// Routes lists every route sorted by path.
func (t *RouteTable) Routes() []Route {
	t.mu.RLock()
	out := make([]Route, 0, len(t.exact)+len(t.patterns))
	for _, r := range t.exact {
		out = append(out, r)
	}
	out = append(out, t.patterns...)
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Len returns the number of routes.
func (t *RouteTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.exact) + len(t.patterns)
}

func matchPattern(path, pattern string) (map[string]string, bool) {
	pp := strings.Split(path, "/")
	tp := strings.Split(pattern, "/")
	if len(pp) != len(tp) {
		return nil, false
	}
	var params map[string]string
	for i, seg := range tp {
		if strings.HasPrefix(seg, ":") {
			if params == nil {
				params = make(map[string]string)
			}
			params[seg[1:]] = pp[i]
			continue
		}
		if seg != pp[i] {
			return nil, false
		}
	}
	return params, true
}
