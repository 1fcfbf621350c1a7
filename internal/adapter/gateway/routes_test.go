package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"a2a-coordinator/internal/domain"
)

func TestRouteTableResolve(t *testing.T) {
	table := NewRouteTable(
		Route{Path: "/api/agents/:id/tasks/:task", Kind: TargetAgent},
		Route{Path: "/api/agents/special/tasks/x", Kind: TargetURL, URL: "http://x"},
	)
	table.Add(Route{Path: "/api/reports/:id", Kind: TargetURL})

	r, params, ok := table.Resolve("/api/agents/special/tasks/x")
	require.True(t, ok)
	assert.Equal(t, TargetURL, r.Kind, "exact match wins")
	assert.Nil(t, params)

	r, params, ok = table.Resolve("/api/agents/a1/tasks/t9")
	require.True(t, ok)
	assert.Equal(t, "/api/agents/:id/tasks/:task", r.Path)
	assert.Equal(t, map[string]string{"id": "a1", "task": "t9"}, params)

	_, _, ok = table.Resolve("/api/agents/a1/tasks")
	assert.False(t, ok, "segment counts must match")

	_, _, ok = table.Resolve("/api/reports/7/extra")
	assert.False(t, ok)
}

func TestFunctionRoutes(t *testing.T) {
	routes := FunctionRoutes()
	require.Len(t, routes, 16)
	for _, r := range routes {
		assert.False(t, r.AuthRequired, r.Path)
		assert.Equal(t, TargetFunction, r.Kind)
		assert.Equal(t, "/api/functions/"+r.Function, r.Path)
	}
}

func TestSyncAgentsKeepsConfiguredRoutes(t *testing.T) {
	table := NewRouteTable(Route{Path: AgentRoutePath("pinned"), Kind: TargetURL, URL: "http://pinned", Source: "config"})

	n := table.SyncAgents([]domain.AgentProfile{
		{AgentID: "pinned", HealthStatus: domain.HealthActive},
		{AgentID: "a1", HealthStatus: domain.HealthActive},
		{AgentID: "a2", HealthStatus: domain.HealthError},
	})
	assert.Equal(t, 1, n)

	r, _, ok := table.Resolve("/api/agents/pinned")
	require.True(t, ok)
	assert.Equal(t, TargetURL, r.Kind)

	r, _, ok = table.Resolve("/api/agents/a1")
	require.True(t, ok)
	assert.True(t, r.AuthRequired)
	assert.Equal(t, "a1", r.AgentID)

	assert.Equal(t, 2, table.Len())
	table.SyncAgents(nil)
	assert.Equal(t, 1, table.Len())
}
