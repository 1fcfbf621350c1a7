package gateway

import (
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"time"
)

// metricsHandler returns an HTTP handler for GET /metrics in Prometheus text format.
// status may be nil when the gateway runs without a coordinator.
func metricsHandler(c *Controller, status StatusSource, startTime time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		fmt.Fprintf(w, "# HELP a2a_gateway_requests_total Total gateway requests.\n")
		fmt.Fprintf(w, "# TYPE a2a_gateway_requests_total counter\n")
		fmt.Fprintf(w, "a2a_gateway_requests_total %d\n", c.stats.Requests.Load())

		fmt.Fprintf(w, "# HELP a2a_gateway_rejections_total Requests rejected before forwarding, by gate.\n")
		fmt.Fprintf(w, "# TYPE a2a_gateway_rejections_total counter\n")
		fmt.Fprintf(w, "a2a_gateway_rejections_total{gate=\"auth\"} %d\n", c.stats.RejectedAuth.Load())
		fmt.Fprintf(w, "a2a_gateway_rejections_total{gate=\"rate_limit\"} %d\n", c.stats.RejectedRate.Load())
		fmt.Fprintf(w, "a2a_gateway_rejections_total{gate=\"not_found\"} %d\n", c.stats.RejectedRoute.Load())
		fmt.Fprintf(w, "a2a_gateway_rejections_total{gate=\"circuit\"} %d\n", c.stats.RejectedCircuit.Load())

		fmt.Fprintf(w, "# HELP a2a_gateway_upstream_errors_total Forwarding failures.\n")
		fmt.Fprintf(w, "# TYPE a2a_gateway_upstream_errors_total counter\n")
		fmt.Fprintf(w, "a2a_gateway_upstream_errors_total %d\n", c.stats.UpstreamErrors.Load())

		routes := c.stats.Routes()
		keys := make([]string, 0, len(routes))
		for k := range routes {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		fmt.Fprintf(w, "# HELP a2a_gateway_route_requests_total Forwarded requests per route.\n")
		fmt.Fprintf(w, "# TYPE a2a_gateway_route_requests_total counter\n")
		for _, k := range keys {
			rs := routes[k]
			fmt.Fprintf(w, "a2a_gateway_route_requests_total{route=%q,outcome=\"success\"} %d\n", k, rs.Success)
			fmt.Fprintf(w, "a2a_gateway_route_requests_total{route=%q,outcome=\"error\"} %d\n", k, rs.Errors)
		}

		fmt.Fprintf(w, "# HELP a2a_gateway_route_avg_duration_ms Average forwarding latency per route.\n")
		fmt.Fprintf(w, "# TYPE a2a_gateway_route_avg_duration_ms gauge\n")
		for _, k := range keys {
			fmt.Fprintf(w, "a2a_gateway_route_avg_duration_ms{route=%q} %.3f\n", k, routes[k].AvgDuration)
		}

		breakers := c.breakers.States()
		names := make([]string, 0, len(breakers))
		for n := range breakers {
			names = append(names, n)
		}
		sort.Strings(names)
		fmt.Fprintf(w, "# HELP a2a_gateway_breaker_open Whether a route's circuit is open (1) or half-open (0.5).\n")
		fmt.Fprintf(w, "# TYPE a2a_gateway_breaker_open gauge\n")
		for _, n := range names {
			v := 0.0
			switch breakers[n] {
			case "open":
				v = 1
			case "half-open":
				v = 0.5
			}
			fmt.Fprintf(w, "a2a_gateway_breaker_open{route=%q} %g\n", n, v)
		}

		fmt.Fprintf(w, "# HELP a2a_gateway_routes Routes in the routing table.\n")
		fmt.Fprintf(w, "# TYPE a2a_gateway_routes gauge\n")
		fmt.Fprintf(w, "a2a_gateway_routes %d\n", c.routes.Len())

		if status != nil {
			st := status.Status()
			fmt.Fprintf(w, "# HELP a2a_agents_active Active agents.\n")
			fmt.Fprintf(w, "# TYPE a2a_agents_active gauge\n")
			fmt.Fprintf(w, "a2a_agents_active %d\n", st.ActiveAgents)

			fmt.Fprintf(w, "# HELP a2a_agents_total Registered agents.\n")
			fmt.Fprintf(w, "# TYPE a2a_agents_total gauge\n")
			fmt.Fprintf(w, "a2a_agents_total %d\n", st.TotalAgents)

			fmt.Fprintf(w, "# HELP a2a_system_health Mean agent coordination score.\n")
			fmt.Fprintf(w, "# TYPE a2a_system_health gauge\n")
			fmt.Fprintf(w, "a2a_system_health %f\n", st.SystemHealth)

			fmt.Fprintf(w, "# HELP a2a_routing_efficiency Mean routing efficiency.\n")
			fmt.Fprintf(w, "# TYPE a2a_routing_efficiency gauge\n")
			fmt.Fprintf(w, "a2a_routing_efficiency %f\n", st.RoutingEfficiency)

			fmt.Fprintf(w, "# HELP a2a_workflow_success_rate Share of finished workflows that completed.\n")
			fmt.Fprintf(w, "# TYPE a2a_workflow_success_rate gauge\n")
			fmt.Fprintf(w, "a2a_workflow_success_rate %f\n", st.WorkflowSuccessRate)

			fmt.Fprintf(w, "# HELP a2a_consensus_efficiency Consensus efficiency across proposal types.\n")
			fmt.Fprintf(w, "# TYPE a2a_consensus_efficiency gauge\n")
			fmt.Fprintf(w, "a2a_consensus_efficiency %f\n", st.ConsensusEfficiency)

			fmt.Fprintf(w, "# HELP a2a_anomalies_last_hour Anomalies recorded in the last hour.\n")
			fmt.Fprintf(w, "# TYPE a2a_anomalies_last_hour gauge\n")
			fmt.Fprintf(w, "a2a_anomalies_last_hour %d\n", st.AnomaliesLastHour)
		}

		fmt.Fprintf(w, "# HELP a2a_uptime_seconds Seconds since the gateway started.\n")
		fmt.Fprintf(w, "# TYPE a2a_uptime_seconds gauge\n")
		fmt.Fprintf(w, "a2a_uptime_seconds %.0f\n", time.Since(startTime).Seconds())

		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)

		fmt.Fprintf(w, "# HELP go_goroutines Number of goroutines.\n")
		fmt.Fprintf(w, "# TYPE go_goroutines gauge\n")
		fmt.Fprintf(w, "go_goroutines %d\n", runtime.NumGoroutine())

		fmt.Fprintf(w, "# HELP go_memstats_alloc_bytes Bytes of allocated heap objects.\n")
		fmt.Fprintf(w, "# TYPE go_memstats_alloc_bytes gauge\n")
		fmt.Fprintf(w, "go_memstats_alloc_bytes %d\n", mem.Alloc)
	}
}
