// Package metrics exposes Prometheus instrumentation for the judge
// session engine: active sessions, identity-pool utilization, and
// compile/test throughput. Purely additive observation — nothing here
// participates in the session protocol's close/done contract.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "judge_active_sessions",
		Help: "Number of currently open /judge WebSocket sessions.",
	})

	identityPoolInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "judge_identity_pool_in_use",
		Help: "Number of sandbox identity slots currently checked out.",
	})

	identityPoolCapacity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "judge_identity_pool_capacity",
		Help: "Configured size of the sandbox identity pool.",
	})

	compilesServed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "judge_compiles_total",
		Help: "Total number of compile stages executed.",
	})

	testsServed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "judge_tests_total",
		Help: "Total number of test-case run stages executed.",
	})
)

// SessionOpened records a new session starting.
func SessionOpened() {
	activeSessions.Inc()
}

// SessionClosed records a session ending, for any reason.
func SessionClosed() {
	activeSessions.Dec()
}

// SetIdentityPool records the current pool utilization, called from the
// sandbox provisioner's acquire/release call sites.
func SetIdentityPool(inUse, capacity int) {
	identityPoolInUse.Set(float64(inUse))
	identityPoolCapacity.Set(float64(capacity))
}

// CompileServed records one completed compile stage.
func CompileServed() {
	compilesServed.Inc()
}

// TestServed records one completed test-case run stage.
func TestServed() {
	testsServed.Inc()
}

// AddTestsServed records n completed test-case run stages, for batched
// runs where incrementing one at a time would be wasteful.
func AddTestsServed(n int) {
	testsServed.Add(float64(n))
}
