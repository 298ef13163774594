// Package metrics wires armon/go-metrics into the daemon the way
// consul's agent does: a single process-wide sink, labeled counters
// and gauges for the C3/C4/C8 components.
package metrics

import (
	"time"

	gometrics "github.com/armon/go-metrics"
)

// Init installs an in-memory metrics sink named serviceName and
// returns it so callers can shut it down or inspect it in tests.
func Init(serviceName string) *gometrics.InmemSink {
	sink := gometrics.NewInmemSink(10*time.Second, time.Minute)
	cfg := gometrics.DefaultConfig(serviceName)
	cfg.EnableHostname = false
	_, _ = gometrics.NewGlobal(cfg, sink)
	return sink
}

// JobAccepted records that a job was accepted for execution.
func JobAccepted(tool string) {
	gometrics.IncrCounter([]string{"jobs", "accepted"}, 1)
	gometrics.IncrCounterWithLabels([]string{"jobs", "accepted", "by_tool"}, 1, []gometrics.Label{{Name: "tool", Value: tool}})
}

// JobRejected records that a job was rejected by policy.
func JobRejected(tool, reason string) {
	gometrics.IncrCounter([]string{"jobs", "rejected"}, 1)
	gometrics.IncrCounterWithLabels([]string{"jobs", "rejected", "by_reason"}, 1, []gometrics.Label{{Name: "reason", Value: reason}})
}

// JobFinished records a job's terminal exit code and wall-clock
// duration.
func JobFinished(tool string, exitCode int32, duration time.Duration) {
	gometrics.IncrCounterWithLabels([]string{"jobs", "finished"}, 1, []gometrics.Label{{Name: "tool", Value: tool}})
	gometrics.AddSample([]string{"jobs", "duration_ms"}, float32(duration.Milliseconds()))
	if exitCode != 0 {
		gometrics.IncrCounter([]string{"jobs", "nonzero_exit"}, 1)
	}
}

// ActiveJobs sets the current in-flight job gauge.
func ActiveJobs(n int) {
	gometrics.SetGauge([]string{"jobs", "active"}, float32(n))
}

// ApprovalOutcome records how a pending approval resolved.
func ApprovalOutcome(outcome string) {
	gometrics.IncrCounterWithLabels([]string{"approvals", "resolved"}, 1, []gometrics.Label{{Name: "outcome", Value: outcome}})
}

// ControllerReconnect records one controller reconnect attempt.
func ControllerReconnect() {
	gometrics.IncrCounter([]string{"controller", "reconnects"}, 1)
}
