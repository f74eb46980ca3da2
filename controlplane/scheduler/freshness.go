package scheduler

import (
	"time"

	"github.com/edgemesh-io/edgemesh/controlplane/model"
)

// FreshnessThresholds pins the two cutoffs the Freshness Evaluator compares
// heartbeat age against. Defaults match spec.md §4.2 and §6's configuration
// table (10s healthy / 30s degraded).
type FreshnessThresholds struct {
	HealthyCutoff  time.Duration
	DegradedCutoff time.Duration
}

// DefaultFreshnessThresholds returns the spec's documented defaults.
func DefaultFreshnessThresholds() FreshnessThresholds {
	return FreshnessThresholds{
		HealthyCutoff:  10 * time.Second,
		DegradedCutoff: 30 * time.Second,
	}
}

// EvaluateFreshness is the Freshness Evaluator (spec.md §4.2): a pure
// function of (lastHeartbeat, now, thresholds). It never touches the Store
// or the clock directly — callers (Store.GetNode/ListNodes, the Claim
// Engine's node gate) supply both.
func EvaluateFreshness(hb *model.Heartbeat, now time.Time, th FreshnessThresholds) model.FreshnessState {
	if hb == nil {
		return model.FreshnessOffline
	}
	age := now.Sub(hb.Ts)
	if age > th.DegradedCutoff {
		return model.FreshnessOffline
	}
	if age > th.HealthyCutoff {
		return model.FreshnessDegraded
	}
	if hb.Status == model.HeartbeatDegraded {
		return model.FreshnessDegraded
	}
	return model.FreshnessHealthy
}
