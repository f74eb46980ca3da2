package scheduler

import (
	"testing"
	"time"

	"github.com/edgemesh-io/edgemesh/controlplane/model"
)

func TestEvaluateFreshness(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	th := FreshnessThresholds{HealthyCutoff: 10 * time.Second, DegradedCutoff: 30 * time.Second}

	cases := []struct {
		name string
		hb   *model.Heartbeat
		want model.FreshnessState
	}{
		{"no heartbeat", nil, model.FreshnessOffline},
		{"fresh and healthy", &model.Heartbeat{Ts: now.Add(-1 * time.Second), Status: model.HeartbeatHealthy}, model.FreshnessHealthy},
		{"fresh but self-reported degraded", &model.Heartbeat{Ts: now.Add(-1 * time.Second), Status: model.HeartbeatDegraded}, model.FreshnessDegraded},
		{"aged past healthy cutoff", &model.Heartbeat{Ts: now.Add(-15 * time.Second), Status: model.HeartbeatHealthy}, model.FreshnessDegraded},
		{"aged past degraded cutoff", &model.Heartbeat{Ts: now.Add(-31 * time.Second), Status: model.HeartbeatHealthy}, model.FreshnessOffline},
		{"exactly at healthy cutoff stays healthy", &model.Heartbeat{Ts: now.Add(-10 * time.Second), Status: model.HeartbeatHealthy}, model.FreshnessHealthy},
		{"exactly at degraded cutoff stays degraded", &model.Heartbeat{Ts: now.Add(-30 * time.Second), Status: model.HeartbeatHealthy}, model.FreshnessDegraded},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := EvaluateFreshness(tc.hb, now, th)
			if got != tc.want {
				t.Errorf("EvaluateFreshness() = %v, want %v", got, tc.want)
			}
		})
	}
}

// S6 — stale node skipped (spec.md §8). Pure reproduction of the freshness
// half of the scenario; the claim-skipping half is covered in
// controlplane/scheduler's claim engine tests.
func TestEvaluateFreshness_S6Timeline(t *testing.T) {
	th := FreshnessThresholds{HealthyCutoff: 60 * time.Millisecond, DegradedCutoff: 180 * time.Millisecond}
	start := time.Now()
	hb := &model.Heartbeat{Ts: start, Status: model.HeartbeatHealthy}

	if got := EvaluateFreshness(hb, start.Add(80*time.Millisecond), th); got != model.FreshnessDegraded {
		t.Fatalf("at +80ms: got %v, want degraded", got)
	}
	if got := EvaluateFreshness(hb, start.Add(200*time.Millisecond), th); got != model.FreshnessOffline {
		t.Fatalf("at +200ms: got %v, want offline", got)
	}
}
