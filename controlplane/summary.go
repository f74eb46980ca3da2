package main

import (
	"context"

	"github.com/edgemesh-io/edgemesh/controlplane/clock"
	"github.com/edgemesh-io/edgemesh/controlplane/coordination"
	"github.com/edgemesh-io/edgemesh/controlplane/model"
	"github.com/edgemesh-io/edgemesh/controlplane/resilience"
	"github.com/edgemesh-io/edgemesh/controlplane/scheduler"
	"github.com/edgemesh-io/edgemesh/controlplane/store"
)

// Summary is the runs.summary aggregate snapshot (spec.md §6). It decouples
// the HTTP layer from direct Store/Bus access, following the teacher's
// DashboardService aggregation shape — minus the tenant scoping and the
// multi-cluster/"phase" fields the teacher attached, which have no home in
// this spec.
type Summary struct {
	QueueDepth   int `json:"queue_depth"`
	ActiveTasks  int `json:"active_tasks"`
	DlqDepth     int `json:"dlq_depth"`
	NodesHealthy int `json:"nodes_healthy"`
	NodesDegraded int `json:"nodes_degraded"`
	NodesOffline int `json:"nodes_offline"`

	IsLeader     bool  `json:"is_leader"`
	CurrentEpoch int64 `json:"current_epoch"`

	AdmissionMode string `json:"admission_mode"`
	CircuitState  string `json:"circuit_state"`
}

// SummaryService collects runs.summary from the Store, the leader elector
// and the admission controller.
type SummaryService struct {
	store     store.Store
	clk       clock.Clock
	th        scheduler.FreshnessThresholds
	elector   *coordination.LeaderElector
	admission *resilience.AdmissionController
}

func NewSummaryService(s store.Store, clk clock.Clock, th scheduler.FreshnessThresholds, elector *coordination.LeaderElector, admission *resilience.AdmissionController) *SummaryService {
	return &SummaryService{store: s, clk: clk, th: th, elector: elector, admission: admission}
}

func (svc *SummaryService) Collect(ctx context.Context) (Summary, error) {
	queued, err := svc.store.ListQueued(ctx)
	if err != nil {
		return Summary{}, err
	}
	running, err := svc.store.ListRunning(ctx)
	if err != nil {
		return Summary{}, err
	}
	dlq, err := svc.store.ListDlq(ctx)
	if err != nil {
		return Summary{}, err
	}
	nodes, err := svc.store.ListNodes(ctx, svc.clk.Now(), svc.th)
	if err != nil {
		return Summary{}, err
	}

	s := Summary{
		QueueDepth:  len(queued),
		ActiveTasks: len(running),
		DlqDepth:    len(dlq),
	}
	for _, n := range nodes {
		switch n.FreshnessState {
		case model.FreshnessHealthy:
			s.NodesHealthy++
		case model.FreshnessDegraded:
			s.NodesDegraded++
		default:
			s.NodesOffline++
		}
	}

	if svc.elector != nil {
		state := svc.elector.GetState()
		s.IsLeader = state.IsLeader
		s.CurrentEpoch = state.CurrentEpoch
	}
	if svc.admission != nil {
		s.AdmissionMode = string(svc.admission.Mode())
		s.CircuitState = svc.admission.CircuitState().String()
	}

	return s, nil
}
