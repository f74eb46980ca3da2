package store

import (
	"context"
	"testing"
	"time"

	"github.com/edgemesh-io/edgemesh/controlplane/model"
	"github.com/edgemesh-io/edgemesh/controlplane/scheduler"
)

var th = scheduler.DefaultFreshnessThresholds()

func registerHealthyNode(t *testing.T, s *MemoryStore, ctx context.Context, nodeID string, tags []string, maxConcurrent int, now time.Time) {
	t.Helper()
	if err := s.UpsertNode(ctx, &model.Node{NodeID: nodeID, Tags: tags, MaxConcurrentTasks: maxConcurrent, Trusted: true}); err != nil {
		t.Fatalf("UpsertNode: %v", err)
	}
	if err := s.SetHeartbeat(ctx, nodeID, model.Heartbeat{Ts: now, Status: model.HeartbeatHealthy}); err != nil {
		t.Fatalf("SetHeartbeat: %v", err)
	}
}

// S1 — Priority + FIFO.
func TestClaimTask_S1_PriorityAndFIFO(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	registerHealthyNode(t, s, ctx, "n", []string{"linux"}, 10, now)

	s.EnqueueTask(ctx, &model.Task{TaskID: "low", Priority: 1, CreatedAt: now, MaxAttempts: 3})
	s.EnqueueTask(ctx, &model.Task{TaskID: "high", Priority: 10, CreatedAt: now, MaxAttempts: 3})

	first, err := s.ClaimTask(ctx, "n", now, 30*time.Second, th)
	if err != nil || first == nil || first.TaskID != "high" {
		t.Fatalf("first claim = %+v, err=%v, want high", first, err)
	}
	second, err := s.ClaimTask(ctx, "n", now, 30*time.Second, th)
	if err != nil || second == nil || second.TaskID != "low" {
		t.Fatalf("second claim = %+v, err=%v, want low", second, err)
	}
}

// S2 — Tag filter beats priority.
func TestClaimTask_S2_TagFilterBeatsPriority(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	registerHealthyNode(t, s, ctx, "n", []string{"linux"}, 10, now)

	s.EnqueueTask(ctx, &model.Task{TaskID: "gpu-high", Priority: 99, RequiredTags: []string{"gpu"}, CreatedAt: now, MaxAttempts: 3})
	s.EnqueueTask(ctx, &model.Task{TaskID: "linux-low", Priority: 1, RequiredTags: []string{"linux"}, CreatedAt: now, MaxAttempts: 3})

	got, err := s.ClaimTask(ctx, "n", now, 30*time.Second, th)
	if err != nil || got == nil || got.TaskID != "linux-low" {
		t.Fatalf("claim = %+v, err=%v, want linux-low", got, err)
	}
}

// S3 — Lease expiry.
func TestClaimTask_S3_LeaseExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	claimTTL := 5 * time.Millisecond
	registerHealthyNode(t, s, ctx, "n", nil, 10, now)
	s.EnqueueTask(ctx, &model.Task{TaskID: "t", CreatedAt: now, MaxAttempts: 5})

	first, err := s.ClaimTask(ctx, "n", now, claimTTL, th)
	if err != nil || first == nil || first.Attempt != 1 {
		t.Fatalf("first claim = %+v, err=%v, want attempt=1", first, err)
	}

	later := now.Add(10 * time.Millisecond)
	s.SetHeartbeat(ctx, "n", model.Heartbeat{Ts: later, Status: model.HeartbeatHealthy})

	second, err := s.ClaimTask(ctx, "n", later, claimTTL, th)
	if err != nil || second == nil || second.TaskID != "t" || second.Attempt != 2 {
		t.Fatalf("second claim = %+v, err=%v, want t/attempt=2", second, err)
	}
}

// S6 — Stale node skipped.
func TestClaimTask_S6_StaleNodeSkipped(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	thTight := scheduler.FreshnessThresholds{HealthyCutoff: 60 * time.Millisecond, DegradedCutoff: 180 * time.Millisecond}
	start := time.Now()
	registerHealthyNode(t, s, ctx, "n", nil, 10, start)
	s.EnqueueTask(ctx, &model.Task{TaskID: "t", CreatedAt: start, MaxAttempts: 3})

	if got, _ := s.ClaimTask(ctx, "n", start.Add(80*time.Millisecond), 30*time.Second, thTight); got != nil {
		t.Fatalf("degraded node claimed a task: %+v", got)
	}
	if got, _ := s.ClaimTask(ctx, "n", start.Add(200*time.Millisecond), 30*time.Second, thTight); got != nil {
		t.Fatalf("offline node claimed a task: %+v", got)
	}

	fresh := start.Add(210 * time.Millisecond)
	s.SetHeartbeat(ctx, "n", model.Heartbeat{Ts: fresh, Status: model.HeartbeatHealthy})
	got, err := s.ClaimTask(ctx, "n", fresh, 30*time.Second, thTight)
	if err != nil || got == nil || got.TaskID != "t" {
		t.Fatalf("expected claim to succeed after fresh heartbeat, got %+v err=%v", got, err)
	}
}

func TestCancelTask_TerminalIsNoop(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	s.EnqueueTask(ctx, &model.Task{TaskID: "t", CreatedAt: now, MaxAttempts: 1})
	s.SetTaskStatus(ctx, "t", model.TaskStatusDone, now)

	ok, err := s.CancelTask(ctx, "t")
	if err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	if ok {
		t.Fatalf("cancel on terminal task returned true, want false")
	}
}

func TestRequeueFromDlq_ResetsAttempt(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	task := model.Task{TaskID: "t", Attempt: 3, Status: model.TaskStatusFailed, CreatedAt: now}
	s.EnqueueDlq(ctx, &model.DlqEntry{TaskID: "t", Task: task, Reason: model.DlqReasonMaxAttemptsExhausted, EnqueuedAt: now})

	restored, err := s.RequeueFromDlq(ctx, "t")
	if err != nil {
		t.Fatalf("RequeueFromDlq: %v", err)
	}
	if restored.Attempt != 0 || restored.Status != model.TaskStatusQueued {
		t.Fatalf("restored = %+v, want attempt=0 status=queued", restored)
	}
	if _, err := s.GetDlqEntry(ctx, "t"); err == nil {
		t.Fatalf("dlq entry still present after replay")
	}
}
