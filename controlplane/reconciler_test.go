package main

import (
	"context"
	"testing"
	"time"

	"github.com/edgemesh-io/edgemesh/controlplane/clock"
	"github.com/edgemesh-io/edgemesh/controlplane/edgeerr"
	"github.com/edgemesh-io/edgemesh/controlplane/eventbus"
	"github.com/edgemesh-io/edgemesh/controlplane/model"
	"github.com/edgemesh-io/edgemesh/controlplane/scheduler"
	"github.com/edgemesh-io/edgemesh/controlplane/store"
)

func newTestReconciler(s store.Store, clk clock.Clock) *Reconciler {
	return NewReconciler(s, eventbus.New(eventbus.DefaultCapacity), clk, scheduler.DefaultClaimTTL, scheduler.RetryPolicy{}, scheduler.DefaultFreshnessThresholds())
}

func registerHealthyNodeRC(t *testing.T, ctx context.Context, s store.Store, clk clock.Clock, nodeID string) {
	t.Helper()
	if err := s.UpsertNode(ctx, &model.Node{NodeID: nodeID, Trusted: true, MaxConcurrentTasks: 4}); err != nil {
		t.Fatalf("upsert node: %v", err)
	}
	if err := s.SetHeartbeat(ctx, nodeID, model.Heartbeat{Ts: clk.Now(), Status: model.HeartbeatHealthy}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
}

// TestReconciler_S4_RetryThenDlq reproduces spec.md §8 seed scenario S4:
// maxAttempts=1, a single failed result goes straight to the DLQ, and DLQ
// replay resets the attempt counter.
func TestReconciler_S4_RetryThenDlq(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	clk := clock.NewFake(time.Unix(0, 0))
	rc := newTestReconciler(s, clk)

	registerHealthyNodeRC(t, ctx, s, clk, "n1")

	task, err := rc.Submit(ctx, TaskSpec{Kind: "demo", MaxAttempts: 1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	claimed, err := rc.Claim(ctx, "n1")
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v %v", claimed, err)
	}
	if err := rc.Ack(ctx, task.TaskID, "n1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := rc.Result(ctx, task.TaskID, "n1", ResultInput{OK: false, Error: "boom"}); err != nil {
		t.Fatalf("result: %v", err)
	}

	after, err := s.GetTask(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if after.Status != model.TaskStatusFailed {
		t.Fatalf("expected failed, got %s", after.Status)
	}

	entry, err := s.GetDlqEntry(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("get dlq entry: %v", err)
	}
	if entry.Reason != model.DlqReasonMaxAttemptsExhausted {
		t.Fatalf("expected max_attempts_exhausted, got %s", entry.Reason)
	}

	replayed, err := rc.ReplayDlq(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replayed.Status != model.TaskStatusQueued || replayed.Attempt != 0 {
		t.Fatalf("expected queued/attempt=0 after replay, got %s/%d", replayed.Status, replayed.Attempt)
	}

	reclaimed, err := rc.Claim(ctx, "n1")
	if err != nil || reclaimed == nil {
		t.Fatalf("reclaim: %v %v", reclaimed, err)
	}
	if reclaimed.Attempt != 1 {
		t.Fatalf("expected attempt=1 after reclaim, got %d", reclaimed.Attempt)
	}
}

func TestReconciler_AckWrongNode_Rejected(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	clk := clock.NewFake(time.Unix(0, 0))
	rc := newTestReconciler(s, clk)

	registerHealthyNodeRC(t, ctx, s, clk, "n1")
	task, _ := rc.Submit(ctx, TaskSpec{Kind: "demo"})
	if _, err := rc.Claim(ctx, "n1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := rc.Ack(ctx, task.TaskID, "n2"); err != edgeerr.ErrWrongClaimant {
		t.Fatalf("expected ErrWrongClaimant, got %v", err)
	}
}

func TestReconciler_CancelTerminalIsNoop(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	clk := clock.NewFake(time.Unix(0, 0))
	rc := newTestReconciler(s, clk)

	task, _ := rc.Submit(ctx, TaskSpec{Kind: "demo"})
	first, err := rc.Cancel(ctx, task.TaskID)
	if err != nil || !first {
		t.Fatalf("expected first cancel to succeed, got %v %v", first, err)
	}
	second, err := rc.Cancel(ctx, task.TaskID)
	if err != nil || second {
		t.Fatalf("expected second cancel to be a no-op, got %v %v", second, err)
	}
}

// TestReconciler_LateResultAfterCancelIgnored covers spec.md §9 open
// question 3: a result arriving for an already-cancelled task is ignored,
// not an error, and never reaches the DLQ.
func TestReconciler_LateResultAfterCancelIgnored(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	clk := clock.NewFake(time.Unix(0, 0))
	rc := newTestReconciler(s, clk)

	registerHealthyNodeRC(t, ctx, s, clk, "n1")
	task, _ := rc.Submit(ctx, TaskSpec{Kind: "demo"})
	if _, err := rc.Claim(ctx, "n1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := rc.Cancel(ctx, task.TaskID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if err := rc.Result(ctx, task.TaskID, "n1", ResultInput{OK: false, Error: "late"}); err != nil {
		t.Fatalf("result should be ignored, not errored: %v", err)
	}

	after, err := s.GetTask(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if after.Status != model.TaskStatusCancelled {
		t.Fatalf("expected task to remain cancelled, got %s", after.Status)
	}
	if _, err := s.GetDlqEntry(ctx, task.TaskID); err != edgeerr.ErrNotFound {
		t.Fatalf("expected no dlq entry for late result, got err=%v", err)
	}
}
