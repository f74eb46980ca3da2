package main

import (
	"context"
	"testing"
	"time"

	"github.com/edgemesh-io/edgemesh/controlplane/clock"
	"github.com/edgemesh-io/edgemesh/controlplane/eventbus"
	"github.com/edgemesh-io/edgemesh/controlplane/model"
	"github.com/edgemesh-io/edgemesh/controlplane/scheduler"
	"github.com/edgemesh-io/edgemesh/controlplane/store"
)

// TestReaper_S5_RetryThenDlq reproduces spec.md §8 seed scenario S5: a task
// with timeoutMs=100, maxAttempts=2 is claimed, left to time out once
// (requeued for retry), claimed and left to time out again (parked in the
// DLQ with reason=timeout).
func TestReaper_S5_RetryThenDlq(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	bus := eventbus.New(eventbus.DefaultCapacity)
	clk := clock.NewFake(time.Unix(0, 0))
	th := scheduler.DefaultFreshnessThresholds()
	policy := scheduler.RetryPolicy{BaseDelayMs: 1, MaxDelayMs: 1, JitterRatio: 0}

	node := &model.Node{NodeID: "n1", Trusted: true, MaxConcurrentTasks: 4}
	if err := s.UpsertNode(ctx, node); err != nil {
		t.Fatalf("upsert node: %v", err)
	}
	if err := s.SetHeartbeat(ctx, "n1", model.Heartbeat{Ts: clk.Now(), Status: model.HeartbeatHealthy}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	task := &model.Task{
		TaskID:      "t1",
		Kind:        "demo",
		CreatedAt:   clk.Now(),
		MaxAttempts: 2,
		TimeoutMs:   100,
	}
	if err := s.EnqueueTask(ctx, task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	reaper := NewReaper(s, bus, clk, policy, time.Hour) // driven manually via sweep, not the ticker

	claimed, err := s.ClaimTask(ctx, "n1", clk.Now(), scheduler.DefaultClaimTTL, th)
	if err != nil || claimed == nil {
		t.Fatalf("claim 1: %v %v", claimed, err)
	}
	if claimed.Attempt != 1 {
		t.Fatalf("expected attempt=1 after first claim, got %d", claimed.Attempt)
	}

	clk.Advance(300 * time.Millisecond)
	reaper.sweep(ctx)

	after, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("get after first sweep: %v", err)
	}
	if after.Status != model.TaskStatusQueued {
		t.Fatalf("expected queued after first timeout, got %s", after.Status)
	}

	claimed2, err := s.ClaimTask(ctx, "n1", clk.Now(), scheduler.DefaultClaimTTL, th)
	if err != nil || claimed2 == nil {
		t.Fatalf("claim 2: %v %v", claimed2, err)
	}
	if claimed2.Attempt != 2 {
		t.Fatalf("expected attempt=2 after second claim, got %d", claimed2.Attempt)
	}

	clk.Advance(300 * time.Millisecond)
	reaper.sweep(ctx)

	final, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("get after second sweep: %v", err)
	}
	if final.Status != model.TaskStatusFailed {
		t.Fatalf("expected failed after second timeout, got %s", final.Status)
	}

	entry, err := s.GetDlqEntry(ctx, "t1")
	if err != nil {
		t.Fatalf("get dlq entry: %v", err)
	}
	if entry.Reason != model.DlqReasonTimeout {
		t.Fatalf("expected reason=timeout, got %s", entry.Reason)
	}
}

// TestReaper_IgnoresTasksWithoutTimeout verifies a claimed task with no
// timeoutMs is left untouched indefinitely.
func TestReaper_IgnoresTasksWithoutTimeout(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	bus := eventbus.New(eventbus.DefaultCapacity)
	clk := clock.NewFake(time.Unix(0, 0))
	th := scheduler.DefaultFreshnessThresholds()

	node := &model.Node{NodeID: "n1", Trusted: true, MaxConcurrentTasks: 4}
	_ = s.UpsertNode(ctx, node)
	_ = s.SetHeartbeat(ctx, "n1", model.Heartbeat{Ts: clk.Now(), Status: model.HeartbeatHealthy})

	task := &model.Task{TaskID: "t1", Kind: "demo", CreatedAt: clk.Now(), MaxAttempts: 3}
	_ = s.EnqueueTask(ctx, task)

	if _, err := s.ClaimTask(ctx, "n1", clk.Now(), scheduler.DefaultClaimTTL, th); err != nil {
		t.Fatalf("claim: %v", err)
	}

	reaper := NewReaper(s, bus, clk, scheduler.DefaultRetryPolicy(), time.Hour)
	clk.Advance(time.Hour)
	reaper.sweep(ctx)

	after, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.Status != model.TaskStatusClaimed {
		t.Fatalf("expected still claimed, got %s", after.Status)
	}
}
