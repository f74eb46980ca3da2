package main

import (
	"context"
	"log"
	"time"

	"github.com/edgemesh-io/edgemesh/controlplane/clock"
	"github.com/edgemesh-io/edgemesh/controlplane/eventbus"
	"github.com/edgemesh-io/edgemesh/controlplane/model"
	"github.com/edgemesh-io/edgemesh/controlplane/observability"
	"github.com/edgemesh-io/edgemesh/controlplane/resilience"
	"github.com/edgemesh-io/edgemesh/controlplane/scheduler"
	"github.com/edgemesh-io/edgemesh/controlplane/store"
)

// Reaper is the Timeout Reaper (spec.md §4.6): on a fixed period it sweeps
// claimed/running tasks with timeoutMs set and, past timeout, consults the
// Retry Policy to either requeue the task or park it in the DLQ. Tasks
// without timeoutMs, and cancelled/terminal tasks, are untouched. Its
// ticker-and-select shape follows controlplane/coordination's AgentMonitor.
type Reaper struct {
	store  store.Store
	bus    *eventbus.Bus
	clk    clock.Clock
	policy scheduler.RetryPolicy

	interval time.Duration
}

// NewReaper constructs a Reaper with the given tick interval and retry
// policy. A non-positive interval falls back to scheduler.DefaultReaperInterval.
func NewReaper(s store.Store, bus *eventbus.Bus, clk clock.Clock, policy scheduler.RetryPolicy, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = scheduler.DefaultReaperInterval
	}
	return &Reaper{store: s, bus: bus, clk: clk, policy: policy, interval: interval}
}

// Start runs the reaper loop in its own goroutine until ctx is cancelled.
func (r *Reaper) Start(ctx context.Context) {
	go r.loop(ctx)
}

func (r *Reaper) loop(ctx context.Context) {
	log.Printf("timeout reaper started, interval=%v", r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.sweep(ctx); err != nil {
				log.Printf("reaper: %v", err)
			}
		}
	}
}

// sweep performs one reaper tick: enumerate claimed/running tasks with a
// timeout set, and act on the ones past deadline. It returns a
// *resilience.SweepError summarizing the tick whenever at least one task
// examined could not be acted on; a nil error means every past-deadline
// task was either requeued or DLQ'd successfully.
func (r *Reaper) sweep(ctx context.Context) error {
	tasks, err := r.store.ListTasks(ctx)
	if err != nil {
		observability.ReaperSweeps.WithLabelValues("error").Inc()
		return err
	}

	now := r.clk.Now()
	var stats resilience.SweepError
	acted := false

	for _, t := range tasks {
		if t.Status != model.TaskStatusClaimed && t.Status != model.TaskStatusRunning {
			continue
		}
		if t.TimeoutMs <= 0 || t.ClaimedAt == nil {
			continue
		}
		deadline := t.ClaimedAt.Add(time.Duration(t.TimeoutMs) * time.Millisecond)
		if !now.After(deadline) {
			continue
		}

		stats.Total++
		switch r.reapOne(ctx, t, now) {
		case reapOutcomeRequeued:
			stats.Requeued++
		case reapOutcomeDlqd:
			stats.Dlqd++
		case reapOutcomeFailed:
			stats.Failed++
		}
		acted = true
	}

	outcome := "clean"
	if acted {
		outcome = "acted"
	}
	observability.ReaperSweeps.WithLabelValues(outcome).Inc()

	if stats.Failed > 0 {
		return &stats
	}
	return nil
}

type reapOutcome int

const (
	reapOutcomeRequeued reapOutcome = iota
	reapOutcomeDlqd
	reapOutcomeFailed
)

func (r *Reaper) reapOne(ctx context.Context, t *model.Task, now time.Time) reapOutcome {
	decision := scheduler.ComputeRetryDecision(t.Attempt, t.MaxAttempts, r.policy)

	if decision.Retry {
		retryAfter := now.Add(time.Duration(decision.DelayMs) * time.Millisecond)
		if err := r.store.RequeueForRetry(ctx, t.TaskID, retryAfter); err != nil {
			log.Printf("reaper: requeue %s failed: %v", t.TaskID, err)
			return reapOutcomeFailed
		}
		observability.RetriesTotal.WithLabelValues("requeued").Inc()
		if r.bus != nil {
			r.bus.Publish(model.Event{
				Type:   model.EventTaskFailed,
				At:     now,
				TaskID: t.TaskID,
				NodeID: t.AssignedNodeID,
				Detail: map[string]string{
					"reason":   "timeout",
					"retrying": "true",
				},
			})
		}
		return reapOutcomeRequeued
	}

	result := &model.TaskResult{
		TaskID:     t.TaskID,
		NodeID:     t.AssignedNodeID,
		OK:         false,
		Error:      "task_timeout",
		FinishedAt: now,
	}
	if err := r.store.SetTaskResult(ctx, result); err != nil {
		log.Printf("reaper: set result %s failed: %v", t.TaskID, err)
		return reapOutcomeFailed
	}
	if err := r.store.SetTaskStatus(ctx, t.TaskID, model.TaskStatusFailed, now); err != nil {
		log.Printf("reaper: set status %s failed: %v", t.TaskID, err)
		return reapOutcomeFailed
	}

	failedTask := *t
	failedTask.Status = model.TaskStatusFailed
	if err := r.store.EnqueueDlq(ctx, &model.DlqEntry{
		TaskID:     t.TaskID,
		Task:       failedTask,
		LastResult: result,
		Reason:     model.DlqReasonTimeout,
		EnqueuedAt: now,
	}); err != nil {
		log.Printf("reaper: enqueue dlq %s failed: %v", t.TaskID, err)
		return reapOutcomeFailed
	}

	observability.RetriesTotal.WithLabelValues("dlq").Inc()
	if r.bus != nil {
		r.bus.Publish(model.Event{
			Type:   model.EventTaskFailed,
			At:     now,
			TaskID: t.TaskID,
			NodeID: t.AssignedNodeID,
			Detail: map[string]string{
				"reason":   "timeout",
				"retrying": "false",
				"toDlq":    "true",
			},
		})
	}
	return reapOutcomeDlqd
}
