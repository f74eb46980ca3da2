package main

import (
	"context"
	"time"

	"github.com/edgemesh-io/edgemesh/controlplane/clock"
	"github.com/edgemesh-io/edgemesh/controlplane/edgeerr"
	"github.com/edgemesh-io/edgemesh/controlplane/eventbus"
	"github.com/edgemesh-io/edgemesh/controlplane/model"
	"github.com/edgemesh-io/edgemesh/controlplane/observability"
	"github.com/edgemesh-io/edgemesh/controlplane/scheduler"
	"github.com/edgemesh-io/edgemesh/controlplane/store"
)

// Reconciler is the Lifecycle Coordinator (spec.md §4.4): it owns the
// task state machine's transitions (submit, claim, ack, result, cancel,
// dlq replay) and is the only component allowed to call the mutating Store
// operations directly. Everything here is a thin composition over
// store.Store, scheduler.ComputeRetryDecision and the Event Bus — the same
// "compare desired vs actual, emit transition" shape the teacher's
// infra-drift Reconciler used, retargeted at task lifecycle instead of
// agent state.
type Reconciler struct {
	store store.Store
	bus   *eventbus.Bus
	clk   clock.Clock
	ids   clock.IDMinter

	claimTTL time.Duration
	policy   scheduler.RetryPolicy
	th       scheduler.FreshnessThresholds
}

// NewReconciler constructs a Reconciler. A non-positive claimTTL falls back
// to scheduler.DefaultClaimTTL.
func NewReconciler(s store.Store, bus *eventbus.Bus, clk clock.Clock, claimTTL time.Duration, policy scheduler.RetryPolicy, th scheduler.FreshnessThresholds) *Reconciler {
	if claimTTL <= 0 {
		claimTTL = scheduler.DefaultClaimTTL
	}
	return &Reconciler{store: s, bus: bus, clk: clk, claimTTL: claimTTL, policy: policy, th: th}
}

// TaskSpec is the caller-supplied portion of a new task (spec.md §6
// task.submit).
type TaskSpec struct {
	Kind           string
	Payload        map[string]any
	TargetNodeID   string
	RequiredTags   []string
	Priority       int
	MaxAttempts    int
	TimeoutMs      int64
	IdempotencyKey string
}

// Submit enqueues a new task (spec.md §6 task.submit). Idempotency-key
// deduplication happens one layer up, in controlplane/idempotency — Submit
// itself always creates a fresh task.
func (r *Reconciler) Submit(ctx context.Context, spec TaskSpec) (*model.Task, error) {
	maxAttempts := spec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	now := r.clk.Now()
	task := &model.Task{
		TaskID:         r.ids.NewTaskID(),
		Kind:           spec.Kind,
		Payload:        spec.Payload,
		TargetNodeID:   spec.TargetNodeID,
		RequiredTags:   spec.RequiredTags,
		Priority:       spec.Priority,
		CreatedAt:      now,
		MaxAttempts:    maxAttempts,
		TimeoutMs:      spec.TimeoutMs,
		IdempotencyKey: spec.IdempotencyKey,
		Status:         model.TaskStatusQueued,
	}

	if err := r.store.EnqueueTask(ctx, task); err != nil {
		return nil, err
	}

	r.emit(model.Event{
		Type:   model.EventTaskEnqueued,
		At:     now,
		TaskID: task.TaskID,
	})

	return task, nil
}

// Claim runs the Claim Engine for a node (spec.md §4.3, §6 node.claim). A
// nil, nil return means no eligible task was found — that is not an error.
func (r *Reconciler) Claim(ctx context.Context, nodeID string) (*model.Task, error) {
	now := r.clk.Now()
	task, err := r.store.ClaimTask(ctx, nodeID, now, r.claimTTL, r.th)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, nil
	}

	observability.ClaimsTotal.WithLabelValues(nodeID).Inc()
	r.emit(model.Event{
		Type:   model.EventTaskClaimed,
		At:     now,
		TaskID: task.TaskID,
		NodeID: nodeID,
	})
	return task, nil
}

// Ack transitions a claimed task to running (spec.md §4.4). It is only
// legal when the task is claimed and nodeID matches the assigned node.
func (r *Reconciler) Ack(ctx context.Context, taskID, nodeID string) error {
	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != model.TaskStatusClaimed {
		return edgeerr.ErrInvalidTransition
	}
	if task.AssignedNodeID != nodeID {
		return edgeerr.ErrWrongClaimant
	}

	now := r.clk.Now()
	if err := r.store.SetTaskStatus(ctx, taskID, model.TaskStatusRunning, now); err != nil {
		return err
	}
	r.emit(model.Event{Type: model.EventTaskRunning, At: now, TaskID: taskID, NodeID: nodeID})
	return nil
}

// ResultInput is the caller-supplied portion of a task.result call.
type ResultInput struct {
	OK     bool
	Output string
	Error  string
}

// Result records a worker's outcome for a task (spec.md §4.4, §4.5). Legal
// on claimed or running tasks whose assigned node matches nodeID. Results
// for an already-terminal task (cancelled, or already reaped as failed)
// are ignored per spec.md §9 open question 3 — no transition, no DLQ
// entry, just a counter bump.
func (r *Reconciler) Result(ctx context.Context, taskID, nodeID string, in ResultInput) error {
	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	if isTerminalStatus(task.Status) {
		observability.LateResultsIgnored.Inc()
		return nil
	}
	if task.Status != model.TaskStatusClaimed && task.Status != model.TaskStatusRunning {
		return edgeerr.ErrInvalidTransition
	}
	if task.AssignedNodeID != nodeID {
		return edgeerr.ErrWrongClaimant
	}

	now := r.clk.Now()

	if in.OK {
		result := &model.TaskResult{
			TaskID: taskID, NodeID: nodeID, OK: true, Output: in.Output, FinishedAt: now,
		}
		if err := r.store.SetTaskResult(ctx, result); err != nil {
			return err
		}
		if err := r.store.SetTaskStatus(ctx, taskID, model.TaskStatusDone, now); err != nil {
			return err
		}
		r.emit(model.Event{Type: model.EventTaskDone, At: now, TaskID: taskID, NodeID: nodeID})
		return nil
	}

	decision := scheduler.ComputeRetryDecision(task.Attempt, task.MaxAttempts, r.policy)

	if decision.Retry {
		retryAfter := now.Add(time.Duration(decision.DelayMs) * time.Millisecond)
		if err := r.store.RequeueForRetry(ctx, taskID, retryAfter); err != nil {
			return err
		}
		observability.RetriesTotal.WithLabelValues("requeued").Inc()
		r.emit(model.Event{
			Type: model.EventTaskFailed, At: now, TaskID: taskID, NodeID: nodeID,
			Detail: map[string]string{"reason": "task_execution_failed", "retrying": "true"},
		})
		return nil
	}

	result := &model.TaskResult{TaskID: taskID, NodeID: nodeID, OK: false, Error: in.Error, FinishedAt: now}
	if err := r.store.SetTaskResult(ctx, result); err != nil {
		return err
	}
	if err := r.store.SetTaskStatus(ctx, taskID, model.TaskStatusFailed, now); err != nil {
		return err
	}

	failedTask := *task
	failedTask.Status = model.TaskStatusFailed
	if err := r.store.EnqueueDlq(ctx, &model.DlqEntry{
		TaskID: taskID, Task: failedTask, LastResult: result,
		Reason: model.DlqReasonMaxAttemptsExhausted, EnqueuedAt: now,
	}); err != nil {
		return err
	}

	observability.RetriesTotal.WithLabelValues("dlq").Inc()
	r.emit(model.Event{
		Type: model.EventTaskFailed, At: now, TaskID: taskID, NodeID: nodeID,
		Detail: map[string]string{"reason": "task_execution_failed", "retrying": "false", "toDlq": "true"},
	})
	return nil
}

// Cancel cancels a task (spec.md §4.4, §6 task.cancel). Returns false when
// the task was already terminal — that is reported as already_terminal at
// the HTTP boundary, not as an error.
func (r *Reconciler) Cancel(ctx context.Context, taskID string) (bool, error) {
	cancelled, err := r.store.CancelTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if !cancelled {
		return false, nil
	}
	r.emit(model.Event{Type: model.EventTaskCancelled, At: r.clk.Now(), TaskID: taskID})
	return true, nil
}

// ReplayDlq re-enqueues a parked task with a reset attempt counter (spec.md
// §4.4, §6 dlq.replay). No node affinity is carried over — any eligible
// node may claim the replayed task.
func (r *Reconciler) ReplayDlq(ctx context.Context, taskID string) (*model.Task, error) {
	task, err := r.store.RequeueFromDlq(ctx, taskID)
	if err != nil {
		return nil, err
	}
	r.emit(model.Event{Type: model.EventTaskEnqueued, At: r.clk.Now(), TaskID: task.TaskID})
	return task, nil
}

func (r *Reconciler) emit(evt model.Event) {
	if r.bus != nil {
		r.bus.Publish(evt)
	}
}

func isTerminalStatus(status model.TaskStatus) bool {
	switch status {
	case model.TaskStatusDone, model.TaskStatusFailed, model.TaskStatusCancelled:
		return true
	default:
		return false
	}
}
