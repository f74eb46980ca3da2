package store

import (
	"context"
	"time"

	"github.com/edgemesh-io/edgemesh/controlplane/model"
	"github.com/edgemesh-io/edgemesh/controlplane/scheduler"
)

// Store is the sole authoritative state holder (spec.md §4.1). It exposes a
// narrow set of atomic primitives; no scheduler-side locking logic is
// allowed to leak out of it. Two interchangeable backends satisfy this
// interface: MemoryStore (process-local, default) and RedisStore (durable
// external keystore). All scheduler logic is written against this
// interface only.
type Store interface {
	// Node operations.
	UpsertNode(ctx context.Context, node *model.Node) error
	SetHeartbeat(ctx context.Context, nodeID string, hb model.Heartbeat) error
	SetNodeTrust(ctx context.Context, nodeID string, trusted, revoked *bool) error
	SetNodeDrain(ctx context.Context, nodeID string, draining bool) error
	GetNode(ctx context.Context, nodeID string, now time.Time, th scheduler.FreshnessThresholds) (*model.NodeView, error)
	ListNodes(ctx context.Context, now time.Time, th scheduler.FreshnessThresholds) ([]*model.NodeView, error)

	// Task lifecycle operations.
	EnqueueTask(ctx context.Context, task *model.Task) error
	ClaimTask(ctx context.Context, nodeID string, now time.Time, claimTTL time.Duration, th scheduler.FreshnessThresholds) (*model.Task, error)
	SetTaskStatus(ctx context.Context, taskID string, status model.TaskStatus, now time.Time) error
	CancelTask(ctx context.Context, taskID string) (bool, error)
	RequeueForRetry(ctx context.Context, taskID string, retryAfter time.Time) error
	GetTask(ctx context.Context, taskID string) (*model.Task, error)
	ListTasks(ctx context.Context) ([]*model.Task, error)
	ListQueued(ctx context.Context) ([]*model.Task, error)
	ListRunning(ctx context.Context) ([]*model.Task, error)

	// Results.
	SetTaskResult(ctx context.Context, result *model.TaskResult) error
	GetTaskResult(ctx context.Context, taskID string) (*model.TaskResult, error)

	// DLQ.
	EnqueueDlq(ctx context.Context, entry *model.DlqEntry) error
	ListDlq(ctx context.Context) ([]*model.DlqEntry, error)
	GetDlqEntry(ctx context.Context, taskID string) (*model.DlqEntry, error)
	RequeueFromDlq(ctx context.Context, taskID string) (*model.Task, error)
}
