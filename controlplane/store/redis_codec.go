package store

import (
	"time"

	"github.com/edgemesh-io/edgemesh/controlplane/model"
)

// redisTask and redisNode are the wire shapes RedisStore actually puts on
// the network. Go's encoding/json marshals time.Time as a quoted RFC3339
// string, but claimScript/cancelScript/requeueRetryScript/
// requeueFromDlqScript all do arithmetic on claimedAt/retryAfter/heartbeat
// age in Lua ("now - node.last_heartbeat.ts", "now * 1000000"), which needs
// a cjson number, not a string. These two structs hold the fields Lua
// touches as epoch integers (ts/claimed_at in the units each script already
// assumes — heartbeat ts in unix millis, claimed_at/retry_after in unix
// nanos) and leave every other field identical to its model.* counterpart.
type redisTask struct {
	TaskID       string         `json:"task_id"`
	Kind         string         `json:"kind"`
	Payload      map[string]any `json:"payload,omitempty"`
	TargetNodeID string         `json:"target_node_id,omitempty"`
	RequiredTags []string       `json:"required_tags,omitempty"`

	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"created_at"`

	MaxAttempts int    `json:"max_attempts"`
	Attempt     int    `json:"attempt"`
	RetryAfter  *int64 `json:"retry_after,omitempty"` // unix nanos

	TimeoutMs      int64  `json:"timeout_ms,omitempty"`
	ClaimedAt      *int64 `json:"claimed_at,omitempty"` // unix nanos
	AssignedNodeID string `json:"assigned_node_id,omitempty"`

	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	Status         model.TaskStatus `json:"status"`
}

func toRedisTask(t *model.Task) *redisTask {
	rt := &redisTask{
		TaskID:         t.TaskID,
		Kind:           t.Kind,
		Payload:        t.Payload,
		TargetNodeID:   t.TargetNodeID,
		RequiredTags:   t.RequiredTags,
		Priority:       t.Priority,
		CreatedAt:      t.CreatedAt,
		MaxAttempts:    t.MaxAttempts,
		Attempt:        t.Attempt,
		TimeoutMs:      t.TimeoutMs,
		AssignedNodeID: t.AssignedNodeID,
		IdempotencyKey: t.IdempotencyKey,
		Status:         t.Status,
	}
	if t.RetryAfter != nil {
		ns := t.RetryAfter.UnixNano()
		rt.RetryAfter = &ns
	}
	if t.ClaimedAt != nil {
		ns := t.ClaimedAt.UnixNano()
		rt.ClaimedAt = &ns
	}
	return rt
}

func fromRedisTask(rt *redisTask) *model.Task {
	t := &model.Task{
		TaskID:         rt.TaskID,
		Kind:           rt.Kind,
		Payload:        rt.Payload,
		TargetNodeID:   rt.TargetNodeID,
		RequiredTags:   rt.RequiredTags,
		Priority:       rt.Priority,
		CreatedAt:      rt.CreatedAt,
		MaxAttempts:    rt.MaxAttempts,
		Attempt:        rt.Attempt,
		TimeoutMs:      rt.TimeoutMs,
		AssignedNodeID: rt.AssignedNodeID,
		IdempotencyKey: rt.IdempotencyKey,
		Status:         rt.Status,
	}
	if rt.RetryAfter != nil {
		ts := time.Unix(0, *rt.RetryAfter)
		t.RetryAfter = &ts
	}
	if rt.ClaimedAt != nil {
		ts := time.Unix(0, *rt.ClaimedAt)
		t.ClaimedAt = &ts
	}
	return t
}

type redisHeartbeat struct {
	Ts           int64                 `json:"ts"` // unix millis
	Status       model.HeartbeatStatus `json:"status"`
	Load         float64               `json:"load"`
	RunningTasks int                   `json:"running_tasks"`
}

type redisNode struct {
	NodeID             string          `json:"node_id"`
	Tags               []string        `json:"tags,omitempty"`
	MaxConcurrentTasks int             `json:"max_concurrent_tasks"`
	Trusted            bool            `json:"trusted"`
	Revoked            bool            `json:"revoked"`
	Draining           bool            `json:"draining"`
	LastHeartbeat      *redisHeartbeat `json:"last_heartbeat,omitempty"`
	RegisteredAt       time.Time       `json:"registered_at"`
}

func toRedisNode(n *model.Node) *redisNode {
	rn := &redisNode{
		NodeID:             n.NodeID,
		Tags:               n.Tags,
		MaxConcurrentTasks: n.MaxConcurrentTasks,
		Trusted:            n.Trusted,
		Revoked:            n.Revoked,
		Draining:           n.Draining,
		RegisteredAt:       n.RegisteredAt,
	}
	if n.LastHeartbeat != nil {
		rn.LastHeartbeat = &redisHeartbeat{
			Ts:           n.LastHeartbeat.Ts.UnixMilli(),
			Status:       n.LastHeartbeat.Status,
			Load:         n.LastHeartbeat.Load,
			RunningTasks: n.LastHeartbeat.RunningTasks,
		}
	}
	return rn
}

func fromRedisNode(rn *redisNode) *model.Node {
	n := &model.Node{
		NodeID:             rn.NodeID,
		Tags:               rn.Tags,
		MaxConcurrentTasks: rn.MaxConcurrentTasks,
		Trusted:            rn.Trusted,
		Revoked:            rn.Revoked,
		Draining:           rn.Draining,
		RegisteredAt:       rn.RegisteredAt,
	}
	if rn.LastHeartbeat != nil {
		n.LastHeartbeat = &model.Heartbeat{
			Ts:           time.UnixMilli(rn.LastHeartbeat.Ts),
			Status:       rn.LastHeartbeat.Status,
			Load:         rn.LastHeartbeat.Load,
			RunningTasks: rn.LastHeartbeat.RunningTasks,
		}
	}
	return n
}
