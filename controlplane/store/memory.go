package store

import (
	"sync"
	"time"

	"context"

	"github.com/edgemesh-io/edgemesh/controlplane/edgeerr"
	"github.com/edgemesh-io/edgemesh/controlplane/model"
	"github.com/edgemesh-io/edgemesh/controlplane/scheduler"
)

// MemoryStore is the process-local Store backend (spec.md §2 item 2,
// default backend). A single mutex guards every map; the claim algorithm
// runs entirely inside one critical section, which is how the local
// backend satisfies the atomicity contract in §4.1.
type MemoryStore struct {
	mu      sync.RWMutex
	nodes   map[string]*model.Node
	tasks   map[string]*model.Task
	results map[string]*model.TaskResult
	dlq     map[string]*model.DlqEntry
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:   make(map[string]*model.Node),
		tasks:   make(map[string]*model.Task),
		results: make(map[string]*model.TaskResult),
		dlq:     make(map[string]*model.DlqEntry),
	}
}

// --- Node operations ---

func (s *MemoryStore) UpsertNode(ctx context.Context, n *model.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.nodes[n.NodeID]; ok {
		// Creates or replaces capabilities; preserves last heartbeat and
		// trust flags (spec.md §4.1 upsertNode contract).
		n.LastHeartbeat = existing.LastHeartbeat
		n.Trusted = existing.Trusted
		n.Revoked = existing.Revoked
		n.RegisteredAt = existing.RegisteredAt
	} else if n.RegisteredAt.IsZero() {
		n.RegisteredAt = time.Now()
	}
	nodeCopy := *n
	s.nodes[n.NodeID] = &nodeCopy
	return nil
}

func (s *MemoryStore) SetHeartbeat(ctx context.Context, nodeID string, hb model.Heartbeat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[nodeID]
	if !ok {
		return edgeerr.ErrNotFound
	}
	if n.Revoked {
		return edgeerr.ErrNodeRevoked
	}
	hbCopy := hb
	n.LastHeartbeat = &hbCopy
	return nil
}

func (s *MemoryStore) SetNodeTrust(ctx context.Context, nodeID string, trusted, revoked *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[nodeID]
	if !ok {
		return edgeerr.ErrNotFound
	}
	if trusted != nil {
		n.Trusted = *trusted
	}
	if revoked != nil {
		n.Revoked = *revoked
	}
	return nil
}

func (s *MemoryStore) SetNodeDrain(ctx context.Context, nodeID string, draining bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[nodeID]
	if !ok {
		return edgeerr.ErrNotFound
	}
	n.Draining = draining
	return nil
}

func (s *MemoryStore) viewOf(n *model.Node, now time.Time, th scheduler.FreshnessThresholds) *model.NodeView {
	nodeCopy := *n
	return &model.NodeView{
		Node:           nodeCopy,
		FreshnessState: scheduler.EvaluateFreshness(n.LastHeartbeat, now, th),
	}
}

func (s *MemoryStore) GetNode(ctx context.Context, nodeID string, now time.Time, th scheduler.FreshnessThresholds) (*model.NodeView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[nodeID]
	if !ok {
		return nil, edgeerr.ErrNotFound
	}
	return s.viewOf(n, now, th), nil
}

func (s *MemoryStore) ListNodes(ctx context.Context, now time.Time, th scheduler.FreshnessThresholds) ([]*model.NodeView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.NodeView, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, s.viewOf(n, now, th))
	}
	return out, nil
}

// --- Task lifecycle operations ---

func (s *MemoryStore) EnqueueTask(ctx context.Context, t *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t.Status = model.TaskStatusQueued
	taskCopy := *t
	s.tasks[t.TaskID] = &taskCopy
	return nil
}

// countActive implements the capacity gate (§4.3 step 3): tasks currently
// assigned to nodeID in claimed or running.
func (s *MemoryStore) countActive(nodeID string) int {
	n := 0
	for _, t := range s.tasks {
		if t.AssignedNodeID == nodeID && (t.Status == model.TaskStatusClaimed || t.Status == model.TaskStatusRunning) {
			n++
		}
	}
	return n
}

// ClaimTask implements the Claim Engine atop the in-memory map (spec.md
// §4.3), all six steps inside the single mutex held for the whole call —
// this is the local backend's atomicity contract.
func (s *MemoryStore) ClaimTask(ctx context.Context, nodeID string, now time.Time, claimTTL time.Duration, th scheduler.FreshnessThresholds) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Step 1: lease recovery.
	for _, t := range s.tasks {
		if t.Status == model.TaskStatusClaimed && t.ClaimedAt != nil && now.Sub(*t.ClaimedAt) >= claimTTL {
			t.Status = model.TaskStatusQueued
			t.AssignedNodeID = ""
			t.ClaimedAt = nil
		}
	}

	// Step 2: node gate.
	node, ok := s.nodes[nodeID]
	if !ok || !scheduler.NodeEligibleToClaim(node, now, th) {
		return nil, nil
	}

	// Step 3: capacity gate.
	if s.countActive(nodeID) >= node.MaxConcurrentTasks {
		return nil, nil
	}

	// Step 4 + 5: eligibility filter, selection order.
	var queued []*model.Task
	for _, t := range s.tasks {
		if t.Status == model.TaskStatusQueued {
			queued = append(queued, t)
		}
	}
	eligible := scheduler.EligibleForNode(queued, &node.Node, now)
	chosen := scheduler.SelectForClaim(eligible)
	if chosen == nil {
		return nil, nil
	}

	// Step 6: transition.
	chosen.Status = model.TaskStatusClaimed
	claimedAt := now
	chosen.ClaimedAt = &claimedAt
	chosen.AssignedNodeID = nodeID
	chosen.Attempt++

	claimedCopy := *chosen
	return &claimedCopy, nil
}

func (s *MemoryStore) SetTaskStatus(ctx context.Context, taskID string, status model.TaskStatus, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return edgeerr.ErrNotFound
	}
	t.Status = status
	if status != model.TaskStatusClaimed && status != model.TaskStatusRunning {
		t.ClaimedAt = nil
		t.AssignedNodeID = ""
	}
	return nil
}

func (s *MemoryStore) CancelTask(ctx context.Context, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return false, edgeerr.ErrNotFound
	}
	if isTerminal(t.Status) {
		return false, nil
	}
	t.Status = model.TaskStatusCancelled
	t.ClaimedAt = nil
	t.AssignedNodeID = ""
	return true, nil
}

func (s *MemoryStore) RequeueForRetry(ctx context.Context, taskID string, retryAfter time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return edgeerr.ErrNotFound
	}
	t.Status = model.TaskStatusQueued
	t.AssignedNodeID = ""
	t.ClaimedAt = nil
	t.RetryAfter = &retryAfter
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, taskID string) (*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, edgeerr.ErrNotFound
	}
	taskCopy := *t
	return &taskCopy, nil
}

func (s *MemoryStore) ListTasks(ctx context.Context) ([]*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		taskCopy := *t
		out = append(out, &taskCopy)
	}
	return out, nil
}

func (s *MemoryStore) ListQueued(ctx context.Context) ([]*model.Task, error) {
	return s.listByStatus(model.TaskStatusQueued)
}

func (s *MemoryStore) ListRunning(ctx context.Context) ([]*model.Task, error) {
	return s.listByStatus(model.TaskStatusRunning)
}

func (s *MemoryStore) listByStatus(status model.TaskStatus) ([]*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Task
	for _, t := range s.tasks {
		if t.Status == status {
			taskCopy := *t
			out = append(out, &taskCopy)
		}
	}
	return out, nil
}

// --- Results ---

func (s *MemoryStore) SetTaskResult(ctx context.Context, r *model.TaskResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.results[r.TaskID]; exists {
		return edgeerr.ErrAlreadyExists
	}
	resultCopy := *r
	s.results[r.TaskID] = &resultCopy
	return nil
}

func (s *MemoryStore) GetTaskResult(ctx context.Context, taskID string) (*model.TaskResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.results[taskID]
	if !ok {
		return nil, edgeerr.ErrNotFound
	}
	resultCopy := *r
	return &resultCopy, nil
}

// --- DLQ ---

func (s *MemoryStore) EnqueueDlq(ctx context.Context, e *model.DlqEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryCopy := *e
	s.dlq[e.TaskID] = &entryCopy
	return nil
}

func (s *MemoryStore) ListDlq(ctx context.Context) ([]*model.DlqEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.DlqEntry, 0, len(s.dlq))
	for _, e := range s.dlq {
		entryCopy := *e
		out = append(out, &entryCopy)
	}
	return out, nil
}

func (s *MemoryStore) GetDlqEntry(ctx context.Context, taskID string) (*model.DlqEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.dlq[taskID]
	if !ok {
		return nil, edgeerr.ErrNotFound
	}
	entryCopy := *e
	return &entryCopy, nil
}

func (s *MemoryStore) RequeueFromDlq(ctx context.Context, taskID string) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.dlq[taskID]
	if !ok {
		return nil, edgeerr.ErrNotFound
	}
	delete(s.dlq, taskID)

	t := e.Task
	t.Status = model.TaskStatusQueued
	t.Attempt = 0
	t.RetryAfter = nil
	t.ClaimedAt = nil
	t.AssignedNodeID = ""
	taskCopy := t
	s.tasks[t.TaskID] = &taskCopy

	out := taskCopy
	return &out, nil
}

func isTerminal(status model.TaskStatus) bool {
	switch status {
	case model.TaskStatusDone, model.TaskStatusFailed, model.TaskStatusCancelled:
		return true
	default:
		return false
	}
}
