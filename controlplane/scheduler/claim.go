package scheduler

import (
	"sort"
	"time"

	"github.com/edgemesh-io/edgemesh/controlplane/model"
)

// NodeEligibleToClaim is the Claim Engine's node gate (spec.md §4.3 step 2):
// reject if absent is handled by the caller (nil node); here we only check
// the flags and freshness of a node known to exist.
func NodeEligibleToClaim(node *model.Node, now time.Time, th FreshnessThresholds) bool {
	if node == nil {
		return false
	}
	if !node.Trusted || node.Revoked || node.Draining {
		return false
	}
	return EvaluateFreshness(node.LastHeartbeat, now, th) == model.FreshnessHealthy
}

func hasAllTags(have, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, t := range have {
		set[t] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; !ok {
			return false
		}
	}
	return true
}

// EligibleForNode filters queued tasks for the claim engine's eligibility
// filter (spec.md §4.3 step 4): retryAfter passed, target-node routing
// matches, required tags satisfied.
func EligibleForNode(queued []*model.Task, node *model.Node, now time.Time) []*model.Task {
	out := make([]*model.Task, 0, len(queued))
	for _, t := range queued {
		if t.RetryAfter != nil && t.RetryAfter.After(now) {
			continue
		}
		if t.TargetNodeID != "" && t.TargetNodeID != node.NodeID {
			continue
		}
		if !hasAllTags(node.Tags, t.RequiredTags) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// SelectForClaim implements the selection order of spec.md §4.3 step 5:
// priority desc, createdAt asc, taskId asc as the deterministic tie-break.
// It returns the head of the sorted slice, or nil if empty. Input is not
// mutated beyond sort order.
func SelectForClaim(eligible []*model.Task) *model.Task {
	if len(eligible) == 0 {
		return nil
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.TaskID < b.TaskID
	})
	return eligible[0]
}
