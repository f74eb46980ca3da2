// Package incident bundles a DLQ'd task with its recent Event Bus history
// into a single report, for the same "why did this fail" debugging purpose
// the teacher's incident capture served — narrowed from a whole
// state/agent/job bundle down to a task and its events, since EdgeMesh has
// no desired-state or agent job history to attach.
package incident

import (
	"context"
	"errors"
	"time"

	"github.com/edgemesh-io/edgemesh/controlplane/edgeerr"
	"github.com/edgemesh-io/edgemesh/controlplane/model"
)

// Report is a captured failure context for a DLQ'd task.
type Report struct {
	TaskID     string          `json:"task_id"`
	Entry      *model.DlqEntry `json:"dlq_entry"`
	Events     []model.Event   `json:"events"`
	CapturedAt time.Time       `json:"captured_at"`
}

// DlqStore is the subset of controlplane/store.Store capture needs.
type DlqStore interface {
	GetDlqEntry(ctx context.Context, taskID string) (*model.DlqEntry, error)
}

// EventSource is the subset of controlplane/eventbus.Bus capture needs.
type EventSource interface {
	Snapshot() []model.Event
}

// Capture gathers a DLQ entry plus the bus events that mention its taskId.
// Returns (nil, nil) if the task was never parked in the DLQ.
func Capture(ctx context.Context, s DlqStore, bus EventSource, taskID string) (*Report, error) {
	entry, err := s.GetDlqEntry(ctx, taskID)
	if errors.Is(err, edgeerr.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var events []model.Event
	for _, evt := range bus.Snapshot() {
		if evt.TaskID == taskID {
			events = append(events, evt)
		}
	}

	return &Report{
		TaskID:     taskID,
		Entry:      entry,
		Events:     events,
		CapturedAt: time.Now(),
	}, nil
}
