// Package clock gives the scheduler, reaper and retry policy an injectable
// notion of "now" so their tests can drive time deterministically instead
// of sleeping.
package clock

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock is the only source of "now" any EdgeMesh component is allowed to
// call directly. Production code uses Real; tests use a Fake.
type Clock interface {
	Now() time.Time
}

// Real wraps time.Now.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

// Fake is a manually-advanced clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a Fake clock pinned at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake clock forward by d and returns the new time.
func (f *Fake) Advance(d time.Duration) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	return f.now
}

// Set pins the fake clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

// IDMinter mints opaque IDs for tasks, nodes and events. Grounded on the
// pack's use of google/uuid for the same purpose (zkoranges-go-claw,
// sipeed-picoclaw) — the teacher itself stamps IDs by hand
// (fmt.Sprintf("job-%d", ...)-style) but EdgeMesh's task/node IDs are
// externally visible identifiers, so a real UUID generator replaces that.
type IDMinter struct{}

// NewTaskID mints a new task ID.
func (IDMinter) NewTaskID() string { return "task-" + uuid.NewString() }

// NewNodeID mints a new node ID.
func (IDMinter) NewNodeID() string { return "node-" + uuid.NewString() }

// NewEventID mints a new event ID.
func (IDMinter) NewEventID() string { return "evt-" + uuid.NewString() }
