package scheduler

import "time"

const (
	// DefaultClaimTTL is the lease duration after which a claimed task is
	// swept back to queued by the Claim Engine's lease-recovery step
	// (spec.md §4.3 step 1).
	DefaultClaimTTL = 30 * time.Second

	// DefaultReaperInterval is the Timeout Reaper's tick period (spec.md
	// §4.6).
	DefaultReaperInterval = 5 * time.Second

	// DefaultCircuitQueueThreshold is the queue depth past which the submit-path
	// CircuitBreaker trips open (mirrors the teacher's 1000 default).
	DefaultCircuitQueueThreshold = 1000
)
