package resilience

import "fmt"

// SweepError summarizes a single Timeout Reaper tick when at least one
// task could not be acted on — requeue/DLQ attempts that failed against
// the Store don't abort the whole sweep, but they are worth surfacing as
// a single error to the caller rather than only a log line each.
type SweepError struct {
	Total    int
	Requeued int
	Dlqd     int
	Failed   int
}

func (e *SweepError) Error() string {
	return fmt.Sprintf("reaper sweep partial failure: %d requeued, %d dlq'd, %d failed (total examined: %d)",
		e.Requeued, e.Dlqd, e.Failed, e.Total)
}
