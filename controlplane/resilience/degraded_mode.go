package resilience

import (
	"log"
	"sync"

	"github.com/edgemesh-io/edgemesh/controlplane/model"
	"github.com/edgemesh-io/edgemesh/controlplane/observability"
	"github.com/edgemesh-io/edgemesh/controlplane/scheduler"
)

// AdmissionController tracks the store-wide AdmissionMode (SPEC_FULL.md's
// supplemented "admission modes on the Claim Engine" feature): normal
// accepts task.submit as usual, drain accepts submits but stops advertising
// new capacity to operators, and freeze rejects task.submit outright. This
// is the operator's manual lever; it sits alongside, not instead of, the
// scheduler's automatic CircuitBreaker, which it now owns and consults on
// every submit. Adapted from the teacher's DegradedMode manager, which
// tracked Redis/DB/NATS dependency health — EdgeMesh has no local-cache
// fallback path for a down backend (every Store operation already returns
// its error straight to the HTTP caller), so that half of the teacher's
// file is dropped; only the guarded, observable mode-switch shape survives.
type AdmissionController struct {
	mu      sync.RWMutex
	mode    model.AdmissionMode
	breaker *scheduler.CircuitBreaker
}

// NewAdmissionController starts in normal mode with the circuit breaker closed.
func NewAdmissionController() *AdmissionController {
	ac := &AdmissionController{
		mode:    model.AdmissionNormal,
		breaker: scheduler.NewCircuitBreaker(scheduler.DefaultCircuitQueueThreshold),
	}
	ac.reportMetric()
	ac.reportCircuitMetric()
	return ac
}

// SetMode switches the admission mode, logging the transition.
func (ac *AdmissionController) SetMode(mode model.AdmissionMode) {
	ac.mu.Lock()
	defer ac.mu.Unlock()

	if ac.mode == mode {
		return
	}
	log.Printf("[ADMISSION] mode %s -> %s", ac.mode, mode)
	ac.mode = mode
	ac.reportMetric()
}

// Mode returns the current admission mode.
func (ac *AdmissionController) Mode() model.AdmissionMode {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	return ac.mode
}

// AllowSubmit reports whether task.submit should be accepted under the
// current mode and queue load. Freeze always rejects; drain still accepts
// new work (it is nodes, not submitters, that are being drained), but both
// normal and drain still defer to the circuit breaker's judgment on
// queueDepth/workerSaturation.
func (ac *AdmissionController) AllowSubmit(queueDepth int, workerSaturation float64) bool {
	if ac.Mode() == model.AdmissionFreeze {
		return false
	}
	admit := ac.breaker.ShouldAdmit(queueDepth, workerSaturation)
	ac.reportCircuitMetric()
	return admit
}

// RecordTaskSuccess and RecordTaskFailure feed task outcomes back to the
// circuit breaker so a half-open breaker can decide whether to close or
// re-open (scheduler.CircuitBreaker's test-traffic sampling).
func (ac *AdmissionController) RecordTaskSuccess() {
	ac.breaker.RecordSuccess()
	ac.reportCircuitMetric()
}

func (ac *AdmissionController) RecordTaskFailure() {
	ac.breaker.RecordFailure()
	ac.reportCircuitMetric()
}

// CircuitState returns the breaker's current state, surfaced on runs.summary.
func (ac *AdmissionController) CircuitState() scheduler.CircuitState {
	return ac.breaker.GetState()
}

func (ac *AdmissionController) reportMetric() {
	for _, m := range []model.AdmissionMode{model.AdmissionNormal, model.AdmissionDrain, model.AdmissionFreeze} {
		v := 0.0
		if m == ac.mode {
			v = 1.0
		}
		observability.AdmissionModeMetric.WithLabelValues(string(m)).Set(v)
	}
}

func (ac *AdmissionController) reportCircuitMetric() {
	state := ac.breaker.GetState()
	for _, s := range []scheduler.CircuitState{scheduler.CircuitClosed, scheduler.CircuitHalfOpen, scheduler.CircuitOpen} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		observability.CircuitBreakerState.WithLabelValues(s.String()).Set(v)
	}
}
