package scheduler

import "testing"

func TestComputeRetryDecision_ExhaustedGoesToDlq(t *testing.T) {
	d := ComputeRetryDecision(1, 1, DefaultRetryPolicy())
	if d.Retry || !d.ToDlq || d.DelayMs != 0 {
		t.Fatalf("got %+v, want {Retry:false ToDlq:true DelayMs:0}", d)
	}
}

func TestComputeRetryDecision_ZeroJitterMonotonicity(t *testing.T) {
	policy := RetryPolicy{BaseDelayMs: 250, MaxDelayMs: 10_000, JitterRatio: 0}
	maxAttempts := 10
	prev := int64(-1)
	for attempt := 1; attempt < maxAttempts-1; attempt++ {
		d := ComputeRetryDecision(attempt, maxAttempts, policy)
		if !d.Retry {
			t.Fatalf("attempt %d: expected retry=true before exhaustion", attempt)
		}
		if d.DelayMs < prev {
			t.Fatalf("attempt %d: delayMs %d is less than previous attempt's %d", attempt, d.DelayMs, prev)
		}
		prev = d.DelayMs
	}
}

func TestComputeRetryDecision_ExponentialWithCeiling(t *testing.T) {
	policy := RetryPolicy{BaseDelayMs: 250, MaxDelayMs: 1000, JitterRatio: 0}

	cases := []struct {
		attempt int
		want    int64
	}{
		{1, 250},
		{2, 500},
		{3, 1000}, // would be 1000 anyway
		{4, 1000}, // ceiling kicks in, would be 2000 uncapped
	}
	for _, tc := range cases {
		d := ComputeRetryDecision(tc.attempt, 100, policy)
		if d.DelayMs != tc.want {
			t.Errorf("attempt %d: delayMs = %d, want %d", tc.attempt, d.DelayMs, tc.want)
		}
	}
}

func TestComputeRetryDecision_JitterAdded(t *testing.T) {
	policy := RetryPolicy{BaseDelayMs: 250, MaxDelayMs: 10_000, JitterRatio: 0.1}
	d := ComputeRetryDecision(1, 10, policy)
	if d.DelayMs != 275 { // 250 + round(250*0.1)
		t.Fatalf("delayMs = %d, want 275", d.DelayMs)
	}
}
