package backoff

import (
	"context"
	"testing"
	"time"
)

// fixedRand returns a constant for deterministic jitter checks.
type fixedRand float64

func (f fixedRand) Float64() float64 { return float64(f) }

func TestDelayBounds(t *testing.T) {
	p := Policy{InitialDelay: time.Second, MaxDelay: 300 * time.Second}

	for attempt := 0; attempt <= 20; attempt++ {
		base := time.Second << attempt
		if base > 300*time.Second || base <= 0 {
			base = 300 * time.Second
		}
		got := p.Delay(attempt)
		if got < base {
			t.Errorf("attempt %d: delay %v below base %v", attempt, got, base)
		}
		if limit := base + base/4; got >= limit {
			t.Errorf("attempt %d: delay %v not below %v", attempt, got, limit)
		}
	}
}

func TestDelayJitterDeterministic(t *testing.T) {
	tests := []struct {
		name    string
		attempt int
		rand    float64
		want    time.Duration
	}{
		{"attempt zero no jitter", 0, 0, time.Second},
		{"attempt zero half jitter", 0, 0.5, 1125 * time.Millisecond},
		{"doubling", 3, 0, 8 * time.Second},
		{"capped", 12, 0, 300 * time.Second},
		{"capped with jitter", 12, 0.5, 300*time.Second + 37500*time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Policy{
				InitialDelay: time.Second,
				MaxDelay:     300 * time.Second,
				Rand:         fixedRand(tt.rand),
			}
			if got := p.Delay(tt.attempt); got != tt.want {
				t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestDelayZeroValueDefaults(t *testing.T) {
	var p Policy
	got := p.Delay(0)
	if got < DefaultInitialDelay || got >= DefaultInitialDelay+DefaultInitialDelay/4 {
		t.Errorf("zero-value Delay(0) = %v, want within [1s, 1.25s)", got)
	}
	got = p.Delay(1000)
	if got < DefaultMaxDelay || got >= DefaultMaxDelay+DefaultMaxDelay/4 {
		t.Errorf("zero-value Delay(1000) = %v, want within [300s, 375s)", got)
	}
}

func TestExhausted(t *testing.T) {
	unbounded := Policy{}
	if unbounded.Exhausted(1 << 20) {
		t.Error("unbounded policy reported exhausted")
	}

	bounded := Policy{MaxAttempts: 3}
	if bounded.Exhausted(2) {
		t.Error("Exhausted(2) with MaxAttempts 3 = true, want false")
	}
	if !bounded.Exhausted(3) {
		t.Error("Exhausted(3) with MaxAttempts 3 = false, want true")
	}
}

func TestSleepCompletes(t *testing.T) {
	if !Sleep(context.Background(), time.Millisecond) {
		t.Error("Sleep returned false without cancellation")
	}
	if !Sleep(context.Background(), 0) {
		t.Error("Sleep(0) returned false without cancellation")
	}
}

func TestSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool, 1)
	go func() { done <- Sleep(ctx, time.Minute) }()
	cancel()

	select {
	case ok := <-done:
		if ok {
			t.Error("Sleep returned true after cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Sleep did not return after cancellation")
	}
}
