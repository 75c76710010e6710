package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDelayProgression(t *testing.T) {
	policy := Policy{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		Multiplier:  2.0,
		MaxDelay:    3 * time.Second,
	}

	expected := []time.Duration{
		500 * time.Millisecond,
		1 * time.Second,
		2 * time.Second,
		3 * time.Second, // capped
		3 * time.Second, // stays capped
	}

	for attempt, want := range expected {
		if got := policy.Delay(attempt); got != want {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, want)
		}
	}
}

func TestDelayDefaults(t *testing.T) {
	var policy Policy

	if got := policy.Delay(0); got != 500*time.Millisecond {
		t.Errorf("zero-value policy Delay(0) = %v, want 500ms", got)
	}
	// multiplier below 1 must not shrink the delay
	policy = Policy{BaseDelay: time.Second, Multiplier: 0.5}
	if got := policy.Delay(3); got != time.Second {
		t.Errorf("Delay with sub-1 multiplier = %v, want 1s", got)
	}
}

func TestDoSucceedsAfterFailures(t *testing.T) {
	policy := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 1}

	calls := 0
	err := policy.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if calls != 3 {
		t.Errorf("op called %d times, want 3", calls)
	}
}

func TestDoReturnsLastErrorOnExhaustion(t *testing.T) {
	policy := Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, Multiplier: 1}

	wantErr := errors.New("still broken")
	calls := 0
	err := policy.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("Do error = %v, want %v", err, wantErr)
	}
	if calls != 2 {
		t.Errorf("op called %d times, want 2", calls)
	}
}

func TestDoRespectsStop(t *testing.T) {
	policy := Policy{MaxAttempts: 5, BaseDelay: time.Millisecond, Multiplier: 1}

	wantErr := errors.New("payload rejected")
	calls := 0
	err := policy.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return Stop(wantErr)
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("Do error = %v, want %v", err, wantErr)
	}
	if calls != 1 {
		t.Errorf("op called %d times after Stop, want 1", calls)
	}
}

func TestDoStopsOnContextCancel(t *testing.T) {
	policy := Policy{MaxAttempts: 10, BaseDelay: time.Hour, Multiplier: 1}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- policy.Do(ctx, func(ctx context.Context) error {
			calls++
			return errors.New("fail")
		})
	}()

	// one call happens immediately, then the policy waits an hour; cancel
	// must interrupt that wait
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Do error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after context cancellation")
	}
	if calls != 1 {
		t.Errorf("op called %d times before cancel, want 1", calls)
	}
}
