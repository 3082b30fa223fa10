package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	quarryErrors "github.com/bardlex/quarry/pkg/errors"
)

func TestReconnectConfig(t *testing.T) {
	config := ReconnectConfig()

	if config.BaseDelay != 100*time.Millisecond {
		t.Errorf("Expected BaseDelay = 100ms, got %v", config.BaseDelay)
	}
	if config.MaxDelay != 30*time.Second {
		t.Errorf("Expected MaxDelay = 30s, got %v", config.MaxDelay)
	}
	if config.Jitter {
		t.Error("Expected reconnect backoff without jitter")
	}
}

func TestDo(t *testing.T) {
	fast := &Config{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2.0,
	}

	tests := []struct {
		name      string
		failures  int
		errType   quarryErrors.ErrorType
		wantCalls int
		wantErr   bool
	}{
		{"succeeds after one retryable failure", 1, quarryErrors.ErrorTypeTransport, 2, false},
		{"gives up at max attempts", 10, quarryErrors.ErrorTypeTransport, 3, true},
		{"stops on non-retryable error", 10, quarryErrors.ErrorTypeValidation, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Do(context.Background(), fast, func() error {
				calls++
				if calls <= tt.failures {
					return quarryErrors.New(tt.errType, "test", "failure")
				}
				return nil
			})
			if (err != nil) != tt.wantErr {
				t.Errorf("Do() error = %v, wantErr %v", err, tt.wantErr)
			}
			if calls != tt.wantCalls {
				t.Errorf("Expected %d calls, got %d", tt.wantCalls, calls)
			}
		})
	}
}

func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	config := &Config{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Second, Multiplier: 2}

	err := Do(ctx, config, func() error {
		cancel()
		return quarryErrors.New(quarryErrors.ErrorTypeNetwork, "test", "network error")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	res, err := DoWithResult(context.Background(), &Config{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2}, func() (string, error) {
		calls++
		if calls == 1 {
			return "", quarryErrors.New(quarryErrors.ErrorTypeTimeout, "test", "slow")
		}
		return "ok", nil
	})
	if err != nil || res != "ok" {
		t.Errorf("DoWithResult() = %q, %v", res, err)
	}
}

func TestBackoff_Sequence(t *testing.T) {
	b := NewBackoff(nil)

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
		3200 * time.Millisecond,
		6400 * time.Millisecond,
		12800 * time.Millisecond,
		25600 * time.Millisecond,
		30 * time.Second,
		30 * time.Second,
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("step %d: got %v, want %v", i, got, w)
		}
	}

	b.Reset()
	if got := b.Next(); got != 100*time.Millisecond {
		t.Errorf("after reset: got %v, want 100ms", got)
	}
}

func TestBackoff_StaysCappedAfterManyFailures(t *testing.T) {
	b := NewBackoff(&Config{BaseDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 2})
	var last time.Duration
	for range 500 {
		last = b.Next()
	}
	if last != time.Second {
		t.Errorf("got %v, want 1s", last)
	}
}

func TestConfig_calculateDelay_WithJitter(t *testing.T) {
	config := &Config{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}

	d := config.calculateDelay(0)
	if d < 100*time.Millisecond || d > 110*time.Millisecond {
		t.Errorf("delay with jitter out of range: %v", d)
	}
}
