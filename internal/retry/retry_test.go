package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// recordingSleep captures requested delays without waiting.
type recordingSleep struct {
	delays []time.Duration
}

func (r *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func (r *recordingSleep) total() time.Duration {
	var sum time.Duration
	for _, d := range r.delays {
		sum += d
	}
	return sum
}

var errTimeout = errors.New("i/o timeout")

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	rs := &recordingSleep{}
	calls := 0
	v, err := Do(context.Background(), DefaultPolicy(), func(ctx context.Context) (string, error) {
		calls++
		return "ok", nil
	}, WithSleep(rs.sleep))
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if v != "ok" || calls != 1 {
		t.Fatalf("expected ok after 1 call, got %q after %d", v, calls)
	}
	if len(rs.delays) != 0 {
		t.Fatalf("expected no delay, got %v", rs.delays)
	}
}

func TestDo_TwoTransientFailuresThenSuccess(t *testing.T) {
	rs := &recordingSleep{}
	calls := 0
	v, err := Do(context.Background(), Policy{MaxRetries: 3, BaseDelay: time.Second}, func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, Transient(errTimeout)
		}
		return 7, nil
	}, WithSleep(rs.sleep))
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if v != 7 {
		t.Fatalf("expected 7, got %d", v)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	if rs.total() != 3*time.Second {
		t.Fatalf("expected 1s+2s of backoff, got %v", rs.delays)
	}
	if rs.delays[0] != time.Second || rs.delays[1] != 2*time.Second {
		t.Fatalf("unexpected schedule %v", rs.delays)
	}
}

func TestDo_PermanentFailureStopsImmediately(t *testing.T) {
	rs := &recordingSleep{}
	calls := 0
	sentinel := errors.New("insufficient balance")
	_, err := Do(context.Background(), DefaultPolicy(), func(ctx context.Context) (int, error) {
		calls++
		return 0, sentinel
	}, WithSleep(rs.sleep))
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
	if len(rs.delays) != 0 {
		t.Fatalf("permanent errors must not wait, got %v", rs.delays)
	}
}

func TestDo_ExplicitPermanentOverridesTransient(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), DefaultPolicy(), func(ctx context.Context) (int, error) {
		calls++
		return 0, Permanent(Transient(errTimeout))
	}, WithSleep((&recordingSleep{}).sleep))
	if !errors.Is(err, errTimeout) {
		t.Fatalf("expected wrapped timeout, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_ExhaustsAndReturnsLastError(t *testing.T) {
	rs := &recordingSleep{}
	calls := 0
	p := Policy{MaxRetries: 3, BaseDelay: time.Second}
	_, err := Do(context.Background(), p, func(ctx context.Context) (int, error) {
		calls++
		return 0, Transient(fmt.Errorf("attempt %d: %w", calls, errTimeout))
	}, WithSleep(rs.sleep))
	if calls != p.MaxRetries+1 {
		t.Fatalf("expected %d calls, got %d", p.MaxRetries+1, calls)
	}
	if err == nil || err.Error() != "attempt 4: i/o timeout" {
		t.Fatalf("expected last error, got %v", err)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(rs.delays) != len(want) {
		t.Fatalf("expected %v, got %v", want, rs.delays)
	}
	for i := range want {
		if rs.delays[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, rs.delays)
		}
	}
}

func TestDo_ZeroRetries(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), Policy{MaxRetries: 0, BaseDelay: time.Second}, func(ctx context.Context) (int, error) {
		calls++
		return 0, Transient(errTimeout)
	}, WithSleep((&recordingSleep{}).sleep))
	if err == nil || calls != 1 {
		t.Fatalf("expected a single failing call, got %d calls err=%v", calls, err)
	}
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Do(ctx, Policy{MaxRetries: 5, BaseDelay: time.Hour}, func(ctx context.Context) (int, error) {
		calls++
		cancel()
		return 0, Transient(errTimeout)
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call before cancellation, got %d", calls)
	}
}

func TestDo_ObserverSeesEveryAttempt(t *testing.T) {
	var seen []Attempt
	calls := 0
	_, _ = Do(context.Background(), Policy{MaxRetries: 2, BaseDelay: 10 * time.Millisecond}, func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, Transient(errTimeout)
		}
		return 1, nil
	}, WithSleep((&recordingSleep{}).sleep), WithObserver(func(a Attempt) { seen = append(seen, a) }))

	if len(seen) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(seen))
	}
	if seen[0].Delay != 0 || seen[1].Delay != 10*time.Millisecond || seen[2].Delay != 20*time.Millisecond {
		t.Fatalf("unexpected delays %+v", seen)
	}
	if seen[2].Err != nil {
		t.Fatalf("last attempt should have succeeded: %+v", seen[2])
	}
}

func TestRun_RealTimerShortDelay(t *testing.T) {
	calls := 0
	start := time.Now()
	err := Run(context.Background(), Policy{MaxRetries: 1, BaseDelay: 5 * time.Millisecond}, func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return Transient(errTimeout)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if time.Since(start) < 5*time.Millisecond {
		t.Fatal("expected the real sleeper to wait")
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(errors.New("x")) {
		t.Fatal("untagged errors are not retryable")
	}
	if !IsRetryable(fmt.Errorf("wrap: %w", Transient(errTimeout))) {
		t.Fatal("wrapped transient should be retryable")
	}
	if Transient(nil) != nil || Permanent(nil) != nil {
		t.Fatal("nil in, nil out")
	}
}
