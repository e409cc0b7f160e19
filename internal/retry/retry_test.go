package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"
	"testing"
	"time"
)

type recordingSleeper struct {
	delays []time.Duration
}

func (r *recordingSleeper) sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

func TestDo_NonRetryableAttemptedOnce(t *testing.T) {
	rs := &recordingSleeper{}
	p := NewWithSleeper(DefaultConfig(), rs.sleep)

	calls := 0
	want := Errorf(KindPermanent, "bad request")
	_, err := Do(context.Background(), p, func(context.Context) (int, error) {
		calls++
		return 0, want
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if err != want {
		t.Errorf("err = %v, want %v", err, want)
	}
	if len(rs.delays) != 0 {
		t.Errorf("slept %v, want no sleeps", rs.delays)
	}
}

func TestDo_RetryableExhaustsBudget(t *testing.T) {
	rs := &recordingSleeper{}
	cfg := DefaultConfig()
	cfg.MaxAttempts = 5
	p := NewWithSleeper(cfg, rs.sleep)

	calls := 0
	var last error
	_, err := Do(context.Background(), p, func(context.Context) (string, error) {
		calls++
		last = &Error{Kind: KindServer, Status: 503, Err: fmt.Errorf("attempt %d", calls)}
		return "", last
	})
	if calls != 5 {
		t.Errorf("calls = %d, want 5", calls)
	}
	if err != last {
		t.Errorf("err = %v, want last attempt error %v", err, last)
	}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second}
	if len(rs.delays) != len(want) {
		t.Fatalf("delays = %v, want %v", rs.delays, want)
	}
	for i := range want {
		if rs.delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, rs.delays[i], want[i])
		}
	}
}

func TestDo_DefaultBudgetIsTwoAttempts(t *testing.T) {
	rs := &recordingSleeper{}
	p := NewWithSleeper(DefaultConfig(), rs.sleep)

	calls := 0
	_, err := Do(context.Background(), p, func(context.Context) (int, error) {
		calls++
		return 0, Errorf(KindRateLimited, "slow down")
	})
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if KindOf(err) != KindRateLimited {
		t.Errorf("kind = %q, want rate_limited", KindOf(err))
	}
	if len(rs.delays) != 1 || rs.delays[0] != time.Second {
		t.Errorf("delays = %v, want [1s]", rs.delays)
	}
}

func TestDo_SucceedsAfterTransientFailure(t *testing.T) {
	p := NewWithSleeper(DefaultConfig(), (&recordingSleeper{}).sleep)

	calls := 0
	got, err := Do(context.Background(), p, func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", Errorf(KindTimeout, "deadline")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != "ok" || calls != 2 {
		t.Errorf("got %q after %d calls, want ok after 2", got, calls)
	}
}

func TestDo_BadJSONPolicyIgnoresInfraErrors(t *testing.T) {
	p := NewWithSleeper(BadJSONConfig(), (&recordingSleeper{}).sleep)

	calls := 0
	_, _ = Do(context.Background(), p, func(context.Context) (int, error) {
		calls++
		return 0, Errorf(KindServer, "boom")
	})
	if calls != 1 {
		t.Errorf("server error under bad-JSON policy: calls = %d, want 1", calls)
	}

	calls = 0
	_, err := Do(context.Background(), p, func(context.Context) (int, error) {
		calls++
		return 0, Errorf(KindMalformed, "not json")
	})
	if calls != 2 {
		t.Errorf("malformed under bad-JSON policy: calls = %d, want 2", calls)
	}
	if KindOf(err) != KindMalformed {
		t.Errorf("kind = %q, want malformed", KindOf(err))
	}
}

func TestDo_StopsWhenSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := New(DefaultConfig())

	calls := 0
	_, err := Do(ctx, p, func(context.Context) (int, error) {
		calls++
		return 0, Errorf(KindServer, "boom")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"tagged", Errorf(KindMalformed, "x"), KindMalformed},
		{"wrapped tagged", fmt.Errorf("calling oracle: %w", Errorf(KindServer, "x")), KindServer},
		{"deadline", fmt.Errorf("post: %w", context.DeadlineExceeded), KindTimeout},
		{"net timeout", timeoutErr{}, KindTimeout},
		{"reset", fmt.Errorf("read: %w", syscall.ECONNRESET), KindConnectionReset},
		{"eof", io.ErrUnexpectedEOF, KindConnectionReset},
		{"plain", errors.New("timeout 503 rate limit"), KindPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{429, KindRateLimited},
		{500, KindServer},
		{503, KindServer},
		{400, KindPermanent},
		{401, KindPermanent},
	}
	for _, tt := range tests {
		if got := KindOf(HTTPStatus(tt.status, "")); got != tt.want {
			t.Errorf("HTTPStatus(%d) kind = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestClassify(t *testing.T) {
	if err := Classify(context.Canceled); err != context.Canceled {
		t.Errorf("cancellation should pass through, got %v", err)
	}
	tagged := Errorf(KindServer, "x")
	if err := Classify(tagged); err != tagged {
		t.Error("tagged error should pass through unchanged")
	}
	if KindOf(Classify(io.EOF)) != KindConnectionReset {
		t.Error("io.EOF should classify as connection_reset")
	}
}
