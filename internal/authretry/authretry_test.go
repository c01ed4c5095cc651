package authretry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/weaveboard/synckit/internal/remote"
)

// fakeSession scripts session behavior per call.
type fakeSession struct {
	sessionErr  error
	refreshErr  error
	refreshes   int
	sessionGets int
}

func (f *fakeSession) GetSession(ctx context.Context) (*remote.SessionInfo, error) {
	f.sessionGets++
	if f.sessionErr != nil {
		return nil, f.sessionErr
	}
	return &remote.SessionInfo{ActorID: "u1", Token: "tok"}, nil
}

func (f *fakeSession) RefreshSession(ctx context.Context) (*remote.SessionInfo, error) {
	f.refreshes++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	f.sessionErr = nil // refresh restores the session
	return &remote.SessionInfo{ActorID: "u1", Token: "tok2"}, nil
}

func authErr() error {
	return remote.WrapClass(remote.ClassAuthExpired, fmt.Errorf("jwt expired"))
}

func TestExecuteSuccess(t *testing.T) {
	sess := &fakeSession{}
	w := New(sess, nil)

	calls := 0
	res, err := w.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if calls != 1 || res.Refreshed || res.Enqueued {
		t.Errorf("unexpected result: calls=%d res=%+v", calls, res)
	}
}

func TestExecuteRefreshesExpiredSessionUpFront(t *testing.T) {
	sess := &fakeSession{sessionErr: authErr()}
	w := New(sess, nil)

	res, err := w.Execute(context.Background(), func(ctx context.Context) error {
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !res.Refreshed || sess.refreshes != 1 {
		t.Errorf("expected one up-front refresh, got %d (res=%+v)", sess.refreshes, res)
	}
}

func TestExecuteExactlyOneAuthRetry(t *testing.T) {
	sess := &fakeSession{}
	w := New(sess, nil)

	t.Run("retry succeeds", func(t *testing.T) {
		calls := 0
		res, err := w.Execute(context.Background(), func(ctx context.Context) error {
			calls++
			if calls == 1 {
				return authErr()
			}
			return nil
		}, nil)
		if err != nil {
			t.Fatalf("retry should succeed: %v", err)
		}
		if calls != 2 || !res.Refreshed {
			t.Errorf("expected one refresh-and-retry, got calls=%d res=%+v", calls, res)
		}
	})

	t.Run("retry fails too", func(t *testing.T) {
		calls := 0
		res, err := w.Execute(context.Background(), func(ctx context.Context) error {
			calls++
			return authErr()
		}, nil)
		if err == nil {
			t.Fatal("persistent auth failure should surface")
		}
		if calls != 2 {
			t.Errorf("exactly two attempts, got %d", calls)
		}
		if res.Class != remote.ClassAuthExpired {
			t.Errorf("class = %s, want auth expired", res.Class)
		}
	})
}

func TestExecuteShortCircuitsKnownExpiredSession(t *testing.T) {
	sess := &fakeSession{}
	w := New(sess, nil)
	ctx := context.Background()

	// A refreshed session that still fails auth marks it expired.
	calls := 0
	if _, err := w.Execute(ctx, func(ctx context.Context) error {
		calls++
		return authErr()
	}, nil); err == nil {
		t.Fatal("persistent auth failure should surface")
	}
	if calls != 2 {
		t.Fatalf("exactly two attempts, got %d", calls)
	}

	// With the refresh endpoint also failing, later calls never attempt
	// the operation; the write is offered to the queue instead.
	sess.refreshErr = authErr()
	enqueued := 0
	res, err := w.Execute(ctx, func(ctx context.Context) error {
		calls++
		return nil
	}, func(ctx context.Context) error {
		enqueued++
		return nil
	})
	if err == nil {
		t.Fatal("known-expired session should fail fast")
	}
	if calls != 2 {
		t.Errorf("operation must not run while the session is known expired, got %d calls", calls)
	}
	if res.Class != remote.ClassAuthExpired || !res.Enqueued || enqueued != 1 {
		t.Errorf("unexpected result: res=%+v enqueued=%d", res, enqueued)
	}

	// A successful refresh clears the mark and operations run again.
	sess.refreshErr = nil
	res, err = w.Execute(ctx, func(ctx context.Context) error {
		calls++
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("recovered session should execute: %v", err)
	}
	if calls != 3 || !res.Refreshed {
		t.Errorf("operation should run after recovery: calls=%d res=%+v", calls, res)
	}
}

func TestExecuteEnqueuesRetryable(t *testing.T) {
	sess := &fakeSession{}
	w := New(sess, nil)

	enqueued := 0
	res, err := w.Execute(context.Background(), func(ctx context.Context) error {
		return remote.WrapClass(remote.ClassTransientNetwork, fmt.Errorf("connection refused"))
	}, func(ctx context.Context) error {
		enqueued++
		return nil
	})
	if err == nil {
		t.Fatal("failed operation should still return its error")
	}
	if enqueued != 1 || !res.Enqueued {
		t.Errorf("retryable failure should enqueue once, got %d (res=%+v)", enqueued, res)
	}
}

func TestExecuteNeverEnqueuesPermanent(t *testing.T) {
	sess := &fakeSession{}
	w := New(sess, nil)

	res, err := w.Execute(context.Background(), func(ctx context.Context) error {
		return remote.WrapClass(remote.ClassVersionConflict, fmt.Errorf("stale version"))
	}, func(ctx context.Context) error {
		t.Fatal("permanent failures must not be enqueued")
		return nil
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if res.Enqueued || res.Class != remote.ClassVersionConflict {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestExecuteNilEnqueueForReplays(t *testing.T) {
	sess := &fakeSession{}
	w := New(sess, nil)

	res, err := w.Execute(context.Background(), func(ctx context.Context) error {
		return remote.WrapClass(remote.ClassTransientNetwork, fmt.Errorf("timeout"))
	}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if res.Enqueued {
		t.Error("nil enqueue must not report Enqueued")
	}
}

func TestRetryWithBackoffStopsOnPermanent(t *testing.T) {
	calls := 0
	err := RetryWithBackoff(context.Background(), BackoffConfig{MaxAttempts: 5, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return remote.WrapClass(remote.ClassValidation, fmt.Errorf("bad payload"))
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("permanent failure should stop immediately, got %d attempts", calls)
	}
}

func TestRetryWithBackoffBounded(t *testing.T) {
	calls := 0
	err := RetryWithBackoff(context.Background(), BackoffConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, func(ctx context.Context) error {
		calls++
		return fmt.Errorf("connection refused")
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if calls != 3 {
		t.Errorf("got %d attempts, want 3", calls)
	}
}

func TestRetryWithBackoffEventualSuccess(t *testing.T) {
	calls := 0
	err := RetryWithBackoff(context.Background(), BackoffConfig{MaxAttempts: 4, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("timeout")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success: %v", err)
	}
	if calls != 3 {
		t.Errorf("got %d attempts, want 3", calls)
	}
}
