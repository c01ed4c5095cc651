// Package authretry wraps remote operations with session handling and the
// engine's retry policy.
//
// The contract is deliberately narrow: an operation runs at most twice. If
// the first attempt fails with an expired session, the wrapper refreshes the
// session and retries exactly once. Any other failure is classified and
// either handed back as permanent or offered to the enqueue callback as
// retryable. The wrapper never loops; open-ended retrying belongs to the
// mutation queue, which is durable and observable.
package authretry

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/weaveboard/synckit/internal/remote"
)

// EnqueueFunc offers a failed-but-retryable operation to the durable queue.
// Returning an error means the queue refused it (hard capacity).
type EnqueueFunc func(ctx context.Context) error

// Wrapper executes remote operations under the session/retry policy.
type Wrapper struct {
	session remote.Session
	logger  *log.Logger

	// expired is set once a refreshed session still fails auth. While set,
	// Execute does not attempt operations; only a successful refresh clears
	// it.
	mu      sync.Mutex
	expired bool
}

// New creates a wrapper over the given auth session.
func New(session remote.Session, logger *log.Logger) *Wrapper {
	if logger == nil {
		logger = log.New(log.Writer(), "[auth] ", log.LstdFlags)
	}
	return &Wrapper{session: session, logger: logger}
}

// Result describes how an Execute call concluded.
type Result struct {
	// Class is the classification of the final error, or empty on success.
	Class remote.ErrorClass

	// Refreshed is true when a session refresh happened during the call.
	Refreshed bool

	// Enqueued is true when the operation was handed to the durable queue.
	Enqueued bool
}

// Execute runs op under the policy.
//
// Flow:
//
//  1. Verify there is a session at all; with none and no way to refresh,
//     fail fast without touching the network.
//  2. Run op. On success, done.
//  3. On an auth-expired failure, refresh the session and retry op once.
//     A second auth failure marks the session expired; until a refresh
//     succeeds, later Execute calls fail fast without attempting the
//     operation (the retryable op is still offered to enqueue).
//  4. Classify the final failure. Permanent classes return the error as-is.
//     Retryable classes are offered to enqueue (when non-nil) and the
//     original error is returned alongside Enqueued=true so the caller can
//     tell the user the change is safe.
//
// Pass a nil enqueue when the operation is itself a queue drain replay;
// re-enqueueing a replayed item would loop forever.
func (w *Wrapper) Execute(ctx context.Context, op func(ctx context.Context) error, enqueue EnqueueFunc) (Result, error) {
	var res Result

	if w.knownExpired() {
		// A prior call proved the session unusable even after a refresh.
		// Try the refresh again, but never the operation itself while the
		// mark stands.
		if _, err := w.session.RefreshSession(ctx); err != nil {
			res.Class = remote.ClassAuthExpired
			if enqueue != nil {
				if qerr := enqueue(ctx); qerr == nil {
					res.Enqueued = true
				}
			}
			return res, fmt.Errorf("session expired: %w", err)
		}
		w.setExpired(false)
		res.Refreshed = true
	} else if _, err := w.session.GetSession(ctx); err != nil {
		if remote.Classify(err) != remote.ClassAuthExpired {
			res.Class = remote.Classify(err)
			return res, fmt.Errorf("session check failed: %w", err)
		}
		// No live session; refresh before the first attempt rather than
		// burning it on a guaranteed 401.
		if _, err := w.session.RefreshSession(ctx); err != nil {
			w.setExpired(true)
			res.Class = remote.ClassAuthExpired
			return res, fmt.Errorf("session refresh failed: %w", err)
		}
		res.Refreshed = true
	}

	err := op(ctx)
	if err == nil {
		return res, nil
	}

	if remote.Classify(err) == remote.ClassAuthExpired && !res.Refreshed {
		w.logger.Printf("session expired mid-operation, refreshing")
		if _, rerr := w.session.RefreshSession(ctx); rerr != nil {
			w.setExpired(true)
			res.Class = remote.ClassAuthExpired
			return res, fmt.Errorf("session refresh failed: %w", rerr)
		}
		res.Refreshed = true

		if err = op(ctx); err == nil {
			return res, nil
		}
	}

	res.Class = remote.Classify(err)
	if res.Class == remote.ClassAuthExpired {
		// The session failed auth even after a refresh. Mark it so later
		// calls stop burning network round trips.
		w.setExpired(true)
	}

	if remote.Retryable(res.Class) && enqueue != nil {
		if qerr := enqueue(ctx); qerr != nil {
			return res, fmt.Errorf("operation failed (%s) and queue refused it: %w", res.Class, qerr)
		}
		res.Enqueued = true
		return res, fmt.Errorf("operation queued for retry: %w", err)
	}

	return res, err
}

func (w *Wrapper) knownExpired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.expired
}

func (w *Wrapper) setExpired(v bool) {
	w.mu.Lock()
	w.expired = v
	w.mu.Unlock()
}

// BackoffConfig bounds RetryWithBackoff.
type BackoffConfig struct {
	// MaxAttempts caps total attempts including the first (default 4).
	MaxAttempts int

	// BaseDelay is the first wait (default 250ms); each retry doubles it.
	BaseDelay time.Duration

	// MaxDelay caps a single wait (default 5s).
	MaxDelay time.Duration
}

// DefaultBackoff returns the standard bounded backoff.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		MaxAttempts: 4,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// RetryWithBackoff runs op with bounded exponential backoff and jitter,
// stopping early on a permanent classification or context cancellation.
//
// This is a helper for short interactive calls (a reconciliation fetch, a
// session probe); queued mutations get their pacing from the queue itself.
func RetryWithBackoff(ctx context.Context, cfg BackoffConfig, op func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultBackoff().MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBackoff().BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultBackoff().MaxDelay
	}

	var lastErr error
	delay := cfg.BaseDelay
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if remote.Permanent(remote.Classify(lastErr)) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		wait := delay + time.Duration(rand.Int63n(int64(delay)/2+1))
		if wait > cfg.MaxDelay {
			wait = cfg.MaxDelay
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
	}
	return fmt.Errorf("gave up after %d attempts: %w", cfg.MaxAttempts, lastErr)
}
