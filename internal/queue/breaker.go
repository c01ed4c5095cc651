package queue

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/weaveboard/synckit/internal/remote"
	"github.com/weaveboard/synckit/internal/store"
)

// Breaker states.
const (
	BreakerClosed   = "closed"
	BreakerHalfOpen = "half-open"
	BreakerOpen     = "open"
)

// Breaker is the queue's circuit breaker. It is global to the queue, not
// per entity: its job is to stop hammering a remote store that is failing
// across the board.
//
// Only qualifying failure classes count toward opening it; see
// remote.QualifiesForBreaker. State survives restarts so that a client
// relaunched during an outage does not immediately resume the hammering
// that opened the breaker.
type Breaker struct {
	mu sync.Mutex

	state        string
	failures     int
	openedAt     time.Time
	probeGranted bool

	threshold int
	cooldown  time.Duration

	db     *store.DB
	logger *log.Logger
}

// BreakerConfig tunes the breaker.
type BreakerConfig struct {
	// Threshold is the consecutive qualifying failures that open the
	// breaker (default 5).
	Threshold int

	// Cooldown is how long the breaker stays open before allowing a probe
	// (default 30s).
	Cooldown time.Duration
}

// NewBreaker creates a breaker, restoring persisted state when db is non-nil.
func NewBreaker(db *store.DB, cfg BreakerConfig, logger *log.Logger) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[breaker] ", log.LstdFlags)
	}

	b := &Breaker{
		state:     BreakerClosed,
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
		db:        db,
		logger:    logger,
	}

	if db != nil {
		if saved, err := db.LoadBreakerState(context.Background()); err != nil {
			logger.Printf("Warning: failed to restore breaker state: %v", err)
		} else if saved != nil {
			b.state = saved.State
			b.failures = saved.ConsecutiveFailures
			b.openedAt = saved.OpenedAt
			if b.state != BreakerClosed {
				logger.Printf("restored breaker state: %s (%d failures)", b.state, b.failures)
			}
		}
	}
	return b
}

// Allow reports whether a drain may proceed. The second return is true when
// the drain is a half-open probe: the caller must attempt exactly one item
// and report the outcome before draining further.
func (b *Breaker) Allow() (allowed, probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true, false

	case BreakerOpen:
		if time.Since(b.openedAt) < b.cooldown {
			return false, false
		}
		b.state = BreakerHalfOpen
		b.probeGranted = true
		b.persistLocked()
		b.logger.Printf("cooldown elapsed, breaker half-open")
		return true, true

	case BreakerHalfOpen:
		// Exactly one probe per half-open period.
		if !b.probeGranted {
			return false, false
		}
		b.probeGranted = false
		return true, true
	}
	return false, false
}

// RecordSuccess registers a successful push.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		b.logger.Printf("probe succeeded, breaker closed")
	}
	changed := b.state != BreakerClosed || b.failures != 0
	b.state = BreakerClosed
	b.failures = 0
	b.openedAt = time.Time{}
	if changed {
		b.persistLocked()
	}
}

// RecordFailure registers a failed push. Only qualifying classes count; a
// non-qualifying failure in the half-open state still re-opens, since the
// probe did not succeed.
func (b *Breaker) RecordFailure(class remote.ErrorClass) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		b.state = BreakerOpen
		b.openedAt = time.Now()
		b.probeGranted = false
		b.persistLocked()
		b.logger.Printf("probe failed (%s), breaker re-opened", class)
		return
	}

	if !remote.QualifiesForBreaker(class) {
		return
	}

	b.failures++
	b.persistLocked()
	if b.state == BreakerClosed && b.failures >= b.threshold {
		b.state = BreakerOpen
		b.openedAt = time.Now()
		b.persistLocked()
		b.logger.Printf("breaker opened after %d consecutive %s-class failures", b.failures, class)
	}
}

// State returns a read-only snapshot.
func (b *Breaker) State() store.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return store.BreakerState{
		State:               b.state,
		ConsecutiveFailures: b.failures,
		OpenedAt:            b.openedAt,
	}
}

// persistLocked saves state best-effort. Callers hold b.mu.
func (b *Breaker) persistLocked() {
	if b.db == nil {
		return
	}
	bs := &store.BreakerState{
		State:               b.state,
		ConsecutiveFailures: b.failures,
		OpenedAt:            b.openedAt,
	}
	if err := b.db.SaveBreakerState(context.Background(), bs); err != nil {
		b.logger.Printf("Warning: failed to persist breaker state: %v", err)
	}
}
