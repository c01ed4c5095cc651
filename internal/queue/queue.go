// Package queue implements the durable mutation queue: the engine's safety
// net for writes that could not reach the remote store immediately.
//
// Items are deduplicated by (kind, entity id), persisted through a
// primary/fallback store chain, drained in dependency-rank order by a
// single-flight processing loop, and protected by a persisted circuit
// breaker. Capacity is two-tiered: a soft limit enters pressure mode but
// keeps accepting (durability over bounded memory), a hard limit at five
// times the soft limit rejects outright.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weaveboard/synckit/internal/entity"
	"github.com/weaveboard/synckit/internal/remote"
	"github.com/weaveboard/synckit/internal/store"
)

// PushHandler pushes one queued mutation to the remote store. The entity
// sync layer provides one handler per kind at construction time.
type PushHandler interface {
	Push(ctx context.Context, item *store.QueueItem) error
}

// PushHandlerFunc adapts a function to PushHandler.
type PushHandlerFunc func(ctx context.Context, item *store.QueueItem) error

func (f PushHandlerFunc) Push(ctx context.Context, item *store.QueueItem) error {
	return f(ctx, item)
}

// AbandonReason explains why an item left the queue without succeeding.
type AbandonReason string

const (
	AbandonMaxRetries AbandonReason = "max-retries"
	AbandonMaxAge     AbandonReason = "max-age"
	AbandonPermanent  AbandonReason = "permanent-failure"
	AbandonNoHandler  AbandonReason = "no-handler"
)

// PressureReason explains an active pressure state.
type PressureReason string

const (
	PressureQueueFull        PressureReason = "queue_full"
	PressureStorageQuota     PressureReason = "storage_quota_exceeded"
	PressureStorageSizeLimit PressureReason = "storage_size_limit"
)

// PressureState is the derived backpressure snapshot.
type PressureState struct {
	Active bool
	Reason PressureReason
}

// Config tunes the queue.
type Config struct {
	// SoftCapacity enters pressure mode when reached (default 500). The
	// hard capacity is fixed at SoftCapacity * 5.
	SoftCapacity int

	// MaxRetries before an item is abandoned (default 5).
	MaxRetries int

	// MaxAge purges items that have waited too long (default 7 days).
	MaxAge time.Duration

	// UnknownKindGrace is how long an item with no registered handler
	// stays queued before being abandoned (default 10 minutes).
	UnknownKindGrace time.Duration

	// DrainTimeout is the watchdog bound on one ProcessQueue run
	// (default 2 minutes). A drain still marked in-flight past this is
	// assumed wedged and the lock is force-reset.
	DrainTimeout time.Duration

	// PressureWarnCooldown throttles the capacity warning (default 1m).
	PressureWarnCooldown time.Duration

	// Logger for queue activity.
	Logger *log.Logger
}

// DefaultConfig returns the standard queue configuration.
func DefaultConfig() Config {
	return Config{
		SoftCapacity:         500,
		MaxRetries:           5,
		MaxAge:               7 * 24 * time.Hour,
		UnknownKindGrace:     10 * time.Minute,
		DrainTimeout:         2 * time.Minute,
		PressureWarnCooldown: time.Minute,
	}
}

// Queue is the durable mutation queue.
type Queue struct {
	cfg       Config
	persister *store.Persister
	breaker   *Breaker
	handlers  map[entity.Kind]PushHandler
	logger    *log.Logger

	// OnAbandoned, when set, is called for every item removed without
	// success. Abandonment is always reported, never silent.
	OnAbandoned func(item *store.QueueItem, reason AbandonReason)

	// RequestDrain, when set, asks the owner to schedule a ProcessQueue
	// soon. Fired when the queue crosses 90% of soft capacity while idle.
	RequestDrain func()

	mu             sync.Mutex
	items          map[string]*store.QueueItem // identity key -> item
	draining       bool
	drainStartedAt time.Time
	storagePress   PressureReason // empty when storage is healthy
	lastWarnAt     time.Time
}

// New creates the queue and recovers persisted items.
func New(ctx context.Context, persister *store.Persister, breaker *Breaker, handlers map[entity.Kind]PushHandler, cfg Config) (*Queue, error) {
	def := DefaultConfig()
	if cfg.SoftCapacity <= 0 {
		cfg.SoftCapacity = def.SoftCapacity
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	if cfg.UnknownKindGrace <= 0 {
		cfg.UnknownKindGrace = def.UnknownKindGrace
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	if cfg.PressureWarnCooldown <= 0 {
		cfg.PressureWarnCooldown = def.PressureWarnCooldown
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[queue] ", log.LstdFlags)
	}

	q := &Queue{
		cfg:       cfg,
		persister: persister,
		breaker:   breaker,
		handlers:  handlers,
		logger:    cfg.Logger,
		items:     make(map[string]*store.QueueItem),
	}

	recovered, err := persister.Recover(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to recover queue: %w", err)
	}
	for _, item := range recovered {
		q.items[identityKey(item.Kind, item.Payload.ID)] = item
	}
	if len(recovered) > 0 {
		q.logger.Printf("recovered %d queued mutations", len(recovered))
	}
	return q, nil
}

func identityKey(kind entity.Kind, id string) string {
	return string(kind) + "/" + id
}

// Add enqueues a mutation. Returns false (with a nil error) when the queue
// is at hard capacity or the payload identity is malformed; the write is
// then the caller's problem to surface.
//
// Dedup: a second Add for the same (kind, payload.ID) replaces the queued
// item in place, refreshing operation, payload and createdAt. createdAt is
// the last write intent time, not the first.
func (q *Queue) Add(ctx context.Context, kind entity.Kind, op entity.Operation, payload *entity.Payload, projectID string) (bool, error) {
	if !kind.IsValid() || !op.IsValid() {
		return false, fmt.Errorf("invalid mutation: kind=%q op=%q", kind, op)
	}
	if payload == nil || !entity.ValidID(payload.ID) {
		q.logger.Printf("Warning: rejecting mutation with malformed entity id")
		return false, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	key := identityKey(kind, payload.ID)
	existing, replacing := q.items[key]

	hard := q.cfg.SoftCapacity * 5
	if !replacing && len(q.items) >= hard {
		q.warnLocked("queue at hard capacity (%d), rejecting write for %s %s", hard, kind, payload.ID)
		return false, nil
	}

	item := &store.QueueItem{
		ID:        uuid.NewString(),
		Kind:      kind,
		Operation: op,
		Payload:   payload.Clone(),
		ProjectID: projectID,
		CreatedAt: time.Now().UTC(),
	}
	if replacing {
		// Keep the durable row's identity stable across replaces.
		item.ID = existing.ID
	}
	q.items[key] = item

	q.persistLocked(ctx, store.ChangeUpsert, item)

	size := len(q.items)
	if size >= q.cfg.SoftCapacity {
		q.warnLocked("queue past soft capacity (%d/%d), pressure mode active", size, q.cfg.SoftCapacity)
	}
	if size*10 >= q.cfg.SoftCapacity*9 && !q.draining && q.RequestDrain != nil {
		go q.RequestDrain()
	}
	return true, nil
}

// ProcessQueue drains the queue once. Mutually exclusive: a call while a
// drain is in flight returns immediately. Ordering within a run is total by
// entity dependency rank, then enqueue time.
func (q *Queue) ProcessQueue(ctx context.Context) error {
	if !q.beginDrain() {
		return nil
	}
	defer q.endDrain()

	q.purgeExpired(ctx)

	allowed, probe := q.breaker.Allow()
	if !allowed {
		q.logger.Printf("breaker open, skipping drain (%d items waiting)", q.Len())
		return nil
	}

	batch := q.snapshotOrdered()
	for i, item := range batch {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		handler, ok := q.handlers[item.Kind]
		if !ok {
			if time.Since(item.CreatedAt) > q.cfg.UnknownKindGrace {
				q.remove(ctx, item, AbandonNoHandler)
			}
			continue
		}

		err := handler.Push(ctx, item)
		if err == nil {
			q.breaker.RecordSuccess()
			q.remove(ctx, item, "")
			if probe && i == 0 {
				probe = false // probe succeeded, drain continues normally
			}
			continue
		}

		class := remote.Classify(err)
		q.breaker.RecordFailure(class)

		if remote.Permanent(class) {
			q.logger.Printf("dropping %s %s: permanent failure (%s): %v", item.Kind, item.Payload.ID, class, err)
			q.remove(ctx, item, AbandonPermanent)
		} else {
			item.RetryCount++
			if item.RetryCount >= q.cfg.MaxRetries {
				q.logger.Printf("abandoning %s %s after %d attempts: %v", item.Kind, item.Payload.ID, item.RetryCount, err)
				q.remove(ctx, item, AbandonMaxRetries)
			} else {
				q.persistItem(ctx, store.ChangeRetry, item)
			}
		}

		if probe && i == 0 {
			// The half-open probe failed; the breaker has re-opened.
			return nil
		}
		if bs := q.breaker.State(); bs.State == BreakerOpen {
			q.logger.Printf("breaker opened mid-drain, stopping run")
			return nil
		}
	}
	return nil
}

// beginDrain takes the single-flight lock, force-resetting a drain that the
// watchdog judges wedged.
func (q *Queue) beginDrain() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.draining {
		if time.Since(q.drainStartedAt) > q.cfg.DrainTimeout {
			q.logger.Printf("Warning: drain in flight for %s, force-resetting lock", time.Since(q.drainStartedAt).Round(time.Second))
		} else {
			return false
		}
	}
	q.draining = true
	q.drainStartedAt = time.Now()
	return true
}

func (q *Queue) endDrain() {
	q.mu.Lock()
	q.draining = false
	q.mu.Unlock()
}

// purgeExpired drops items older than MaxAge, reporting each.
func (q *Queue) purgeExpired(ctx context.Context) {
	cutoff := time.Now().Add(-q.cfg.MaxAge)
	for _, item := range q.snapshotOrdered() {
		if item.CreatedAt.Before(cutoff) {
			q.logger.Printf("purging %s %s: queued since %s", item.Kind, item.Payload.ID, item.CreatedAt.Format(time.RFC3339))
			q.remove(ctx, item, AbandonMaxAge)
		}
	}
}

// snapshotOrdered copies the current items sorted by dependency rank, then
// by enqueue time.
func (q *Queue) snapshotOrdered() []*store.QueueItem {
	q.mu.Lock()
	items := make([]*store.QueueItem, 0, len(q.items))
	for _, item := range q.items {
		items = append(items, item)
	}
	q.mu.Unlock()

	sort.SliceStable(items, func(i, j int) bool {
		ri, rj := items[i].Kind.Rank(), items[j].Kind.Rank()
		if ri != rj {
			return ri < rj
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items
}

// remove deletes an item from memory and storage. A non-empty reason means
// the item did not succeed and is reported as abandoned.
func (q *Queue) remove(ctx context.Context, item *store.QueueItem, reason AbandonReason) {
	q.mu.Lock()
	key := identityKey(item.Kind, item.Payload.ID)
	if q.items[key] != item {
		// A newer enqueue replaced this identity while it was in flight;
		// the replacement stays queued.
		q.mu.Unlock()
		return
	}
	delete(q.items, key)
	q.persistLocked(ctx, store.ChangeDelete, item)
	q.mu.Unlock()

	if reason != "" && q.OnAbandoned != nil {
		q.OnAbandoned(item, reason)
	}
}

func (q *Queue) persistItem(ctx context.Context, op store.ChangeOp, item *store.QueueItem) {
	q.mu.Lock()
	if q.items[identityKey(item.Kind, item.Payload.ID)] == item {
		q.persistLocked(ctx, op, item)
	}
	q.mu.Unlock()
}

// persistLocked pushes one change through the store chain and tracks
// storage pressure. Callers hold q.mu.
func (q *Queue) persistLocked(ctx context.Context, op store.ChangeOp, item *store.QueueItem) {
	all := make([]*store.QueueItem, 0, len(q.items))
	for _, it := range q.items {
		all = append(all, it)
	}

	outcome, err := q.persister.Apply(ctx, store.Change{Op: op, Item: item, All: all})
	switch outcome {
	case store.PersistedPrimary:
		q.storagePress = ""
	case store.PersistedFallback:
		// Fallback took it; primary pressure clears on the next primary hit.
	case store.Rejected:
		if err != nil && isSnapshotTooLarge(err) {
			q.storagePress = PressureStorageSizeLimit
		} else {
			q.storagePress = PressureStorageQuota
		}
		q.warnLocked("storage rejected queue write (%s), item held in memory only: %v", q.storagePress, err)
	}
}

func isSnapshotTooLarge(err error) bool {
	return errors.Is(err, store.ErrSnapshotTooLarge)
}

// ProbeStorage re-attempts persistence while in storage pressure, clearing
// the pressure state on success. The owner calls this on a periodic timer.
func (q *Queue) ProbeStorage(ctx context.Context) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.storagePress == "" {
		return true
	}

	all := make([]*store.QueueItem, 0, len(q.items))
	for _, it := range q.items {
		all = append(all, it)
	}
	outcome, _ := q.persister.Apply(ctx, store.Change{Op: store.ChangeUpsert, Item: firstOf(all), All: all})
	if outcome == store.Rejected {
		return false
	}
	q.logger.Printf("storage writable again, pressure cleared")
	q.storagePress = ""
	return true
}

func firstOf(items []*store.QueueItem) *store.QueueItem {
	if len(items) == 0 {
		return &store.QueueItem{Payload: &entity.Payload{}}
	}
	return items[0]
}

// Pressure returns the derived backpressure state.
func (q *Queue) Pressure() PressureState {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.storagePress != "" {
		return PressureState{Active: true, Reason: q.storagePress}
	}
	if len(q.items) >= q.cfg.SoftCapacity {
		return PressureState{Active: true, Reason: PressureQueueFull}
	}
	return PressureState{}
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// CleanExpired removes items past MaxAge outside of a drain and returns the
// count removed.
func (q *Queue) CleanExpired(ctx context.Context) int {
	cutoff := time.Now().Add(-q.cfg.MaxAge)
	var removed int
	for _, item := range q.snapshotOrdered() {
		if item.CreatedAt.Before(cutoff) {
			q.remove(ctx, item, AbandonMaxAge)
			removed++
		}
	}
	return removed
}

// TypeBreakdown counts queued items per kind.
func (q *Queue) TypeBreakdown() map[entity.Kind]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[entity.Kind]int)
	for _, item := range q.items {
		out[item.Kind]++
	}
	return out
}

// CapacityPercent reports fill relative to the soft capacity; values above
// 100 mean the queue is in the pressure band.
func (q *Queue) CapacityPercent() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return float64(len(q.items)) / float64(q.cfg.SoftCapacity) * 100
}

// BreakerState exposes a read-only breaker snapshot for diagnostics.
func (q *Queue) BreakerState() store.BreakerState {
	return q.breaker.State()
}

// Diagnostics is a read-only snapshot of queue health.
type Diagnostics struct {
	Size            int
	CapacityPercent float64
	Breakdown       map[entity.Kind]int
	Pressure        PressureState
	Breaker         store.BreakerState
	Draining        bool
}

// Diagnostics snapshots size, fill, per-kind breakdown, pressure and
// breaker state in one call.
func (q *Queue) Diagnostics() Diagnostics {
	q.mu.Lock()
	breakdown := make(map[entity.Kind]int)
	for _, item := range q.items {
		breakdown[item.Kind]++
	}
	d := Diagnostics{
		Size:            len(q.items),
		CapacityPercent: float64(len(q.items)) / float64(q.cfg.SoftCapacity) * 100,
		Breakdown:       breakdown,
		Draining:        q.draining,
	}
	if q.storagePress != "" {
		d.Pressure = PressureState{Active: true, Reason: q.storagePress}
	} else if len(q.items) >= q.cfg.SoftCapacity {
		d.Pressure = PressureState{Active: true, Reason: PressureQueueFull}
	}
	q.mu.Unlock()

	d.Breaker = q.breaker.State()
	return d
}

// warnLocked logs a capacity/storage warning at most once per cooldown.
func (q *Queue) warnLocked(format string, args ...any) {
	if time.Since(q.lastWarnAt) < q.cfg.PressureWarnCooldown {
		return
	}
	q.lastWarnAt = time.Now()
	q.logger.Printf("Warning: "+format, args...)
}
