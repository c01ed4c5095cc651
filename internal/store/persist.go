package store

import (
	"context"
	"fmt"
	"log"
)

// Outcome reports where a queue change landed.
type Outcome string

const (
	// PersistedPrimary means the change reached the database.
	PersistedPrimary Outcome = "persisted-primary"

	// PersistedFallback means the database was unavailable and the full
	// queue was snapshotted to the fallback file instead.
	PersistedFallback Outcome = "persisted-fallback"

	// Rejected means neither tier accepted the change. The error carries
	// the reason; the queue keeps the item in memory only.
	Rejected Outcome = "rejected"
)

// ChangeOp describes one queue mutation for the persister.
type ChangeOp string

const (
	ChangeUpsert ChangeOp = "upsert"
	ChangeDelete ChangeOp = "delete"
	ChangeRetry  ChangeOp = "retry"
)

// Change is a single queue delta plus the full queue contents, which the
// fallback tier needs since it only writes whole snapshots.
type Change struct {
	Op   ChangeOp
	Item *QueueItem

	// All is the complete queue after the change.
	All []*QueueItem
}

// Persister chains the primary database and the fallback snapshot store.
//
// Every change tries the primary first. When the primary fails, the whole
// queue is snapshotted to the fallback; the next change that reaches the
// primary resyncs it from memory and clears the snapshot.
type Persister struct {
	db       *DB
	fallback *Fallback
	logger   *log.Logger

	// degraded is set once a change lands in the fallback tier; the next
	// primary success replays the full queue into the database.
	degraded bool
}

// NewPersister wires the two tiers together.
func NewPersister(db *DB, fallback *Fallback, logger *log.Logger) *Persister {
	if logger == nil {
		logger = log.New(log.Writer(), "[store] ", log.LstdFlags)
	}
	return &Persister{db: db, fallback: fallback, logger: logger}
}

// Apply persists one queue change and reports which tier took it.
func (p *Persister) Apply(ctx context.Context, ch Change) (Outcome, error) {
	err := p.applyPrimary(ctx, ch)
	if err == nil {
		if p.degraded {
			// Primary is back; make it authoritative again.
			if rerr := p.db.ReplaceQueueItems(ctx, ch.All); rerr != nil {
				p.logger.Printf("Warning: primary resync failed: %v", rerr)
			} else {
				p.degraded = false
				if cerr := p.fallback.Clear(); cerr != nil {
					p.logger.Printf("Warning: failed to clear fallback snapshot: %v", cerr)
				}
				p.logger.Printf("primary store recovered, fallback snapshot cleared")
			}
		}
		return PersistedPrimary, nil
	}

	p.logger.Printf("Warning: primary store write failed, trying fallback: %v", err)

	if ferr := p.fallback.Save(ch.All); ferr != nil {
		return Rejected, fmt.Errorf("primary failed (%v); fallback failed: %w", err, ferr)
	}
	p.degraded = true
	return PersistedFallback, nil
}

func (p *Persister) applyPrimary(ctx context.Context, ch Change) error {
	switch ch.Op {
	case ChangeUpsert:
		return p.db.UpsertQueueItem(ctx, ch.Item)
	case ChangeDelete:
		return p.db.DeleteQueueItem(ctx, ch.Item.ID)
	case ChangeRetry:
		return p.db.UpdateQueueItemRetry(ctx, ch.Item.ID, ch.Item.RetryCount)
	default:
		return fmt.Errorf("unknown change op: %q", ch.Op)
	}
}

// Recover loads the queue at startup. A fallback snapshot, if present, was
// written while the primary was unavailable and is therefore newer: it wins,
// is replayed into the primary, and then cleared.
func (p *Persister) Recover(ctx context.Context) ([]*QueueItem, error) {
	snap, err := p.fallback.Load()
	if err != nil {
		p.logger.Printf("Warning: discarding unreadable fallback snapshot: %v", err)
		snap = nil
	}

	if len(snap) > 0 {
		p.logger.Printf("recovering %d queued mutations from fallback snapshot", len(snap))
		if err := p.db.ReplaceQueueItems(ctx, snap); err != nil {
			// Primary still down; keep serving from the snapshot.
			p.degraded = true
			return snap, nil
		}
		if err := p.fallback.Clear(); err != nil {
			p.logger.Printf("Warning: failed to clear fallback snapshot: %v", err)
		}
		return snap, nil
	}

	items, err := p.db.ListQueueItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to recover queue: %w", err)
	}
	return items, nil
}
