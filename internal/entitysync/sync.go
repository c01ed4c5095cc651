// Package entitysync implements the per-kind push and pull primitives.
//
// Every write path funnels through here: immediate user writes, queue drain
// replays, and the batch orchestrator. The syncer consults the tombstone
// store before touching the network, routes every remote call through the
// auth retry wrapper, and hands retryable failures to the durable queue
// unless the call is itself a queue replay.
package entitysync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/weaveboard/synckit/internal/authretry"
	"github.com/weaveboard/synckit/internal/entity"
	"github.com/weaveboard/synckit/internal/queue"
	"github.com/weaveboard/synckit/internal/remote"
	"github.com/weaveboard/synckit/internal/store"
	"github.com/weaveboard/synckit/internal/tombstone"
)

// ErrTombstoned is returned when a push targets an entity the tombstone
// store reports as deleted. The rejection happens before any network call.
var ErrTombstoned = errors.New("entity is tombstoned")

// Enqueuer is the slice of the mutation queue the syncer needs: the ability
// to hand off a failed write for durable retry.
type Enqueuer interface {
	Add(ctx context.Context, kind entity.Kind, op entity.Operation, payload *entity.Payload, projectID string) (bool, error)
}

// Syncer pushes and pulls entities of every kind.
type Syncer struct {
	remote remote.Store
	purger remote.Purger
	auth   *authretry.Wrapper
	tombs  *tombstone.Store
	logger *log.Logger

	// enqueuer is bound after the queue is constructed, since the queue's
	// handlers come from this syncer. Bind exactly once during wiring.
	enqueuer Enqueuer

	// lastPushed remembers the last payload successfully pushed per entity,
	// so a follow-up move can go out as a position-only delta.
	mu         sync.Mutex
	lastPushed map[string]*entity.Payload
}

// New creates a syncer. Call Bind once the mutation queue exists.
func New(remoteStore remote.Store, purger remote.Purger, auth *authretry.Wrapper, tombs *tombstone.Store, logger *log.Logger) *Syncer {
	if logger == nil {
		logger = log.New(log.Writer(), "[sync] ", log.LstdFlags)
	}
	return &Syncer{
		remote:     remoteStore,
		purger:     purger,
		auth:       auth,
		tombs:      tombs,
		logger:     logger,
		lastPushed: make(map[string]*entity.Payload),
	}
}

// Bind attaches the durable queue. Until bound, retryable failures are
// returned to the caller instead of queued.
func (s *Syncer) Bind(e Enqueuer) {
	s.enqueuer = e
}

// PushUpsert writes one entity to the remote store.
//
// The tombstone store is consulted first: a deleted entity is rejected with
// ErrTombstoned before any network traffic, unless its update timestamp
// clears the override rule. Set replaying when the call drains the queue so
// a failure is not re-enqueued.
func (s *Syncer) PushUpsert(ctx context.Context, kind entity.Kind, p *entity.Payload, projectID string, replaying bool) error {
	if err := p.Validate(kind); err != nil {
		return remote.WrapClass(remote.ClassValidation, err)
	}

	deleted, err := s.tombs.IsDeleted(ctx, kind, projectID, p.ID, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("tombstone check for %s %s: %w", kind, p.ID, err)
	}
	if deleted {
		return fmt.Errorf("refusing to push %s %s: %w", kind, p.ID, ErrTombstoned)
	}

	op := func(ctx context.Context) error {
		if delta, ok := s.positionDelta(kind, p); ok {
			fields := make(map[string]any, len(delta))
			for k, v := range delta {
				fields[k] = v
			}
			return s.remote.UpdateFields(ctx, kind, p.ID, fields)
		}
		return s.remote.Upsert(ctx, kind, p)
	}

	_, err = s.auth.Execute(ctx, op, s.enqueueFunc(kind, entity.OpUpsert, p, projectID, replaying))
	if err == nil {
		s.rememberPushed(kind, p)
	}
	return err
}

// PushDelete soft-deletes one entity remotely. The local tombstone is
// recorded first so a concurrent pull cannot resurrect the entity while the
// delete is in flight; the marker stays even if the remote call fails,
// since the delete intent is durable in the queue.
func (s *Syncer) PushDelete(ctx context.Context, kind entity.Kind, id, projectID string, replaying bool) error {
	if !entity.ValidID(id) {
		return remote.WrapClass(remote.ClassValidation, fmt.Errorf("malformed entity id: %q", id))
	}

	if err := s.tombs.RecordDeletion(ctx, kind, projectID, id); err != nil {
		return err
	}
	s.forgetPushed(kind, id)

	op := func(ctx context.Context) error {
		return s.remote.Delete(ctx, kind, id)
	}
	payload := &entity.Payload{ID: id, ProjectID: projectID, UpdatedAt: time.Now().UTC()}
	_, err := s.auth.Execute(ctx, op, s.enqueueFunc(kind, entity.OpDelete, payload, projectID, replaying))
	return err
}

// Pull fetches remote rows for a kind, hiding rows that are deleted either
// remotely or by a local tombstone. Remotely deleted rows still warm the
// tombstone store's cache via the underlying Select.
func (s *Syncer) Pull(ctx context.Context, kind entity.Kind, projectID string, since time.Time) ([]remote.Row, error) {
	var rows []remote.Row
	op := func(ctx context.Context) error {
		var err error
		rows, err = s.remote.Select(ctx, kind, projectID, since)
		return err
	}
	if _, err := s.auth.Execute(ctx, op, nil); err != nil {
		return nil, err
	}

	out := rows[:0]
	for _, row := range rows {
		if row.Deleted {
			continue
		}
		deleted, err := s.tombs.IsDeleted(ctx, kind, projectID, row.ID, row.UpdatedAt)
		if err != nil {
			return nil, err
		}
		if !deleted {
			out = append(out, row)
		}
	}
	return out, nil
}

// Fetch retrieves one entity's current remote row as a payload, or nil when
// the remote store has no row for it. Used when a version conflict needs the
// remote copy captured next to the local one.
func (s *Syncer) Fetch(ctx context.Context, kind entity.Kind, projectID, id string) (*entity.Payload, error) {
	var rows []remote.Row
	op := func(ctx context.Context) error {
		var err error
		rows, err = s.remote.Select(ctx, kind, projectID, time.Time{})
		return err
	}
	if _, err := s.auth.Execute(ctx, op, nil); err != nil {
		return nil, err
	}

	for _, row := range rows {
		if row.ID != id {
			continue
		}
		return &entity.Payload{
			ID:        row.ID,
			ProjectID: row.ProjectID,
			UpdatedAt: row.UpdatedAt,
			Version:   row.Version,
			Fields:    json.RawMessage(row.Fields),
		}, nil
	}
	return nil, nil
}

// Purge permanently removes entities through the remote purge procedures.
func (s *Syncer) Purge(ctx context.Context, kind entity.Kind, ids []string) error {
	if s.purger == nil || len(ids) == 0 {
		return nil
	}
	op := func(ctx context.Context) error {
		return s.purger.Purge(ctx, kind, ids)
	}
	_, err := s.auth.Execute(ctx, op, nil)
	return err
}

// Handlers builds the queue's per-kind handler table. Replays route back
// through the same push primitives with replaying set, so drain failures
// surface to the queue's retry accounting instead of re-enqueueing.
func (s *Syncer) Handlers() map[entity.Kind]queue.PushHandler {
	handlers := make(map[entity.Kind]queue.PushHandler, len(entity.Kinds()))
	for _, kind := range entity.Kinds() {
		kind := kind
		handlers[kind] = queue.PushHandlerFunc(func(ctx context.Context, item *store.QueueItem) error {
			switch item.Operation {
			case entity.OpDelete:
				return s.PushDelete(ctx, kind, item.Payload.ID, item.ProjectID, true)
			default:
				err := s.PushUpsert(ctx, kind, item.Payload, item.ProjectID, true)
				if errors.Is(err, ErrTombstoned) {
					// The entity was deleted while queued; the write is moot.
					return nil
				}
				return err
			}
		})
	}
	return handlers
}

// enqueueFunc returns the retry hand-off for auth.Execute, or nil when the
// call is a replay or no queue is bound.
func (s *Syncer) enqueueFunc(kind entity.Kind, op entity.Operation, p *entity.Payload, projectID string, replaying bool) authretry.EnqueueFunc {
	if replaying || s.enqueuer == nil {
		return nil
	}
	return func(ctx context.Context) error {
		accepted, err := s.enqueuer.Add(ctx, kind, op, p, projectID)
		if err != nil {
			return err
		}
		if !accepted {
			return fmt.Errorf("queue refused %s %s", kind, p.ID)
		}
		return nil
	}
}

// positionDelta reports whether the payload can go out as a position-only
// field patch. Only tasks carry position fields.
func (s *Syncer) positionDelta(kind entity.Kind, p *entity.Payload) (map[string]json.RawMessage, bool) {
	if kind != entity.KindTask {
		return nil, false
	}
	s.mu.Lock()
	prev := s.lastPushed[identity(kind, p.ID)]
	s.mu.Unlock()
	return entity.PositionOnlyDelta(prev, p)
}

func (s *Syncer) rememberPushed(kind entity.Kind, p *entity.Payload) {
	s.mu.Lock()
	s.lastPushed[identity(kind, p.ID)] = p.Clone()
	s.mu.Unlock()
}

func (s *Syncer) forgetPushed(kind entity.Kind, id string) {
	s.mu.Lock()
	delete(s.lastPushed, identity(kind, id))
	s.mu.Unlock()
}

func identity(kind entity.Kind, id string) string {
	return string(kind) + "/" + id
}
