// Package batch drives whole-partition saves: the project root first, then
// its tasks in parent-before-child order, then the connections between
// them, with partial failures accounted for rather than aborting the run.
//
// The ordering is not cosmetic. The remote store enforces referential
// integrity, so pushing a child before its parent or an edge before its
// endpoints produces integrity violations that look like data corruption
// but are really just ordering mistakes.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/weaveboard/synckit/internal/entity"
	"github.com/weaveboard/synckit/internal/entitysync"
	"github.com/weaveboard/synckit/internal/remote"
	"github.com/weaveboard/synckit/internal/tombstone"
)

// Partition is one project and its contents as the caller wants them saved.
type Partition struct {
	Project     *entity.Payload
	Tasks       []*entity.Payload
	Connections []*entity.Payload

	// KnownPresentIDs lists task ids the caller knows already exist
	// remotely. Connections may reference them even though they are not
	// part of this save.
	KnownPresentIDs []string

	// PurgeTaskIDs are tombstoned tasks marked for permanent removal;
	// they trigger a purge request during the save.
	PurgeTaskIDs []string
}

// Result is the aggregated outcome of one SavePartition run.
//
// Success is true only when the root pushed and zero children or edges
// failed. Offline and pre-flight branches always report Success false plus
// the enqueued identifiers so the caller can reconcile its state.
type Result struct {
	Success        bool
	ProjectPushed  bool
	FailedChildIDs []string
	FailedEdgeIDs  []string
	EnqueuedIDs    []string
}

// Config tunes the orchestrator.
type Config struct {
	// PacingDelay separates sequential child pushes (default 50ms) so a
	// large save does not burst the remote service.
	PacingDelay time.Duration

	// MaxDepth bounds the dependency sort (default DefaultMaxDepth).
	MaxDepth int

	// Online reports whether the network is believed reachable. Nil means
	// always online.
	Online func() bool

	// LocalOnly reports whether the actor has opted out of sync entirely.
	LocalOnly func(actorID string) bool

	// Preflight validates the partition before any push. A non-nil error
	// blocks the save and enqueues the root.
	Preflight func(part *Partition) error

	// Logger for save activity.
	Logger *log.Logger
}

// Orchestrator coordinates partition saves across the sync primitives.
type Orchestrator struct {
	cfg       Config
	sync      *entitysync.Syncer
	queue     entitysync.Enqueuer
	tombs     *tombstone.Store
	session   remote.Session
	conflicts *Conflicts
	logger    *log.Logger
}

// New wires the orchestrator. conflicts may be shared with other consumers.
func New(sync *entitysync.Syncer, q entitysync.Enqueuer, tombs *tombstone.Store, session remote.Session, conflicts *Conflicts, cfg Config) *Orchestrator {
	if cfg.PacingDelay <= 0 {
		cfg.PacingDelay = 50 * time.Millisecond
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[batch] ", log.LstdFlags)
	}
	if conflicts == nil {
		conflicts = NewConflicts()
	}
	return &Orchestrator{
		cfg:       cfg,
		sync:      sync,
		queue:     q,
		tombs:     tombs,
		session:   session,
		conflicts: conflicts,
		logger:    cfg.Logger,
	}
}

// Conflicts exposes the registry of unresolved version conflicts.
func (o *Orchestrator) Conflicts() *Conflicts {
	return o.conflicts
}

// SavePartition pushes one project and its contents.
//
// Pre-flight blockers (offline, local-only actor, failed validation, no
// session) enqueue the root and return a non-success result; they never
// return an error. The error return is reserved for malformed input.
func (o *Orchestrator) SavePartition(ctx context.Context, part *Partition, actorID string) (*Result, error) {
	if part == nil || part.Project == nil {
		return nil, fmt.Errorf("partition has no root project")
	}
	if err := part.Project.Validate(entity.KindProject); err != nil {
		return nil, err
	}

	res := &Result{}
	projectID := part.Project.ID

	if reason, blocked := o.preflightBlocked(ctx, part, actorID); blocked {
		o.logger.Printf("save of project %s deferred: %s", projectID, reason)
		o.enqueue(ctx, res, entity.KindProject, entity.OpUpsert, part.Project, "")
		return res, nil
	}

	tasks, err := o.filterTombstoned(ctx, part, projectID)
	if err != nil {
		return nil, err
	}
	if len(part.PurgeTaskIDs) > 0 {
		if err := o.sync.Purge(ctx, entity.KindTask, part.PurgeTaskIDs); err != nil {
			o.logger.Printf("Warning: purge of %d tasks failed: %v", len(part.PurgeTaskIDs), err)
		}
	}

	// Root metadata goes first; nothing below can exist without it.
	if err := o.sync.PushUpsert(ctx, entity.KindProject, part.Project, "", true); err != nil {
		class := remote.Classify(err)
		o.logger.Printf("root push for project %s failed (%s): %v", projectID, class, err)
		o.recordConflict(ctx, projectID, entity.KindProject, part.Project, class, err)
		if !remote.Permanent(class) {
			o.enqueue(ctx, res, entity.KindProject, entity.OpUpsert, part.Project, "")
		}
		return res, nil
	}
	res.ProjectPushed = true

	synced := make(map[string]bool, len(tasks)+len(part.KnownPresentIDs))
	for _, id := range part.KnownPresentIDs {
		synced[id] = true
	}

	for i, task := range SortByParent(tasks, o.cfg.MaxDepth) {
		if i > 0 {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(o.cfg.PacingDelay):
			}
		}

		err := o.sync.PushUpsert(ctx, entity.KindTask, task, projectID, true)
		if err == nil {
			synced[task.ID] = true
			continue
		}
		if errors.Is(err, entitysync.ErrTombstoned) {
			continue
		}

		class := remote.Classify(err)
		o.logger.Printf("task %s push failed (%s): %v", task.ID, class, err)
		res.FailedChildIDs = append(res.FailedChildIDs, task.ID)
		o.recordConflict(ctx, projectID, entity.KindTask, task, class, err)
		if !remote.Permanent(class) {
			o.enqueue(ctx, res, entity.KindTask, entity.OpUpsert, task, projectID)
		}
	}

	for _, edge := range part.Connections {
		if !synced[edge.FromID] || !synced[edge.ToID] {
			o.logger.Printf("Warning: skipping connection %s: endpoint not synced (%s -> %s)", edge.ID, edge.FromID, edge.ToID)
			continue
		}

		err := o.sync.PushUpsert(ctx, entity.KindConnection, edge, projectID, true)
		if err == nil {
			continue
		}
		class := remote.Classify(err)
		o.logger.Printf("connection %s push failed (%s): %v", edge.ID, class, err)
		res.FailedEdgeIDs = append(res.FailedEdgeIDs, edge.ID)
		if !remote.Permanent(class) {
			o.enqueue(ctx, res, entity.KindConnection, entity.OpUpsert, edge, projectID)
		}
	}

	res.Success = res.ProjectPushed && len(res.FailedChildIDs) == 0 && len(res.FailedEdgeIDs) == 0
	return res, nil
}

// preflightBlocked checks the short-circuit conditions in order.
func (o *Orchestrator) preflightBlocked(ctx context.Context, part *Partition, actorID string) (string, bool) {
	if o.cfg.Online != nil && !o.cfg.Online() {
		return "offline", true
	}
	if o.cfg.LocalOnly != nil && o.cfg.LocalOnly(actorID) {
		return "actor is local-only", true
	}
	if o.cfg.Preflight != nil {
		if err := o.cfg.Preflight(part); err != nil {
			return fmt.Sprintf("pre-flight validation failed: %v", err), true
		}
	}
	if o.session != nil {
		if _, err := o.session.GetSession(ctx); err != nil {
			return "no valid session", true
		}
	}
	return "", false
}

// filterTombstoned drops tasks the tombstone store reports deleted.
func (o *Orchestrator) filterTombstoned(ctx context.Context, part *Partition, projectID string) ([]*entity.Payload, error) {
	out := make([]*entity.Payload, 0, len(part.Tasks))
	for _, task := range part.Tasks {
		deleted, err := o.tombs.IsDeleted(ctx, entity.KindTask, projectID, task.ID, task.UpdatedAt)
		if err != nil {
			return nil, err
		}
		if deleted {
			o.logger.Printf("excluding tombstoned task %s from save", task.ID)
			continue
		}
		out = append(out, task)
	}
	return out, nil
}

// recordConflict files a version conflict for user resolution, fetching the
// winning remote copy so the record holds both snapshots. A failed fetch
// still files the record; resolution then lacks the remote version and a
// use-local push may conflict again.
func (o *Orchestrator) recordConflict(ctx context.Context, projectID string, kind entity.Kind, p *entity.Payload, class remote.ErrorClass, err error) {
	if class != remote.ClassVersionConflict {
		return
	}

	scope := projectID
	if kind == entity.KindProject {
		scope = ""
	}
	remoteCopy, ferr := o.sync.Fetch(ctx, kind, scope, p.ID)
	if ferr != nil {
		o.logger.Printf("Warning: could not fetch remote copy of conflicted %s %s: %v", kind, p.ID, ferr)
	}

	o.conflicts.Record(&ConflictRecord{
		ProjectID:      projectID,
		Kind:           kind,
		LocalSnapshot:  p.Clone(),
		RemoteSnapshot: remoteCopy,
		Reason:         err.Error(),
		ConflictedAt:   time.Now().UTC(),
	})
}

// enqueue hands an entity to the durable queue and records the id.
func (o *Orchestrator) enqueue(ctx context.Context, res *Result, kind entity.Kind, op entity.Operation, p *entity.Payload, projectID string) {
	if o.queue == nil {
		return
	}
	accepted, err := o.queue.Add(ctx, kind, op, p, projectID)
	if err != nil || !accepted {
		o.logger.Printf("Warning: queue refused %s %s: %v", kind, p.ID, err)
		return
	}
	res.EnqueuedIDs = append(res.EnqueuedIDs, p.ID)
}
