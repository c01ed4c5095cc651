// Package tombstone tracks deleted entities so that stale writes cannot
// resurrect them.
//
// Two sources feed the decision: local markers recorded the moment the user
// deletes something (authoritative, kept for a retention window), and a
// cached view of the remote store's soft-deleted rows (advisory, refreshed on
// a short TTL). A local marker always wins. A cached remote marker wins
// unless the candidate write is strictly newer than the moment the cache was
// fetched, since a deletion observed at fetch time says nothing about edits
// made after it.
package tombstone

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/weaveboard/synckit/internal/entity"
	"github.com/weaveboard/synckit/internal/remote"
	"github.com/weaveboard/synckit/internal/store"
)

// Config tunes retention and remote caching.
type Config struct {
	// Retention is how long local markers are kept (default 30 days).
	// A marker only needs to outlive every queued mutation that might
	// reference the entity.
	Retention time.Duration

	// RemoteTTL is how long a fetched remote view stays fresh (default 60s).
	RemoteTTL time.Duration

	// Logger for pruning and fetch activity.
	Logger *log.Logger
}

// DefaultConfig returns the standard tombstone configuration.
func DefaultConfig() Config {
	return Config{
		Retention: 30 * 24 * time.Hour,
		RemoteTTL: 60 * time.Second,
	}
}

// Store answers "is this entity deleted?" for the sync layer.
type Store struct {
	cfg    Config
	db     *store.DB
	remote remote.Store

	mu    sync.Mutex
	cache map[string]*remoteView // scope key -> cached remote tombstones
}

// remoteView is one scope's fetched remote tombstone set.
type remoteView struct {
	ids       map[string]bool
	fetchedAt time.Time
}

// ScopeKey builds the cache/storage key for a kind within a project.
func ScopeKey(kind entity.Kind, projectID string) string {
	return string(kind) + ":" + projectID
}

// New creates a tombstone store backed by the local database and, when
// remoteStore is non-nil, the remote soft-delete view.
func New(db *store.DB, remoteStore remote.Store, cfg Config) *Store {
	if cfg.Retention == 0 {
		cfg.Retention = DefaultConfig().Retention
	}
	if cfg.RemoteTTL == 0 {
		cfg.RemoteTTL = DefaultConfig().RemoteTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[tombstone] ", log.LstdFlags)
	}
	return &Store{
		cfg:    cfg,
		db:     db,
		remote: remoteStore,
		cache:  make(map[string]*remoteView),
	}
}

// RecordDeletion persists a local marker for the entity. Call this before
// the delete is pushed so that a concurrent pull cannot re-create it.
func (s *Store) RecordDeletion(ctx context.Context, kind entity.Kind, projectID, entityID string) error {
	if !entity.ValidID(entityID) {
		return fmt.Errorf("malformed entity id: %q", entityID)
	}
	rec := &store.TombstoneRecord{
		ScopeKey:   ScopeKey(kind, projectID),
		EntityID:   entityID,
		RecordedAt: time.Now().UTC(),
	}
	if err := s.db.RecordTombstone(ctx, rec); err != nil {
		return fmt.Errorf("failed to record deletion of %s %s: %w", kind, entityID, err)
	}
	return nil
}

// ClearLocal drops the local marker for an entity, typically after the user
// restores it or a conflict resolution re-creates it under the same id.
func (s *Store) ClearLocal(ctx context.Context, kind entity.Kind, projectID, entityID string) error {
	if err := s.db.DeleteTombstone(ctx, ScopeKey(kind, projectID), entityID); err != nil {
		return fmt.Errorf("failed to clear tombstone for %s %s: %w", kind, entityID, err)
	}
	return nil
}

// Invalidate drops the cached remote view for a scope, forcing the next
// IsDeleted to refetch.
func (s *Store) Invalidate(kind entity.Kind, projectID string) {
	s.mu.Lock()
	delete(s.cache, ScopeKey(kind, projectID))
	s.mu.Unlock()
}

// IsDeleted reports whether a write for the entity should be suppressed.
//
// candidateUpdatedAt is the write's last-modified time. Precedence:
//
//  1. A local marker always suppresses, regardless of timestamps.
//  2. A cached remote marker suppresses unless the candidate is strictly
//     newer than the cache fetch time (the entity may have been restored
//     remotely since).
//  3. Otherwise the write proceeds.
//
// Remote fetch failures degrade to local-only: blocking every write because
// the network is down defeats the offline-first contract.
func (s *Store) IsDeleted(ctx context.Context, kind entity.Kind, projectID, entityID string, candidateUpdatedAt time.Time) (bool, error) {
	scope := ScopeKey(kind, projectID)

	local, err := s.db.ListTombstones(ctx, scope)
	if err != nil {
		return false, fmt.Errorf("failed to read local tombstones: %w", err)
	}
	for _, rec := range local {
		if rec.EntityID == entityID {
			return true, nil
		}
	}

	if s.remote == nil {
		return false, nil
	}

	view, err := s.remoteTombstones(ctx, kind, projectID)
	if err != nil {
		s.cfg.Logger.Printf("Warning: remote tombstone fetch failed, using local only: %v", err)
		return false, nil
	}

	if view.ids[entityID] && !candidateUpdatedAt.After(view.fetchedAt) {
		return true, nil
	}
	return false, nil
}

// remoteTombstones returns the scope's remote view, refetching when the
// cached copy is older than the TTL.
func (s *Store) remoteTombstones(ctx context.Context, kind entity.Kind, projectID string) (*remoteView, error) {
	scope := ScopeKey(kind, projectID)

	s.mu.Lock()
	cached, ok := s.cache[scope]
	s.mu.Unlock()
	if ok && time.Since(cached.fetchedAt) < s.cfg.RemoteTTL {
		return cached, nil
	}

	rows, err := s.remote.Select(ctx, kind, projectID, time.Time{})
	if err != nil {
		// Serve a stale view over nothing at all.
		if ok {
			return cached, nil
		}
		return nil, err
	}

	view := &remoteView{ids: make(map[string]bool), fetchedAt: time.Now().UTC()}
	for _, row := range rows {
		if row.Deleted {
			view.ids[row.ID] = true
		}
	}

	s.mu.Lock()
	s.cache[scope] = view
	s.mu.Unlock()
	return view, nil
}

// RefreshRemote forces a refetch of one scope's remote view, ignoring the
// TTL. The change feed calls this after a reconnect.
func (s *Store) RefreshRemote(ctx context.Context, kind entity.Kind, projectID string) error {
	s.Invalidate(kind, projectID)
	_, err := s.remoteTombstones(ctx, kind, projectID)
	return err
}

// PruneExpired removes local markers older than the retention window and
// returns how many were removed.
func (s *Store) PruneExpired(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.cfg.Retention)
	n, err := s.db.PruneTombstonesBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune tombstones: %w", err)
	}
	if n > 0 {
		s.cfg.Logger.Printf("pruned %d expired tombstones (older than %s)", n, s.cfg.Retention)
	}
	return n, nil
}
