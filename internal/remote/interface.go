// Package remote defines the boundary to the remote backend: row-level
// entity storage, the auth session, bulk purge procedures, and the push
// change channel.
//
// The engine only ever talks to these interfaces. A REST reference
// implementation of Store and Purger and a websocket implementation of
// Channel live in this package so the engine is runnable end to end, but
// every consumer is written against the interfaces and tests substitute
// fakes.
package remote

import (
	"context"
	"time"

	"github.com/weaveboard/synckit/internal/entity"
)

// Row is one remote record as returned by Select calls.
type Row struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"version"`
	Deleted   bool      `json:"deleted"`
	Fields    []byte    `json:"fields,omitempty"`
}

// Store is the row-level remote API, one logical table per entity kind.
type Store interface {
	// Upsert writes the full payload for the given kind. A version conflict
	// surfaces as an error classified ClassVersionConflict.
	Upsert(ctx context.Context, kind entity.Kind, p *entity.Payload) error

	// UpdateFields patches a subset of columns on an existing row. Used by
	// the position-only delta path.
	UpdateFields(ctx context.Context, kind entity.Kind, id string, fields map[string]any) error

	// Delete soft-deletes a row, leaving a remote tombstone behind.
	Delete(ctx context.Context, kind entity.Kind, id string) error

	// Select fetches rows for a kind, scoped to a project when projectID is
	// non-empty. Soft-deleted rows are included with Deleted set; they feed
	// the tombstone store's remote cache.
	Select(ctx context.Context, kind entity.Kind, projectID string, since time.Time) ([]Row, error)
}

// SessionInfo describes the current auth session.
type SessionInfo struct {
	ActorID   string
	Token     string
	ExpiresAt time.Time
}

// Session exposes the backend's auth surface.
type Session interface {
	// GetSession returns the current session, or an error classified
	// ClassAuthExpired when there is none.
	GetSession(ctx context.Context) (*SessionInfo, error)

	// RefreshSession exchanges the refresh token for a new session.
	RefreshSession(ctx context.Context) (*SessionInfo, error)
}

// Purger permanently removes entities, with a documented three-tier
// fallback: the preferred bulk procedure, a legacy bulk procedure, then
// per-row soft delete.
type Purger interface {
	Purge(ctx context.Context, kind entity.Kind, ids []string) error
}

// Event is one change notification from the push channel.
type Event struct {
	Kind      entity.Kind `json:"kind"`
	Operation string      `json:"operation"` // insert, update, delete
	EntityID  string      `json:"entity_id"`
	ProjectID string      `json:"project_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Fields    []byte      `json:"fields,omitempty"`
}

// Channel is a push-based change subscription keyed by project.
type Channel interface {
	// Subscribe opens the channel for one project, filtered to the given
	// kinds (all kinds when empty). Events arrive on the returned channel
	// until ctx is cancelled or the connection drops, at which point the
	// channel is closed. The error channel reports transport failures; the
	// change feed counts them toward its degradation threshold.
	Subscribe(ctx context.Context, projectID string, kinds []entity.Kind) (<-chan Event, <-chan error, error)
}
