package batch

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weaveboard/synckit/internal/entity"
)

// ConflictRecord captures a push the remote store rejected because its copy
// had moved past the version the local write was based on. The record holds
// both snapshots until the user picks a resolution.
type ConflictRecord struct {
	ProjectID      string
	LocalSnapshot  *entity.Payload
	RemoteSnapshot *entity.Payload
	Kind           entity.Kind
	Reason         string
	ConflictedAt   time.Time
}

// Resolution is the user's choice for a conflict.
type Resolution string

const (
	// ResolveUseLocal re-pushes the local snapshot over the remote copy.
	ResolveUseLocal Resolution = "use-local"

	// ResolveUseRemote discards the local snapshot.
	ResolveUseRemote Resolution = "use-remote"

	// ResolveKeepBoth keeps the remote copy and re-creates the local
	// snapshot under a fresh identity.
	ResolveKeepBoth Resolution = "keep-both"
)

// Conflicts is the registry of unresolved version conflicts.
type Conflicts struct {
	mu      sync.Mutex
	records map[string]*ConflictRecord // entity id -> record
}

// NewConflicts creates an empty registry.
func NewConflicts() *Conflicts {
	return &Conflicts{records: make(map[string]*ConflictRecord)}
}

// Record stores a conflict for later resolution, replacing any earlier
// record for the same entity.
func (c *Conflicts) Record(rec *ConflictRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[rec.LocalSnapshot.ID] = rec
}

// List returns the unresolved conflicts, in no particular order.
func (c *Conflicts) List() []*ConflictRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*ConflictRecord, 0, len(c.records))
	for _, rec := range c.records {
		out = append(out, rec)
	}
	return out
}

// Resolve removes the record for entityID and returns the payloads that
// must now be pushed to carry out the choice. ResolveUseRemote pushes
// nothing; ResolveKeepBoth returns the local snapshot re-identified so both
// copies survive.
func (c *Conflicts) Resolve(entityID string, choice Resolution) ([]*entity.Payload, error) {
	c.mu.Lock()
	rec, ok := c.records[entityID]
	if ok {
		delete(c.records, entityID)
	}
	c.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("no unresolved conflict for entity %q", entityID)
	}

	switch choice {
	case ResolveUseLocal:
		p := rec.LocalSnapshot.Clone()
		if rec.RemoteSnapshot != nil {
			// Base the overwrite on the remote version so it is accepted.
			p.Version = rec.RemoteSnapshot.Version
		}
		p.UpdatedAt = time.Now().UTC()
		return []*entity.Payload{p}, nil

	case ResolveUseRemote:
		return nil, nil

	case ResolveKeepBoth:
		p := rec.LocalSnapshot.Clone()
		p.ID = uuid.NewString()
		p.Version = 0
		p.UpdatedAt = time.Now().UTC()
		return []*entity.Payload{p}, nil
	}
	return nil, fmt.Errorf("unknown resolution: %q", choice)
}
