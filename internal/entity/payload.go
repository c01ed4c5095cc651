package entity

import (
	"encoding/json"
	"fmt"
	"time"
)

// Payload is the envelope for one entity's state as it moves through the
// queue and the sync primitives.
//
// Fields carries the kind-specific column values as raw JSON; the engine
// itself only needs the identity, the parent linkage, and the update
// timestamp used by tombstone override and conflict checks.
type Payload struct {
	// ID is the entity identifier. Identity for queue dedup is (kind, ID).
	ID string `json:"id"`

	// ProjectID scopes tasks and sidenotes to their partition. Empty for
	// projects themselves and for global entities.
	ProjectID string `json:"project_id,omitempty"`

	// ParentID links a task to the task it nests under, if any. Drives the
	// batch orchestrator's topological ordering.
	ParentID string `json:"parent_id,omitempty"`

	// FromID and ToID are the endpoints of a connection. Empty for other
	// kinds.
	FromID string `json:"from_id,omitempty"`
	ToID   string `json:"to_id,omitempty"`

	// UpdatedAt is the client-side last-modified time. Used by the
	// tombstone override rule and by the remote store's optimistic
	// concurrency check.
	UpdatedAt time.Time `json:"updated_at"`

	// Version is the optimistic-concurrency version the write is based on.
	Version int64 `json:"version,omitempty"`

	// Fields holds the remaining kind-specific columns verbatim.
	Fields json.RawMessage `json:"fields,omitempty"`
}

// Validate checks the envelope for a well-formed identity.
func (p *Payload) Validate(kind Kind) error {
	if !kind.IsValid() {
		return fmt.Errorf("invalid entity kind: %q", kind)
	}
	if !ValidID(p.ID) {
		return fmt.Errorf("malformed entity id: %q", p.ID)
	}
	if kind == KindConnection {
		if !ValidID(p.FromID) || !ValidID(p.ToID) {
			return fmt.Errorf("connection %s has malformed endpoints (%q -> %q)", p.ID, p.FromID, p.ToID)
		}
	}
	return nil
}

// Clone returns a deep copy of the payload.
func (p *Payload) Clone() *Payload {
	cp := *p
	if p.Fields != nil {
		cp.Fields = append(json.RawMessage(nil), p.Fields...)
	}
	return &cp
}

// positionFields are the spatial/ranking columns of a task. When these are
// the only fields that changed, the sync layer sends a position-only delta
// instead of the full row.
var positionFields = map[string]bool{
	"x":    true,
	"y":    true,
	"rank": true,
}

// PositionOnlyDelta compares two task payloads and, if the only differing
// fields are spatial/ranking, returns just those fields. The second return
// is false when the change touches anything else (or either side fails to
// parse), in which case the caller pushes the full payload.
func PositionOnlyDelta(prev, next *Payload) (map[string]json.RawMessage, bool) {
	if prev == nil || next == nil {
		return nil, false
	}

	var prevFields, nextFields map[string]json.RawMessage
	if err := json.Unmarshal(orEmpty(prev.Fields), &prevFields); err != nil {
		return nil, false
	}
	if err := json.Unmarshal(orEmpty(next.Fields), &nextFields); err != nil {
		return nil, false
	}

	delta := make(map[string]json.RawMessage)
	for key, nextVal := range nextFields {
		prevVal, ok := prevFields[key]
		if ok && string(prevVal) == string(nextVal) {
			continue
		}
		if !positionFields[key] {
			return nil, false
		}
		delta[key] = nextVal
	}

	// A removed field is a change too, and never position-only.
	for key := range prevFields {
		if _, ok := nextFields[key]; !ok {
			if !positionFields[key] {
				return nil, false
			}
			delta[key] = json.RawMessage("null")
		}
	}

	if len(delta) == 0 {
		return nil, false
	}
	return delta, true
}

func orEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}
