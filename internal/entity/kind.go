// Package entity defines the entity kinds and payload envelopes that flow
// through the sync engine.
//
// A Weaveboard partition is a project containing tasks (cards), connections
// (edges between cards), and sidenotes. Every component of the engine routes
// writes by Kind, and the mutation queue orders its drain by each kind's
// dependency rank so that parent-like entities reach the remote store before
// anything that references them.
package entity

import (
	"fmt"
	"strings"
	"unicode"
)

// Kind identifies which table an entity belongs to.
//
// The set is closed: ParseKind rejects anything else, and the mutation queue
// refuses items whose kind it has no handler for rather than silently
// ignoring them.
type Kind string

const (
	// KindProject is the partition root.
	KindProject Kind = "project"

	// KindTask is a card within a project.
	KindTask Kind = "task"

	// KindConnection is a directed edge between two tasks.
	KindConnection Kind = "connection"

	// KindSidenote is a free-floating annotation attached to a project.
	KindSidenote Kind = "sidenote"
)

// Kinds lists every valid kind in dependency-rank order.
func Kinds() []Kind {
	return []Kind{KindProject, KindTask, KindConnection, KindSidenote}
}

// ParseKind converts a string tag into a Kind.
//
// Unknown tags are an error: the engine never dispatches on raw strings.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindProject:
		return KindProject, nil
	case KindTask:
		return KindTask, nil
	case KindConnection:
		return KindConnection, nil
	case KindSidenote:
		return KindSidenote, nil
	default:
		return "", fmt.Errorf("unknown entity kind: %q", s)
	}
}

// IsValid reports whether k is one of the closed set of kinds.
func (k Kind) IsValid() bool {
	switch k {
	case KindProject, KindTask, KindConnection, KindSidenote:
		return true
	}
	return false
}

// Rank returns the kind's position in dependency order.
//
// Projects must exist before their tasks, tasks before the connections that
// join them, and sidenotes last. Lower ranks are pushed first.
func (k Kind) Rank() int {
	switch k {
	case KindProject:
		return 0
	case KindTask:
		return 1
	case KindConnection:
		return 2
	case KindSidenote:
		return 3
	default:
		// Unknown kinds sort after everything; the queue abandons them
		// once the grace period elapses.
		return 4
	}
}

// Operation is the write intent carried by a mutation.
type Operation string

const (
	// OpUpsert creates or replaces the remote row.
	OpUpsert Operation = "upsert"

	// OpDelete soft-deletes the remote row.
	OpDelete Operation = "delete"
)

// IsValid reports whether op is a known operation.
func (op Operation) IsValid() bool {
	return op == OpUpsert || op == OpDelete
}

// ValidID reports whether id is a well-formed entity identifier: non-empty,
// at most 128 characters, and containing only letters, digits, '-' and '_'.
//
// Queue dedup keys on (kind, id), so a malformed identifier is rejected at
// the door rather than poisoning the queue.
func ValidID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, r := range id {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' {
			return false
		}
	}
	return true
}
