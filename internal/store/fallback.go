package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/weaveboard/synckit/internal/entity"
)

// ErrSnapshotTooLarge is returned when a snapshot would exceed the fallback
// store's byte ceiling. The fallback refuses rather than truncates: a partial
// queue snapshot silently drops mutations.
var ErrSnapshotTooLarge = fmt.Errorf("queue snapshot exceeds fallback size ceiling")

// DefaultSnapshotCeiling bounds the fallback file. 256 KiB holds thousands of
// typical mutations; a queue larger than that has a bigger problem than
// persistence.
const DefaultSnapshotCeiling = 256 * 1024

// Fallback persists the queue as a single JSON snapshot file. It serves when
// the primary database is unavailable (locked, corrupt, disk policy), trading
// the database's incremental writes for whole-queue rewrites.
type Fallback struct {
	mu      sync.Mutex
	path    string
	ceiling int
}

// snapshotFile is the on-disk layout.
type snapshotFile struct {
	SavedAt time.Time       `json:"saved_at"`
	Items   []*snapshotItem `json:"items"`
}

type snapshotItem struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Operation  string          `json:"operation"`
	ProjectID  string          `json:"project_id,omitempty"`
	Payload    *entity.Payload `json:"payload"`
	RetryCount int             `json:"retry_count"`
	CreatedAt  time.Time       `json:"created_at"`
}

// NewFallback creates a snapshot store at path. A ceiling of 0 uses
// DefaultSnapshotCeiling.
func NewFallback(path string, ceiling int) *Fallback {
	if ceiling <= 0 {
		ceiling = DefaultSnapshotCeiling
	}
	return &Fallback{path: path, ceiling: ceiling}
}

// Save writes the full queue snapshot atomically (temp file + rename).
// Returns ErrSnapshotTooLarge without touching the existing snapshot when the
// encoded form exceeds the ceiling.
func (f *Fallback) Save(items []*QueueItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	snap := snapshotFile{SavedAt: time.Now().UTC()}
	for _, item := range items {
		snap.Items = append(snap.Items, &snapshotItem{
			ID:         item.ID,
			Kind:       string(item.Kind),
			Operation:  string(item.Operation),
			ProjectID:  item.ProjectID,
			Payload:    item.Payload,
			RetryCount: item.RetryCount,
			CreatedAt:  item.CreatedAt,
		})
	}

	data, err := json.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("failed to encode queue snapshot: %w", err)
	}
	if len(data) > f.ceiling {
		return fmt.Errorf("%w: %d bytes > %d", ErrSnapshotTooLarge, len(data), f.ceiling)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot, returning an empty slice when none exists.
// A corrupt snapshot is an error; the caller decides whether to discard it.
func (f *Fallback) Load() ([]*QueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("corrupt queue snapshot: %w", err)
	}

	var items []*QueueItem
	for _, si := range snap.Items {
		items = append(items, &QueueItem{
			ID:         si.ID,
			Kind:       entity.Kind(si.Kind),
			Operation:  entity.Operation(si.Operation),
			ProjectID:  si.ProjectID,
			Payload:    si.Payload,
			RetryCount: si.RetryCount,
			CreatedAt:  si.CreatedAt,
		})
	}
	return items, nil
}

// Clear removes the snapshot file. Idempotent.
func (f *Fallback) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove snapshot: %w", err)
	}
	return nil
}

func marshalPayload(p *entity.Payload) (string, error) {
	if p == nil {
		return "", fmt.Errorf("queue item has no payload")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}
	return string(data), nil
}

func unmarshalPayload(s string) (*entity.Payload, error) {
	var p entity.Payload
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil, err
	}
	return &p, nil
}
