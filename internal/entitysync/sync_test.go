package entitysync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/weaveboard/synckit/internal/authretry"
	"github.com/weaveboard/synckit/internal/entity"
	"github.com/weaveboard/synckit/internal/remote"
	"github.com/weaveboard/synckit/internal/store"
	"github.com/weaveboard/synckit/internal/tombstone"
)

// fakeRemote counts calls per method and can fail upserts.
type fakeRemote struct {
	upserts      int
	fieldPatches int
	deletes      int
	selects      int
	rows         []remote.Row
	upsertErr    error
	lastFields   map[string]any
}

func (f *fakeRemote) Upsert(ctx context.Context, kind entity.Kind, p *entity.Payload) error {
	f.upserts++
	return f.upsertErr
}

func (f *fakeRemote) UpdateFields(ctx context.Context, kind entity.Kind, id string, fields map[string]any) error {
	f.fieldPatches++
	f.lastFields = fields
	return nil
}

func (f *fakeRemote) Delete(ctx context.Context, kind entity.Kind, id string) error {
	f.deletes++
	return nil
}

func (f *fakeRemote) Select(ctx context.Context, kind entity.Kind, projectID string, since time.Time) ([]remote.Row, error) {
	f.selects++
	return f.rows, nil
}

type okSession struct{}

func (okSession) GetSession(ctx context.Context) (*remote.SessionInfo, error) {
	return &remote.SessionInfo{ActorID: "u1", Token: "tok"}, nil
}
func (okSession) RefreshSession(ctx context.Context) (*remote.SessionInfo, error) {
	return &remote.SessionInfo{ActorID: "u1", Token: "tok"}, nil
}

type recordingQueue struct {
	added []string
}

func (r *recordingQueue) Add(ctx context.Context, kind entity.Kind, op entity.Operation, p *entity.Payload, projectID string) (bool, error) {
	r.added = append(r.added, string(op)+":"+p.ID)
	return true, nil
}

func newFixture(t *testing.T) (*Syncer, *fakeRemote, *recordingQueue, *tombstone.Store) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatal(err)
	}

	fr := &fakeRemote{}
	tombs := tombstone.New(db, nil, tombstone.Config{})
	auth := authretry.New(okSession{}, nil)
	s := New(fr, nil, auth, tombs, nil)
	q := &recordingQueue{}
	s.Bind(q)
	return s, fr, q, tombs
}

func taskPayload(id string, fields string) *entity.Payload {
	return &entity.Payload{ID: id, UpdatedAt: time.Now().UTC(), Fields: json.RawMessage(fields)}
}

func TestPushUpsert(t *testing.T) {
	s, fr, _, _ := newFixture(t)

	if err := s.PushUpsert(context.Background(), entity.KindTask, taskPayload("t1", `{"title":"a"}`), "p1", false); err != nil {
		t.Fatal(err)
	}
	if fr.upserts != 1 {
		t.Errorf("upserts = %d, want 1", fr.upserts)
	}
}

func TestPushRejectedByTombstoneBeforeNetwork(t *testing.T) {
	s, fr, _, tombs := newFixture(t)
	ctx := context.Background()

	if err := tombs.RecordDeletion(ctx, entity.KindTask, "p1", "task-9"); err != nil {
		t.Fatal(err)
	}

	// No timestamp on the candidate: the local tombstone wins.
	err := s.PushUpsert(ctx, entity.KindTask, &entity.Payload{ID: "task-9"}, "p1", false)
	if !errors.Is(err, ErrTombstoned) {
		t.Fatalf("want ErrTombstoned, got %v", err)
	}
	if fr.upserts != 0 && fr.fieldPatches != 0 {
		t.Error("tombstoned push must not reach the network")
	}
}

func TestPushUpsertPositionOnlyDelta(t *testing.T) {
	s, fr, _, _ := newFixture(t)
	ctx := context.Background()

	// First push establishes the baseline with a full upsert.
	if err := s.PushUpsert(ctx, entity.KindTask, taskPayload("t1", `{"title":"a","x":1,"y":2}`), "p1", false); err != nil {
		t.Fatal(err)
	}
	if fr.upserts != 1 {
		t.Fatalf("baseline should be a full upsert, got %d", fr.upserts)
	}

	// A move goes out as a field patch.
	if err := s.PushUpsert(ctx, entity.KindTask, taskPayload("t1", `{"title":"a","x":9,"y":2}`), "p1", false); err != nil {
		t.Fatal(err)
	}
	if fr.fieldPatches != 1 || fr.upserts != 1 {
		t.Errorf("position move should patch fields: patches=%d upserts=%d", fr.fieldPatches, fr.upserts)
	}
	if _, ok := fr.lastFields["x"]; !ok || len(fr.lastFields) != 1 {
		t.Errorf("patch should carry only x: %v", fr.lastFields)
	}

	// A content edit reverts to a full upsert.
	if err := s.PushUpsert(ctx, entity.KindTask, taskPayload("t1", `{"title":"b","x":9,"y":2}`), "p1", false); err != nil {
		t.Fatal(err)
	}
	if fr.upserts != 2 {
		t.Errorf("content edit should push the full payload, upserts=%d", fr.upserts)
	}
}

func TestPushUpsertEnqueuesOnRetryable(t *testing.T) {
	s, fr, q, _ := newFixture(t)
	fr.upsertErr = remote.WrapClass(remote.ClassTransientNetwork, fmt.Errorf("connection refused"))

	err := s.PushUpsert(context.Background(), entity.KindTask, taskPayload("t1", `{}`), "p1", false)
	if err == nil {
		t.Fatal("expected error")
	}
	if len(q.added) != 1 || q.added[0] != "upsert:t1" {
		t.Errorf("retryable failure should enqueue: %v", q.added)
	}
}

func TestPushUpsertReplayDoesNotReEnqueue(t *testing.T) {
	s, fr, q, _ := newFixture(t)
	fr.upsertErr = remote.WrapClass(remote.ClassTransientNetwork, fmt.Errorf("timeout"))

	err := s.PushUpsert(context.Background(), entity.KindTask, taskPayload("t1", `{}`), "p1", true)
	if err == nil {
		t.Fatal("expected error")
	}
	if len(q.added) != 0 {
		t.Errorf("replay failures must not re-enqueue: %v", q.added)
	}
}

func TestPushDeleteRecordsTombstoneFirst(t *testing.T) {
	s, fr, _, tombs := newFixture(t)
	ctx := context.Background()

	if err := s.PushDelete(ctx, entity.KindTask, "t1", "p1", false); err != nil {
		t.Fatal(err)
	}
	if fr.deletes != 1 {
		t.Errorf("deletes = %d, want 1", fr.deletes)
	}

	deleted, err := tombs.IsDeleted(ctx, entity.KindTask, "p1", "t1", time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if !deleted {
		t.Error("delete should leave a local tombstone")
	}
}

func TestFetchReturnsRemoteCopy(t *testing.T) {
	s, fr, _, _ := newFixture(t)
	ctx := context.Background()
	fr.rows = []remote.Row{
		{ID: "t1", Version: 4, UpdatedAt: time.Now(), Fields: []byte(`{"title":"remote"}`)},
		{ID: "t2", Version: 1},
	}

	p, err := s.Fetch(ctx, entity.KindTask, "p1", "t1")
	if err != nil {
		t.Fatal(err)
	}
	if p == nil || p.Version != 4 || string(p.Fields) != `{"title":"remote"}` {
		t.Errorf("unexpected remote copy: %+v", p)
	}

	missing, err := s.Fetch(ctx, entity.KindTask, "p1", "absent")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Errorf("absent row should fetch as nil, got %+v", missing)
	}
}

func TestPullFiltersDeletedRows(t *testing.T) {
	s, fr, _, tombs := newFixture(t)
	ctx := context.Background()

	if err := tombs.RecordDeletion(ctx, entity.KindTask, "p1", "t-local-dead"); err != nil {
		t.Fatal(err)
	}
	fr.rows = []remote.Row{
		{ID: "t1", UpdatedAt: time.Now()},
		{ID: "t-remote-dead", Deleted: true},
		{ID: "t-local-dead", UpdatedAt: time.Now().Add(-time.Hour)},
	}

	rows, err := s.Pull(ctx, entity.KindTask, "p1", time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].ID != "t1" {
		t.Errorf("Pull should hide deleted rows, got %+v", rows)
	}
}

func TestHandlersTreatTombstonedReplayAsDone(t *testing.T) {
	s, fr, _, tombs := newFixture(t)
	ctx := context.Background()

	if err := tombs.RecordDeletion(ctx, entity.KindTask, "p1", "t1"); err != nil {
		t.Fatal(err)
	}

	handlers := s.Handlers()
	item := &store.QueueItem{
		Kind:      entity.KindTask,
		Operation: entity.OpUpsert,
		Payload:   &entity.Payload{ID: "t1"},
		ProjectID: "p1",
	}
	if err := handlers[entity.KindTask].Push(ctx, item); err != nil {
		t.Fatalf("tombstoned replay should succeed trivially: %v", err)
	}
	if fr.upserts != 0 {
		t.Error("tombstoned replay must not reach the network")
	}
}
