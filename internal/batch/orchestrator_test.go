package batch

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/weaveboard/synckit/internal/authretry"
	"github.com/weaveboard/synckit/internal/entity"
	"github.com/weaveboard/synckit/internal/entitysync"
	"github.com/weaveboard/synckit/internal/remote"
	"github.com/weaveboard/synckit/internal/store"
	"github.com/weaveboard/synckit/internal/tombstone"
)

// fakeRemote records pushes and fails the ids it is told to fail.
type fakeRemote struct {
	upserts []string // "<kind>/<id>" in push order
	failOn  map[string]error
	rows    []remote.Row // served by Select
}

func (f *fakeRemote) key(kind entity.Kind, id string) string {
	return string(kind) + "/" + id
}

func (f *fakeRemote) Upsert(ctx context.Context, kind entity.Kind, p *entity.Payload) error {
	if err, ok := f.failOn[f.key(kind, p.ID)]; ok {
		return err
	}
	f.upserts = append(f.upserts, f.key(kind, p.ID))
	return nil
}

func (f *fakeRemote) UpdateFields(ctx context.Context, kind entity.Kind, id string, fields map[string]any) error {
	return f.Upsert(ctx, kind, &entity.Payload{ID: id})
}

func (f *fakeRemote) Delete(ctx context.Context, kind entity.Kind, id string) error { return nil }

func (f *fakeRemote) Select(ctx context.Context, kind entity.Kind, projectID string, since time.Time) ([]remote.Row, error) {
	return f.rows, nil
}

func (f *fakeRemote) Purge(ctx context.Context, kind entity.Kind, ids []string) error { return nil }

type okSession struct{}

func (okSession) GetSession(ctx context.Context) (*remote.SessionInfo, error) {
	return &remote.SessionInfo{ActorID: "u1", Token: "tok"}, nil
}
func (okSession) RefreshSession(ctx context.Context) (*remote.SessionInfo, error) {
	return &remote.SessionInfo{ActorID: "u1", Token: "tok"}, nil
}

// fakeQueue records enqueued identities.
type fakeQueue struct {
	added []string
}

func (f *fakeQueue) Add(ctx context.Context, kind entity.Kind, op entity.Operation, p *entity.Payload, projectID string) (bool, error) {
	f.added = append(f.added, p.ID)
	return true, nil
}

type fixture struct {
	remote *fakeRemote
	queue  *fakeQueue
	tombs  *tombstone.Store
	orch   *Orchestrator
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatal(err)
	}

	fr := &fakeRemote{failOn: map[string]error{}}
	fq := &fakeQueue{}
	tombs := tombstone.New(db, nil, tombstone.Config{})
	auth := authretry.New(okSession{}, nil)
	syncer := entitysync.New(fr, fr, auth, tombs, nil)

	if cfg.PacingDelay == 0 {
		cfg.PacingDelay = time.Millisecond
	}
	orch := New(syncer, fq, tombs, okSession{}, nil, cfg)
	return &fixture{remote: fr, queue: fq, tombs: tombs, orch: orch}
}

func project(id string) *entity.Payload {
	return &entity.Payload{ID: id, UpdatedAt: time.Now().UTC()}
}

func task(id, parent string) *entity.Payload {
	return &entity.Payload{ID: id, ParentID: parent, UpdatedAt: time.Now().UTC()}
}

func TestSavePartitionHappyPath(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	part := &Partition{
		Project: project("p1"),
		Tasks:   []*entity.Payload{task("t2", "t1"), task("t1", "")},
		Connections: []*entity.Payload{
			{ID: "c1", FromID: "t1", ToID: "t2", UpdatedAt: time.Now()},
		},
	}

	res, err := f.orch.SavePartition(ctx, part, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || !res.ProjectPushed {
		t.Fatalf("expected success: %+v", res)
	}

	want := []string{"project/p1", "task/t1", "task/t2", "connection/c1"}
	if len(f.remote.upserts) != len(want) {
		t.Fatalf("pushed %v, want %v", f.remote.upserts, want)
	}
	for i := range want {
		if f.remote.upserts[i] != want[i] {
			t.Errorf("push %d = %s, want %s", i, f.remote.upserts[i], want[i])
		}
	}
}

func TestSavePartitionPartialFailure(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.remote.failOn["task/t2"] = remote.WrapClass(remote.ClassTransientNetwork, fmt.Errorf("connection refused"))

	part := &Partition{
		Project: project("p1"),
		Tasks:   []*entity.Payload{task("t1", ""), task("t2", ""), task("t3", "")},
	}

	res, err := f.orch.SavePartition(ctx, part, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Error("one failed child must make the save non-success")
	}
	if !res.ProjectPushed {
		t.Error("root should still have pushed")
	}
	if len(res.FailedChildIDs) != 1 || res.FailedChildIDs[0] != "t2" {
		t.Errorf("FailedChildIDs = %v, want [t2]", res.FailedChildIDs)
	}
	if len(res.EnqueuedIDs) != 1 || res.EnqueuedIDs[0] != "t2" {
		t.Errorf("EnqueuedIDs = %v, want [t2]", res.EnqueuedIDs)
	}
	if len(f.queue.added) != 1 || f.queue.added[0] != "t2" {
		t.Errorf("queue received %v, want [t2]", f.queue.added)
	}
}

func TestSavePartitionPermanentChildNotEnqueued(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.remote.failOn["task/t1"] = remote.WrapClass(remote.ClassValidation, fmt.Errorf("bad payload"))

	part := &Partition{Project: project("p1"), Tasks: []*entity.Payload{task("t1", "")}}
	res, err := f.orch.SavePartition(ctx, part, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || len(res.FailedChildIDs) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(res.EnqueuedIDs) != 0 {
		t.Errorf("permanent failure must not enqueue: %v", res.EnqueuedIDs)
	}
}

func TestSavePartitionOfflineEnqueuesRoot(t *testing.T) {
	f := newFixture(t, Config{Online: func() bool { return false }})
	ctx := context.Background()

	part := &Partition{Project: project("p1"), Tasks: []*entity.Payload{task("t1", "")}}
	res, err := f.orch.SavePartition(ctx, part, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || res.ProjectPushed {
		t.Errorf("offline save must not succeed: %+v", res)
	}
	if len(res.EnqueuedIDs) != 1 || res.EnqueuedIDs[0] != "p1" {
		t.Errorf("root should be enqueued: %v", res.EnqueuedIDs)
	}
	if len(f.remote.upserts) != 0 {
		t.Errorf("offline save must not touch the network: %v", f.remote.upserts)
	}
}

func TestSavePartitionLocalOnlyActor(t *testing.T) {
	f := newFixture(t, Config{LocalOnly: func(actorID string) bool { return actorID == "hermit" }})
	ctx := context.Background()

	part := &Partition{Project: project("p1")}
	res, err := f.orch.SavePartition(ctx, part, "hermit")
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || len(f.remote.upserts) != 0 {
		t.Errorf("local-only actor must not push: %+v", res)
	}
}

func TestSavePartitionPreflightBlocks(t *testing.T) {
	f := newFixture(t, Config{Preflight: func(part *Partition) error {
		return fmt.Errorf("project name empty")
	}})
	ctx := context.Background()

	res, err := f.orch.SavePartition(ctx, &Partition{Project: project("p1")}, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || len(res.EnqueuedIDs) != 1 {
		t.Errorf("blocked preflight should enqueue the root: %+v", res)
	}
}

func TestSavePartitionExcludesTombstonedTasks(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	if err := f.tombs.RecordDeletion(ctx, entity.KindTask, "p1", "t-dead"); err != nil {
		t.Fatal(err)
	}

	part := &Partition{
		Project: project("p1"),
		Tasks:   []*entity.Payload{task("t-dead", ""), task("t-alive", "")},
	}
	res, err := f.orch.SavePartition(ctx, part, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("excluding a tombstoned task is not a failure: %+v", res)
	}
	for _, pushed := range f.remote.upserts {
		if pushed == "task/t-dead" {
			t.Error("tombstoned task must not be pushed")
		}
	}
}

func TestSavePartitionSkipsEdgesWithUnsyncedEndpoints(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.remote.failOn["task/t2"] = remote.WrapClass(remote.ClassTransientNetwork, fmt.Errorf("timeout"))

	part := &Partition{
		Project: project("p1"),
		Tasks:   []*entity.Payload{task("t1", ""), task("t2", "")},
		Connections: []*entity.Payload{
			{ID: "c-good", FromID: "t1", ToID: "t-known", UpdatedAt: time.Now()},
			{ID: "c-bad", FromID: "t1", ToID: "t2", UpdatedAt: time.Now()},
		},
		KnownPresentIDs: []string{"t-known"},
	}

	res, err := f.orch.SavePartition(ctx, part, "u1")
	if err != nil {
		t.Fatal(err)
	}

	var pushedGood, pushedBad bool
	for _, pushed := range f.remote.upserts {
		switch pushed {
		case "connection/c-good":
			pushedGood = true
		case "connection/c-bad":
			pushedBad = true
		}
	}
	if !pushedGood {
		t.Error("edge with both endpoints known should push")
	}
	if pushedBad {
		t.Error("edge referencing the failed task must be skipped")
	}
	// Skipped edges are not failures.
	if len(res.FailedEdgeIDs) != 0 {
		t.Errorf("skipped edges must not count as failed: %v", res.FailedEdgeIDs)
	}
}

func TestSavePartitionRecordsConflict(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.remote.failOn["task/t1"] = remote.WrapClass(remote.ClassVersionConflict, fmt.Errorf("stale version"))
	f.remote.rows = []remote.Row{{ID: "t1", Version: 7, UpdatedAt: time.Now()}}

	part := &Partition{Project: project("p1"), Tasks: []*entity.Payload{task("t1", "")}}
	if _, err := f.orch.SavePartition(ctx, part, "u1"); err != nil {
		t.Fatal(err)
	}

	conflicts := f.orch.Conflicts().List()
	if len(conflicts) != 1 || conflicts[0].LocalSnapshot.ID != "t1" {
		t.Fatalf("expected one conflict for t1, got %+v", conflicts)
	}
	if rs := conflicts[0].RemoteSnapshot; rs == nil || rs.Version != 7 {
		t.Fatalf("record should hold the winning remote copy: %+v", rs)
	}

	// Use-local now rebases on the fetched remote version, so the
	// resolution push is accepted instead of conflicting again.
	pushes, err := f.orch.Conflicts().Resolve("t1", ResolveUseLocal)
	if err != nil {
		t.Fatal(err)
	}
	if len(pushes) != 1 || pushes[0].Version != 7 {
		t.Errorf("use-local should base the push on version 7: %+v", pushes)
	}
}

func TestConflictResolution(t *testing.T) {
	c := NewConflicts()
	c.Record(&ConflictRecord{
		ProjectID:      "p1",
		Kind:           entity.KindTask,
		LocalSnapshot:  &entity.Payload{ID: "t1", Version: 3},
		RemoteSnapshot: &entity.Payload{ID: "t1", Version: 7},
		ConflictedAt:   time.Now(),
	})

	t.Run("use local rebases on remote version", func(t *testing.T) {
		pushes, err := c.Resolve("t1", ResolveUseLocal)
		if err != nil {
			t.Fatal(err)
		}
		if len(pushes) != 1 || pushes[0].Version != 7 {
			t.Errorf("unexpected pushes: %+v", pushes)
		}
	})

	t.Run("resolve is one-shot", func(t *testing.T) {
		if _, err := c.Resolve("t1", ResolveUseRemote); err == nil {
			t.Error("second resolve should fail")
		}
	})

	t.Run("keep both re-identifies", func(t *testing.T) {
		c.Record(&ConflictRecord{
			ProjectID:     "p1",
			Kind:          entity.KindTask,
			LocalSnapshot: &entity.Payload{ID: "t2", Version: 3},
		})
		pushes, err := c.Resolve("t2", ResolveKeepBoth)
		if err != nil {
			t.Fatal(err)
		}
		if len(pushes) != 1 || pushes[0].ID == "t2" || pushes[0].Version != 0 {
			t.Errorf("keep-both should re-identify: %+v", pushes)
		}
	})
}
