package merge

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/bitdrive/bitdrive/internal/metadata"
	"github.com/bitdrive/bitdrive/internal/staging"
	"github.com/bitdrive/bitdrive/internal/storage"
	"github.com/google/uuid"
)

type fakeMeta struct {
	nodes      map[string]*metadata.Node
	insertErr  error
	insertOnce bool
}

func newFakeMeta() *fakeMeta {
	return &fakeMeta{nodes: make(map[string]*metadata.Node)}
}

func (m *fakeMeta) InsertFile(_ context.Context, node *metadata.Node) (string, bool, error) {
	if m.insertErr != nil {
		err := m.insertErr
		if m.insertOnce {
			m.insertErr = nil
		}
		return "", false, err
	}
	for id, n := range m.nodes {
		if n.ParentID == node.ParentID && n.Name == node.Name {
			return id, true, nil
		}
	}
	id := uuid.NewString()
	cp := *node
	cp.ID = id
	m.nodes[id] = &cp
	return id, false, nil
}

func (m *fakeMeta) CountByContentHash(_ context.Context, hash string) (int, error) {
	count := 0
	for _, n := range m.nodes {
		if n.ContentHash == hash {
			count++
		}
	}
	return count, nil
}

func newTestEngine(t *testing.T) (*Engine, *fakeMeta, *storage.Store, *staging.Area) {
	t.Helper()
	objects, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	stage, err := staging.New(t.TempDir())
	if err != nil {
		t.Fatalf("staging.New: %v", err)
	}
	meta := newFakeMeta()
	return New(meta, objects, stage), meta, objects, stage
}

func stageChunks(t *testing.T, stage *staging.Area, hash string, chunks ...string) {
	t.Helper()
	for i, c := range chunks {
		if _, err := stage.WriteChunk(context.Background(), hash, i, "", strings.NewReader(c)); err != nil {
			t.Fatalf("WriteChunk(%d): %v", i, err)
		}
	}
}

func readObject(t *testing.T, objects *storage.Store, key string) string {
	t.Helper()
	rc, _, err := objects.GetObject(context.Background(), key, 0, -1)
	if err != nil {
		t.Fatalf("GetObject(%s): %v", key, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read object: %v", err)
	}
	return string(data)
}

func TestMergeReassemblesInOrder(t *testing.T) {
	engine, meta, objects, stage := newTestEngine(t)
	ctx := context.Background()

	// Staged out of order; reassembly must follow index order.
	for _, idx := range []int{2, 0, 1} {
		part := []string{"aaa", "bbb", "ccc"}[idx]
		if _, err := stage.WriteChunk(ctx, "deadbeef", idx, "", strings.NewReader(part)); err != nil {
			t.Fatalf("WriteChunk(%d): %v", idx, err)
		}
	}

	id, err := engine.Merge(ctx, Request{
		FileHash: "deadbeef",
		FileName: "report.txt",
		FileSize: 9,
	})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	key := storage.Key("deadbeef", "report.txt")
	if got := readObject(t, objects, key); got != "aaabbbccc" {
		t.Errorf("object content = %q, want %q", got, "aaabbbccc")
	}

	node := meta.nodes[id]
	if node == nil {
		t.Fatal("no metadata node inserted")
	}
	if node.Name != "report.txt" || node.ContentHash != "deadbeef" || node.Size != 9 {
		t.Errorf("node = %+v", node)
	}

	// Chunks are consumed by the merge.
	if ok, _ := stage.HasStaging(ctx, "deadbeef"); ok {
		t.Error("staging dir survived merge")
	}
}

func TestMergeNoChunks(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	_, err := engine.Merge(context.Background(), Request{FileHash: "none", FileName: "x.bin"})
	if !errors.Is(err, ErrNoChunks) {
		t.Fatalf("Merge = %v, want ErrNoChunks", err)
	}
}

func TestMergeIncompleteChunks(t *testing.T) {
	engine, _, objects, stage := newTestEngine(t)
	ctx := context.Background()

	// Index 1 never arrived.
	if _, err := stage.WriteChunk(ctx, "h", 0, "", strings.NewReader("aaa")); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if _, err := stage.WriteChunk(ctx, "h", 2, "", strings.NewReader("ccc")); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}

	_, err := engine.Merge(ctx, Request{FileHash: "h", FileName: "x.bin"})
	if !errors.Is(err, ErrIncomplete) {
		t.Fatalf("Merge = %v, want ErrIncomplete", err)
	}
	if exists, _ := objects.ObjectExists(ctx, storage.Key("h", "x.bin")); exists {
		t.Error("partial object left behind")
	}
}

func TestMergeSizeMismatch(t *testing.T) {
	engine, _, objects, stage := newTestEngine(t)
	ctx := context.Background()

	stageChunks(t, stage, "h", "aaa", "bbb")
	_, err := engine.Merge(ctx, Request{FileHash: "h", FileName: "x.bin", FileSize: 100})
	if !errors.Is(err, ErrIncomplete) {
		t.Fatalf("Merge = %v, want ErrIncomplete", err)
	}
	if exists, _ := objects.ObjectExists(ctx, storage.Key("h", "x.bin")); exists {
		t.Error("mis-sized object left behind")
	}
}

func TestMergeExistingContentSkipsReassembly(t *testing.T) {
	engine, meta, objects, stage := newTestEngine(t)
	ctx := context.Background()

	stageChunks(t, stage, "cafe", "hello")
	firstID, err := engine.Merge(ctx, Request{FileHash: "cafe", FileName: "a.txt", FileSize: 5})
	if err != nil {
		t.Fatalf("first Merge: %v", err)
	}

	// Same content merged under a different name. No chunks are staged, the
	// existing object is reused and only metadata changes.
	secondID, err := engine.Merge(ctx, Request{
		FileHash: "cafe", FileName: "b.txt", FileSize: 5, ParentID: "",
	})
	if err != nil {
		t.Fatalf("second Merge: %v", err)
	}
	if secondID == firstID {
		t.Error("second merge returned first node's id")
	}
	if refs, _ := meta.CountByContentHash(ctx, "cafe"); refs != 2 {
		t.Errorf("refcount = %d, want 2", refs)
	}
	if got := readObject(t, objects, storage.Key("cafe", "a.txt")); got != "hello" {
		t.Errorf("object content = %q after second merge", got)
	}
}

func TestMergeRepeatedIsIdempotent(t *testing.T) {
	engine, _, _, stage := newTestEngine(t)
	ctx := context.Background()

	stageChunks(t, stage, "cafe", "hello")
	firstID, err := engine.Merge(ctx, Request{FileHash: "cafe", FileName: "a.txt", FileSize: 5})
	if err != nil {
		t.Fatalf("first Merge: %v", err)
	}
	secondID, err := engine.Merge(ctx, Request{FileHash: "cafe", FileName: "a.txt", FileSize: 5})
	if err != nil {
		t.Fatalf("repeat Merge: %v", err)
	}
	if secondID != firstID {
		t.Errorf("repeat merge id = %s, want %s", secondID, firstID)
	}
}

func TestMergeReleasesFingerprintLocks(t *testing.T) {
	engine, _, _, stage := newTestEngine(t)
	ctx := context.Background()

	stageChunks(t, stage, "aa", "one")
	if _, err := engine.Merge(ctx, Request{FileHash: "aa", FileName: "a.txt", FileSize: 3}); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	// A failed merge releases its lock too.
	if _, err := engine.Merge(ctx, Request{FileHash: "bb", FileName: "b.txt"}); !errors.Is(err, ErrNoChunks) {
		t.Fatalf("Merge = %v, want ErrNoChunks", err)
	}

	engine.mu.Lock()
	held := len(engine.locks)
	engine.mu.Unlock()
	if held != 0 {
		t.Errorf("lock table holds %d entries after merges finished", held)
	}
}

func TestMergeOrphanCleanupOnInsertFailure(t *testing.T) {
	engine, meta, objects, stage := newTestEngine(t)
	ctx := context.Background()

	meta.insertErr = errors.New("db down")
	meta.insertOnce = true

	stageChunks(t, stage, "feed", "data")
	if _, err := engine.Merge(ctx, Request{FileHash: "feed", FileName: "x.txt", FileSize: 4}); err == nil {
		t.Fatal("Merge succeeded despite insert failure")
	}

	// Nothing references the content, so the assembled object is discarded.
	if exists, _ := objects.ObjectExists(ctx, storage.Key("feed", "x.txt")); exists {
		t.Error("orphan object survived insert failure")
	}
}
