package staging

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestArea(t *testing.T) *Area {
	t.Helper()
	a, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func md5hex(data string) string {
	sum := md5.Sum([]byte(data))
	return hex.EncodeToString(sum[:])
}

func TestWriteAndListChunks(t *testing.T) {
	a := newTestArea(t)
	ctx := context.Background()

	// Out-of-order arrival must not matter.
	for _, idx := range []int{2, 0, 1} {
		data := strings.Repeat("x", idx+1)
		n, err := a.WriteChunk(ctx, "abc123", idx, md5hex(data), strings.NewReader(data))
		if err != nil {
			t.Fatalf("WriteChunk(%d): %v", idx, err)
		}
		if n != int64(idx+1) {
			t.Errorf("WriteChunk(%d) = %d bytes, want %d", idx, n, idx+1)
		}
	}

	indices, err := a.ListChunks(ctx, "abc123")
	if err != nil {
		t.Fatalf("ListChunks: %v", err)
	}
	want := []int{0, 1, 2}
	if len(indices) != len(want) {
		t.Fatalf("ListChunks = %v, want %v", indices, want)
	}
	for i := range want {
		if indices[i] != want[i] {
			t.Errorf("ListChunks[%d] = %d, want %d", i, indices[i], want[i])
		}
	}
}

func TestWriteChunkIdempotent(t *testing.T) {
	a := newTestArea(t)
	ctx := context.Background()

	if _, err := a.WriteChunk(ctx, "h", 0, md5hex("first"), strings.NewReader("first")); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if _, err := a.WriteChunk(ctx, "h", 0, md5hex("second"), strings.NewReader("second")); err != nil {
		t.Fatalf("second write: %v", err)
	}

	rc, err := a.OpenChunk(ctx, "h", 0)
	if err != nil {
		t.Fatalf("OpenChunk: %v", err)
	}
	defer rc.Close()
	buf := make([]byte, 32)
	n, _ := rc.Read(buf)
	if got := string(buf[:n]); got != "second" {
		t.Errorf("chunk content = %q, want %q", got, "second")
	}

	indices, err := a.ListChunks(ctx, "h")
	if err != nil {
		t.Fatalf("ListChunks: %v", err)
	}
	if len(indices) != 1 {
		t.Errorf("ListChunks = %v, want a single index", indices)
	}
}

func TestWriteChunkChecksumMismatch(t *testing.T) {
	a := newTestArea(t)
	ctx := context.Background()

	_, err := a.WriteChunk(ctx, "h", 0, md5hex("expected"), strings.NewReader("actual"))
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("WriteChunk = %v, want ErrChecksumMismatch", err)
	}

	// The bad chunk must not be visible.
	indices, err := a.ListChunks(ctx, "h")
	if err != nil {
		t.Fatalf("ListChunks: %v", err)
	}
	if len(indices) != 0 {
		t.Errorf("ListChunks = %v, want none after rejected write", indices)
	}
}

func TestWriteChunkNoDeclaredHash(t *testing.T) {
	a := newTestArea(t)
	if _, err := a.WriteChunk(context.Background(), "h", 0, "", strings.NewReader("data")); err != nil {
		t.Fatalf("WriteChunk without declared hash: %v", err)
	}
}

func TestListChunksUnknownFingerprint(t *testing.T) {
	a := newTestArea(t)
	indices, err := a.ListChunks(context.Background(), "nope")
	if err != nil {
		t.Fatalf("ListChunks: %v", err)
	}
	if len(indices) != 0 {
		t.Errorf("ListChunks = %v, want empty", indices)
	}
}

func TestRemove(t *testing.T) {
	a := newTestArea(t)
	ctx := context.Background()

	if _, err := a.WriteChunk(ctx, "h", 0, "", strings.NewReader("data")); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if err := a.Remove(ctx, "h"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	ok, err := a.HasStaging(ctx, "h")
	if err != nil {
		t.Fatalf("HasStaging: %v", err)
	}
	if ok {
		t.Error("HasStaging = true after Remove")
	}
}

func TestSweepExpired(t *testing.T) {
	a := newTestArea(t)
	ctx := context.Background()

	if _, err := a.WriteChunk(ctx, "old", 0, "", strings.NewReader("x")); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if _, err := a.WriteChunk(ctx, "fresh", 0, "", strings.NewReader("y")); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}

	// Age the old fingerprint's chunk.
	stale := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(filepath.Join(a.root, "old", "0"), stale, stale); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	removed, err := a.SweepExpired(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if removed != 1 {
		t.Errorf("SweepExpired removed %d, want 1", removed)
	}

	if ok, _ := a.HasStaging(ctx, "old"); ok {
		t.Error("expired staging dir survived sweep")
	}
	if ok, _ := a.HasStaging(ctx, "fresh"); !ok {
		t.Error("fresh staging dir was swept")
	}
}

func TestActiveFingerprints(t *testing.T) {
	a := newTestArea(t)
	ctx := context.Background()

	for _, h := range []string{"a", "b", "c"} {
		if _, err := a.WriteChunk(ctx, h, 0, "", strings.NewReader("z")); err != nil {
			t.Fatalf("WriteChunk(%s): %v", h, err)
		}
	}
	n, err := a.ActiveFingerprints(ctx)
	if err != nil {
		t.Fatalf("ActiveFingerprints: %v", err)
	}
	if n != 3 {
		t.Errorf("ActiveFingerprints = %d, want 3", n)
	}
}
