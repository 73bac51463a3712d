package storage

import (
	"context"
	"io"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestKey(t *testing.T) {
	tests := []struct {
		hash, name, want string
	}{
		{"abc123", "report.pdf", "abc123.pdf"},
		{"abc123", "archive.tar.gz", "abc123.gz"},
		{"abc123", "noext", "abc123"},
	}
	for _, tc := range tests {
		if got := Key(tc.hash, tc.name); got != tc.want {
			t.Errorf("Key(%q, %q) = %q, want %q", tc.hash, tc.name, got, tc.want)
		}
	}
}

func TestAppendAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, part := range []string{"hello ", "world"} {
		n, err := s.AppendObject(ctx, "k.txt", strings.NewReader(part))
		if err != nil {
			t.Fatalf("AppendObject: %v", err)
		}
		if n != int64(len(part)) {
			t.Errorf("AppendObject = %d bytes, want %d", n, len(part))
		}
	}

	rc, size, err := s.GetObject(ctx, "k.txt", 0, -1)
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	defer rc.Close()
	if size != 11 {
		t.Errorf("size = %d, want 11", size)
	}
	data, _ := io.ReadAll(rc)
	if string(data) != "hello world" {
		t.Errorf("content = %q", data)
	}
}

func TestGetObjectRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.AppendObject(ctx, "k", strings.NewReader("0123456789")); err != nil {
		t.Fatalf("AppendObject: %v", err)
	}

	rc, size, err := s.GetObject(ctx, "k", 3, 4)
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	defer rc.Close()
	if size != 4 {
		t.Errorf("size = %d, want 4", size)
	}
	data, _ := io.ReadAll(rc)
	if string(data) != "3456" {
		t.Errorf("range content = %q, want %q", data, "3456")
	}
}

func TestObjectExistsAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if exists, _ := s.ObjectExists(ctx, "k"); exists {
		t.Error("ObjectExists = true before write")
	}
	if _, err := s.AppendObject(ctx, "k", strings.NewReader("x")); err != nil {
		t.Fatalf("AppendObject: %v", err)
	}
	if exists, _ := s.ObjectExists(ctx, "k"); !exists {
		t.Error("ObjectExists = false after write")
	}

	if err := s.DeleteObject(ctx, "k"); err != nil {
		t.Fatalf("DeleteObject: %v", err)
	}
	if exists, _ := s.ObjectExists(ctx, "k"); exists {
		t.Error("ObjectExists = true after delete")
	}

	// Deleting again is not an error.
	if err := s.DeleteObject(ctx, "k"); err != nil {
		t.Errorf("repeat DeleteObject: %v", err)
	}
}

func TestStatObject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.AppendObject(ctx, "k", strings.NewReader("12345")); err != nil {
		t.Fatalf("AppendObject: %v", err)
	}
	size, modTime, err := s.StatObject(ctx, "k")
	if err != nil {
		t.Fatalf("StatObject: %v", err)
	}
	if size != 5 {
		t.Errorf("size = %d, want 5", size)
	}
	if modTime.IsZero() {
		t.Error("zero mod time")
	}
}

func TestKeyCannotEscapeRoot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Path separators in a key resolve to the base name inside the root.
	if _, err := s.AppendObject(ctx, "../outside", strings.NewReader("x")); err != nil {
		t.Fatalf("AppendObject: %v", err)
	}
	if exists, _ := s.ObjectExists(ctx, "outside"); !exists {
		t.Error("key was not confined to the storage root")
	}
}
