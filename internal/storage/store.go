// Package storage provides the content-addressed local object store holding
// merged upload content. Objects are named by content fingerprint plus the
// original file extension, so identical content resolves to one physical file.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Store is a local filesystem object store rooted at a single directory.
type Store struct {
	root string
}

// New creates the store, ensuring the root directory exists.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root is required")
	}

	info, err := os.Stat(root)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat storage root %s: %w", root, err)
		}
		if mkErr := os.MkdirAll(root, 0o755); mkErr != nil {
			return nil, fmt.Errorf("create storage root %s: %w", root, mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("storage root %s is not a directory", root)
	}

	return &Store{root: root}, nil
}

// Key derives the content-addressed object key for a fingerprint and original
// file name: "{hash}{ext}".
func Key(contentHash, fileName string) string {
	return contentHash + filepath.Ext(fileName)
}

func (s *Store) fullPath(key string) string {
	return filepath.Join(s.root, filepath.Base(key))
}

// GetObject opens an object for reading. A non-zero offset seeks before
// reading; a positive length limits the returned stream.
func (s *Store) GetObject(_ context.Context, key string, offset, length int64) (io.ReadCloser, int64, error) {
	f, err := os.Open(s.fullPath(key))
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", key, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat %s: %w", key, err)
	}

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, 0, fmt.Errorf("seek %s: %w", key, err)
		}
	}

	if length > 0 {
		return &limitedReadCloser{
			Reader: io.LimitReader(f, length),
			Closer: f,
		}, length, nil
	}

	remaining := info.Size() - offset
	if remaining < 0 {
		remaining = 0
	}
	return f, remaining, nil
}

// AppendObject appends the reader's bytes to the object, creating it on first
// use. The merge engine relies on this to assemble chunks in order without
// holding more than one chunk plus the growing output on disk.
func (s *Store) AppendObject(_ context.Context, key string, r io.Reader) (int64, error) {
	f, err := os.OpenFile(s.fullPath(key), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open %s for append: %w", key, err)
	}

	n, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		return n, fmt.Errorf("append %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		return n, fmt.Errorf("close %s: %w", key, err)
	}
	return n, nil
}

// ObjectExists reports whether an object is present.
func (s *Store) ObjectExists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(s.fullPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
	return true, nil
}

// StatObject returns an object's size and modification time.
func (s *Store) StatObject(_ context.Context, key string) (int64, time.Time, error) {
	info, err := os.Stat(s.fullPath(key))
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("stat %s: %w", key, err)
	}
	return info.Size(), info.ModTime(), nil
}

// DeleteObject removes an object. Missing objects are not an error.
func (s *Store) DeleteObject(_ context.Context, key string) error {
	err := os.Remove(s.fullPath(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// limitedReadCloser wraps a LimitReader with a separate Closer.
type limitedReadCloser struct {
	io.Reader
	io.Closer
}
