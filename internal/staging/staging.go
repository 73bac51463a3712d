// Package staging persists uploaded chunks between receipt and merge. Each
// fingerprint owns one directory holding one file per chunk index; the layout
// survives restarts, which is what makes resumed uploads possible.
package staging

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/bitdrive/bitdrive/internal/logging"
	"go.uber.org/zap"
)

// ErrChecksumMismatch is returned when a chunk's bytes do not match the
// checksum the client declared for it.
var ErrChecksumMismatch = errors.New("chunk checksum mismatch")

// Area is a filesystem-backed chunk staging area.
type Area struct {
	root string
}

// New creates the staging area, ensuring the root directory exists.
func New(root string) (*Area, error) {
	if root == "" {
		return nil, fmt.Errorf("staging root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create staging root %s: %w", root, err)
	}
	return &Area{root: root}, nil
}

func (a *Area) dir(fileHash string) string {
	return filepath.Join(a.root, filepath.Base(fileHash))
}

func (a *Area) chunkPath(fileHash string, index int) string {
	return filepath.Join(a.dir(fileHash), strconv.Itoa(index))
}

// WriteChunk stores one chunk. The bytes stream through an MD5 digest into a
// temp file which is renamed into place only when the checksum matches, so a
// re-sent index atomically replaces the previous copy and a corrupted
// transfer never becomes visible. Arrival order is unconstrained.
func (a *Area) WriteChunk(_ context.Context, fileHash string, index int, chunkHash string, r io.Reader) (int64, error) {
	dir := a.dir(fileHash)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create staging dir %s: %w", fileHash, err)
	}

	tmp, err := os.CreateTemp(dir, ".chunk-*.tmp")
	if err != nil {
		return 0, fmt.Errorf("create chunk temp: %w", err)
	}
	tmpName := tmp.Name()

	hasher := md5.New()
	n, err := io.Copy(tmp, io.TeeReader(r, hasher))
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return 0, fmt.Errorf("write chunk %s/%d: %w", fileHash, index, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("close chunk temp: %w", err)
	}

	if chunkHash != "" {
		if got := hex.EncodeToString(hasher.Sum(nil)); got != chunkHash {
			os.Remove(tmpName)
			return 0, fmt.Errorf("%w: chunk %d declared %s got %s",
				ErrChecksumMismatch, index, chunkHash, got)
		}
	}

	if err := os.Rename(tmpName, a.chunkPath(fileHash, index)); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("rename chunk %s/%d: %w", fileHash, index, err)
	}

	logging.Debug("chunk staged",
		zap.String("hash", fileHash),
		zap.Int("index", index),
		zap.Int64("bytes", n))
	return n, nil
}

// ListChunks returns the staged chunk indices for a fingerprint in ascending
// order. A fingerprint with no staging directory yields an empty slice.
func (a *Area) ListChunks(_ context.Context, fileHash string) ([]int, error) {
	entries, err := os.ReadDir(a.dir(fileHash))
	if err != nil {
		if os.IsNotExist(err) {
			return []int{}, nil
		}
		return nil, fmt.Errorf("read staging dir %s: %w", fileHash, err)
	}

	indices := make([]int, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		idx, err := strconv.Atoi(e.Name())
		if err != nil {
			// Leftover temp file or stray entry.
			continue
		}
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	return indices, nil
}

// HasStaging reports whether any chunks are staged for a fingerprint.
func (a *Area) HasStaging(ctx context.Context, fileHash string) (bool, error) {
	indices, err := a.ListChunks(ctx, fileHash)
	if err != nil {
		return false, err
	}
	return len(indices) > 0, nil
}

// OpenChunk opens one staged chunk for reading.
func (a *Area) OpenChunk(_ context.Context, fileHash string, index int) (io.ReadCloser, error) {
	f, err := os.Open(a.chunkPath(fileHash, index))
	if err != nil {
		return nil, fmt.Errorf("open chunk %s/%d: %w", fileHash, index, err)
	}
	return f, nil
}

// RemoveChunk deletes one staged chunk file.
func (a *Area) RemoveChunk(_ context.Context, fileHash string, index int) error {
	if err := os.Remove(a.chunkPath(fileHash, index)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove chunk %s/%d: %w", fileHash, index, err)
	}
	return nil
}

// Remove deletes the whole staging directory for a fingerprint.
func (a *Area) Remove(_ context.Context, fileHash string) error {
	if err := os.RemoveAll(a.dir(fileHash)); err != nil {
		return fmt.Errorf("remove staging dir %s: %w", fileHash, err)
	}
	return nil
}

// ActiveFingerprints returns how many fingerprints currently have staging
// directories.
func (a *Area) ActiveFingerprints(_ context.Context) (int, error) {
	entries, err := os.ReadDir(a.root)
	if err != nil {
		return 0, fmt.Errorf("read staging root: %w", err)
	}
	count := 0
	for _, e := range entries {
		if e.IsDir() {
			count++
		}
	}
	return count, nil
}

// SweepExpired removes staging directories whose newest chunk is older than
// maxAge. Returns the number of directories removed.
func (a *Area) SweepExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(a.root)
	if err != nil {
		return 0, fmt.Errorf("read staging root: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		newest, err := newestModTime(filepath.Join(a.root, e.Name()))
		if err != nil || !newest.Before(cutoff) {
			continue
		}
		if err := a.Remove(ctx, e.Name()); err != nil {
			logging.Warn("staging sweep failed", zap.String("hash", e.Name()), zap.Error(err))
			continue
		}
		removed++
		logging.Info("swept expired staging dir", zap.String("hash", e.Name()))
	}
	return removed, nil
}

func newestModTime(dir string) (time.Time, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return time.Time{}, err
	}
	var newest time.Time
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
	}
	return newest, nil
}
