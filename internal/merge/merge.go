// Package merge reassembles staged chunks into content-addressed objects and
// records the resulting file in the metadata tree.
package merge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bitdrive/bitdrive/internal/logging"
	"github.com/bitdrive/bitdrive/internal/metadata"
	"github.com/bitdrive/bitdrive/internal/metrics"
	"github.com/bitdrive/bitdrive/internal/staging"
	"github.com/bitdrive/bitdrive/internal/storage"
	"go.uber.org/zap"
)

var (
	// ErrNoChunks is returned when a merge is requested for a fingerprint
	// with no staged chunks and no existing object.
	ErrNoChunks = errors.New("no chunks staged for merge")

	// ErrIncomplete is returned when the staged chunk indices have gaps.
	ErrIncomplete = errors.New("staged chunks are incomplete")
)

// Metadata is the slice of the metadata store the engine needs.
type Metadata interface {
	InsertFile(ctx context.Context, node *metadata.Node) (id string, existed bool, err error)
	CountByContentHash(ctx context.Context, contentHash string) (int, error)
}

// Engine merges staged chunks into the object store. Merges for the same
// fingerprint are serialized so concurrent requests cannot interleave appends
// on one object.
type Engine struct {
	meta    Metadata
	objects *storage.Store
	stage   *staging.Area

	mu    sync.Mutex
	locks map[string]*fingerprintLock
}

// fingerprintLock serializes merges for one fingerprint. refs is guarded by
// Engine.mu and counts the holders plus waiters, so the map entry can be
// dropped once the last of them releases.
type fingerprintLock struct {
	sync.Mutex
	refs int
}

// New creates a merge engine.
func New(meta Metadata, objects *storage.Store, stage *staging.Area) *Engine {
	return &Engine{
		meta:    meta,
		objects: objects,
		stage:   stage,
		locks:   make(map[string]*fingerprintLock),
	}
}

func (e *Engine) lockFingerprint(fileHash string) *fingerprintLock {
	e.mu.Lock()
	l, ok := e.locks[fileHash]
	if !ok {
		l = &fingerprintLock{}
		e.locks[fileHash] = l
	}
	l.refs++
	e.mu.Unlock()

	l.Lock()
	return l
}

func (e *Engine) unlockFingerprint(fileHash string, l *fingerprintLock) {
	l.Unlock()

	e.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(e.locks, fileHash)
	}
	e.mu.Unlock()
}

// Request describes one merge.
type Request struct {
	FileHash string
	FileName string
	FileSize int64
	ParentID string
}

// Merge reassembles the staged chunks for a fingerprint in index order,
// appending each to the target object and deleting it once appended, then
// inserts the file into the metadata tree. When the object already exists the
// reassembly is skipped and only the metadata row is created, which covers
// both repeated merges and instant uploads of known content.
func (e *Engine) Merge(ctx context.Context, req Request) (string, error) {
	start := time.Now()
	id, err := e.merge(ctx, req)
	metrics.RecordMerge(time.Since(start), err == nil)
	return id, err
}

func (e *Engine) merge(ctx context.Context, req Request) (string, error) {
	l := e.lockFingerprint(req.FileHash)
	defer e.unlockFingerprint(req.FileHash, l)

	key := storage.Key(req.FileHash, req.FileName)

	exists, err := e.objects.ObjectExists(ctx, key)
	if err != nil {
		return "", fmt.Errorf("check object %s: %w", key, err)
	}

	created := false
	if !exists {
		if err := e.assemble(ctx, req, key); err != nil {
			return "", err
		}
		created = true
	} else {
		// Staged chunks for content we already hold are redundant.
		if err := e.stage.Remove(ctx, req.FileHash); err != nil {
			logging.Warn("discard redundant staging failed",
				zap.String("hash", req.FileHash), zap.Error(err))
		}
	}

	id, existed, err := e.meta.InsertFile(ctx, &metadata.Node{
		Name:        req.FileName,
		ParentID:    req.ParentID,
		Size:        req.FileSize,
		ContentHash: req.FileHash,
		StorageKey:  key,
	})
	if err != nil {
		if created {
			e.discardOrphan(ctx, req.FileHash, key)
		}
		return "", err
	}

	logging.Info("merge complete",
		zap.String("hash", req.FileHash),
		zap.String("name", req.FileName),
		zap.String("id", id),
		zap.Bool("reassembled", created),
		zap.Bool("existed", existed))
	return id, nil
}

// assemble streams the staged chunks into the object in strict index order.
// Each chunk is deleted right after its bytes are appended, so peak disk use
// stays near one file's worth. A failure mid-stream discards the partial
// object and the remaining staging dir; the client restarts from /check.
func (e *Engine) assemble(ctx context.Context, req Request, key string) error {
	indices, err := e.stage.ListChunks(ctx, req.FileHash)
	if err != nil {
		return fmt.Errorf("list chunks %s: %w", req.FileHash, err)
	}
	if len(indices) == 0 {
		return fmt.Errorf("%w: %s", ErrNoChunks, req.FileHash)
	}
	for i, idx := range indices {
		if idx != i {
			return fmt.Errorf("%w: %s missing chunk %d", ErrIncomplete, req.FileHash, i)
		}
	}

	var total int64
	for _, idx := range indices {
		n, err := e.appendChunk(ctx, req.FileHash, idx, key)
		if err != nil {
			e.discardPartial(ctx, req.FileHash, key)
			return err
		}
		total += n
		if err := e.stage.RemoveChunk(ctx, req.FileHash, idx); err != nil {
			logging.Warn("remove appended chunk failed",
				zap.String("hash", req.FileHash), zap.Int("index", idx), zap.Error(err))
		}
	}

	if req.FileSize > 0 && total != req.FileSize {
		e.discardPartial(ctx, req.FileHash, key)
		return fmt.Errorf("%w: %s assembled %d bytes, declared %d",
			ErrIncomplete, req.FileHash, total, req.FileSize)
	}

	if err := e.stage.Remove(ctx, req.FileHash); err != nil {
		logging.Warn("remove staging dir failed",
			zap.String("hash", req.FileHash), zap.Error(err))
	}
	return nil
}

func (e *Engine) appendChunk(ctx context.Context, fileHash string, idx int, key string) (int64, error) {
	rc, err := e.stage.OpenChunk(ctx, fileHash, idx)
	if err != nil {
		return 0, fmt.Errorf("open chunk %s/%d: %w", fileHash, idx, err)
	}
	defer rc.Close()

	n, err := e.objects.AppendObject(ctx, key, rc)
	if err != nil {
		return 0, fmt.Errorf("append chunk %s/%d: %w", fileHash, idx, err)
	}
	return n, nil
}

func (e *Engine) discardPartial(ctx context.Context, fileHash, key string) {
	if err := e.objects.DeleteObject(ctx, key); err != nil {
		logging.Warn("discard partial object failed",
			zap.String("key", key), zap.Error(err))
	}
	if err := e.stage.Remove(ctx, fileHash); err != nil {
		logging.Warn("discard staging after failed merge",
			zap.String("hash", fileHash), zap.Error(err))
	}
}

// discardOrphan removes an object assembled in this call whose metadata row
// could not be created, unless another node already references the content.
func (e *Engine) discardOrphan(ctx context.Context, contentHash, key string) {
	refs, err := e.meta.CountByContentHash(ctx, contentHash)
	if err != nil {
		logging.Warn("orphan refcount check failed",
			zap.String("hash", contentHash), zap.Error(err))
		return
	}
	if refs > 0 {
		return
	}
	if err := e.objects.DeleteObject(ctx, key); err != nil {
		logging.Warn("discard orphan object failed",
			zap.String("key", key), zap.Error(err))
	}
}
