// Package uploader orchestrates resumable chunked uploads: fingerprint
// check, chunk transfer through the scheduler, then the merge request. Each
// upload is a session with an observable state machine.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/bitdrive/bitdrive/pkg/chunker"
	"github.com/bitdrive/bitdrive/pkg/client"
	"github.com/bitdrive/bitdrive/pkg/protocol"
	"github.com/bitdrive/bitdrive/pkg/scheduler"
)

// Status is the session state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// terminal reports whether no further transitions are possible.
func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Event is delivered to session subscribers on every state or progress
// change. UploadedBytes counts bytes of confirmed chunks, so percentages stay
// byte-accurate even though the final chunk is shorter.
type Event struct {
	Status        Status
	UploadedBytes int64
	TotalSize     int64
	FileID        string
	Err           error
}

// Uploader creates upload sessions sharing one client and one scheduler.
type Uploader struct {
	client    *client.Client
	sched     *scheduler.Scheduler
	chunkSize int64
}

// New creates an uploader. chunkSize <= 0 selects the default.
func New(c *client.Client, sched *scheduler.Scheduler, chunkSize int64) *Uploader {
	if chunkSize <= 0 {
		chunkSize = chunker.DefaultChunkSize
	}
	return &Uploader{client: c, sched: sched, chunkSize: chunkSize}
}

// Session tracks one resumable upload.
type Session struct {
	FileHash  string
	FileName  string
	TotalSize int64

	uploader *Uploader
	path     string
	parentID string

	mu            sync.Mutex
	cond          *sync.Cond
	status        Status
	uploadedBytes int64
	fileID        string
	err           error
	cancelRun     context.CancelFunc
	pauseWanted   bool
	cancelWanted  bool
	running       bool
	listeners     map[int]func(Event)
	nextListener  int
}

// Start fingerprints the file synchronously, then begins uploading in the
// background. The returned session observes and controls the transfer.
func (u *Uploader) Start(ctx context.Context, path, parentID string) (*Session, error) {
	hash, size, err := chunker.FingerprintFile(path)
	if err != nil {
		return nil, fmt.Errorf("fingerprint %s: %w", path, err)
	}
	if size == 0 {
		return nil, fmt.Errorf("refusing to upload empty file %s", path)
	}

	s := &Session{
		FileHash:  hash,
		FileName:  filepath.Base(path),
		TotalSize: size,
		uploader:  u,
		path:      path,
		parentID:  parentID,
		status:    StatusPending,
		listeners: make(map[int]func(Event)),
	}
	s.cond = sync.NewCond(&s.mu)

	s.launch(ctx)
	return s, nil
}

// Subscribe registers a listener for state and progress events. Listeners
// run synchronously while session state is held and must not call back into
// the session. The returned function unsubscribes.
func (s *Session) Subscribe(fn func(Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// Status returns the current state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Progress returns confirmed bytes and the total.
func (s *Session) Progress() (uploaded, total int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploadedBytes, s.TotalSize
}

// FileID returns the metadata node id once the session has completed.
func (s *Session) FileID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fileID
}

// Err returns the failure cause when the session is failed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Pause aborts in-flight chunk requests and leaves already-uploaded chunks
// staged on the server for a later Resume.
func (s *Session) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusUploading {
		return
	}
	s.pauseWanted = true
	if s.cancelRun != nil {
		s.cancelRun()
	}
}

// Resume restarts a paused or failed session. Only chunks the server does not
// already hold are re-sent. Concurrent calls start at most one run; launch
// rejects the rest.
func (s *Session) Resume(ctx context.Context) {
	s.mu.Lock()
	if s.status != StatusPaused && s.status != StatusFailed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.launch(ctx)
}

// Cancel aborts the transfer permanently. Staged chunks are left for the
// server's staging expiry to reclaim.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.terminal() {
		return
	}
	s.cancelWanted = true
	if s.cancelRun != nil {
		s.cancelRun()
		return
	}
	s.transitionLocked(StatusCancelled)
}

// Wait blocks until the session stops running: completed, failed, cancelled
// or paused.
func (s *Session) Wait() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.running || s.status == StatusPending {
		s.cond.Wait()
	}
	return s.status
}

// launch starts one background run. The running check and the flag set share
// a single critical section so racing callers cannot start a second run.
func (s *Session) launch(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.running || s.status.terminal() {
		s.mu.Unlock()
		cancel()
		return
	}
	s.running = true
	s.pauseWanted = false
	s.err = nil
	s.cancelRun = cancel
	s.transitionLocked(StatusUploading)
	s.mu.Unlock()

	go func() {
		defer cancel()
		err := s.run(runCtx)

		s.mu.Lock()
		defer s.mu.Unlock()
		s.running = false
		s.cancelRun = nil
		switch {
		case err == nil:
			s.transitionLocked(StatusCompleted)
		case s.cancelWanted:
			s.transitionLocked(StatusCancelled)
		case s.pauseWanted:
			s.transitionLocked(StatusPaused)
		default:
			s.err = err
			s.transitionLocked(StatusFailed)
		}
	}()
}

// transitionLocked applies a state change and notifies listeners. Terminal
// states are sticky.
func (s *Session) transitionLocked(next Status) {
	if s.status.terminal() {
		s.cond.Broadcast()
		return
	}
	s.status = next
	s.notifyLocked()
	s.cond.Broadcast()
}

func (s *Session) notifyLocked() {
	ev := Event{
		Status:        s.status,
		UploadedBytes: s.uploadedBytes,
		TotalSize:     s.TotalSize,
		FileID:        s.fileID,
		Err:           s.err,
	}
	for _, fn := range s.listeners {
		fn(ev)
	}
}

func (s *Session) addBytes(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploadedBytes += n
	s.notifyLocked()
}

func (s *Session) setBytes(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploadedBytes = n
	s.notifyLocked()
}

// run performs one upload attempt: check, transfer missing chunks, merge.
func (s *Session) run(ctx context.Context) error {
	check, err := s.uploader.client.Check(ctx, s.FileHash, s.FileName)
	if err != nil {
		return fmt.Errorf("check: %w", err)
	}

	if check.ShouldUpload {
		if err := s.transferMissing(ctx, check.UploadedChunks); err != nil {
			return err
		}
	}

	fileID, err := s.uploader.client.Merge(ctx, protocol.MergeRequest{
		FileHash: s.FileHash,
		FileName: s.FileName,
		FileSize: s.TotalSize,
		ParentID: s.parentID,
	})
	if err != nil {
		return fmt.Errorf("merge: %w", err)
	}

	s.mu.Lock()
	s.fileID = fileID
	s.uploadedBytes = s.TotalSize
	s.notifyLocked()
	s.mu.Unlock()
	return nil
}

// transferMissing sends every chunk the server does not already hold through
// the shared scheduler and waits for all of them.
func (s *Session) transferMissing(ctx context.Context, staged []int) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.path, err)
	}
	defer f.Close()

	have := make(map[int]struct{}, len(staged))
	for _, idx := range staged {
		have[idx] = struct{}{}
	}

	chunks := chunker.Split(s.TotalSize, s.uploader.chunkSize)

	// Credit already-staged chunks so resumed progress starts where the
	// previous attempt stopped.
	var stagedBytes int64
	for _, c := range chunks {
		if _, ok := have[c.Index]; ok {
			stagedBytes += c.Size
		}
	}
	s.setBytes(stagedBytes)

	var wg sync.WaitGroup
	var errMu sync.Mutex
	var firstErr error

	fail := func(err error) {
		errMu.Lock()
		defer errMu.Unlock()
		if firstErr == nil {
			firstErr = err
		}
	}

	for _, c := range chunks {
		if _, ok := have[c.Index]; ok {
			continue
		}
		wg.Add(1)
		s.uploader.sched.Submit(func() {
			defer wg.Done()
			if ctx.Err() != nil {
				fail(ctx.Err())
				return
			}
			if err := s.sendChunk(ctx, f, c); err != nil {
				fail(err)
			}
		})
	}
	wg.Wait()

	return firstErr
}

func (s *Session) sendChunk(ctx context.Context, f io.ReaderAt, c chunker.Chunk) error {
	data := make([]byte, c.Size)
	if _, err := f.ReadAt(data, c.Offset); err != nil && err != io.EOF {
		return fmt.Errorf("read chunk %d: %w", c.Index, err)
	}
	sum, err := chunker.Sum(f, c)
	if err != nil {
		return err
	}

	if err := s.uploader.client.UploadChunk(ctx, s.FileHash, sum, c.Index, data); err != nil {
		return fmt.Errorf("chunk %d: %w", c.Index, err)
	}
	s.addBytes(c.Size)
	return nil
}

// IsCancelled reports whether err is a cancellation rather than a transfer
// failure.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}
