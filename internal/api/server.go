// Package api provides the HTTP server and handlers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"regexp"
	"strconv"

	"go.uber.org/zap"

	"github.com/bitdrive/bitdrive/internal/logging"
	"github.com/bitdrive/bitdrive/internal/merge"
	"github.com/bitdrive/bitdrive/internal/metadata"
	"github.com/bitdrive/bitdrive/internal/metadata/postgres"
	"github.com/bitdrive/bitdrive/internal/metrics"
	"github.com/bitdrive/bitdrive/internal/staging"
	"github.com/bitdrive/bitdrive/internal/storage"
	"github.com/bitdrive/bitdrive/pkg/protocol"
)

// Package-level compiled regex for Range header parsing.
var rangeRegex = regexp.MustCompile(`^bytes=(\d*)-(\d*)$`)

// MetadataStore is the slice of the metadata store the handlers use.
type MetadataStore interface {
	GetNode(ctx context.Context, id string) (*metadata.Node, error)
	List(ctx context.Context, parentID string) ([]*metadata.Node, error)
	CreateDirectory(ctx context.Context, parentID, name string) (*metadata.Node, error)
	Rename(ctx context.Context, id, newName string) error
	Move(ctx context.Context, id, newParentID string) error
	Delete(ctx context.Context, id string, removeObject postgres.ObjectRemover) error
}

// Server is the HTTP server.
type Server struct {
	metadata     MetadataStore
	objects      *storage.Store
	stage        *staging.Area
	merger       *merge.Engine
	maxChunkSize int64
}

// NewServer creates a new server.
func NewServer(meta MetadataStore, objects *storage.Store, stage *staging.Area, merger *merge.Engine, maxChunkSize int64) *Server {
	return &Server{
		metadata:     meta,
		objects:      objects,
		stage:        stage,
		merger:       merger,
		maxChunkSize: maxChunkSize,
	}
}

// Handler returns the routed handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /check", s.handleCheck)
	mux.HandleFunc("POST /upload", s.handleUploadChunk)
	mux.HandleFunc("POST /merge", s.handleMerge)

	mux.HandleFunc("GET /list", s.handleList)
	mux.HandleFunc("GET /download/{id}", s.handleDownload)
	mux.HandleFunc("POST /createFolder", s.handleCreateFolder)
	mux.HandleFunc("POST /rename", s.handleRename)
	mux.HandleFunc("POST /move", s.handleMove)
	mux.HandleFunc("DELETE /delete/{id}", s.handleDelete)

	return logging.Middleware(metrics.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ─── Upload ─────────────────────────────────────────────────────────────────

// handleCheck implements the pre-upload probe. Known content skips the upload
// entirely; otherwise the client learns which chunk indices are already
// staged and sends only the rest.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req protocol.CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.FileHash == "" {
		s.sendError(w, http.StatusBadRequest, "fileHash required")
		return
	}

	exists, err := s.objects.ObjectExists(r.Context(), storage.Key(req.FileHash, req.FileName))
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if exists {
		metrics.RecordInstantUpload()
		s.sendJSON(w, http.StatusOK, protocol.CheckResponse{
			ShouldUpload:   false,
			UploadedChunks: []int{},
		})
		return
	}

	staged, err := s.stage.ListChunks(r.Context(), req.FileHash)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.CheckResponse{
		ShouldUpload:   true,
		UploadedChunks: staged,
	})
}

func (s *Server) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxChunkSize+1<<20)

	if err := r.ParseMultipartForm(s.maxChunkSize); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	fileHash := r.FormValue(protocol.FieldFileHash)
	if fileHash == "" {
		s.sendError(w, http.StatusBadRequest, "filehash required")
		return
	}
	index, err := strconv.Atoi(r.FormValue(protocol.FieldIndex))
	if err != nil || index < 0 {
		s.sendError(w, http.StatusBadRequest, "invalid chunk index")
		return
	}
	chunkHash := r.FormValue(protocol.FieldChunkHash)

	file, _, err := r.FormFile(protocol.FieldChunk)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "chunk part required")
		return
	}
	defer file.Close()

	n, err := s.stage.WriteChunk(r.Context(), fileHash, index, chunkHash, file)
	metrics.RecordChunkReceived(n, err == nil)
	if err != nil {
		if errors.Is(err, staging.ErrChecksumMismatch) {
			s.sendError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.sendJSON(w, http.StatusOK, protocol.UploadChunkResponse{OK: true, Index: index})
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	var req protocol.MergeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.FileHash == "" || req.FileName == "" {
		s.sendError(w, http.StatusBadRequest, "fileHash and fileName required")
		return
	}
	if req.FileSize <= 0 {
		s.sendError(w, http.StatusBadRequest, "fileSize must be positive")
		return
	}

	id, err := s.merger.Merge(r.Context(), merge.Request{
		FileHash: req.FileHash,
		FileName: req.FileName,
		FileSize: req.FileSize,
		ParentID: req.ParentID,
	})
	if err != nil {
		switch {
		case errors.Is(err, merge.ErrNoChunks), errors.Is(err, merge.ErrIncomplete):
			s.sendError(w, http.StatusConflict, err.Error())
		default:
			s.sendMetadataError(w, err)
		}
		return
	}

	s.sendJSON(w, http.StatusOK, protocol.MergeResponse{FileID: id})
}

// ─── Tree ───────────────────────────────────────────────────────────────────

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	parentID := r.URL.Query().Get("parentId")

	nodes, err := s.metadata.List(r.Context(), parentID)
	if err != nil {
		s.sendMetadataError(w, err)
		return
	}

	entries := make([]protocol.ListEntry, 0, len(nodes))
	for _, n := range nodes {
		entries = append(entries, protocol.ListEntry{
			ID:         n.ID,
			Name:       n.Name,
			IsDir:      n.IsDir,
			Size:       n.Size,
			UploadTime: n.CreatedAt,
		})
	}
	s.sendJSON(w, http.StatusOK, protocol.ListResponse{Entries: entries})
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	var req protocol.CreateFolderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		s.sendError(w, http.StatusBadRequest, "name required")
		return
	}

	node, err := s.metadata.CreateDirectory(r.Context(), req.ParentID, req.Name)
	if err != nil {
		s.sendMetadataError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, nodeResponse(node))
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	var req protocol.RenameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ID == "" || req.Name == "" {
		s.sendError(w, http.StatusBadRequest, "id and name required")
		return
	}

	if err := s.metadata.Rename(r.Context(), req.ID, req.Name); err != nil {
		s.sendMetadataError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	var req protocol.MoveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DraggedID == "" {
		s.sendError(w, http.StatusBadRequest, "draggedId required")
		return
	}

	if err := s.metadata.Move(r.Context(), req.DraggedID, req.NewParentID); err != nil {
		s.sendMetadataError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		s.sendError(w, http.StatusBadRequest, "id required")
		return
	}

	err := s.metadata.Delete(r.Context(), id, func(ctx context.Context, storageKey string) error {
		return s.objects.DeleteObject(ctx, storageKey)
	})
	if err != nil {
		s.sendMetadataError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ─── Download ───────────────────────────────────────────────────────────────

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	node, err := s.metadata.GetNode(r.Context(), id)
	if err != nil {
		s.sendMetadataError(w, err)
		return
	}
	if node.IsDir {
		s.sendError(w, http.StatusBadRequest, "cannot download a directory")
		return
	}

	totalSize, modTime, err := s.objects.StatObject(r.Context(), node.StorageKey)
	if err != nil {
		s.sendError(w, http.StatusNotFound, "content not found: "+node.StorageKey)
		return
	}

	w.Header().Set("Accept-Ranges", "bytes")
	if node.ContentHash != "" {
		w.Header().Set("ETag", `"`+node.ContentHash+`"`)
	}
	w.Header().Set("Last-Modified", modTime.UTC().Format(http.TimeFormat))

	offset, length, hasRange, err := parseRangeHeader(r.Header.Get("Range"), totalSize)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", totalSize))
		s.sendError(w, http.StatusRequestedRangeNotSatisfiable, err.Error())
		return
	}

	reader, _, err := s.objects.GetObject(r.Context(), node.StorageKey, offset, length)
	if err != nil {
		metrics.RecordDownload(0, false)
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer reader.Close()

	ct := mime.TypeByExtension(filepath.Ext(node.Name))
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Disposition", `attachment; filename="`+node.Name+`"`)

	if hasRange {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+length-1, totalSize))
		w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.Header().Set("Content-Length", strconv.FormatInt(totalSize, 10))
		w.WriteHeader(http.StatusOK)
	}

	n, err := io.Copy(w, reader)
	if err != nil {
		logging.Warn("download transfer error", zap.String("id", id), zap.Error(err))
	}
	metrics.RecordDownload(n, err == nil)
}

// parseRangeHeader interprets a single-range Range header against totalSize.
// A syntactically invalid header is ignored and the full object is served; a
// well-formed range that lies outside the object returns an error so the
// caller can answer 416.
func parseRangeHeader(rangeHeader string, totalSize int64) (offset, length int64, hasRange bool, err error) {
	if rangeHeader == "" {
		return 0, totalSize, false, nil
	}

	matches := rangeRegex.FindStringSubmatch(rangeHeader)
	if matches == nil {
		return 0, totalSize, false, nil
	}

	startStr, endStr := matches[1], matches[2]
	if startStr == "" && endStr == "" {
		return 0, totalSize, false, nil
	}

	// Suffix form: last N bytes.
	if startStr == "" {
		suffix, _ := strconv.ParseInt(endStr, 10, 64)
		if suffix <= 0 {
			return 0, 0, false, fmt.Errorf("unsatisfiable range %q", rangeHeader)
		}
		offset = totalSize - suffix
		if offset < 0 {
			offset = 0
		}
		return offset, totalSize - offset, true, nil
	}

	offset, _ = strconv.ParseInt(startStr, 10, 64)
	if offset >= totalSize {
		return 0, 0, false, fmt.Errorf("range start %d beyond size %d", offset, totalSize)
	}

	if endStr == "" {
		return offset, totalSize - offset, true, nil
	}

	end, _ := strconv.ParseInt(endStr, 10, 64)
	if end < offset {
		return 0, 0, false, fmt.Errorf("unsatisfiable range %q", rangeHeader)
	}
	if end >= totalSize {
		end = totalSize - 1
	}
	return offset, end - offset + 1, true, nil
}

// ─── Responses ──────────────────────────────────────────────────────────────

func nodeResponse(n *metadata.Node) protocol.NodeResponse {
	return protocol.NodeResponse{
		ID:        n.ID,
		Name:      n.Name,
		IsDir:     n.IsDir,
		ParentID:  n.ParentID,
		Size:      n.Size,
		CreatedAt: n.CreatedAt,
		UpdatedAt: n.UpdatedAt,
	}
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("encode response", zap.Error(err))
	}
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(protocol.ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// sendMetadataError translates metadata store errors to HTTP statuses.
func (s *Server) sendMetadataError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, metadata.ErrNotFound):
		s.sendError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, metadata.ErrNameConflict):
		s.sendError(w, http.StatusConflict, err.Error())
	case errors.Is(err, metadata.ErrNotADir),
		errors.Is(err, metadata.ErrSelfMove),
		errors.Is(err, metadata.ErrCycle):
		s.sendError(w, http.StatusBadRequest, err.Error())
	default:
		s.sendError(w, http.StatusInternalServerError, err.Error())
	}
}
