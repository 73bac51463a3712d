// Package protocol defines the API request/response types.
package protocol

import "time"

// CheckRequest is the body for POST /check.
type CheckRequest struct {
	FileHash string `json:"fileHash"`
	FileName string `json:"fileName"`
}

// CheckResponse reports whether content must be uploaded and which chunk
// indices are already staged for the fingerprint.
type CheckResponse struct {
	ShouldUpload   bool  `json:"shouldUpload"`
	UploadedChunks []int `json:"uploadedChunks"`
}

// Multipart field names for POST /upload.
const (
	FieldFileHash  = "filehash"
	FieldChunkHash = "chunkhash"
	FieldIndex     = "index"
	FieldChunk     = "chunk"
)

// UploadChunkResponse is the body returned by POST /upload.
type UploadChunkResponse struct {
	OK    bool `json:"ok"`
	Index int  `json:"index"`
}

// MergeRequest is the body for POST /merge.
type MergeRequest struct {
	FileHash string `json:"fileHash"`
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	ParentID string `json:"parentId,omitempty"`
}

// MergeResponse is returned once chunks have been assembled into a file node.
type MergeResponse struct {
	FileID string `json:"fileId"`
}

// ListEntry is one child node in a GET /list response.
type ListEntry struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	IsDir      bool      `json:"isDir"`
	Size       int64     `json:"size"`
	UploadTime time.Time `json:"uploadTime"`
}

// ListResponse is returned by GET /list.
type ListResponse struct {
	Entries []ListEntry `json:"entries"`
}

// CreateFolderRequest is the body for POST /createFolder.
type CreateFolderRequest struct {
	Name     string `json:"name"`
	ParentID string `json:"parentId,omitempty"`
}

// NodeResponse describes a single metadata node.
type NodeResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	IsDir     bool      `json:"isDir"`
	ParentID  string    `json:"parentId,omitempty"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RenameRequest is the body for POST /rename.
type RenameRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// MoveRequest is the body for POST /move.
type MoveRequest struct {
	DraggedID   string `json:"draggedId"`
	NewParentID string `json:"newParentId,omitempty"`
}

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}
