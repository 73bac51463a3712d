// Package client provides the HTTP client for the upload and metadata API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bitdrive/bitdrive/pkg/protocol"
	"github.com/bitdrive/bitdrive/pkg/retry"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Client talks to one server.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	retryConfig retry.Config
}

// Config holds client configuration.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	RetryConfig retry.Config
}

// New creates a client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}

	return &Client{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:    100,
				IdleConnTimeout: 90 * time.Second,
			},
		},
		retryConfig: cfg.RetryConfig,
	}
}

// classify turns transport failures and 5xx responses into transient errors
// so the retry loop re-attempts them; 4xx responses are permanent.
func classify(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status < 500 {
		return err
	}
	return retry.Transient(err)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	return retry.Do(ctx, c.retryConfig, func() error {
		var reqBody io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return fmt.Errorf("marshal request: %w", err)
			}
			reqBody = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.Transient(fmt.Errorf("%s %s: %w", method, path, err))
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return classify(readAPIError(resp))
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	})
}

func readAPIError(resp *http.Response) error {
	var er protocol.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil || er.Error == "" {
		return &APIError{Status: resp.StatusCode, Message: resp.Status}
	}
	return &APIError{Status: resp.StatusCode, Message: er.Error}
}

// Check asks whether content with this fingerprint must be uploaded and which
// chunk indices are already staged.
func (c *Client) Check(ctx context.Context, fileHash, fileName string) (*protocol.CheckResponse, error) {
	var out protocol.CheckResponse
	err := c.doJSON(ctx, http.MethodPost, "/check",
		protocol.CheckRequest{FileHash: fileHash, FileName: fileName}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// UploadChunk sends one chunk as a multipart form. chunkData must be
// re-readable across retries, so the chunk bytes are buffered by the caller.
func (c *Client) UploadChunk(ctx context.Context, fileHash, chunkHash string, index int, chunkData []byte) error {
	return retry.Do(ctx, c.retryConfig, func() error {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		mw.WriteField(protocol.FieldFileHash, fileHash)
		mw.WriteField(protocol.FieldChunkHash, chunkHash)
		mw.WriteField(protocol.FieldIndex, strconv.Itoa(index))
		part, err := mw.CreateFormFile(protocol.FieldChunk, "chunk")
		if err != nil {
			return fmt.Errorf("build multipart: %w", err)
		}
		if _, err := part.Write(chunkData); err != nil {
			return fmt.Errorf("write chunk part: %w", err)
		}
		if err := mw.Close(); err != nil {
			return fmt.Errorf("close multipart: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload", &buf)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.Transient(fmt.Errorf("upload chunk %d: %w", index, err))
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return classify(readAPIError(resp))
		}
		return nil
	})
}

// Merge asks the server to assemble the staged chunks into a file node.
func (c *Client) Merge(ctx context.Context, req protocol.MergeRequest) (string, error) {
	var out protocol.MergeResponse
	if err := c.doJSON(ctx, http.MethodPost, "/merge", req, &out); err != nil {
		return "", err
	}
	return out.FileID, nil
}

// List returns the direct children of a directory; empty parentID lists the
// root.
func (c *Client) List(ctx context.Context, parentID string) ([]protocol.ListEntry, error) {
	path := "/list"
	if parentID != "" {
		path += "?parentId=" + url.QueryEscape(parentID)
	}
	var out protocol.ListResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// CreateFolder creates a directory under parentID.
func (c *Client) CreateFolder(ctx context.Context, parentID, name string) (*protocol.NodeResponse, error) {
	var out protocol.NodeResponse
	err := c.doJSON(ctx, http.MethodPost, "/createFolder",
		protocol.CreateFolderRequest{Name: name, ParentID: parentID}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Rename changes a node's display name.
func (c *Client) Rename(ctx context.Context, id, name string) error {
	return c.doJSON(ctx, http.MethodPost, "/rename",
		protocol.RenameRequest{ID: id, Name: name}, nil)
}

// Move re-parents a node.
func (c *Client) Move(ctx context.Context, id, newParentID string) error {
	return c.doJSON(ctx, http.MethodPost, "/move",
		protocol.MoveRequest{DraggedID: id, NewParentID: newParentID}, nil)
}

// Delete removes a node and, for directories, its subtree.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/delete/"+url.PathEscape(id), nil, nil)
}

// Download streams a file's content. When length >= 0 a byte range starting
// at offset is requested; the caller owns the returned reader.
func (c *Client) Download(ctx context.Context, id string, offset, length int64) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/download/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	if length >= 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
	} else if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("download %s: %w", id, err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		defer resp.Body.Close()
		return nil, 0, readAPIError(resp)
	}
	return resp.Body, resp.ContentLength, nil
}
