package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

// File mirrors a Files API file object. Name carries the "files/" prefix.
type File struct {
	Name           string    `json:"name"`
	DisplayName    string    `json:"displayName,omitempty"`
	MimeType       string    `json:"mimeType,omitempty"`
	URI            string    `json:"uri,omitempty"`
	SHA256Hash     string    `json:"sha256Hash,omitempty"`
	ExpirationTime time.Time `json:"expirationTime,omitempty"`
	State          string    `json:"state,omitempty"`
}

// GetFile fetches the remote file object named name ("files/..."). Returns
// ErrNotFound when the file does not exist.
func (c *Client) GetFile(ctx context.Context, name string) (File, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var f File
	if err := c.getJSON(ctx, "/"+name, &f); err != nil {
		return File{}, err
	}
	return f, nil
}

// DeleteFile removes the remote file object named name.
func (c *Client) DeleteFile(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.url(c.baseURL, "/"+name), nil)
	if err != nil {
		return fmt.Errorf("gemini: creating delete request: %w", err)
	}
	return c.do(req, nil)
}

// UploadFileParams describes a file to create via the media upload endpoint.
// Name is the bare resource id (without the "files/" prefix).
type UploadFileParams struct {
	Name       string
	MimeType   string
	ExpireTime time.Time
	Data       []byte
}

// fileMetadata is the JSON metadata part of a multipart upload.
type fileMetadata struct {
	File struct {
		Name           string `json:"name,omitempty"`
		ExpirationTime string `json:"expirationTime,omitempty"`
	} `json:"file"`
}

type uploadResponse struct {
	File File `json:"file"`
}

// UploadFile creates a remote file object from bytes using the multipart
// media upload protocol.
func (c *Client) UploadFile(ctx context.Context, p UploadFileParams) (File, error) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	var meta fileMetadata
	meta.File.Name = "files/" + strings.TrimPrefix(p.Name, "files/")
	if !p.ExpireTime.IsZero() {
		meta.File.ExpirationTime = p.ExpireTime.UTC().Format(time.RFC3339)
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return File{}, fmt.Errorf("gemini: marshal upload metadata: %w", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	metaHeader := textproto.MIMEHeader{}
	metaHeader.Set("Content-Type", "application/json; charset=UTF-8")
	metaPart, err := mw.CreatePart(metaHeader)
	if err != nil {
		return File{}, fmt.Errorf("gemini: creating metadata part: %w", err)
	}
	if _, err := metaPart.Write(metaJSON); err != nil {
		return File{}, fmt.Errorf("gemini: writing metadata part: %w", err)
	}

	mediaHeader := textproto.MIMEHeader{}
	mediaHeader.Set("Content-Type", p.MimeType)
	mediaPart, err := mw.CreatePart(mediaHeader)
	if err != nil {
		return File{}, fmt.Errorf("gemini: creating media part: %w", err)
	}
	if _, err := mediaPart.Write(p.Data); err != nil {
		return File{}, fmt.Errorf("gemini: writing media part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return File{}, fmt.Errorf("gemini: closing multipart body: %w", err)
	}

	url := c.url(c.uploadBaseURL, "/files?uploadType=multipart")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return File{}, fmt.Errorf("gemini: creating upload request: %w", err)
	}
	req.Header.Set("Content-Type", "multipart/related; boundary="+mw.Boundary())

	var resp uploadResponse
	if err := c.do(req, &resp); err != nil {
		return File{}, err
	}
	if resp.File.URI == "" {
		return File{}, fmt.Errorf("gemini: upload response missing file uri")
	}
	return resp.File, nil
}
