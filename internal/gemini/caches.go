package gemini

import (
	"context"
	"strings"
	"time"
)

// CachedContent mirrors a cachedContents resource.
type CachedContent struct {
	Name        string    `json:"name"`
	DisplayName string    `json:"displayName,omitempty"`
	Model       string    `json:"model,omitempty"`
	ExpireTime  time.Time `json:"expireTime,omitempty"`
}

type listCachedContentsResponse struct {
	CachedContents []CachedContent `json:"cachedContents"`
	NextPageToken  string          `json:"nextPageToken,omitempty"`
}

// ListCachedContents returns all cached contents visible to this API key,
// following pagination.
func (c *Client) ListCachedContents(ctx context.Context) ([]CachedContent, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var all []CachedContent
	pageToken := ""
	for {
		path := "/cachedContents"
		if pageToken != "" {
			path += "?pageToken=" + pageToken
		}
		var page listCachedContentsResponse
		if err := c.getJSON(ctx, path, &page); err != nil {
			return nil, err
		}
		all = append(all, page.CachedContents...)
		if page.NextPageToken == "" {
			return all, nil
		}
		pageToken = page.NextPageToken
	}
}

// GetCachedContent fetches one cached content by resource name
// ("cachedContents/..."). Returns ErrNotFound when it no longer exists.
func (c *Client) GetCachedContent(ctx context.Context, name string) (CachedContent, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var cc CachedContent
	if err := c.getJSON(ctx, "/"+name, &cc); err != nil {
		return CachedContent{}, err
	}
	return cc, nil
}

// CreateCachedContentParams describes a new cached content built from
// uploaded file references plus a system instruction.
type CreateCachedContentParams struct {
	DisplayName       string
	Description       string
	SystemInstruction string
	Contents          []Content
	ExpireTime        time.Time
}

// createCachedContentRequest is the POST /cachedContents body.
type createCachedContentRequest struct {
	Model             string    `json:"model"`
	DisplayName       string    `json:"displayName,omitempty"`
	Description       string    `json:"description,omitempty"`
	Contents          []Content `json:"contents"`
	SystemInstruction *Content  `json:"systemInstruction,omitempty"`
	ExpireTime        string    `json:"expireTime,omitempty"`
}

// CreateCachedContent creates a server-side cache from the given contents.
func (c *Client) CreateCachedContent(ctx context.Context, p CreateCachedContentParams) (CachedContent, error) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	req := createCachedContentRequest{
		Model:       "models/" + strings.TrimPrefix(c.model, "models/"),
		DisplayName: p.DisplayName,
		Description: p.Description,
		Contents:    p.Contents,
	}
	if p.SystemInstruction != "" {
		req.SystemInstruction = &Content{Parts: []Part{{Text: p.SystemInstruction}}}
	}
	if !p.ExpireTime.IsZero() {
		req.ExpireTime = p.ExpireTime.UTC().Format(time.RFC3339)
	}

	var cc CachedContent
	if err := c.postJSON(ctx, "/cachedContents", req, &cc); err != nil {
		return CachedContent{}, err
	}
	return cc, nil
}
