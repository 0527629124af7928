// Package gemini is a typed HTTP client for the Google Generative Language
// API: the Files API, the cached-contents API, and generateContent with
// structured output.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL       = "https://generativelanguage.googleapis.com/v1beta"
	defaultUploadBaseURL = "https://generativelanguage.googleapis.com/upload/v1beta"
	defaultModel         = "gemini-2.0-flash"
)

// ErrNotFound is returned when a remote object does not exist or is not
// accessible with this API key. The Files API reports unknown file names as
// PERMISSION_DENIED rather than 404, so both are mapped here.
var ErrNotFound = errors.New("gemini: object not found")

// Client communicates with the Generative Language REST API.
type Client struct {
	apiKey        string
	baseURL       string
	uploadBaseURL string
	model         string
	httpClient    *http.Client
}

// New creates a Client for the given API key and model. An empty model
// selects the default.
func New(apiKey, model string) *Client {
	if model == "" {
		model = defaultModel
	}
	return &Client{
		apiKey:        apiKey,
		baseURL:       defaultBaseURL,
		uploadBaseURL: defaultUploadBaseURL,
		model:         model,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// NewWithBaseURL creates a client pointing at a custom base URL (for testing).
// Both the API and upload endpoints are served from the same base.
func NewWithBaseURL(apiKey, model, baseURL string) *Client {
	c := New(apiKey, model)
	c.baseURL = strings.TrimRight(baseURL, "/")
	c.uploadBaseURL = c.baseURL
	return c
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// apiError is the error payload wrapped in Generative Language API responses.
type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

type apiErrorEnvelope struct {
	Error *apiError `json:"error"`
}

// url builds an endpoint URL with the API key appended.
func (c *Client) url(base, path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return base + path + sep + "key=" + c.apiKey
}

// do executes the request and decodes the JSON response into out (when out is
// non-nil). Non-2xx statuses are converted into errors, with not-found and
// permission-denied mapped to ErrNotFound.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gemini: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("gemini: reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var envelope apiErrorEnvelope
		if json.Unmarshal(body, &envelope) == nil && envelope.Error != nil {
			if resp.StatusCode == http.StatusNotFound || envelope.Error.Status == "PERMISSION_DENIED" {
				return fmt.Errorf("%w: %s", ErrNotFound, envelope.Error.Message)
			}
			return fmt.Errorf("gemini: API error (status %d, %s): %s",
				envelope.Error.Code, envelope.Error.Status, envelope.Error.Message)
		}
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: status 404", ErrNotFound)
		}
		return fmt.Errorf("gemini: unexpected status %d: %s", resp.StatusCode, string(body))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("gemini: unmarshal response: %w", err)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(c.baseURL, path), nil)
	if err != nil {
		return fmt.Errorf("gemini: creating request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("gemini: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(c.baseURL, path), strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("gemini: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}
