package gemini

import (
	"context"
	"fmt"
	"time"
)

// Part is one piece of a content turn: plain text, inline binary data, or a
// reference to an uploaded file.
type Part struct {
	Text       string    `json:"text,omitempty"`
	InlineData *Blob     `json:"inlineData,omitempty"`
	FileData   *FileData `json:"fileData,omitempty"`
}

// Blob carries base64-encoded inline media.
type Blob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// FileData references a Files API object by URI.
type FileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

// Content is one conversation turn.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// TextContent builds a single-part user turn from text.
func TextContent(role, text string) Content {
	return Content{Role: role, Parts: []Part{{Text: text}}}
}

// FileContent builds a user turn referencing an uploaded file.
func FileContent(uri, mimeType string) Content {
	return Content{Role: "user", Parts: []Part{{FileData: &FileData{FileURI: uri, MimeType: mimeType}}}}
}

// Schema describes the expected JSON output structure for structured
// generation. It follows the responseSchema subset of OpenAPI the API accepts.
type Schema struct {
	Type        string             `json:"type"`
	Description string             `json:"description,omitempty"`
	Nullable    bool               `json:"nullable,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Required    []string           `json:"required,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
}

// GenerateParams describes one generateContent call.
type GenerateParams struct {
	Contents       []Content
	CachedContent  string
	ResponseSchema *Schema
}

type generationConfig struct {
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
	ResponseSchema   *Schema `json:"responseSchema,omitempty"`
}

type generateContentRequest struct {
	Contents         []Content         `json:"contents"`
	CachedContent    string            `json:"cachedContent,omitempty"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type generateContentResponse struct {
	Candidates []struct {
		Content Content `json:"content"`
	} `json:"candidates"`
}

// GenerateContent runs one generation and returns the first candidate's first
// text part. An empty candidate list or a non-text first part is an error.
func (c *Client) GenerateContent(ctx context.Context, p GenerateParams) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 90*time.Second)
	defer cancel()

	req := generateContentRequest{
		Contents:      p.Contents,
		CachedContent: p.CachedContent,
	}
	if p.ResponseSchema != nil {
		req.GenerationConfig = &generationConfig{
			ResponseMimeType: "application/json",
			ResponseSchema:   p.ResponseSchema,
		}
	}

	var resp generateContentResponse
	path := "/models/" + c.model + ":generateContent"
	if err := c.postJSON(ctx, path, req, &resp); err != nil {
		return "", err
	}

	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("gemini: empty generation response")
	}
	text := resp.Candidates[0].Content.Parts[0].Text
	if text == "" {
		return "", fmt.Errorf("gemini: first response part has no text")
	}
	return text, nil
}
