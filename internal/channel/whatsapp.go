// Package channel talks to the WhatsApp Cloud API: outbound text replies,
// inbound media retrieval, and the webhook payload shapes the platform
// delivers.
package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrMediaFetch marks failures retrieving inbound audio from the channel's
// media store.
var ErrMediaFetch = errors.New("channel: media fetch failed")

// maxMediaBytes bounds inbound audio downloads.
const maxMediaBytes = 16 << 20 // 16MB

// Modality distinguishes the supported inbound message kinds.
type Modality string

const (
	ModalityText  Modality = "text"
	ModalityAudio Modality = "audio"
)

// Incoming is one inbound message after channel unwrapping: what the
// orchestrator consumes.
type Incoming struct {
	UserID      string
	Modality    Modality
	Text        string // text turns: the raw message body
	AudioBase64 string // audio turns: the media bytes, base64-encoded
	Timestamp   time.Time
}

// Sender sends messages and retrieves media through the Cloud API.
type Sender struct {
	apiURL        string
	token         string
	phoneNumberID string
	httpClient    *http.Client
}

// NewSender creates a Sender for the given Cloud API base URL, access token,
// and registered phone number id.
func NewSender(apiURL, token, phoneNumberID string) *Sender {
	return &Sender{
		apiURL:        strings.TrimRight(apiURL, "/"),
		token:         token,
		phoneNumberID: phoneNumberID,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// sendTextRequest is the POST {phoneNumberID}/messages body.
type sendTextRequest struct {
	MessagingProduct string   `json:"messaging_product"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             textBody `json:"text"`
}

type textBody struct {
	Body string `json:"body"`
}

// SendText delivers a text reply to the given recipient.
func (s *Sender) SendText(ctx context.Context, to, body string) error {
	payload, err := json.Marshal(sendTextRequest{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "text",
		Text:             textBody{Body: body},
	})
	if err != nil {
		return fmt.Errorf("channel: marshal send request: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", s.apiURL, s.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("channel: creating send request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("channel: sending message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("channel: send failed (status %d): %s", resp.StatusCode, string(body))
	}
	return nil
}

// mediaMetadata is the GET {mediaID} response.
type mediaMetadata struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
}

// DownloadMedia resolves a media id to its download URL and fetches the
// binary content. All failures wrap ErrMediaFetch.
func (s *Sender) DownloadMedia(ctx context.Context, mediaID string) ([]byte, error) {
	meta, err := s.mediaURL(ctx, mediaID)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, meta.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: creating download request: %v", ErrMediaFetch, err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: downloading %s: %v", ErrMediaFetch, mediaID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: download status %d", ErrMediaFetch, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading media body: %v", ErrMediaFetch, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty media body", ErrMediaFetch)
	}
	return data, nil
}

func (s *Sender) mediaURL(ctx context.Context, mediaID string) (mediaMetadata, error) {
	url := fmt.Sprintf("%s/%s", s.apiURL, mediaID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return mediaMetadata{}, fmt.Errorf("%w: creating metadata request: %v", ErrMediaFetch, err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return mediaMetadata{}, fmt.Errorf("%w: resolving %s: %v", ErrMediaFetch, mediaID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return mediaMetadata{}, fmt.Errorf("%w: metadata status %d", ErrMediaFetch, resp.StatusCode)
	}

	var meta mediaMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return mediaMetadata{}, fmt.Errorf("%w: decoding metadata: %v", ErrMediaFetch, err)
	}
	if meta.URL == "" {
		return mediaMetadata{}, fmt.Errorf("%w: metadata missing url", ErrMediaFetch)
	}
	return meta, nil
}
