package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestSender(t *testing.T, handler http.HandlerFunc) *Sender {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewSender(srv.URL, "test-token", "12345")
}

func TestSendText(t *testing.T) {
	var got sendTextRequest
	var gotPath, gotAuth string
	sender := newTestSender(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"messages":[{"id":"wamid.1"}]}`)
	})

	if err := sender.SendText(context.Background(), "5511999990000", "Oi!"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if gotPath != "/12345/messages" {
		t.Errorf("path = %q, want /12345/messages", gotPath)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("auth = %q", gotAuth)
	}
	if got.MessagingProduct != "whatsapp" || got.To != "5511999990000" || got.Type != "text" {
		t.Errorf("unexpected request: %+v", got)
	}
	if got.Text.Body != "Oi!" {
		t.Errorf("body = %q, want Oi!", got.Text.Body)
	}
}

func TestSendTextErrorStatus(t *testing.T) {
	sender := newTestSender(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"invalid token"}}`, http.StatusUnauthorized)
	})

	err := sender.SendText(context.Background(), "5511999990000", "Oi!")
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
}

func TestDownloadMedia(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/media-abc", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("metadata auth = %q", r.Header.Get("Authorization"))
		}
		fmt.Fprintf(w, `{"url":%q,"mime_type":"audio/ogg"}`, srv.URL+"/blob")
	})
	mux.HandleFunc("/blob", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("download auth = %q", r.Header.Get("Authorization"))
		}
		w.Write([]byte("ogg-bytes"))
	})

	sender := NewSender(srv.URL, "test-token", "12345")
	data, err := sender.DownloadMedia(context.Background(), "media-abc")
	if err != nil {
		t.Fatalf("DownloadMedia: %v", err)
	}
	if string(data) != "ogg-bytes" {
		t.Errorf("data = %q", data)
	}
}

func TestDownloadMediaMetadataFailure(t *testing.T) {
	sender := newTestSender(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	})

	_, err := sender.DownloadMedia(context.Background(), "media-gone")
	if !errors.Is(err, ErrMediaFetch) {
		t.Fatalf("err = %v, want ErrMediaFetch", err)
	}
}

func TestDownloadMediaEmptyBody(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/media-empty", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"url":%q}`, srv.URL+"/blob")
	})
	mux.HandleFunc("/blob", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	sender := NewSender(srv.URL, "test-token", "12345")
	_, err := sender.DownloadMedia(context.Background(), "media-empty")
	if !errors.Is(err, ErrMediaFetch) {
		t.Fatalf("err = %v, want ErrMediaFetch", err)
	}
}

func TestWebhookFlatten(t *testing.T) {
	raw := `{
		"object": "whatsapp_business_account",
		"entry": [{
			"id": "1",
			"changes": [{
				"field": "messages",
				"value": {
					"messaging_product": "whatsapp",
					"messages": [
						{"from": "5511999990000", "id": "wamid.1", "timestamp": "1700000000", "type": "text", "text": {"body": "Oi"}},
						{"from": "5511999990000", "id": "wamid.2", "timestamp": "1700000010", "type": "audio", "audio": {"id": "media-1", "mime_type": "audio/ogg"}}
					]
				}
			}]
		}]
	}`

	var payload WebhookPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	msgs := payload.Flatten()
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Type != "text" || msgs[0].Text == nil || msgs[0].Text.Body != "Oi" {
		t.Errorf("unexpected first message: %+v", msgs[0])
	}
	if msgs[1].Type != "audio" || msgs[1].Audio == nil || msgs[1].Audio.ID != "media-1" {
		t.Errorf("unexpected second message: %+v", msgs[1])
	}
	if !payload.ForBot() {
		t.Error("ForBot() = false for a business-account delivery")
	}
}

func TestWebhookFlattenSkipsNonMessageFields(t *testing.T) {
	raw := `{
		"object": "whatsapp_business_account",
		"entry": [{
			"id": "1",
			"changes": [
				{
					"field": "message_template_status_update",
					"value": {
						"messaging_product": "whatsapp",
						"messages": [{"from": "5511999990000", "id": "wamid.9", "type": "text", "text": {"body": "não"}}]
					}
				},
				{
					"field": "messages",
					"value": {
						"messaging_product": "whatsapp",
						"messages": [{"from": "5511999990000", "id": "wamid.1", "timestamp": "1700000000", "type": "text", "text": {"body": "Oi"}}]
					}
				}
			]
		}]
	}`

	var payload WebhookPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	msgs := payload.Flatten()
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].ID != "wamid.1" {
		t.Errorf("kept message %q, want wamid.1", msgs[0].ID)
	}
}

func TestWebhookPayloadForBot(t *testing.T) {
	if (WebhookPayload{Object: "page"}).ForBot() {
		t.Error("ForBot() = true for a page delivery")
	}
	if (WebhookPayload{}).ForBot() {
		t.Error("ForBot() = true for an empty object")
	}
}

func TestArrivedAt(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	msg := WebhookMessage{Timestamp: "1700000000"}
	if got := msg.ArrivedAt(now); got.Unix() != 1700000000 {
		t.Errorf("ArrivedAt = %v, want unix 1700000000", got)
	}

	for _, ts := range []string{"", "not-a-number", "0", "-5"} {
		msg := WebhookMessage{Timestamp: ts}
		if got := msg.ArrivedAt(now); !got.Equal(now) {
			t.Errorf("ArrivedAt(%q) = %v, want fallback now", ts, got)
		}
	}
}
