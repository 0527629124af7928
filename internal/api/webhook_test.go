package api

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/atendebot/atende/internal/channel"
)

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type mockBot struct {
	mu       sync.Mutex
	received []channel.Incoming
	reply    string
	err      error
}

func (m *mockBot) HandleMessage(_ context.Context, msg channel.Incoming) (string, error) {
	m.mu.Lock()
	m.received = append(m.received, msg)
	m.mu.Unlock()
	return m.reply, m.err
}

func (m *mockBot) messages() []channel.Incoming {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]channel.Incoming(nil), m.received...)
}

type mockSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (m *mockSender) SendText(_ context.Context, to, body string) error {
	m.mu.Lock()
	m.sent = append(m.sent, to+": "+body)
	m.mu.Unlock()
	return m.err
}

func (m *mockSender) texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

type mockMedia struct {
	data map[string][]byte
}

func (m *mockMedia) DownloadMedia(_ context.Context, id string) ([]byte, error) {
	if d, ok := m.data[id]; ok {
		return d, nil
	}
	return nil, errors.New("media not found")
}

// noonClock is inside the default attended window.
func noonClock() fakeClock {
	return fakeClock{now: time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)} // 12:00 in São Paulo
}

func newTestServer(t *testing.T, bot *mockBot, sender *mockSender, media *mockMedia, clock Clock) *Server {
	t.Helper()
	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		t.Fatalf("loading location: %v", err)
	}
	return NewServer(ServerDeps{
		Bot:         bot,
		Sender:      sender,
		Media:       media,
		VerifyToken: "verify-me",
		AdminToken:  "admin-secret",
		Hours:       Hours{Opening: 8, Closing: 20, Location: loc},
		Clock:       clock,
	})
}

const webhookDelivery = `{
	"object": "whatsapp_business_account",
	"entry": [{"id": "1", "changes": [{"field": "messages", "value": {
		"messaging_product": "whatsapp",
		"messages": [{"from": "5511999990000", "id": "wamid.1", "timestamp": "1741618740", "type": "text", "text": {"body": "Oi"}}]
	}}]}]
}`

func TestVerifyHandshake(t *testing.T) {
	srv := newTestServer(t, &mockBot{}, &mockSender{}, &mockMedia{}, noonClock())
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=12345", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body := rec.Body.String(); body != "12345" {
		t.Errorf("body = %q, want the challenge", body)
	}
}

func TestVerifyRejectsBadToken(t *testing.T) {
	srv := newTestServer(t, &mockBot{}, &mockSender{}, &mockMedia{}, noonClock())
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestWebhookDispatchesTextAndReplies(t *testing.T) {
	bot := &mockBot{reply: "Olá! Como posso ajudar?"}
	sender := &mockSender{}
	srv := newTestServer(t, bot, sender, &mockMedia{}, noonClock())
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(webhookDelivery))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	srv.Wait()

	msgs := bot.messages()
	if len(msgs) != 1 {
		t.Fatalf("bot got %d messages, want 1", len(msgs))
	}
	if msgs[0].UserID != "5511999990000" || msgs[0].Text != "Oi" || msgs[0].Modality != channel.ModalityText {
		t.Errorf("unexpected incoming: %+v", msgs[0])
	}
	if msgs[0].Timestamp.Unix() != 1741618740 {
		t.Errorf("timestamp = %v, want webhook arrival time", msgs[0].Timestamp)
	}

	sent := sender.texts()
	if len(sent) != 1 || sent[0] != "5511999990000: Olá! Como posso ajudar?" {
		t.Errorf("sent = %v", sent)
	}
}

func TestWebhookDownloadsAudio(t *testing.T) {
	bot := &mockBot{reply: "Anotado!"}
	media := &mockMedia{data: map[string][]byte{"media-1": []byte("ogg-bytes")}}
	srv := newTestServer(t, bot, &mockSender{}, media, noonClock())
	h := srv.Handler()

	delivery := `{"object":"whatsapp_business_account","entry":[{"id":"1","changes":[{"field":"messages","value":{
		"messages":[{"from":"5511999990000","id":"wamid.2","timestamp":"1741618740","type":"audio","audio":{"id":"media-1","mime_type":"audio/ogg"}}]
	}}]}]}`
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(delivery))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	srv.Wait()

	msgs := bot.messages()
	if len(msgs) != 1 {
		t.Fatalf("bot got %d messages, want 1", len(msgs))
	}
	if msgs[0].Modality != channel.ModalityAudio {
		t.Errorf("modality = %q", msgs[0].Modality)
	}
	want := base64.StdEncoding.EncodeToString([]byte("ogg-bytes"))
	if msgs[0].AudioBase64 != want {
		t.Errorf("audio = %q, want %q", msgs[0].AudioBase64, want)
	}
}

func TestWebhookIgnoresUnsupportedTypes(t *testing.T) {
	bot := &mockBot{reply: "nunca"}
	srv := newTestServer(t, bot, &mockSender{}, &mockMedia{}, noonClock())
	h := srv.Handler()

	delivery := `{"object":"whatsapp_business_account","entry":[{"id":"1","changes":[{"field":"messages","value":{
		"messages":[{"from":"5511999990000","id":"wamid.3","timestamp":"1741618740","type":"image"}]
	}}]}]}`
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(delivery))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	srv.Wait()

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(bot.messages()) != 0 {
		t.Errorf("bot should not see unsupported message types")
	}
}

func TestWebhookRejectsJunk(t *testing.T) {
	srv := newTestServer(t, &mockBot{}, &mockSender{}, &mockMedia{}, noonClock())
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("{{{"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for junk", rec.Code)
	}
}

func TestWebhookRejectsUnknownObject(t *testing.T) {
	bot := &mockBot{reply: "nunca"}
	srv := newTestServer(t, bot, &mockSender{}, &mockMedia{}, noonClock())
	h := srv.Handler()

	delivery := `{"object":"page","entry":[{"id":"1","changes":[{"field":"messages","value":{
		"messages":[{"from":"5511999990000","id":"wamid.8","timestamp":"1741618740","type":"text","text":{"body":"Oi"}}]
	}}]}]}`
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(delivery))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	srv.Wait()

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for unknown object", rec.Code)
	}
	if len(bot.messages()) != 0 {
		t.Errorf("bot should not see messages from unknown objects")
	}
}

func TestClosedHoursSendsNoticeWithoutTurn(t *testing.T) {
	bot := &mockBot{reply: "nunca"}
	sender := &mockSender{}
	// 23:00 in São Paulo.
	clock := fakeClock{now: time.Date(2025, 3, 11, 2, 0, 0, 0, time.UTC)}
	srv := newTestServer(t, bot, sender, &mockMedia{}, clock)

	// Message timestamp outside the attended window.
	msg := channel.WebhookMessage{
		From:      "5511999990000",
		Timestamp: "1741658400", // 2025-03-11 02:00 UTC = 23:00 São Paulo
		Type:      "text",
		Text:      &channel.TextContent{Body: "Oi"},
	}
	srv.process(context.Background(), msg)

	if len(bot.messages()) != 0 {
		t.Errorf("bot should not run outside business hours")
	}
	sent := sender.texts()
	if len(sent) != 1 || !strings.Contains(sent[0], "fechados") {
		t.Errorf("sent = %v, want closed notice", sent)
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, &mockBot{}, &mockSender{}, &mockMedia{}, noonClock())
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `"ok"`) {
		t.Errorf("body = %s", body)
	}
}

func TestHoursOpen(t *testing.T) {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		t.Fatalf("loading location: %v", err)
	}
	h := Hours{Opening: 8, Closing: 20, Location: loc}

	cases := []struct {
		name string
		t    time.Time
		want bool
	}{
		{"midday", time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC), true},               // 12:00 local
		{"just before closing", time.Date(2025, 3, 10, 22, 59, 0, 0, time.UTC), true}, // 19:59 local
		{"at closing", time.Date(2025, 3, 10, 23, 0, 0, 0, time.UTC), false},          // 20:00 local
		{"early morning", time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC), false},        // 06:00 local
	}
	for _, tc := range cases {
		if got := h.Open(tc.t); got != tc.want {
			t.Errorf("%s: Open = %v, want %v", tc.name, got, tc.want)
		}
	}
}
