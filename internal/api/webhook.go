// Package api exposes the HTTP surface: the WhatsApp webhook, health, the
// authenticated admin endpoints, and the staff MCP server.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
	_ "time/tzdata" // business-hours decisions need the shop timezone on any host

	"github.com/go-chi/chi/v5"

	"github.com/atendebot/atende/internal/channel"
)

const maxWebhookBodySize = 3 << 20 // 3MB

// MessageHandler runs one conversation turn.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg channel.Incoming) (string, error)
}

// ReplySender delivers outbound text messages.
type ReplySender interface {
	SendText(ctx context.Context, to, body string) error
}

// MediaDownloader fetches inbound media binaries.
type MediaDownloader interface {
	DownloadMedia(ctx context.Context, mediaID string) ([]byte, error)
}

// Clock abstracts time for the business-hours gate.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Hours is the attended window in local shop time. Messages outside it get a
// fixed closed notice instead of a model turn.
type Hours struct {
	Opening  int
	Closing  int
	Location *time.Location
}

// Open reports whether t falls inside the attended window.
func (h Hours) Open(t time.Time) bool {
	hour := t.In(h.Location).Hour()
	return hour >= h.Opening && hour < h.Closing
}

// ClosedNotice is the reply sent outside business hours.
func (h Hours) ClosedNotice() string {
	return fmt.Sprintf("Estamos fechados no momento. Nosso horário de atendimento é das %dh às %dh.", h.Opening, h.Closing)
}

// ServerDeps wires the HTTP layer.
type ServerDeps struct {
	Bot         MessageHandler
	Sender      ReplySender
	Media       MediaDownloader
	Admin       AdminStore
	VerifyToken string
	AdminToken  string
	Hours       Hours
	Clock       Clock
}

// Server handles webhook deliveries and admin requests.
type Server struct {
	deps  ServerDeps
	clock Clock

	wg sync.WaitGroup
}

func NewServer(deps ServerDeps) *Server {
	clock := deps.Clock
	if clock == nil {
		clock = realClock{}
	}
	return &Server{deps: deps, clock: clock}
}

// Handler builds the full route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/webhook", s.handleVerify)
	r.Post("/webhook", s.handleWebhook)

	r.Route("/admin", func(r chi.Router) {
		r.Use(BearerAuth(s.deps.AdminToken))
		r.Get("/clients/{id}", s.handleGetClient)
		r.Get("/clients/{id}/history", s.handleClientHistory)
		r.Get("/clients/{id}/logs", s.handleClientLogs)
	})

	return r
}

// Wait blocks until all in-flight webhook dispatches finish. Used on shutdown.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleVerify answers the platform's subscription handshake.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") == "subscribe" && q.Get("hub.verify_token") == s.deps.VerifyToken && s.deps.VerifyToken != "" {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, q.Get("hub.challenge"))
		return
	}
	httpError(w, http.StatusForbidden, "authentication_error", "webhook verification failed")
}

// handleWebhook acknowledges the delivery immediately and processes each
// message asynchronously. Payloads that are not business-account deliveries
// get 404, everything else is acknowledged so the platform does not retry.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	defer r.Body.Close()

	var payload channel.WebhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		slog.Warn("unparseable webhook delivery", "error", err)
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if !payload.ForBot() {
		slog.Debug("ignoring webhook for unknown object", "object", payload.Object)
		w.WriteHeader(http.StatusNotFound)
		return
	}

	for _, msg := range payload.Flatten() {
		if msg.Type != "text" && msg.Type != "audio" {
			slog.Debug("ignoring unsupported message type", "type", msg.Type, "from", msg.From)
			continue
		}
		s.wg.Add(1)
		go func(m channel.WebhookMessage) {
			defer s.wg.Done()
			s.process(context.Background(), m)
		}(msg)
	}

	w.WriteHeader(http.StatusOK)
}

// process runs one inbound message end to end: hours gate, media resolution,
// the conversation turn, and the outbound reply.
func (s *Server) process(ctx context.Context, m channel.WebhookMessage) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Minute)
	defer cancel()

	arrived := m.ArrivedAt(s.clock.Now())

	if !s.deps.Hours.Open(arrived) {
		if err := s.deps.Sender.SendText(ctx, m.From, s.deps.Hours.ClosedNotice()); err != nil {
			slog.Error("sending closed notice", "user", m.From, "error", err)
		}
		return
	}

	incoming, err := s.resolve(ctx, m, arrived)
	if err != nil {
		slog.Error("resolving inbound message", "user", m.From, "error", err)
		return
	}

	reply, err := s.deps.Bot.HandleMessage(ctx, incoming)
	if err != nil {
		slog.Error("handling message", "user", m.From, "error", err)
		return
	}

	if err := s.deps.Sender.SendText(ctx, m.From, reply); err != nil {
		slog.Error("sending reply", "user", m.From, "error", err)
	}
}

// resolve turns a webhook message into the orchestrator's input, downloading
// and encoding audio when needed.
func (s *Server) resolve(ctx context.Context, m channel.WebhookMessage, arrived time.Time) (channel.Incoming, error) {
	incoming := channel.Incoming{
		UserID:    m.From,
		Timestamp: arrived,
	}

	switch m.Type {
	case "text":
		if m.Text == nil || m.Text.Body == "" {
			return channel.Incoming{}, fmt.Errorf("text message without body")
		}
		incoming.Modality = channel.ModalityText
		incoming.Text = m.Text.Body
	case "audio":
		if m.Audio == nil || m.Audio.ID == "" {
			return channel.Incoming{}, fmt.Errorf("audio message without media id")
		}
		data, err := s.deps.Media.DownloadMedia(ctx, m.Audio.ID)
		if err != nil {
			return channel.Incoming{}, err
		}
		incoming.Modality = channel.ModalityAudio
		incoming.AudioBase64 = base64.StdEncoding.EncodeToString(data)
	default:
		return channel.Incoming{}, fmt.Errorf("unsupported message type %q", m.Type)
	}

	return incoming, nil
}
