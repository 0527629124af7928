// Package bot orchestrates one conversation turn: profile and history load,
// prompt assembly, cached generation, structured-reply parsing, and the
// durable writes that follow.
package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atendebot/atende/internal/cache"
	"github.com/atendebot/atende/internal/channel"
	"github.com/atendebot/atende/internal/gemini"
	"github.com/atendebot/atende/internal/profile"
	"github.com/atendebot/atende/internal/storage"
)

// ErrNoContextCache means no live context cache could be confirmed; the turn
// is aborted without contacting the model.
var ErrNoContextCache = errors.New("bot: context cache unavailable")

// audioFallbackText stands in for the user's words in history when the model
// returned no transcription for an audio message.
const audioFallbackText = "mensagem de áudio sem transcrição"

// Generator is the slice of the model client the orchestrator needs.
type Generator interface {
	GenerateContent(ctx context.Context, p gemini.GenerateParams) (string, error)
}

// CacheResolver confirms a live context cache immediately before use.
type CacheResolver interface {
	Resolve(ctx context.Context) *cache.Handle
}

// AuditLog records profile-change audit entries.
type AuditLog interface {
	InsertLog(e storage.LogEntry) error
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Orchestrator drives the per-message conversation flow. Turns for the same
// user are serialized; distinct users proceed concurrently.
type Orchestrator struct {
	profiles *profile.Store
	caches   CacheResolver
	model    Generator
	audit    AuditLog
	clock    Clock

	mu    sync.Mutex
	users map[string]*sync.Mutex
}

// Config wires an Orchestrator.
type Config struct {
	Profiles *profile.Store
	Caches   CacheResolver
	Model    Generator
	Audit    AuditLog
	Clock    Clock
}

func New(cfg Config) *Orchestrator {
	clock := cfg.Clock
	if clock == nil {
		clock = realClock{}
	}
	return &Orchestrator{
		profiles: cfg.Profiles,
		caches:   cfg.Caches,
		model:    cfg.Model,
		audit:    cfg.Audit,
		clock:    clock,
		users:    make(map[string]*sync.Mutex),
	}
}

// userLock returns the mutex serializing turns for one user.
func (o *Orchestrator) userLock(userID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.users[userID]
	if !ok {
		l = &sync.Mutex{}
		o.users[userID] = l
	}
	return l
}

// structuredReply is the JSON shape the model is constrained to return.
type structuredReply struct {
	ReplyToUser string `json:"replyToUser"`
	UpdatedData *struct {
		Name       string `json:"name"`
		Address    string `json:"address"`
		Preference string `json:"preference"`
	} `json:"updatedData"`
	Transcription string `json:"transcription"`
}

// HandleMessage runs one full conversation turn and returns the text to send
// back to the user. On any failure before commit, nothing is persisted and no
// reply is produced.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg channel.Incoming) (string, error) {
	lock := o.userLock(msg.UserID)
	lock.Lock()
	defer lock.Unlock()

	p, err := o.profiles.Load(msg.UserID)
	if err != nil {
		return "", fmt.Errorf("loading profile: %w", err)
	}

	history, err := o.profiles.RecentHistory(msg.UserID, 0)
	if err != nil {
		return "", fmt.Errorf("loading history: %w", err)
	}

	handle := o.caches.Resolve(ctx)
	if handle == nil {
		return "", ErrNoContextCache
	}

	contents := o.assemble(p, history, msg)
	raw, err := o.model.GenerateContent(ctx, gemini.GenerateParams{
		Contents:       contents,
		CachedContent:  handle.Name,
		ResponseSchema: replySchema(),
	})
	if err != nil {
		return "", fmt.Errorf("generating reply: %w", err)
	}

	var reply structuredReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		slog.Error("model returned unparseable reply",
			"user", msg.UserID, "error", err, "raw", raw)
		return "", fmt.Errorf("parsing model reply: %w", err)
	}
	if reply.ReplyToUser == "" {
		slog.Error("model reply missing replyToUser", "user", msg.UserID, "raw", raw)
		return "", fmt.Errorf("model reply missing replyToUser")
	}

	var changes []profile.Change
	if reply.UpdatedData != nil {
		changes = profile.Merge(&p, profile.Update{
			Name:       reply.UpdatedData.Name,
			Address:    reply.UpdatedData.Address,
			Preference: reply.UpdatedData.Preference,
		})
	}

	// The upsert runs on every committed turn, data extracted or not: the
	// clients row must exist for any user with history, and last_updated
	// tracks the latest turn.
	if err := o.profiles.Save(p); err != nil {
		return "", fmt.Errorf("saving profile: %w", err)
	}
	for _, ch := range changes {
		entry := storage.LogEntry{
			ID:        uuid.NewString(),
			UserID:    msg.UserID,
			Log:       ch.Message,
			Type:      ch.Type,
			Timestamp: o.clock.Now(),
		}
		if err := o.audit.InsertLog(entry); err != nil {
			return "", fmt.Errorf("recording audit entry: %w", err)
		}
	}

	if err := o.profiles.AppendTurn(msg.UserID, historyText(msg, reply), reply.ReplyToUser, msg.Timestamp); err != nil {
		return "", fmt.Errorf("committing turn: %w", err)
	}

	return reply.ReplyToUser, nil
}

// historyText picks what to record as the user's side of the turn: the text
// itself, the model's transcription for audio, or the audio fallback.
func historyText(msg channel.Incoming, reply structuredReply) string {
	if msg.Modality == channel.ModalityText {
		return msg.Text
	}
	if reply.Transcription != "" {
		return reply.Transcription
	}
	return audioFallbackText
}

// assemble builds the generation contents: prior history turns followed by
// the current message wrapped with profile data and the arrival timestamp.
func (o *Orchestrator) assemble(p profile.ClientProfile, history []profile.HistoryEntry, msg channel.Incoming) []gemini.Content {
	contents := make([]gemini.Content, 0, len(history)+1)
	for _, h := range history {
		role := "user"
		if h.Role == storage.RoleModel {
			role = "model"
		}
		contents = append(contents, gemini.TextContent(role, h.Text))
	}

	var b strings.Builder
	b.WriteString(clientDataBlock(p))
	fmt.Fprintf(&b, "\nData e Hora da mensagem: %s.", o.profiles.FormatTime(msg.Timestamp))

	turn := gemini.Content{Role: "user"}
	switch msg.Modality {
	case channel.ModalityAudio:
		b.WriteString("\nMensagem do cliente enviada em áudio.")
		turn.Parts = []gemini.Part{
			{Text: b.String()},
			{InlineData: &gemini.Blob{MimeType: "audio/ogg", Data: msg.AudioBase64}},
		}
	default:
		fmt.Fprintf(&b, "\n\nMensagem do cliente: %s", msg.Text)
		turn.Parts = []gemini.Part{{Text: b.String()}}
	}
	return append(contents, turn)
}

// clientDataBlock renders what is known about the client for the prompt.
func clientDataBlock(p profile.ClientProfile) string {
	if p.Name == "" && p.Address == "" && p.Preferences == "" {
		return "Nenhum dado disponível."
	}
	var b strings.Builder
	b.WriteString("Dados do cliente:")
	if p.Name != "" {
		fmt.Fprintf(&b, "\nNome: %s", p.Name)
	}
	if p.Address != "" {
		fmt.Fprintf(&b, "\nEndereço: %s", p.Address)
	}
	if p.Preferences != "" {
		fmt.Fprintf(&b, "\nPreferências: %s", p.Preferences)
	}
	return b.String()
}

// replySchema constrains generation to the structured reply contract.
func replySchema() *gemini.Schema {
	return &gemini.Schema{
		Type: "object",
		Properties: map[string]*gemini.Schema{
			"replyToUser": {
				Type:        "string",
				Description: "A resposta em texto a ser enviada ao cliente.",
			},
			"updatedData": {
				Type:        "object",
				Nullable:    true,
				Description: "Dados do cliente mencionados na mensagem. Nulo quando nenhum dado novo foi informado.",
				Properties: map[string]*gemini.Schema{
					"name": {
						Type:        "string",
						Nullable:    true,
						Description: "Nome do cliente, se informado.",
					},
					"address": {
						Type:        "string",
						Nullable:    true,
						Description: "Endereço de entrega do cliente, se informado.",
					},
					"preference": {
						Type:        "string",
						Nullable:    true,
						Description: "Preferência ou restrição alimentar do cliente, se informada.",
					},
				},
			},
			"transcription": {
				Type:        "string",
				Nullable:    true,
				Description: "Transcrição literal da mensagem de áudio do cliente, quando houver.",
			},
		},
		Required: []string{"replyToUser"},
	}
}
