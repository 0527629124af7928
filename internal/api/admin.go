package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atendebot/atende/internal/storage"
)

const defaultAdminLimit = 50

// AdminStore is the slice of storage the admin endpoints read from.
type AdminStore interface {
	GetClient(userID string) (storage.ClientRow, error)
	RecentMessages(userID string, limit int) ([]storage.Message, error)
	ListLogs(userID string, limit int) ([]storage.LogEntry, error)
}

type clientResponse struct {
	UserID      string    `json:"user_id"`
	Name        string    `json:"name,omitempty"`
	Address     string    `json:"address,omitempty"`
	Preferences string    `json:"preferences,omitempty"`
	LastUpdated time.Time `json:"last_updated"`
}

type messageResponse struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type logResponse struct {
	ID        string    `json:"id"`
	Log       string    `json:"log"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handleGetClient(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	client, err := s.deps.Admin.GetClient(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "no client %s", id)
			return
		}
		httpError(w, http.StatusInternalServerError, "api_error", "loading client: %v", err)
		return
	}

	writeJSON(w, clientResponse{
		UserID:      client.UserID,
		Name:        client.Name,
		Address:     client.Address,
		Preferences: client.Preferences,
		LastUpdated: client.LastUpdated,
	})
}

func (s *Server) handleClientHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	msgs, err := s.deps.Admin.RecentMessages(id, queryLimit(r))
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "loading history: %v", err)
		return
	}

	out := make([]messageResponse, len(msgs))
	for i, m := range msgs {
		out[i] = messageResponse{Role: m.Role, Text: m.Text, Timestamp: m.Timestamp}
	}
	writeJSON(w, map[string]any{"messages": out})
}

func (s *Server) handleClientLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	logs, err := s.deps.Admin.ListLogs(id, queryLimit(r))
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "loading logs: %v", err)
		return
	}

	out := make([]logResponse, len(logs))
	for i, l := range logs {
		out[i] = logResponse{ID: l.ID, Log: l.Log, Type: l.Type, Timestamp: l.Timestamp}
	}
	writeJSON(w, map[string]any{"logs": out})
}

func queryLimit(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultAdminLimit
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
