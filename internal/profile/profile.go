// Package profile loads, merges, and persists per-client profiles and their
// conversation history.
package profile

import (
	"errors"
	"fmt"
	"time"
	_ "time/tzdata" // history timestamps must render in the shop timezone even on hosts without tzdata

	"github.com/atendebot/atende/internal/storage"
)

// historyLocation is the timezone history timestamps are rendered in.
const historyLocation = "America/Sao_Paulo"

// DefaultHistoryLimit bounds how many history entries a turn carries into
// generation.
const DefaultHistoryLimit = 50

// ClientProfile is the in-memory profile for one client.
type ClientProfile struct {
	UserID      string
	Name        string
	Address     string
	Preferences string
	LastUpdated time.Time
	// Loaded is true iff a row existed in the store at load time.
	Loaded bool
}

// HistoryEntry is one rendered conversation history entry, chronological
// position implied by slice order.
type HistoryEntry struct {
	Role string
	Text string
}

// Storage defines the persistence operations the Store needs.
// Implemented by storage.Store.
type Storage interface {
	GetClient(userID string) (storage.ClientRow, error)
	UpsertClient(c storage.ClientRow) error
	AppendMessage(m storage.Message) error
	RecentMessages(userID string, limit int) ([]storage.Message, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Store provides profile and history access over the relational store.
type Store struct {
	db    Storage
	clock Clock
	loc   *time.Location
}

// NewStore creates a Store rendering history timestamps in the shop's
// timezone.
func NewStore(db Storage) *Store {
	return NewStoreWithClock(db, realClock{})
}

// NewStoreWithClock creates a Store with a custom clock (for testing).
func NewStoreWithClock(db Storage, clock Clock) *Store {
	loc, err := time.LoadLocation(historyLocation)
	if err != nil {
		loc = time.UTC
	}
	return &Store{db: db, clock: clock, loc: loc}
}

// Load reads the profile for userID. An absent row yields an empty profile
// with Loaded=false; only I/O failures are errors.
func (s *Store) Load(userID string) (ClientProfile, error) {
	row, err := s.db.GetClient(userID)
	if errors.Is(err, storage.ErrNotFound) {
		return ClientProfile{UserID: userID}, nil
	}
	if err != nil {
		return ClientProfile{}, fmt.Errorf("loading client profile: %w", err)
	}
	return ClientProfile{
		UserID:      row.UserID,
		Name:        row.Name,
		Address:     row.Address,
		Preferences: row.Preferences,
		LastUpdated: row.LastUpdated,
		Loaded:      true,
	}, nil
}

// Save upserts the whole profile row, stamping last_updated with the commit
// time. This is a whole-record overwrite; callers must serialize turns per
// user to avoid losing interleaved updates.
func (s *Store) Save(p ClientProfile) error {
	row := storage.ClientRow{
		UserID:      p.UserID,
		Name:        p.Name,
		Address:     p.Address,
		Preferences: p.Preferences,
		LastUpdated: s.clock.Now(),
	}
	if err := s.db.UpsertClient(row); err != nil {
		return fmt.Errorf("saving client profile: %w", err)
	}
	return nil
}

// AppendTurn commits one conversation turn: the user's message at its arrival
// timestamp, then the model's reply stamped at commit time. Consumers derive
// response latency from the asymmetry.
func (s *Store) AppendTurn(userID, userText, modelText string, ts time.Time) error {
	if err := s.db.AppendMessage(storage.Message{
		UserID:    userID,
		Role:      storage.RoleUser,
		Text:      userText,
		Timestamp: ts,
	}); err != nil {
		return fmt.Errorf("appending user message: %w", err)
	}
	if err := s.db.AppendMessage(storage.Message{
		UserID:    userID,
		Role:      storage.RoleModel,
		Text:      modelText,
		Timestamp: s.clock.Now(),
	}); err != nil {
		return fmt.Errorf("appending model message: %w", err)
	}
	return nil
}

// RecentHistory returns up to limit history entries for userID in
// chronological order, each text prefixed with its localized timestamp.
// limit <= 0 selects DefaultHistoryLimit.
func (s *Store) RecentHistory(userID string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	msgs, err := s.db.RecentMessages(userID, limit)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	entries := make([]HistoryEntry, len(msgs))
	for i, m := range msgs {
		entries[i] = HistoryEntry{
			Role: m.Role,
			Text: fmt.Sprintf("[%s] %s", s.FormatTime(m.Timestamp), m.Text),
		}
	}
	return entries, nil
}

// FormatTime renders t in the shop's timezone the way history entries and
// prompts display it.
func (s *Store) FormatTime(t time.Time) string {
	return t.In(s.loc).Format("02/01/2006, 15:04:05")
}

// Location returns the shop timezone used for rendering and business-hours
// decisions.
func (s *Store) Location() *time.Location {
	return s.loc
}
