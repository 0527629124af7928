package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Roles a message_history row may carry.
const (
	RoleUser  = "user"
	RoleModel = "model"
	RoleStaff = "staff"
)

// ClientRow is the persisted per-client profile record.
type ClientRow struct {
	UserID      string
	Name        string
	Address     string
	Preferences string
	LastUpdated time.Time
}

// Message is one row of a client's conversation history.
type Message struct {
	ID        int64
	UserID    string
	Role      string
	Text      string
	Timestamp time.Time
}

// LogEntry is one audit-trail row recording a profile mutation or staff action.
type LogEntry struct {
	ID        string
	UserID    string
	Log       string
	Type      string
	Timestamp time.Time
}
