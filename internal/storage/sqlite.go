package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for clients, message history,
// and audit logs.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "atende.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Clients ---

// GetClient reads the profile row for userID. Returns ErrNotFound when the
// client has never been saved.
func (s *Store) GetClient(userID string) (ClientRow, error) {
	var c ClientRow
	var name, address, preferences sql.NullString
	var lastUpdated int64
	err := s.db.QueryRow(`
		SELECT user_id, name, address, preferences, last_updated
		FROM clients WHERE user_id = ?`, userID,
	).Scan(&c.UserID, &name, &address, &preferences, &lastUpdated)
	if err == sql.ErrNoRows {
		return ClientRow{}, ErrNotFound
	}
	if err != nil {
		return ClientRow{}, err
	}
	c.Name = name.String
	c.Address = address.String
	c.Preferences = preferences.String
	c.LastUpdated = time.UnixMilli(lastUpdated)
	return c, nil
}

// UpsertClient writes the whole profile row, replacing any existing record
// for the same user id.
func (s *Store) UpsertClient(c ClientRow) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO clients (user_id, name, address, preferences, last_updated)
		VALUES (?, ?, ?, ?, ?)`,
		c.UserID, nullable(c.Name), nullable(c.Address), nullable(c.Preferences),
		c.LastUpdated.UnixMilli(),
	)
	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// --- Message history ---

// AppendMessage inserts one history row.
func (s *Store) AppendMessage(m Message) error {
	_, err := s.db.Exec(`
		INSERT INTO message_history (user_id, role, text, timestamp)
		VALUES (?, ?, ?, ?)`,
		m.UserID, m.Role, m.Text, m.Timestamp.UnixMilli(),
	)
	return err
}

// RecentMessages returns the most recent limit history rows for userID in
// ascending (chronological) order, regardless of insertion order.
func (s *Store) RecentMessages(userID string, limit int) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, role, text, timestamp FROM message_history
		WHERE user_id = ?
		ORDER BY timestamp DESC
		LIMIT ?`, userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var ts int64
		if err := rows.Scan(&m.ID, &m.UserID, &m.Role, &m.Text, &ts); err != nil {
			return nil, err
		}
		m.Timestamp = time.UnixMilli(ts)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// The query selects newest-first; reverse into chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// --- Audit logs ---

// InsertLog writes one audit log row.
func (s *Store) InsertLog(l LogEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO logs (id, user_id, log, type, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		l.ID, l.UserID, l.Log, l.Type, l.Timestamp.UnixMilli(),
	)
	return err
}

// ListLogs returns audit logs for userID, newest first.
func (s *Store) ListLogs(userID string, limit int) ([]LogEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, log, type, timestamp FROM logs
		WHERE user_id = ?
		ORDER BY timestamp DESC
		LIMIT ?`, userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []LogEntry
	for rows.Next() {
		var l LogEntry
		var userID sql.NullString
		var ts int64
		if err := rows.Scan(&l.ID, &userID, &l.Log, &l.Type, &ts); err != nil {
			return nil, err
		}
		l.UserID = userID.String
		l.Timestamp = time.UnixMilli(ts)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// RecentLogs returns the newest audit logs across all clients.
func (s *Store) RecentLogs(limit int) ([]LogEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, log, type, timestamp FROM logs
		ORDER BY timestamp DESC
		LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []LogEntry
	for rows.Next() {
		var l LogEntry
		var userID sql.NullString
		var ts int64
		if err := rows.Scan(&l.ID, &userID, &l.Log, &l.Type, &ts); err != nil {
			return nil, err
		}
		l.UserID = userID.String
		l.Timestamp = time.UnixMilli(ts)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
