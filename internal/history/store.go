package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	// Registers the sqlite3 driver.
	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultLimit = 50
	maxLimit     = 200

	// writeTimeout bounds a single insert so a locked database cannot
	// stall the publish path.
	writeTimeout = 5 * time.Second
)

// schema is created on open; the store manages its own table.
const schema = `
CREATE TABLE IF NOT EXISTS state_history (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_id  TEXT NOT NULL,
	attrs      TEXT NOT NULL,
	source     TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_state_history_entity
	ON state_history (entity_id, created_at);
`

// Entry is one recorded state change.
type Entry struct {
	ID        int64             `json:"id"`
	EntityID  string            `json:"entity_id"`
	Attrs     map[string]string `json:"attrs"`
	Source    string            `json:"source"`
	CreatedAt time.Time         `json:"created_at"`
}

// Store records entity state changes in a SQLite database.
// Safe for concurrent use; database/sql serialises access.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the history database at path.
// busyTimeout is the SQLite busy timeout in milliseconds.
func Open(path string, busyTimeout int) (*Store, error) {
	if busyTimeout <= 0 {
		busyTimeout = 5000
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL", path, busyTimeout)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating history schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordStateChange inserts one state change row.
//
// attrs holds only the attributes that were actually published; source
// names the origin ("bus" for decoded status frames).
func (s *Store) RecordStateChange(entityID string, attrs map[string]string, source string) error {
	if entityID == "" {
		return fmt.Errorf("entity id is required")
	}
	if source == "" {
		source = "bus"
	}
	if attrs == nil {
		attrs = map[string]string{}
	}

	attrsJSON, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("marshalling attrs: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO state_history (entity_id, attrs, source, created_at) VALUES (?, ?, ?, ?)",
		entityID,
		string(attrsJSON),
		source,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting state history: %w", err)
	}

	return nil
}

// GetHistory returns recent entries for an entity, newest first.
// limit defaults to 50 and is capped at 200.
func (s *Store) GetHistory(ctx context.Context, entityID string, limit int) ([]Entry, error) {
	if entityID == "" {
		return nil, fmt.Errorf("entity id is required")
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entity_id, attrs, source, created_at
		 FROM state_history
		 WHERE entity_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		entityID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying state history: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var entry Entry
		var attrsJSON, createdAt string

		if err := rows.Scan(&entry.ID, &entry.EntityID, &attrsJSON, &entry.Source, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning state history: %w", err)
		}
		if err := json.Unmarshal([]byte(attrsJSON), &entry.Attrs); err != nil {
			return nil, fmt.Errorf("unmarshalling attrs: %w", err)
		}

		entry.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating state history: %w", err)
	}

	return entries, nil
}

// Prune deletes entries older than the given duration and returns the
// number of rows removed.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}

	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339)
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM state_history WHERE created_at < ?",
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting state history: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}

	return rowsAffected, nil
}
