package budget

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists ledger entries in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the ledger database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create budget directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open budget database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Debug().Str("path", path).Msg("Budget ledger opened")
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS budget_entries (
			id TEXT PRIMARY KEY,
			timestamp INTEGER NOT NULL,
			provider TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			conversation_id TEXT NOT NULL DEFAULT '',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL,
			estimated INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_budget_entries_time
		ON budget_entries(timestamp);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Append implements Persistence.
func (s *SQLiteStore) Append(e Entry) error {
	estimated := 0
	if e.Estimated {
		estimated = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO budget_entries
			(id, timestamp, provider, model, conversation_id, input_tokens, output_tokens, cost_usd, estimated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp.UnixMilli(), e.Provider, e.Model, e.ConversationID,
		e.InputTokens, e.OutputTokens, e.CostUSD, estimated)
	if err != nil {
		return fmt.Errorf("insert budget entry: %w", err)
	}
	return nil
}

// LoadSince implements Persistence.
func (s *SQLiteStore) LoadSince(since time.Time) ([]Entry, error) {
	rows, err := s.db.Query(`
		SELECT id, timestamp, provider, model, conversation_id, input_tokens, output_tokens, cost_usd, estimated
		FROM budget_entries
		WHERE timestamp >= ?
		ORDER BY timestamp, id`, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query budget entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e         Entry
			ts        int64
			estimated int
		)
		if err := rows.Scan(&e.ID, &ts, &e.Provider, &e.Model, &e.ConversationID,
			&e.InputTokens, &e.OutputTokens, &e.CostUSD, &estimated); err != nil {
			return nil, fmt.Errorf("scan budget entry: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts).UTC()
		e.Estimated = estimated != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
