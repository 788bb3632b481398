package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists records in a single SQLite database and additionally
// keeps a refresh/reauth audit trail, exposed through the entries history
// endpoint.
type SQLiteStore struct {
	db     *sql.DB
	cipher *Cipher
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(ctx context.Context, path string, cipher *Cipher) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("store: failed to create sqlite dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open sqlite database: %w", err)
	}
	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent refreshes.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db, cipher: cipher}
	if err = s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS tokens (
			entry_id   TEXT PRIMARY KEY,
			record     BLOB NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS refresh_history (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			entry_id   TEXT NOT NULL,
			event      TEXT NOT NULL,
			detail     TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS refresh_history_entry ON refresh_history(entry_id, id)`,
		`CREATE TABLE IF NOT EXISTS registry (
			id  INTEGER PRIMARY KEY CHECK (id = 1),
			doc BLOB NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: failed to ensure sqlite schema: %w", err)
		}
	}
	return nil
}

// Save implements TokenStore.
func (s *SQLiteStore) Save(ctx context.Context, record *TokenRecord) error {
	if record == nil || record.EntryID == "" {
		return fmt.Errorf("store: record requires an entry id")
	}
	data, err := encodeRecord(s.cipher, record)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tokens (entry_id, record, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (entry_id) DO UPDATE SET record = excluded.record, updated_at = excluded.updated_at`,
		record.EntryID, data, time.Now().UTC().Format(time.RFC3339))
	return err
}

// Load implements TokenStore.
func (s *SQLiteStore) Load(ctx context.Context, entryID string) (*TokenRecord, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT record FROM tokens WHERE entry_id = ?", entryID).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	record, migrated, err := decodeRecord(s.cipher, data)
	if err != nil {
		return nil, err
	}
	if migrated {
		_ = s.Save(ctx, record)
	}
	return record, nil
}

// Delete implements TokenStore.
func (s *SQLiteStore) Delete(ctx context.Context, entryID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM tokens WHERE entry_id = ?", entryID)
	return err
}

// List implements TokenStore.
func (s *SQLiteStore) List(ctx context.Context) ([]*TokenRecord, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT entry_id, record FROM tokens ORDER BY entry_id")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []*TokenRecord
	for rows.Next() {
		var entryID string
		var data []byte
		if err = rows.Scan(&entryID, &data); err != nil {
			return nil, err
		}
		record, _, errDecode := decodeRecord(s.cipher, data)
		if errDecode != nil {
			return nil, fmt.Errorf("store: record %s: %w", entryID, errDecode)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// AppendHistory implements HistoryStore.
func (s *SQLiteStore) AppendHistory(ctx context.Context, entryID, event, detail string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO refresh_history (entry_id, event, detail, created_at) VALUES (?, ?, ?, ?)",
		entryID, event, detail, time.Now().UTC().Format(time.RFC3339))
	return err
}

// History implements HistoryStore, newest rows first.
func (s *SQLiteStore) History(ctx context.Context, entryID string, limit int) ([]HistoryRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entry_id, event, COALESCE(detail, ''), created_at
		FROM refresh_history WHERE entry_id = ? ORDER BY id DESC LIMIT ?`, entryID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []HistoryRow
	for rows.Next() {
		var row HistoryRow
		var createdAt string
		if err = rows.Scan(&row.ID, &row.EntryID, &row.Event, &row.Detail, &createdAt); err != nil {
			return nil, err
		}
		row.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, row)
	}
	return out, rows.Err()
}

// SaveEntries implements EntriesPersister.
func (s *SQLiteStore) SaveEntries(ctx context.Context, doc []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO registry (id, doc) VALUES (1, ?)
		ON CONFLICT (id) DO UPDATE SET doc = excluded.doc`, doc)
	return err
}

// LoadEntries implements EntriesPersister.
func (s *SQLiteStore) LoadEntries(ctx context.Context) ([]byte, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, "SELECT doc FROM registry WHERE id = 1").Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return doc, nil
}
