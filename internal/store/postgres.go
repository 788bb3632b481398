package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConfig configures the Postgres backend.
type PostgresConfig struct {
	// DSN is the pgx connection string.
	DSN string
	// Schema hosts the alexahub tables. Default public.
	Schema string
}

// PostgresStore persists records in Postgres. One row per entry plus a
// singleton registry row.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
	cipher *Cipher
}

// NewPostgresStore connects and ensures the schema exists.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig, cipher *Cipher) (*PostgresStore, error) {
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: failed to connect to postgres: %w", err)
	}
	s := &PostgresStore{pool: pool, schema: schema, cipher: cipher}
	if err = s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) table(name string) string {
	return fmt.Sprintf("%q.%q", s.schema, name)
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %q", s.schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			entry_id   text PRIMARY KEY,
			record     bytea NOT NULL,
			updated_at timestamptz NOT NULL DEFAULT now()
		)`, s.table("alexahub_tokens")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id         int PRIMARY KEY CHECK (id = 1),
			doc        bytea NOT NULL,
			updated_at timestamptz NOT NULL DEFAULT now()
		)`, s.table("alexahub_registry")),
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: failed to ensure postgres schema: %w", err)
		}
	}
	return nil
}

// Save implements TokenStore.
func (s *PostgresStore) Save(ctx context.Context, record *TokenRecord) error {
	if record == nil || record.EntryID == "" {
		return fmt.Errorf("store: record requires an entry id")
	}
	data, err := encodeRecord(s.cipher, record)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (entry_id, record, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (entry_id) DO UPDATE SET record = EXCLUDED.record, updated_at = now()`,
		s.table("alexahub_tokens")), record.EntryID, data)
	return err
}

// Load implements TokenStore.
func (s *PostgresStore) Load(ctx context.Context, entryID string) (*TokenRecord, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, fmt.Sprintf(
		"SELECT record FROM %s WHERE entry_id = $1", s.table("alexahub_tokens")), entryID).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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
func (s *PostgresStore) Delete(ctx context.Context, entryID string) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(
		"DELETE FROM %s WHERE entry_id = $1", s.table("alexahub_tokens")), entryID)
	return err
}

// List implements TokenStore.
func (s *PostgresStore) List(ctx context.Context) ([]*TokenRecord, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		"SELECT entry_id, record FROM %s ORDER BY entry_id", s.table("alexahub_tokens")))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

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

// SaveEntries implements EntriesPersister.
func (s *PostgresStore) SaveEntries(ctx context.Context, doc []byte) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, doc, updated_at) VALUES (1, $1, now())
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()`,
		s.table("alexahub_registry")), doc)
	return err
}

// LoadEntries implements EntriesPersister.
func (s *PostgresStore) LoadEntries(ctx context.Context) ([]byte, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, fmt.Sprintf(
		"SELECT doc FROM %s WHERE id = 1", s.table("alexahub_registry"))).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return doc, nil
}
