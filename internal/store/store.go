// Package store persists encrypted token records and the linked-entries
// registry document. The backend is selected at startup: local files by
// default, or Postgres, SQLite, an S3-compatible object store, or a git
// repository when the matching ALEXAHUB_* environment is present. All
// backends share one AES-256-GCM record codec.
package store

import (
	"context"
	"errors"
	"time"
)

// RecordVersion is the current token record schema version. Version-1
// records are migrated on read.
const RecordVersion = 2

// Errors surfaced by every backend.
var (
	// ErrTokenNotFound reports a missing record. Distinct from ErrDecrypt:
	// a wrong key is not a missing token.
	ErrTokenNotFound = errors.New("store: token record not found")
	// ErrDecrypt reports ciphertext the configured key cannot open.
	ErrDecrypt = errors.New("store: unable to decrypt record")
)

// TokenRecord is one linked account's persisted token state.
type TokenRecord struct {
	EntryID      string `json:"entry_id"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope,omitempty"`
	Region       string `json:"region"`
	// ExpiresAt is computed at save time from the endpoint's expires_in.
	ExpiresAt time.Time `json:"expires_at"`
	// ObtainedAt is when the refresh token was first issued. It survives
	// refreshes; only a new link or reauth resets it.
	ObtainedAt      time.Time `json:"obtained_at"`
	LastRefreshedAt time.Time `json:"last_refreshed_at,omitempty"`
	Version         int       `json:"version"`
}

// Clone returns a deep copy.
func (r *TokenRecord) Clone() *TokenRecord {
	if r == nil {
		return nil
	}
	out := *r
	return &out
}

// TokenStore is the persistence contract shared by all backends.
type TokenStore interface {
	// Save persists the record, replacing any previous one for the entry.
	Save(ctx context.Context, record *TokenRecord) error
	// Load returns the record for entryID or ErrTokenNotFound.
	Load(ctx context.Context, entryID string) (*TokenRecord, error)
	// Delete removes the record. Deleting a missing record is not an error.
	Delete(ctx context.Context, entryID string) error
	// List returns all stored records.
	List(ctx context.Context) ([]*TokenRecord, error)
}

// EntriesPersister stores the serialized entries registry alongside the
// token records. Every backend implements it.
type EntriesPersister interface {
	SaveEntries(ctx context.Context, doc []byte) error
	// LoadEntries returns the stored registry document, or (nil, nil) when
	// none has been written yet.
	LoadEntries(ctx context.Context) ([]byte, error)
}

// HistoryRow is one refresh/reauth audit record.
type HistoryRow struct {
	ID        int64     `json:"id"`
	EntryID   string    `json:"entry_id"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// HistoryStore is implemented by backends that keep a refresh audit trail
// (currently SQLite). The session manager appends rows when the active
// backend supports it.
type HistoryStore interface {
	AppendHistory(ctx context.Context, entryID, event, detail string) error
	History(ctx context.Context, entryID string, limit int) ([]HistoryRow, error)
}
