package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

const (
	tokensSubdir    = "tokens"
	entriesFileName = "entries.json"
)

// FileTokenStore keeps one JSON file per entry under {baseDir}/tokens and
// the registry sidecar at {baseDir}/entries.json. It is the default backend.
type FileTokenStore struct {
	baseDir string
	cipher  *Cipher
}

// NewFileTokenStore creates a file-backed store rooted at baseDir.
func NewFileTokenStore(baseDir string, cipher *Cipher) *FileTokenStore {
	return &FileTokenStore{baseDir: baseDir, cipher: cipher}
}

// BaseDir returns the store root.
func (s *FileTokenStore) BaseDir() string {
	return s.baseDir
}

// SetBaseDir re-roots the store. Used by tests and the git backend.
func (s *FileTokenStore) SetBaseDir(dir string) {
	s.baseDir = dir
}

func (s *FileTokenStore) recordPath(entryID string) string {
	return filepath.Join(s.baseDir, tokensSubdir, entryID+".json")
}

// Save implements TokenStore.
func (s *FileTokenStore) Save(ctx context.Context, record *TokenRecord) error {
	if record == nil || record.EntryID == "" {
		return fmt.Errorf("store: record requires an entry id")
	}
	data, err := encodeRecord(s.cipher, record)
	if err != nil {
		return err
	}
	path := s.recordPath(record.EntryID)
	if err = os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("store: failed to create token dir: %w", err)
	}
	// Write-then-rename so a crash never leaves a half-written record.
	tmp := path + ".tmp"
	if err = os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load implements TokenStore, migrating version-1 records on read.
func (s *FileTokenStore) Load(ctx context.Context, entryID string) (*TokenRecord, error) {
	data, err := os.ReadFile(s.recordPath(entryID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	record, migrated, err := decodeRecord(s.cipher, data)
	if err != nil {
		return nil, err
	}
	if record.EntryID == "" {
		record.EntryID = entryID
	}
	if migrated {
		log.Infof("migrated token record %s to schema version %d", entryID, RecordVersion)
		if errSave := s.Save(ctx, record); errSave != nil {
			log.WithError(errSave).Warnf("failed to persist migrated record %s", entryID)
		}
	}
	return record, nil
}

// Delete implements TokenStore. Missing records are not an error.
func (s *FileTokenStore) Delete(ctx context.Context, entryID string) error {
	err := os.Remove(s.recordPath(entryID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List implements TokenStore.
func (s *FileTokenStore) List(ctx context.Context) ([]*TokenRecord, error) {
	dir := filepath.Join(s.baseDir, tokensSubdir)
	items, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var records []*TokenRecord
	for _, item := range items {
		name := item.Name()
		if item.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".tmp") {
			continue
		}
		entryID := strings.TrimSuffix(name, ".json")
		record, errLoad := s.Load(ctx, entryID)
		if errLoad != nil {
			log.WithError(errLoad).Warnf("skipping unreadable token record %s", name)
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// SaveEntries implements EntriesPersister.
func (s *FileTokenStore) SaveEntries(ctx context.Context, doc []byte) error {
	if err := os.MkdirAll(s.baseDir, 0o700); err != nil {
		return err
	}
	path := filepath.Join(s.baseDir, entriesFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, doc, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadEntries implements EntriesPersister.
func (s *FileTokenStore) LoadEntries(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.baseDir, entriesFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}
