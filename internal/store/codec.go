package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// encodeRecord marshals a record to JSON and seals it when a cipher is
// configured.
func encodeRecord(c *Cipher, record *TokenRecord) ([]byte, error) {
	if record.Version == 0 {
		record.Version = RecordVersion
	}
	plain, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return plain, nil
	}
	return c.Encrypt(plain)
}

// decodeRecord reverses encodeRecord. Plain JSON payloads (encryption
// disabled, or records written before a key was configured) pass through
// regardless of cipher configuration. The migrated flag tells the backend
// to re-save the upgraded record.
func decodeRecord(c *Cipher, data []byte) (record *TokenRecord, migrated bool, err error) {
	payload := bytes.TrimSpace(data)
	if len(payload) == 0 {
		return nil, false, ErrTokenNotFound
	}
	if payload[0] != '{' {
		if c == nil {
			return nil, false, fmt.Errorf("%w: record is encrypted but no key is configured", ErrDecrypt)
		}
		if payload, err = c.Decrypt(payload); err != nil {
			return nil, false, err
		}
	}
	payload, migrated, err = migrateRecord(payload)
	if err != nil {
		return nil, false, err
	}
	record = &TokenRecord{}
	if err = json.Unmarshal(payload, record); err != nil {
		return nil, false, fmt.Errorf("store: undecodable token record: %w", err)
	}
	return record, migrated, nil
}

// migrateRecord upgrades version-1 payloads in place: version becomes 2,
// the legacy float unix "expiry" becomes expires_at, and obtained_at is
// derived from the legacy "created" field when present.
func migrateRecord(payload []byte) ([]byte, bool, error) {
	if gjson.GetBytes(payload, "version").Int() >= RecordVersion {
		return payload, false, nil
	}
	var err error
	if expiry := gjson.GetBytes(payload, "expiry"); expiry.Exists() {
		at := time.Unix(int64(expiry.Float()), 0).UTC()
		if payload, err = sjson.SetBytes(payload, "expires_at", at.Format(time.RFC3339)); err != nil {
			return nil, false, err
		}
		if payload, err = sjson.DeleteBytes(payload, "expiry"); err != nil {
			return nil, false, err
		}
	}
	if !gjson.GetBytes(payload, "obtained_at").Exists() {
		obtained := time.Now().UTC()
		if created := gjson.GetBytes(payload, "created"); created.Exists() {
			if created.Type == gjson.Number {
				obtained = time.Unix(int64(created.Float()), 0).UTC()
			} else if ts, errParse := time.Parse(time.RFC3339, created.String()); errParse == nil {
				obtained = ts
			}
		}
		if payload, err = sjson.SetBytes(payload, "obtained_at", obtained.Format(time.RFC3339)); err != nil {
			return nil, false, err
		}
	}
	if payload, err = sjson.SetBytes(payload, "version", RecordVersion); err != nil {
		return nil, false, err
	}
	return payload, true, nil
}
