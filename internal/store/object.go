package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	objectTokenPrefix = "tokens/"
	objectEntriesKey  = "registry/entries.json"
)

// ObjectStoreConfig configures the S3-compatible object backend.
type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// ObjectTokenStore keeps one object per entry under tokens/{entry_id}.json
// in an S3-compatible bucket.
type ObjectTokenStore struct {
	client *minio.Client
	bucket string
	cipher *Cipher
}

// NewObjectTokenStore connects to the object store and ensures the bucket
// exists.
func NewObjectTokenStore(ctx context.Context, cfg ObjectStoreConfig, cipher *Cipher) (*ObjectTokenStore, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("store: object store bucket is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("store: failed to initialize object store client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("store: failed to check bucket %q: %w", cfg.Bucket, err)
	}
	if !exists {
		if err = client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("store: failed to create bucket %q: %w", cfg.Bucket, err)
		}
	}
	return &ObjectTokenStore{client: client, bucket: cfg.Bucket, cipher: cipher}, nil
}

func objectKey(entryID string) string {
	return objectTokenPrefix + entryID + ".json"
}

// Save implements TokenStore.
func (s *ObjectTokenStore) Save(ctx context.Context, record *TokenRecord) error {
	if record == nil || record.EntryID == "" {
		return fmt.Errorf("store: record requires an entry id")
	}
	data, err := encodeRecord(s.cipher, record)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, s.bucket, objectKey(record.EntryID),
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	return err
}

// Load implements TokenStore.
func (s *ObjectTokenStore) Load(ctx context.Context, entryID string) (*TokenRecord, error) {
	data, err := s.getObject(ctx, objectKey(entryID))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, ErrTokenNotFound
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
func (s *ObjectTokenStore) Delete(ctx context.Context, entryID string) error {
	err := s.client.RemoveObject(ctx, s.bucket, objectKey(entryID), minio.RemoveObjectOptions{})
	if err != nil && minio.ToErrorResponse(err).Code != "NoSuchKey" {
		return err
	}
	return nil
}

// List implements TokenStore.
func (s *ObjectTokenStore) List(ctx context.Context) ([]*TokenRecord, error) {
	var records []*TokenRecord
	for info := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    objectTokenPrefix,
		Recursive: true,
	}) {
		if info.Err != nil {
			return nil, info.Err
		}
		if !strings.HasSuffix(info.Key, ".json") {
			continue
		}
		entryID := strings.TrimSuffix(path.Base(info.Key), ".json")
		record, err := s.Load(ctx, entryID)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// SaveEntries implements EntriesPersister.
func (s *ObjectTokenStore) SaveEntries(ctx context.Context, doc []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, objectEntriesKey,
		bytes.NewReader(doc), int64(len(doc)),
		minio.PutObjectOptions{ContentType: "application/json"})
	return err
}

// LoadEntries implements EntriesPersister.
func (s *ObjectTokenStore) LoadEntries(ctx context.Context) ([]byte, error) {
	return s.getObject(ctx, objectEntriesKey)
}

// getObject reads one object fully, mapping a missing key to (nil, nil).
func (s *ObjectTokenStore) getObject(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = obj.Close() }()
	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}
