package store

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Environment variables selecting and configuring the backend.
const (
	EnvAuthDir        = "ALEXAHUB_AUTH_DIR"
	EnvPGDSN          = "ALEXAHUB_PG_DSN"
	EnvPGSchema       = "ALEXAHUB_PG_SCHEMA"
	EnvSQLitePath     = "ALEXAHUB_SQLITE_PATH"
	EnvObjectEndpoint = "ALEXAHUB_OBJECT_ENDPOINT"
	EnvObjectBucket   = "ALEXAHUB_OBJECT_BUCKET"
	EnvObjectAccess   = "ALEXAHUB_OBJECT_ACCESS_KEY"
	EnvObjectSecret   = "ALEXAHUB_OBJECT_SECRET_KEY"
	EnvObjectUseSSL   = "ALEXAHUB_OBJECT_USE_SSL"
	EnvGitURL         = "ALEXAHUB_GIT_URL"
	EnvGitUsername    = "ALEXAHUB_GIT_USERNAME"
	EnvGitPassword    = "ALEXAHUB_GIT_PASSWORD"
)

func lookupEnv(keys ...string) (string, bool) {
	for _, key := range keys {
		if value, ok := os.LookupEnv(key); ok {
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				return trimmed, true
			}
		}
	}
	return "", false
}

// FromEnvironment builds the token store backend named by the environment:
// Postgres when ALEXAHUB_PG_DSN is set, then SQLite, object store, git, and
// finally the local file backend under authDir. The returned string names
// the chosen backend for startup logging.
func FromEnvironment(ctx context.Context, authDir string) (TokenStore, string, error) {
	cipher, err := CipherFromEnvironment(authDir)
	if err != nil {
		return nil, "", err
	}
	if cipher == nil {
		log.Warn("no encryption key configured; token records will be stored unencrypted")
	}

	if dsn, ok := lookupEnv(EnvPGDSN, strings.ToLower(EnvPGDSN)); ok {
		schema, _ := lookupEnv(EnvPGSchema, strings.ToLower(EnvPGSchema))
		s, errPG := NewPostgresStore(ctx, PostgresConfig{DSN: dsn, Schema: schema}, cipher)
		return s, "postgres", errPG
	}

	if path, ok := lookupEnv(EnvSQLitePath, strings.ToLower(EnvSQLitePath)); ok {
		s, errSQL := NewSQLiteStore(ctx, path, cipher)
		return s, "sqlite", errSQL
	}

	if endpoint, ok := lookupEnv(EnvObjectEndpoint, strings.ToLower(EnvObjectEndpoint)); ok {
		cfg, errObj := objectConfigFromEnv(endpoint)
		if errObj != nil {
			return nil, "", errObj
		}
		s, errStore := NewObjectTokenStore(ctx, cfg, cipher)
		return s, "object", errStore
	}

	if remote, ok := lookupEnv(EnvGitURL, strings.ToLower(EnvGitURL)); ok {
		username, _ := lookupEnv(EnvGitUsername, strings.ToLower(EnvGitUsername))
		password, _ := lookupEnv(EnvGitPassword, strings.ToLower(EnvGitPassword))
		s, errGit := NewGitTokenStore(ctx, GitStoreConfig{
			RemoteURL: remote,
			Username:  username,
			Password:  password,
			LocalPath: filepath.Join(authDir, "gitstore"),
		}, cipher)
		return s, "git", errGit
	}

	return NewFileTokenStore(authDir, cipher), "file", nil
}

// objectConfigFromEnv resolves the object store settings, accepting both a
// bare host:port endpoint and a full http(s) URL (the scheme then decides
// TLS, overriding ALEXAHUB_OBJECT_USE_SSL).
func objectConfigFromEnv(endpoint string) (ObjectStoreConfig, error) {
	cfg := ObjectStoreConfig{UseSSL: true}
	if v, ok := lookupEnv(EnvObjectUseSSL, strings.ToLower(EnvObjectUseSSL)); ok {
		cfg.UseSSL = strings.EqualFold(v, "true") || v == "1"
	}
	if strings.Contains(endpoint, "://") {
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return cfg, fmt.Errorf("store: failed to parse object store endpoint %q: %w", endpoint, err)
		}
		switch strings.ToLower(parsed.Scheme) {
		case "http":
			cfg.UseSSL = false
		case "https":
			cfg.UseSSL = true
		default:
			return cfg, fmt.Errorf("store: unsupported object store scheme %q (only http and https are allowed)", parsed.Scheme)
		}
		if parsed.Host == "" {
			return cfg, fmt.Errorf("store: object store endpoint %q is missing host information", endpoint)
		}
		endpoint = parsed.Host
	}
	cfg.Endpoint = strings.TrimRight(endpoint, "/")
	cfg.Bucket, _ = lookupEnv(EnvObjectBucket, strings.ToLower(EnvObjectBucket))
	cfg.AccessKey, _ = lookupEnv(EnvObjectAccess, strings.ToLower(EnvObjectAccess))
	cfg.SecretKey, _ = lookupEnv(EnvObjectSecret, strings.ToLower(EnvObjectSecret))
	return cfg, nil
}
