package service

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/skybridge-home/alexahub/internal/config"
	"github.com/skybridge-home/alexahub/internal/lwa"
	"github.com/skybridge-home/alexahub/internal/reauth"
	"github.com/skybridge-home/alexahub/internal/registry"
	"github.com/skybridge-home/alexahub/internal/store"
)

type memStore struct {
	mu      sync.Mutex
	records map[string]*store.TokenRecord
	entries []byte
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*store.TokenRecord)}
}

func (m *memStore) Save(_ context.Context, record *store.TokenRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.EntryID] = record.Clone()
	return nil
}

func (m *memStore) Load(_ context.Context, entryID string) (*store.TokenRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[entryID]
	if !ok {
		return nil, store.ErrTokenNotFound
	}
	return record.Clone(), nil
}

func (m *memStore) Delete(_ context.Context, entryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, entryID)
	return nil
}

func (m *memStore) List(_ context.Context) ([]*store.TokenRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.TokenRecord, 0, len(m.records))
	for _, record := range m.records {
		out = append(out, record.Clone())
	}
	return out, nil
}

func (m *memStore) SaveEntries(_ context.Context, doc []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append([]byte(nil), doc...)
	return nil
}

func (m *memStore) LoadEntries(context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries, nil
}

func newTestService(t *testing.T) (*Service, *memStore) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.AuthDir = t.TempDir()
	cfg.ScenesFile = filepath.Join(cfg.AuthDir, "scenes.toml")
	ms := newMemStore()
	svc, err := New(cfg, "", ms, "test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc, ms
}

func testToken() *lwa.TokenResponse {
	return &lwa.TokenResponse{
		AccessToken:  "Atza|test-access",
		RefreshToken: "Atzr|test-refresh",
		TokenType:    "bearer",
		ExpiresIn:    3600,
		Scope:        lwa.DefaultScope,
	}
}

func TestCompleteLinkCreatesEntryAndSession(t *testing.T) {
	svc, ms := newTestService(t)
	ctx := context.Background()

	entryID, err := svc.CompleteLink(ctx,
		registry.ClientIDPrefix+strings.Repeat("a", 32), strings.Repeat("s", 64),
		lwa.RegionNA, lwa.DefaultScope, testToken())
	if err != nil {
		t.Fatalf("CompleteLink: %v", err)
	}

	entry, ok := svc.Registry().Get(entryID)
	if !ok {
		t.Fatal("entry not registered")
	}
	if entry.State != registry.StateLoaded {
		t.Errorf("entry state = %q, want loaded", entry.State)
	}
	if _, err = ms.Load(ctx, entryID); err != nil {
		t.Errorf("token record not persisted: %v", err)
	}
	access, err := svc.Manager().GetAccessToken(ctx, entryID)
	if err != nil || access != "Atza|test-access" {
		t.Errorf("GetAccessToken = %q, %v", access, err)
	}
	// The device coordinator is live for the new entry.
	if _, err = svc.Devices(entryID); err != nil {
		t.Errorf("device backend not attached: %v", err)
	}
	svc.shutdown()
}

func TestCompleteLinkRejectsDuplicates(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	clientID := registry.ClientIDPrefix + strings.Repeat("a", 32)
	secret := strings.Repeat("s", 64)

	if _, err := svc.CompleteLink(ctx, clientID, secret, lwa.RegionNA, lwa.DefaultScope, testToken()); err != nil {
		t.Fatalf("first link: %v", err)
	}
	if _, err := svc.CompleteLink(ctx, clientID, secret, lwa.RegionNA, lwa.DefaultScope, testToken()); err != registry.ErrAlreadyConfigured {
		t.Errorf("second link err = %v, want ErrAlreadyConfigured", err)
	}
	svc.shutdown()
}

func TestAttachEntryWithoutTokenFlagsReauth(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	entry := &registry.LinkEntry{
		ClientID:     registry.ClientIDPrefix + strings.Repeat("b", 32),
		ClientSecret: strings.Repeat("s", 64),
		Region:       lwa.RegionEU,
		Scope:        lwa.DefaultScope,
	}
	if err := svc.Registry().Add(ctx, entry); err != nil {
		t.Fatalf("Add: %v", err)
	}

	svc.AttachEntry(ctx, entry)

	got, _ := svc.Registry().Get(entry.ID)
	if got.State != registry.StateReauthRequired {
		t.Errorf("state = %q, want reauth_required", got.State)
	}
	if _, err := svc.Devices(entry.ID); err == nil {
		t.Error("no coordinator should run for an unlinked entry")
	}
}

func TestAttachEntryStaleRecordFlagsReauth(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*store.TokenRecord)
		wantReason string
	}{
		{
			name:       "refresh token past the age limit",
			mutate:     func(r *store.TokenRecord) { r.ObtainedAt = time.Now().Add(-61 * 24 * time.Hour) },
			wantReason: reauth.ReasonRefreshTokenExpired,
		},
		{
			name:       "scope diverged from the entry",
			mutate:     func(r *store.TokenRecord) { r.Scope = "profile" },
			wantReason: reauth.ReasonScopeChanged,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, ms := newTestService(t)
			ctx := context.Background()
			entry := &registry.LinkEntry{
				ClientID:     registry.ClientIDPrefix + strings.Repeat("d", 32),
				ClientSecret: strings.Repeat("s", 64),
				Region:       lwa.RegionNA,
				Scope:        lwa.DefaultScope,
			}
			if err := svc.Registry().Add(ctx, entry); err != nil {
				t.Fatalf("Add: %v", err)
			}
			record := &store.TokenRecord{
				EntryID:      entry.ID,
				AccessToken:  "Atza|stale",
				RefreshToken: "Atzr|stale",
				TokenType:    "bearer",
				Scope:        lwa.DefaultScope,
				Region:       lwa.RegionNA,
				ExpiresAt:    time.Now().Add(time.Hour),
				ObtainedAt:   time.Now().Add(-24 * time.Hour),
			}
			tt.mutate(record)
			if err := ms.Save(ctx, record); err != nil {
				t.Fatalf("seed record: %v", err)
			}
			if err := svc.Manager().Load(ctx); err != nil {
				t.Fatalf("manager load: %v", err)
			}

			svc.AttachEntry(ctx, entry)

			got, _ := svc.Registry().Get(entry.ID)
			if got.State != registry.StateReauthRequired {
				t.Errorf("state = %q, want reauth_required", got.State)
			}
			if got.ReauthReason != tt.wantReason {
				t.Errorf("reauth reason = %q, want %q", got.ReauthReason, tt.wantReason)
			}
			// The record is stale, not gone: relinking replaces it later.
			if _, err := ms.Load(ctx, entry.ID); err != nil {
				t.Errorf("record destroyed at attach: %v", err)
			}
			if _, err := svc.Devices(entry.ID); err == nil {
				t.Error("no coordinator should run for a stale entry")
			}
		})
	}
}

func TestDetachEntryStopsEverything(t *testing.T) {
	svc, ms := newTestService(t)
	ctx := context.Background()
	entryID, err := svc.CompleteLink(ctx,
		registry.ClientIDPrefix+strings.Repeat("c", 32), strings.Repeat("s", 64),
		lwa.RegionNA, lwa.DefaultScope, testToken())
	if err != nil {
		t.Fatalf("CompleteLink: %v", err)
	}

	if err = svc.DetachEntry(ctx, entryID); err != nil {
		t.Fatalf("DetachEntry: %v", err)
	}
	if _, ok := svc.Registry().Get(entryID); ok {
		t.Error("entry survived detach")
	}
	if _, err = ms.Load(ctx, entryID); err != store.ErrTokenNotFound {
		t.Errorf("record after detach: %v", err)
	}
	if _, err = svc.Devices(entryID); err == nil {
		t.Error("coordinator survived detach")
	}
}

func TestReloadAppliesTunables(t *testing.T) {
	svc, _ := newTestService(t)
	updated := config.DefaultConfig()
	updated.LogLevel = "debug"
	updated.Refresh.IntervalSeconds = 30
	updated.Refresh.BufferSeconds = 120
	updated.Devices.PollIntervalMinutes = 1

	svc.Reload(updated)

	if svc.cfg.Refresh.BufferSeconds != 120 {
		t.Errorf("buffer not applied: %d", svc.cfg.Refresh.BufferSeconds)
	}
	if svc.cfg.Devices.PollIntervalMinutes != 1 {
		t.Errorf("poll interval not applied: %d", svc.cfg.Devices.PollIntervalMinutes)
	}
	if svc.Manager() == nil {
		t.Fatal("manager gone after reload")
	}
}
