package reauth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/skybridge-home/alexahub/internal/lwa"
	"github.com/skybridge-home/alexahub/internal/registry"
	"github.com/skybridge-home/alexahub/internal/session"
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

// scriptedAuthority fails every refresh with refreshErr and accepts probes
// only for probeRegion. A non-nil probeErr fails every probe with it.
type scriptedAuthority struct {
	mu          sync.Mutex
	refreshErr  error
	probeRegion string
	probeErr    error
	probes      []string
	refreshes   int
}

func (a *scriptedAuthority) Refresh(_ context.Context, _ *registry.LinkEntry, record *store.TokenRecord) (*store.TokenRecord, error) {
	a.mu.Lock()
	a.refreshes++
	err := a.refreshErr
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}
	updated := record.Clone()
	updated.AccessToken = "Atza|rotated"
	updated.ExpiresAt = time.Now().Add(time.Hour)
	return updated, nil
}

func (a *scriptedAuthority) Revoke(context.Context, *registry.LinkEntry, *store.TokenRecord) error {
	return nil
}

func (a *scriptedAuthority) ProbeRegion(_ context.Context, _ *registry.LinkEntry, record *store.TokenRecord, region string) (*store.TokenRecord, error) {
	a.mu.Lock()
	a.probes = append(a.probes, region)
	want := a.probeRegion
	probeErr := a.probeErr
	a.mu.Unlock()
	if probeErr != nil {
		return nil, probeErr
	}
	if region != want {
		return nil, fmt.Errorf("%w: unrecognized refresh token", lwa.ErrInvalidGrant)
	}
	updated := record.Clone()
	updated.Region = region
	updated.AccessToken = "Atza|relocated"
	updated.ExpiresAt = time.Now().Add(time.Hour)
	return updated, nil
}

func validCredentials() (string, string) {
	clientID := registry.ClientIDPrefix + strings.Repeat("a", 32)
	clientSecret := strings.Repeat("s", 64)
	return clientID, clientSecret
}

type fixture struct {
	store    *memStore
	auth     *scriptedAuthority
	registry *registry.Registry
	manager  *session.Manager
	decider  *Decider
	entryID  string
}

func newFixture(t *testing.T, auth *scriptedAuthority, tokenAge time.Duration) *fixture {
	t.Helper()
	ctx := context.Background()
	ms := newMemStore()
	reg := registry.New(ms, nil)
	clientID, clientSecret := validCredentials()
	entry := &registry.LinkEntry{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Region:       lwa.RegionNA,
		Scope:        lwa.DefaultScope,
		State:        registry.StateLoaded,
	}
	if err := reg.Add(ctx, entry); err != nil {
		t.Fatalf("registry add: %v", err)
	}

	now := time.Now().UTC()
	record := &store.TokenRecord{
		EntryID:      entry.ID,
		AccessToken:  "Atza|old",
		RefreshToken: "Atzr|old",
		TokenType:    "bearer",
		Scope:        lwa.DefaultScope,
		Region:       lwa.RegionNA,
		ExpiresAt:    now.Add(-time.Minute),
		ObtainedAt:   now.Add(-tokenAge),
		Version:      store.RecordVersion,
	}
	if err := ms.Save(ctx, record); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	manager := session.NewManager(ms, auth, session.WithRegistry(reg))
	if err := manager.Load(ctx); err != nil {
		t.Fatalf("manager load: %v", err)
	}
	decider := NewDecider(manager, reg, nil)
	decider.retryBase = time.Millisecond
	manager.SetReauthDispatcher(decider)

	return &fixture{
		store:    ms,
		auth:     auth,
		registry: reg,
		manager:  manager,
		decider:  decider,
		entryID:  entry.ID,
	}
}

func TestClassify(t *testing.T) {
	d := &Decider{}
	entry := &registry.LinkEntry{Scope: lwa.DefaultScope}
	fresh := &store.TokenRecord{
		RefreshToken: "Atzr|x",
		Scope:        lwa.DefaultScope,
		Region:       lwa.RegionNA,
		ObtainedAt:   time.Now().Add(-24 * time.Hour),
	}
	aged := fresh.Clone()
	aged.ObtainedAt = time.Now().Add(-61 * 24 * time.Hour)
	divergentScope := fresh.Clone()
	divergentScope.Scope = "profile"

	tests := []struct {
		name   string
		record *store.TokenRecord
		err    error
		want   string
	}{
		{
			name:   "aged token wins over wire error",
			record: aged,
			err:    lwa.ErrInvalidGrant,
			want:   ReasonRefreshTokenExpired,
		},
		{
			name:   "invalid client means rotated secret",
			record: fresh,
			err:    lwa.ErrInvalidClient,
			want:   ReasonSecretRotated,
		},
		{
			name:   "scope error",
			record: fresh,
			err:    lwa.ErrScope,
			want:   ReasonScopeChanged,
		},
		{
			name:   "invalid grant with scope divergence",
			record: divergentScope,
			err:    lwa.ErrInvalidGrant,
			want:   ReasonScopeChanged,
		},
		{
			name:   "bare invalid grant means the app was revoked",
			record: fresh,
			err:    lwa.ErrInvalidGrant,
			want:   ReasonAppRevoked,
		},
		{
			name:   "region hint in the error text",
			record: fresh,
			err:    fmt.Errorf("%w: account moved to another regional endpoint", lwa.ErrInvalidGrant),
			want:   ReasonRegionalChange,
		},
		{
			name:   "network failure is probed before anything is cleared",
			record: fresh,
			err:    fmt.Errorf("%w: dial tcp: i/o timeout", lwa.ErrNetwork),
			want:   ReasonRegionalChange,
		},
		{
			name:   "unclassifiable error defaults to expiry",
			record: fresh,
			err:    errors.New("something else"),
			want:   ReasonRefreshTokenExpired,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := d.Classify(entry, tt.record, tt.err); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNeedsReauth(t *testing.T) {
	entry := &registry.LinkEntry{Scope: lwa.DefaultScope}
	withRecord := func(mutate func(*store.TokenRecord)) *session.Session {
		record := &store.TokenRecord{
			RefreshToken: "Atzr|x",
			Scope:        lwa.DefaultScope,
			ObtainedAt:   time.Now().Add(-24 * time.Hour),
		}
		if mutate != nil {
			mutate(record)
		}
		return &session.Session{Record: record}
	}

	tests := []struct {
		name       string
		snap       *session.Session
		wantNeeded bool
		wantReason string
	}{
		{name: "healthy session", snap: withRecord(nil)},
		{
			name:       "no session at all",
			snap:       nil,
			wantNeeded: true,
			wantReason: ReasonRefreshTokenExpired,
		},
		{
			name:       "record without refresh token",
			snap:       withRecord(func(r *store.TokenRecord) { r.RefreshToken = "" }),
			wantNeeded: true,
			wantReason: ReasonRefreshTokenExpired,
		},
		{
			name:       "refresh token past the age limit",
			snap:       withRecord(func(r *store.TokenRecord) { r.ObtainedAt = time.Now().Add(-61 * 24 * time.Hour) }),
			wantNeeded: true,
			wantReason: ReasonRefreshTokenExpired,
		},
		{
			name:       "scope diverged from the entry",
			snap:       withRecord(func(r *store.TokenRecord) { r.Scope = "profile" }),
			wantNeeded: true,
			wantReason: ReasonScopeChanged,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			needed, reason := NeedsReauth(tt.snap, entry)
			if needed != tt.wantNeeded || reason != tt.wantReason {
				t.Errorf("NeedsReauth() = %v, %q, want %v, %q", needed, reason, tt.wantNeeded, tt.wantReason)
			}
		})
	}
}

func TestHandleRegionalChangeMigratesEntry(t *testing.T) {
	auth := &scriptedAuthority{
		refreshErr:  fmt.Errorf("%w: dial tcp: i/o timeout", lwa.ErrNetwork),
		probeRegion: lwa.RegionEU,
	}
	f := newFixture(t, auth, 24*time.Hour)
	ctx := context.Background()

	result := f.decider.Handle(ctx, f.entryID, auth.refreshErr)
	if !result.Success {
		t.Fatalf("expected recovery, got %+v", result)
	}
	if result.Reason != ReasonRegionalChange || result.NewRegion != lwa.RegionEU {
		t.Errorf("result = %+v", result)
	}

	entry, _ := f.registry.Get(f.entryID)
	if entry.Region != lwa.RegionEU {
		t.Errorf("entry region = %q, want %q", entry.Region, lwa.RegionEU)
	}
	if entry.State == registry.StateReauthRequired {
		t.Error("recovered entry must not be parked for reauth")
	}
	stored, err := f.store.Load(ctx, f.entryID)
	if err != nil {
		t.Fatalf("record gone after migration: %v", err)
	}
	if stored.Region != lwa.RegionEU || stored.AccessToken != "Atza|relocated" {
		t.Errorf("migrated record = %+v", stored)
	}
}

func TestHandleExhaustedProbesParksEntry(t *testing.T) {
	auth := &scriptedAuthority{
		refreshErr:  fmt.Errorf("%w: account moved to another regional endpoint", lwa.ErrInvalidGrant),
		probeRegion: "none",
	}
	f := newFixture(t, auth, 24*time.Hour)
	ctx := context.Background()

	result := f.decider.Handle(ctx, f.entryID, auth.refreshErr)
	if result.Success {
		t.Fatalf("expected failure, got %+v", result)
	}
	if result.Reason != ReasonAppRevoked {
		t.Errorf("reason = %q, want %q", result.Reason, ReasonAppRevoked)
	}

	entry, _ := f.registry.Get(f.entryID)
	if entry.State != registry.StateReauthRequired {
		t.Errorf("entry state = %q, want %q", entry.State, registry.StateReauthRequired)
	}
	if _, err := f.store.Load(ctx, f.entryID); !errors.Is(err, store.ErrTokenNotFound) {
		t.Errorf("record not cleared: %v", err)
	}
	// NA is the current region, so only EU and FE get probed.
	auth.mu.Lock()
	probes := append([]string(nil), auth.probes...)
	auth.mu.Unlock()
	for _, region := range probes {
		if region == lwa.RegionNA {
			t.Error("current region must not be probed")
		}
	}
	if len(probes) != 2 {
		t.Errorf("probed %v, want the two other regions", probes)
	}
}

func TestHandleRevokedGrantParksWithoutProbes(t *testing.T) {
	auth := &scriptedAuthority{
		refreshErr: fmt.Errorf("%w: unknown token", lwa.ErrInvalidGrant),
	}
	f := newFixture(t, auth, 24*time.Hour)
	ctx := context.Background()

	result := f.decider.Handle(ctx, f.entryID, auth.refreshErr)
	if result.Success {
		t.Fatalf("expected failure, got %+v", result)
	}
	if result.Reason != ReasonAppRevoked {
		t.Errorf("reason = %q, want %q", result.Reason, ReasonAppRevoked)
	}
	if len(auth.probes) != 0 {
		t.Errorf("a revoked grant must not be probed, got %v", auth.probes)
	}
	entry, _ := f.registry.Get(f.entryID)
	if entry.State != registry.StateReauthRequired {
		t.Errorf("entry state = %q, want %q", entry.State, registry.StateReauthRequired)
	}
}

func TestHandleOutageKeepsRecord(t *testing.T) {
	netErr := fmt.Errorf("%w: dial tcp: i/o timeout", lwa.ErrNetwork)
	auth := &scriptedAuthority{
		refreshErr: netErr,
		probeErr:   netErr,
	}
	f := newFixture(t, auth, 24*time.Hour)
	ctx := context.Background()

	result := f.decider.Handle(ctx, f.entryID, netErr)
	if result.Success || !result.Deferred {
		t.Fatalf("expected a deferred outcome, got %+v", result)
	}
	if result.Reason != ReasonRegionalChange {
		t.Errorf("reason = %q, want %q", result.Reason, ReasonRegionalChange)
	}

	// Nothing answered, so nothing gets destroyed: the record survives and
	// the entry stays out of the relink queue.
	if _, err := f.store.Load(ctx, f.entryID); err != nil {
		t.Fatalf("record cleared during an outage: %v", err)
	}
	entry, _ := f.registry.Get(f.entryID)
	if entry.State == registry.StateReauthRequired {
		t.Error("outage must not park the entry")
	}
}

func TestHandleAgedTokenParksEntry(t *testing.T) {
	auth := &scriptedAuthority{
		refreshErr: fmt.Errorf("%w: unknown token", lwa.ErrInvalidGrant),
	}
	f := newFixture(t, auth, 61*24*time.Hour)
	ctx := context.Background()

	result := f.decider.Handle(ctx, f.entryID, auth.refreshErr)
	if result.Success {
		t.Fatalf("expected failure, got %+v", result)
	}
	if result.Reason != ReasonRefreshTokenExpired {
		t.Errorf("reason = %q, want %q", result.Reason, ReasonRefreshTokenExpired)
	}
	if len(auth.probes) != 0 {
		t.Errorf("aged token should not be probed, got %v", auth.probes)
	}
	s, ok := f.manager.SessionSnapshot(f.entryID)
	if !ok || s.Status != session.StatusReauth {
		t.Fatalf("session not parked: %+v", s)
	}
}

func TestHandleSecretRotatedRecoversAfterCredentialUpdate(t *testing.T) {
	auth := &scriptedAuthority{
		refreshErr: fmt.Errorf("%w: client authentication failed", lwa.ErrInvalidClient),
	}
	f := newFixture(t, auth, 24*time.Hour)
	ctx := context.Background()

	// The user already stored the new secret; the replayed refresh works.
	auth.mu.Lock()
	auth.refreshErr = nil
	auth.mu.Unlock()

	result := f.decider.Handle(ctx, f.entryID, fmt.Errorf("%w: client authentication failed", lwa.ErrInvalidClient))
	if !result.Success {
		t.Fatalf("expected recovery, got %+v", result)
	}
	if result.Reason != ReasonSecretRotated {
		t.Errorf("reason = %q", result.Reason)
	}
	entry, _ := f.registry.Get(f.entryID)
	if entry.State == registry.StateReauthRequired {
		t.Error("recovered entry must not be parked")
	}
}

func TestDispatchSuppressesConcurrentHandling(t *testing.T) {
	auth := &scriptedAuthority{
		refreshErr: fmt.Errorf("%w: unknown token", lwa.ErrInvalidGrant),
	}
	f := newFixture(t, auth, 61*24*time.Hour)

	f.decider.mu.Lock()
	f.decider.inProgress[f.entryID] = true
	f.decider.mu.Unlock()

	f.decider.Dispatch(context.Background(), f.entryID, auth.refreshErr)
	time.Sleep(20 * time.Millisecond)

	entry, _ := f.registry.Get(f.entryID)
	if entry.State == registry.StateReauthRequired {
		t.Error("suppressed dispatch still ran the handler")
	}
}
