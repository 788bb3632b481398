package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/skybridge-home/alexahub/internal/events"
	"github.com/skybridge-home/alexahub/internal/lwa"
	"github.com/skybridge-home/alexahub/internal/registry"
	"github.com/skybridge-home/alexahub/internal/store"
	"github.com/skybridge-home/alexahub/internal/util"
)

// Manager orchestrates session lifecycle, refresh, and persistence.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	store     store.TokenStore
	authority Authority
	hook      Hook
	bus       *events.Bus
	registry  *registry.Registry

	// group de-duplicates demand refreshes per entry: concurrent callers
	// of GetAccessToken share one in-flight exchange.
	group singleflight.Group

	dispatcher ReauthDispatcher

	refreshBuffer time.Duration
	sweepInterval time.Duration
	maxAttempts   int

	refreshCancel context.CancelFunc
	inflight      sync.WaitGroup
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithHook installs lifecycle callbacks.
func WithHook(hook Hook) ManagerOption {
	return func(m *Manager) {
		if hook != nil {
			m.hook = hook
		}
	}
}

// WithBus wires the event bus.
func WithBus(bus *events.Bus) ManagerOption {
	return func(m *Manager) { m.bus = bus }
}

// WithRegistry wires the entries registry so sweeps can honor entry state.
func WithRegistry(reg *registry.Registry) ManagerOption {
	return func(m *Manager) { m.registry = reg }
}

// WithRefreshBuffer overrides how close to expiry tokens refresh.
func WithRefreshBuffer(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.refreshBuffer = d
		}
	}
}

// WithSweepInterval overrides the background sweep cadence.
func WithSweepInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.sweepInterval = d
		}
	}
}

// WithMaxAttempts overrides the per-refresh retry budget.
func WithMaxAttempts(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

// NewManager constructs a manager over the given store and authority.
func NewManager(tokenStore store.TokenStore, authority Authority, opts ...ManagerOption) *Manager {
	m := &Manager{
		sessions:      make(map[string]*Session),
		store:         tokenStore,
		authority:     authority,
		hook:          NoopHook{},
		refreshBuffer: DefaultRefreshBuffer,
		sweepInterval: DefaultSweepInterval,
		maxAttempts:   DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetReauthDispatcher wires the reauthorization decider. Must be called
// before StartAutoRefresh.
func (m *Manager) SetReauthDispatcher(d ReauthDispatcher) {
	m.mu.Lock()
	m.dispatcher = d
	m.mu.Unlock()
}

// ApplyTunables updates the refresh parameters, typically after a config
// reload. Callers restart the auto-refresh loop for a new sweep interval to
// take effect.
func (m *Manager) ApplyTunables(buffer, sweep time.Duration, maxAttempts int) {
	m.mu.Lock()
	if buffer > 0 {
		m.refreshBuffer = buffer
	}
	if sweep > 0 {
		m.sweepInterval = sweep
	}
	if maxAttempts > 0 {
		m.maxAttempts = maxAttempts
	}
	m.mu.Unlock()
}

// Load hydrates sessions from the token store at startup. Version-1 records
// are migrated by the store on read.
func (m *Manager) Load(ctx context.Context) error {
	records, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("session: failed to list stored records: %w", err)
	}
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, record := range records {
		status := StatusActive
		if record.RefreshToken == "" {
			status = StatusError
		}
		m.sessions[record.EntryID] = &Session{
			EntryID:         record.EntryID,
			Status:          status,
			Record:          record,
			LastRefreshedAt: record.LastRefreshedAt,
			UpdatedAt:       now,
		}
	}
	log.Infof("hydrated %d session(s) from token store", len(records))
	return nil
}

// SaveInitialToken persists the token pair obtained by a completed link
// flow and activates the session. ObtainedAt is reset: this is a brand new
// refresh token.
func (m *Manager) SaveInitialToken(ctx context.Context, entry *registry.LinkEntry, tok *lwa.TokenResponse) error {
	if entry == nil || entry.ID == "" {
		return ErrUnknownEntry
	}
	record := recordFromResponse(entry.ID, tok, nil, entry.Region)
	if record.Scope == "" {
		record.Scope = entry.Scope
	}
	if err := m.store.Save(ctx, record); err != nil {
		return fmt.Errorf("session: failed to persist initial token: %w", err)
	}
	now := time.Now()
	m.mu.Lock()
	m.sessions[entry.ID] = &Session{
		EntryID:         entry.ID,
		Status:          StatusActive,
		Record:          record,
		LastRefreshedAt: now,
		UpdatedAt:       now,
	}
	m.mu.Unlock()
	m.audit(ctx, entry.ID, "link", "initial token saved")
	log.Infof("stored initial token for entry %s (access %s)", entry.ID, util.RedactToken(record.AccessToken))
	return nil
}

// GetAccessToken returns a valid access token for the entry, refreshing
// through the single-flight group when the stored one is inside the expiry
// buffer. A refresh failure surfaces as ErrTokenExpired wrapping the cause
// and triggers reauth dispatch.
func (m *Manager) GetAccessToken(ctx context.Context, entryID string) (string, error) {
	m.mu.RLock()
	s, ok := m.sessions[entryID]
	if !ok {
		m.mu.RUnlock()
		return "", ErrUnknownEntry
	}
	if s.Record != nil && time.Until(s.Record.ExpiresAt) > m.refreshBuffer {
		token := s.Record.AccessToken
		m.mu.RUnlock()
		return token, nil
	}
	m.mu.RUnlock()

	record, err := m.refreshShared(ctx, entryID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenExpired, err)
	}
	return record.AccessToken, nil
}

// RefreshNow forces a refresh for the entry through the same single-flight
// path the demand refresh uses.
func (m *Manager) RefreshNow(ctx context.Context, entryID string) error {
	m.mu.RLock()
	_, ok := m.sessions[entryID]
	m.mu.RUnlock()
	if !ok {
		return ErrUnknownEntry
	}
	_, err := m.refreshShared(ctx, entryID)
	return err
}

// refreshShared funnels all demand refreshes for one entry through a single
// in-flight operation.
func (m *Manager) refreshShared(ctx context.Context, entryID string) (*store.TokenRecord, error) {
	v, err, _ := m.group.Do(entryID, func() (any, error) {
		return m.refreshEntry(ctx, entryID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*store.TokenRecord), nil
}

// refreshEntry performs one full refresh: retry loop with exponential
// backoff, persistence before publication, failure bookkeeping and reauth
// dispatch. Never called with the manager lock held.
func (m *Manager) refreshEntry(ctx context.Context, entryID string) (*store.TokenRecord, error) {
	entry, record, err := m.snapshotFor(entryID)
	if err != nil {
		return nil, err
	}
	m.inflight.Add(1)
	defer m.inflight.Done()

	var updated *store.TokenRecord
	backoff := retryBackoffBase
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		updated, err = m.authority.Refresh(ctx, entry, record)
		if err == nil {
			break
		}
		if !lwa.IsRetryable(err) || attempt == m.maxAttempts {
			break
		}
		log.WithError(err).Warnf("refresh attempt %d/%d failed for entry %s, retrying in %v",
			attempt, m.maxAttempts, entryID, backoff)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > retryBackoffMax {
			backoff = retryBackoffMax
		}
	}
	if err != nil {
		m.recordFailure(ctx, entryID, err)
		return nil, err
	}

	// Persist before handing the new token to anyone.
	if errSave := m.store.Save(ctx, updated); errSave != nil {
		m.recordFailure(ctx, entryID, errSave)
		return nil, fmt.Errorf("session: failed to persist refreshed token: %w", errSave)
	}
	m.recordSuccess(ctx, entryID, updated)
	return updated, nil
}

// snapshotFor returns clones of the entry and record for a refresh.
func (m *Manager) snapshotFor(entryID string) (*registry.LinkEntry, *store.TokenRecord, error) {
	m.mu.RLock()
	s, ok := m.sessions[entryID]
	var record *store.TokenRecord
	if ok {
		record = s.Record.Clone()
	}
	m.mu.RUnlock()
	if !ok {
		return nil, nil, ErrUnknownEntry
	}
	if record == nil || record.RefreshToken == "" {
		return nil, nil, ErrNoRefreshToken
	}
	var entry *registry.LinkEntry
	if m.registry != nil {
		if e, found := m.registry.Get(entryID); found {
			entry = e
		}
	}
	if entry == nil {
		// Registry-less operation (tests): synthesize from the record.
		entry = &registry.LinkEntry{ID: entryID, Region: record.Region, Scope: record.Scope}
	}
	return entry, record, nil
}

func (m *Manager) recordSuccess(ctx context.Context, entryID string, record *store.TokenRecord) {
	now := time.Now()
	m.mu.Lock()
	s, ok := m.sessions[entryID]
	if !ok {
		// Entry removed mid-refresh: the result is discarded silently.
		m.mu.Unlock()
		return
	}
	s.Record = record
	s.Status = StatusActive
	s.StatusMessage = ""
	s.LastError = ""
	s.RefreshFailures = 0
	s.NextRefreshAfter = time.Time{}
	s.LastRefreshedAt = now
	s.UpdatedAt = now
	m.mu.Unlock()

	m.audit(ctx, entryID, "refresh", "token refreshed")
	m.publish(events.TypeTokenRefreshed, entryID, map[string]any{
		"expires_at": record.ExpiresAt,
	})
	m.hook.OnTokenRefreshed(entryID)
	log.Debugf("refreshed token for entry %s (access %s)", entryID, util.RedactToken(record.AccessToken))
}

func (m *Manager) recordFailure(ctx context.Context, entryID string, refreshErr error) {
	now := time.Now()
	m.mu.Lock()
	s, ok := m.sessions[entryID]
	if ok {
		s.Status = StatusError
		s.LastError = refreshErr.Error()
		s.StatusMessage = "token refresh failed"
		s.RefreshFailures++
		s.NextRefreshAfter = now.Add(refreshFailureBackoff)
		s.UpdatedAt = now
	}
	dispatcher := m.dispatcher
	m.mu.Unlock()
	if !ok {
		return
	}

	m.audit(ctx, entryID, "refresh_failed", refreshErr.Error())
	m.publish(events.TypeTokenRefreshFailed, entryID, map[string]any{
		"error": refreshErr.Error(),
	})
	m.hook.OnRefreshFailed(entryID, refreshErr)
	log.WithError(refreshErr).Warnf("token refresh terminally failed for entry %s", entryID)

	if dispatcher != nil {
		dispatcher.Dispatch(ctx, entryID, refreshErr)
	}
}

// Revoke best-effort revokes the refresh token, deletes the stored record
// and removes the session.
func (m *Manager) Revoke(ctx context.Context, entryID string) error {
	entry, record, err := m.snapshotFor(entryID)
	if err != nil && err != ErrNoRefreshToken {
		return err
	}
	if record != nil {
		if errRevoke := m.authority.Revoke(ctx, entry, record); errRevoke != nil {
			log.WithError(errRevoke).Warnf("best-effort revoke failed for entry %s", entryID)
		}
	}
	if err = m.store.Delete(ctx, entryID); err != nil {
		return fmt.Errorf("session: failed to delete token record: %w", err)
	}
	m.mu.Lock()
	delete(m.sessions, entryID)
	m.mu.Unlock()
	m.audit(ctx, entryID, "revoke", "token revoked and removed")
	m.publish(events.TypeTokenRevoked, entryID, nil)
	return nil
}

// ClearRecord drops the stored token and parks the session in reauth state.
// Used by the reauth decider when a scenario requires relinking.
func (m *Manager) ClearRecord(ctx context.Context, entryID string, reason string) error {
	if err := m.store.Delete(ctx, entryID); err != nil {
		return err
	}
	now := time.Now()
	m.mu.Lock()
	if s, ok := m.sessions[entryID]; ok {
		s.Record = nil
		s.Status = StatusReauth
		s.StatusMessage = reason
		s.UpdatedAt = now
	}
	m.mu.Unlock()
	m.audit(ctx, entryID, "reauth_required", reason)
	m.hook.OnReauthNeeded(entryID, reason)
	return nil
}

// ProbeRegion runs the refresh grant against another region for the entry.
// On success the returned record is NOT yet persisted; callers adopt it via
// AdoptRecord.
func (m *Manager) ProbeRegion(ctx context.Context, entryID, region string) (*store.TokenRecord, error) {
	entry, record, err := m.snapshotFor(entryID)
	if err != nil {
		return nil, err
	}
	return m.authority.ProbeRegion(ctx, entry, record, region)
}

// AdoptRecord persists a record produced outside the normal refresh path
// (regional probe, secret-rotation retry) and reactivates the session.
func (m *Manager) AdoptRecord(ctx context.Context, record *store.TokenRecord) error {
	if record == nil || record.EntryID == "" {
		return ErrUnknownEntry
	}
	if err := m.store.Save(ctx, record); err != nil {
		return err
	}
	m.recordSuccess(ctx, record.EntryID, record)
	return nil
}

// RemoveSession drops runtime state for an entry without touching storage.
func (m *Manager) RemoveSession(entryID string) {
	m.mu.Lock()
	delete(m.sessions, entryID)
	m.mu.Unlock()
}

// IsTokenValid reports hard validity: the token exists and has not passed
// ExpiresAt minus the clock skew tolerance.
func (m *Manager) IsTokenValid(entryID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[entryID]
	if !ok || s.Record == nil || s.Record.AccessToken == "" {
		return false
	}
	return time.Now().Before(s.Record.ExpiresAt.Add(-ClockSkew))
}

// SessionSnapshot returns a clone of the entry's session.
func (m *Manager) SessionSnapshot(entryID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[entryID]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// Sessions returns clones of all sessions.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Clone())
	}
	return out
}

// Teardown stops the refresh loop and waits up to five seconds for
// in-flight refreshes before giving up on them.
func (m *Manager) Teardown(ctx context.Context) {
	m.StopAutoRefresh()
	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(teardownWait):
		log.Warn("teardown proceeding with refreshes still in flight")
	case <-ctx.Done():
	}
}

func (m *Manager) publish(eventType, entryID string, data map[string]any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.Event{Type: eventType, EntryID: entryID, Data: data})
}

// audit appends a history row when the active backend keeps one.
func (m *Manager) audit(ctx context.Context, entryID, event, detail string) {
	hs, ok := m.store.(store.HistoryStore)
	if !ok {
		return
	}
	if err := hs.AppendHistory(ctx, entryID, event, detail); err != nil {
		log.WithError(err).Debug("failed to append history row")
	}
}
