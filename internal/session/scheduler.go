package session

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/skybridge-home/alexahub/internal/registry"
)

// sweepWorkers bounds how many refreshes one sweep runs concurrently.
const sweepWorkers = 4

// StartAutoRefresh launches the background refresh loop. Exactly one loop
// runs per manager; calling again restarts it with the current settings.
func (m *Manager) StartAutoRefresh(ctx context.Context) {
	m.mu.Lock()
	if m.refreshCancel != nil {
		m.refreshCancel()
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.refreshCancel = cancel
	interval := m.sweepInterval
	m.mu.Unlock()

	go func() {
		log.Infof("auto-refresh loop started (sweep every %v, buffer %v)", interval, m.refreshBuffer)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		// First sweep runs immediately so restarts do not wait a full tick.
		m.checkRefreshes(loopCtx)
		for {
			select {
			case <-loopCtx.Done():
				log.Debug("auto-refresh loop stopped")
				return
			case <-ticker.C:
				m.checkRefreshes(loopCtx)
			}
		}
	}()
}

// StopAutoRefresh stops the background loop if it is running.
func (m *Manager) StopAutoRefresh() {
	m.mu.Lock()
	if m.refreshCancel != nil {
		m.refreshCancel()
		m.refreshCancel = nil
	}
	m.mu.Unlock()
}

// checkRefreshes runs one sweep: pick due sessions under the read lock,
// gate them as pending, then refresh through a bounded worker pool. No
// network call happens while any manager lock is held.
func (m *Manager) checkRefreshes(ctx context.Context) {
	now := time.Now()

	m.mu.RLock()
	var due []string
	for id, s := range m.sessions {
		if m.shouldRefresh(s, now) {
			due = append(due, id)
		}
	}
	m.mu.RUnlock()

	if len(due) == 0 {
		return
	}
	log.Debugf("refresh sweep: %d session(s) due", len(due))

	sem := make(chan struct{}, sweepWorkers)
	for _, entryID := range due {
		if !m.markRefreshPending(entryID, now) {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case sem <- struct{}{}:
		}
		go func(id string) {
			defer func() { <-sem }()
			if _, err := m.refreshShared(ctx, id); err != nil {
				log.WithError(err).Debugf("sweep refresh failed for entry %s", id)
			}
		}(entryID)
	}
}

// shouldRefresh decides whether a session is due. Sessions parked for
// reauthorization are not retried here: only a completed relink revives
// them.
func (m *Manager) shouldRefresh(s *Session, now time.Time) bool {
	if s.Status != StatusActive && s.Status != StatusError {
		return false
	}
	if s.Record == nil || s.Record.RefreshToken == "" {
		return false
	}
	if !s.NextRefreshAfter.IsZero() && now.Before(s.NextRefreshAfter) {
		return false
	}
	if m.registry != nil {
		if entry, ok := m.registry.Get(s.EntryID); ok && entry.State == registry.StateReauthRequired {
			return false
		}
	}
	return now.After(s.Record.ExpiresAt.Add(-m.refreshBuffer))
}

// markRefreshPending gates an entry for one minute so overlapping sweeps
// never double-refresh it. Returns false when another sweep got there
// first or the session vanished.
func (m *Manager) markRefreshPending(entryID string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[entryID]
	if !ok {
		return false
	}
	if !s.NextRefreshAfter.IsZero() && now.Before(s.NextRefreshAfter) {
		return false
	}
	s.NextRefreshAfter = now.Add(refreshPendingBackoff)
	return true
}
