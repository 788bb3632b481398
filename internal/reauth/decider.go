// Package reauth classifies terminal refresh failures into concrete
// reauthorization scenarios and drives the recovery for each: recoverable
// scenarios repair the session in place, the rest park the entry until the
// user relinks it.
package reauth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/skybridge-home/alexahub/internal/events"
	"github.com/skybridge-home/alexahub/internal/lwa"
	"github.com/skybridge-home/alexahub/internal/registry"
	"github.com/skybridge-home/alexahub/internal/session"
	"github.com/skybridge-home/alexahub/internal/store"
)

// Reauthorization reasons, surfaced in entry state and events.
const (
	ReasonRefreshTokenExpired = "refresh_token_expired"
	ReasonAppRevoked          = "app_revoked"
	ReasonSecretRotated       = "client_secret_rotated"
	ReasonRegionalChange      = "regional_change"
	ReasonScopeChanged        = "scope_changed"
)

const (
	defaultRetryBase  = 5 * time.Second
	defaultMaxRetries = 3
)

// Result reports the outcome of one handled failure.
type Result struct {
	// Success means the session was repaired without user involvement.
	Success bool
	// Reason is the classified scenario.
	Reason string
	// NewRegion is set when a regional probe relocated the account.
	NewRegion string
	// Retries counts transient-failure retries spent before the outcome.
	Retries int
	// Deferred means nothing could be decided (every endpoint was
	// unreachable); the record stays and the refresh sweep retries later.
	Deferred bool
	// Err is the terminal error when Success is false.
	Err error
}

// Decider implements session.ReauthDispatcher.
type Decider struct {
	manager  *session.Manager
	registry *registry.Registry
	bus      *events.Bus

	mu         sync.Mutex
	inProgress map[string]bool

	retryBase  time.Duration
	maxRetries int
}

// NewDecider wires the decider over the session manager and registry.
func NewDecider(manager *session.Manager, reg *registry.Registry, bus *events.Bus) *Decider {
	return &Decider{
		manager:    manager,
		registry:   reg,
		bus:        bus,
		inProgress: make(map[string]bool),
		retryBase:  defaultRetryBase,
		maxRetries: defaultMaxRetries,
	}
}

// NeedsReauth checks a hydrated session against its entry without a refresh
// error in hand: missing or aged-out refresh tokens and scope divergence all
// demand a relink before the first refresh even runs.
func NeedsReauth(snap *session.Session, entry *registry.LinkEntry) (bool, string) {
	if snap == nil || snap.Record == nil || snap.Record.RefreshToken == "" {
		return true, ReasonRefreshTokenExpired
	}
	record := snap.Record
	if !record.ObtainedAt.IsZero() && time.Since(record.ObtainedAt) > session.RefreshTokenMaxAge {
		return true, ReasonRefreshTokenExpired
	}
	if entry != nil && scopeDiverged(entry.Scope, record.Scope) {
		return true, ReasonScopeChanged
	}
	return false, ""
}

// Dispatch implements session.ReauthDispatcher. Handling runs in its own
// goroutine so refresh callers are never blocked behind probes; a second
// dispatch for an entry already being handled is dropped.
func (d *Decider) Dispatch(ctx context.Context, entryID string, refreshErr error) {
	d.mu.Lock()
	if d.inProgress[entryID] {
		d.mu.Unlock()
		log.Debugf("reauth already in progress for entry %s, dropping dispatch", entryID)
		return
	}
	d.inProgress[entryID] = true
	d.mu.Unlock()

	go func() {
		defer func() {
			d.mu.Lock()
			delete(d.inProgress, entryID)
			d.mu.Unlock()
		}()
		result := d.Handle(context.WithoutCancel(ctx), entryID, refreshErr)
		if result.Deferred {
			log.Warnf("reauth for entry %s deferred, no endpoint reachable: %v", entryID, result.Err)
			return
		}
		if result.Success {
			log.Infof("entry %s recovered from %s without user action", entryID, result.Reason)
			d.publish(events.TypeReauthResolved, entryID, map[string]any{
				"reason":     result.Reason,
				"new_region": result.NewRegion,
			})
		} else {
			log.Warnf("entry %s requires relink: %s", entryID, result.Reason)
			d.publish(events.TypeReauthFailed, entryID, map[string]any{
				"reason": result.Reason,
			})
		}
	}()
}

// Handle classifies the failure and runs the matching recovery. Transient
// errors inside a recovery attempt are retried with exponential backoff;
// no session or registry lock is held across any of it.
func (d *Decider) Handle(ctx context.Context, entryID string, refreshErr error) Result {
	entry, ok := d.registry.Get(entryID)
	if !ok {
		return Result{Reason: ReasonAppRevoked, Err: registry.ErrEntryNotFound}
	}
	snap, _ := d.manager.SessionSnapshot(entryID)
	var record *store.TokenRecord
	if snap != nil {
		record = snap.Record
	}

	reason := d.Classify(entry, record, refreshErr)
	log.Infof("classified refresh failure for entry %s as %s: %v", entryID, reason, refreshErr)

	var result Result
	switch reason {
	case ReasonRegionalChange:
		result = d.handleRegionalChange(ctx, entry, record)
	case ReasonSecretRotated:
		result = d.handleSecretRotated(ctx, entry, record)
	default:
		result = Result{Reason: reason, Err: refreshErr}
	}

	if !result.Success && !result.Deferred {
		d.parkForRelink(ctx, entry.ID, result.Reason, result.Err)
	}
	return result
}

// Classify maps a terminal refresh failure onto one of the five scenarios.
// Order matters: token age wins over the wire error because an aged-out
// token also reports invalid_grant.
func (d *Decider) Classify(entry *registry.LinkEntry, record *store.TokenRecord, refreshErr error) string {
	if record != nil && !record.ObtainedAt.IsZero() &&
		time.Since(record.ObtainedAt) > session.RefreshTokenMaxAge {
		return ReasonRefreshTokenExpired
	}
	switch {
	case errors.Is(refreshErr, lwa.ErrInvalidClient):
		return ReasonSecretRotated
	case errors.Is(refreshErr, lwa.ErrScope):
		return ReasonScopeChanged
	case mentionsRegion(refreshErr), errors.Is(refreshErr, lwa.ErrNetwork):
		// Probe the other regions before giving up on the grant: the
		// account may have moved, or this endpoint may just be down.
		return ReasonRegionalChange
	case errors.Is(refreshErr, lwa.ErrInvalidGrant):
		if record != nil && scopeDiverged(entry.Scope, record.Scope) {
			return ReasonScopeChanged
		}
		return ReasonAppRevoked
	}
	return ReasonRefreshTokenExpired
}

// mentionsRegion matches error text pointing at a regional endpoint move.
func mentionsRegion(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "region") || strings.Contains(msg, "endpoint")
}

// handleRegionalChange probes the other regions with the existing refresh
// token. A successful probe migrates the entry; exhausted probes mean the
// grant is genuinely gone.
func (d *Decider) handleRegionalChange(ctx context.Context, entry *registry.LinkEntry, record *store.TokenRecord) Result {
	result := Result{Reason: ReasonRegionalChange}
	sawRejection := false
	for _, region := range lwa.Regions {
		if record != nil && region == record.Region {
			continue
		}
		probed, retries, err := d.withRetries(ctx, result.Retries, func() (*store.TokenRecord, error) {
			return d.manager.ProbeRegion(ctx, entry.ID, region)
		})
		result.Retries = retries
		if err != nil {
			log.Debugf("region probe %s failed for entry %s: %v", region, entry.ID, err)
			if !errors.Is(err, lwa.ErrNetwork) {
				sawRejection = true
			}
			result.Err = err
			continue
		}
		if err = d.manager.AdoptRecord(ctx, probed); err != nil {
			result.Err = err
			return result
		}
		d.migrateRegion(ctx, entry, region)
		result.Success = true
		result.NewRegion = region
		result.Err = nil
		return result
	}
	if !sawRejection {
		// Every endpoint was unreachable. The grant was never judged, so
		// keep the record and let the sweep retry after the backoff.
		result.Deferred = true
		return result
	}
	// At least one region answered and rejected the token: it is gone.
	result.Reason = ReasonAppRevoked
	return result
}

// handleSecretRotated replays the refresh once with the registry's current
// credentials. It succeeds only when the stored secret was updated since
// the failing attempt.
func (d *Decider) handleSecretRotated(ctx context.Context, entry *registry.LinkEntry, record *store.TokenRecord) Result {
	result := Result{Reason: ReasonSecretRotated}
	if record == nil || record.RefreshToken == "" {
		result.Err = session.ErrNoRefreshToken
		return result
	}
	_, retries, err := d.withRetries(ctx, 0, func() (*store.TokenRecord, error) {
		if errRefresh := d.manager.RefreshNow(ctx, entry.ID); errRefresh != nil {
			return nil, errRefresh
		}
		return nil, nil
	})
	result.Retries = retries
	if err != nil {
		result.Err = err
		return result
	}
	result.Success = true
	return result
}

// withRetries runs op, retrying transient failures with 5s * 2^n backoff up
// to the retry budget. Non-retryable errors abort immediately.
func (d *Decider) withRetries(ctx context.Context, spent int, op func() (*store.TokenRecord, error)) (*store.TokenRecord, int, error) {
	retries := spent
	for {
		record, err := op()
		if err == nil {
			return record, retries, nil
		}
		if !lwa.IsRetryable(err) || retries >= d.maxRetries {
			return nil, retries, err
		}
		wait := d.retryBase << retries
		retries++
		log.Debugf("reauth step failed, retry %d/%d in %v: %v", retries, d.maxRetries, wait, err)
		select {
		case <-ctx.Done():
			return nil, retries, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// migrateRegion updates the entry to the region a probe landed on.
func (d *Decider) migrateRegion(ctx context.Context, entry *registry.LinkEntry, region string) {
	updated := entry.Clone()
	updated.Region = region
	if err := d.registry.Update(ctx, updated); err != nil {
		log.WithError(err).Warnf("failed to persist region migration for entry %s", entry.ID)
	}
	if d.bus != nil {
		d.bus.Publish(events.Event{
			Type:    events.TypeEntryUpdated,
			EntryID: entry.ID,
			Data:    map[string]any{"region": region},
		})
	}
	log.Infof("entry %s migrated to region %s", entry.ID, region)
}

// parkForRelink clears the stored token and flags the entry so the next
// user interaction starts a relink flow.
func (d *Decider) parkForRelink(ctx context.Context, entryID, reason string, cause error) {
	if err := d.manager.ClearRecord(ctx, entryID, reason); err != nil &&
		!errors.Is(err, store.ErrTokenNotFound) {
		log.WithError(err).Warnf("failed to clear record for entry %s", entryID)
	}
	if err := d.registry.SetState(ctx, entryID, registry.StateReauthRequired, reason); err != nil {
		log.WithError(err).Warnf("failed to flag entry %s for reauth", entryID)
	}
	if cause != nil {
		log.Debugf("entry %s parked for relink (%s): %v", entryID, reason, cause)
	}
}

func (d *Decider) publish(eventType, entryID string, data map[string]any) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(events.Event{Type: eventType, EntryID: entryID, Data: data})
}

func scopeDiverged(want, got string) bool {
	if want == "" || got == "" {
		return false
	}
	wantSet := strings.Fields(want)
	gotSet := make(map[string]bool)
	for _, s := range strings.Fields(got) {
		gotSet[s] = true
	}
	for _, s := range wantSet {
		if !gotSet[s] {
			return true
		}
	}
	return false
}
