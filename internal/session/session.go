// Package session owns the token lifecycle for every linked account: the
// per-entry session state, demand refresh with single-flight de-duplication,
// the background refresh sweep, and the persistence of token records through
// the configured store backend.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/skybridge-home/alexahub/internal/registry"
	"github.com/skybridge-home/alexahub/internal/store"
)

// Session statuses.
const (
	StatusActive   = "active"
	StatusError    = "error"
	StatusReauth   = "reauth"
	StatusDisabled = "disabled"
)

// Lifecycle constants.
const (
	// DefaultRefreshBuffer refreshes tokens this close to expiry.
	DefaultRefreshBuffer = 300 * time.Second
	// ClockSkew is the tolerance applied to hard validity checks.
	ClockSkew = 60 * time.Second
	// DefaultSweepInterval is the background sweep cadence.
	DefaultSweepInterval = 60 * time.Second
	// DefaultMaxAttempts bounds retries within one refresh.
	DefaultMaxAttempts = 5
	// RefreshTokenMaxAge is how long Amazon keeps refresh tokens alive.
	RefreshTokenMaxAge = 60 * 24 * time.Hour

	retryBackoffBase      = time.Second
	retryBackoffMax       = 16 * time.Second
	refreshPendingBackoff = time.Minute
	refreshFailureBackoff = 5 * time.Minute
	teardownWait          = 5 * time.Second
)

// Errors surfaced to callers.
var (
	// ErrUnknownEntry reports a session the manager does not track.
	ErrUnknownEntry = errors.New("session: unknown entry")
	// ErrTokenExpired reports an expired token that could not be refreshed.
	ErrTokenExpired = errors.New("session: token expired and refresh failed")
	// ErrNoRefreshToken reports a record with no refresh token to use.
	ErrNoRefreshToken = errors.New("session: no refresh token available")
)

// Session is the runtime state for one linked entry.
type Session struct {
	EntryID          string             `json:"entry_id"`
	Status           string             `json:"status"`
	StatusMessage    string             `json:"status_message,omitempty"`
	LastError        string             `json:"last_error,omitempty"`
	NextRefreshAfter time.Time          `json:"next_refresh_after,omitempty"`
	LastRefreshedAt  time.Time          `json:"last_refreshed_at,omitempty"`
	RefreshFailures  int                `json:"refresh_failures"`
	Record           *store.TokenRecord `json:"-"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Record = s.Record.Clone()
	return &out
}

// Authority performs the actual token operations against Amazon. The LWA
// client implements it; tests substitute fakes.
type Authority interface {
	// Refresh exchanges the record's refresh token for a new token pair.
	// The returned record carries the original ObtainedAt.
	Refresh(ctx context.Context, entry *registry.LinkEntry, record *store.TokenRecord) (*store.TokenRecord, error)
	// Revoke invalidates the refresh token. Best effort.
	Revoke(ctx context.Context, entry *registry.LinkEntry, record *store.TokenRecord) error
	// ProbeRegion runs the refresh grant against another region's endpoint.
	ProbeRegion(ctx context.Context, entry *registry.LinkEntry, record *store.TokenRecord, region string) (*store.TokenRecord, error)
}

// Hook captures lifecycle callbacks for observing session changes.
type Hook interface {
	// OnTokenRefreshed fires after a successful refresh is persisted.
	OnTokenRefreshed(entryID string)
	// OnRefreshFailed fires after a refresh terminally fails.
	OnRefreshFailed(entryID string, err error)
	// OnReauthNeeded fires when a session requires reauthorization.
	OnReauthNeeded(entryID string, reason string)
}

// NoopHook provides optional hook defaults.
type NoopHook struct{}

// OnTokenRefreshed implements Hook.
func (NoopHook) OnTokenRefreshed(string) {}

// OnRefreshFailed implements Hook.
func (NoopHook) OnRefreshFailed(string, error) {}

// OnReauthNeeded implements Hook.
func (NoopHook) OnReauthNeeded(string, string) {}

// ReauthDispatcher receives terminally failed refreshes for scenario
// classification and handling. The reauth package implements it; the
// indirection keeps session free of a dependency cycle.
type ReauthDispatcher interface {
	Dispatch(ctx context.Context, entryID string, refreshErr error)
}
