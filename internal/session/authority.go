package session

import (
	"context"
	"net/http"
	"time"

	"github.com/skybridge-home/alexahub/internal/lwa"
	"github.com/skybridge-home/alexahub/internal/registry"
	"github.com/skybridge-home/alexahub/internal/store"
)

// LWAAuthority implements Authority against Login-with-Amazon, building a
// client per call from the entry's credentials and the record's region.
type LWAAuthority struct {
	httpClient *http.Client
}

// NewLWAAuthority creates an authority using the supplied HTTP client
// (typically carrying the configured outbound proxy). A nil client uses a
// default with the standard token endpoint timeout.
func NewLWAAuthority(httpClient *http.Client) *LWAAuthority {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: lwa.HTTPTimeout}
	}
	return &LWAAuthority{httpClient: httpClient}
}

func (a *LWAAuthority) clientFor(entry *registry.LinkEntry, record *store.TokenRecord, region string) *lwa.Client {
	if region == "" {
		if record != nil && record.Region != "" {
			region = record.Region
		} else {
			region = entry.Region
		}
	}
	return lwa.NewClient(entry.ClientID, entry.ClientSecret,
		lwa.WithRegion(region),
		lwa.WithScope(entry.Scope),
		lwa.WithHTTPClient(a.httpClient),
	)
}

// Refresh implements Authority.
func (a *LWAAuthority) Refresh(ctx context.Context, entry *registry.LinkEntry, record *store.TokenRecord) (*store.TokenRecord, error) {
	if record == nil || record.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}
	client := a.clientFor(entry, record, "")
	tok, err := client.Refresh(ctx, record.RefreshToken)
	if err != nil {
		return nil, err
	}
	return recordFromResponse(entry.ID, tok, record, client.Region()), nil
}

// Revoke implements Authority.
func (a *LWAAuthority) Revoke(ctx context.Context, entry *registry.LinkEntry, record *store.TokenRecord) error {
	if record == nil || record.RefreshToken == "" {
		return nil
	}
	return a.clientFor(entry, record, "").Revoke(ctx, record.RefreshToken)
}

// ProbeRegion implements Authority.
func (a *LWAAuthority) ProbeRegion(ctx context.Context, entry *registry.LinkEntry, record *store.TokenRecord, region string) (*store.TokenRecord, error) {
	if record == nil || record.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}
	tok, err := a.clientFor(entry, record, region).ProbeRegion(ctx, region, record.RefreshToken)
	if err != nil {
		return nil, err
	}
	return recordFromResponse(entry.ID, tok, record, region), nil
}

// recordFromResponse builds a persisted record from a token endpoint
// response. ObtainedAt carries over from the previous record so refresh
// token age stays measurable; a nil previous record means a fresh link.
func recordFromResponse(entryID string, tok *lwa.TokenResponse, previous *store.TokenRecord, region string) *store.TokenRecord {
	now := time.Now().UTC()
	record := &store.TokenRecord{
		EntryID:         entryID,
		AccessToken:     tok.AccessToken,
		RefreshToken:    tok.RefreshToken,
		TokenType:       tok.TokenType,
		Scope:           tok.Scope,
		Region:          region,
		ExpiresAt:       now.Add(time.Duration(tok.ExpiresIn) * time.Second),
		ObtainedAt:      now,
		LastRefreshedAt: now,
		Version:         store.RecordVersion,
	}
	if previous != nil && !previous.ObtainedAt.IsZero() {
		record.ObtainedAt = previous.ObtainedAt
	}
	if record.Scope == "" && previous != nil {
		record.Scope = previous.Scope
	}
	return record
}
