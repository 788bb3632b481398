package session

import (
	"context"
	"time"

	"golang.org/x/oauth2"
)

// tokenSource adapts the manager to oauth2.TokenSource so device clients
// can use standard transports.
type tokenSource struct {
	ctx     context.Context
	m       *Manager
	entryID string
}

// TokenSource returns an oauth2.TokenSource bound to the entry. Every Token
// call goes through GetAccessToken, so tokens are always persisted and
// refreshed through the single-flight path.
func (m *Manager) TokenSource(ctx context.Context, entryID string) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, m: m, entryID: entryID}
}

func (ts *tokenSource) Token() (*oauth2.Token, error) {
	access, err := ts.m.GetAccessToken(ts.ctx, ts.entryID)
	if err != nil {
		return nil, err
	}
	var expiry time.Time
	ts.m.mu.RLock()
	if s, ok := ts.m.sessions[ts.entryID]; ok && s.Record != nil {
		expiry = s.Record.ExpiresAt
	}
	ts.m.mu.RUnlock()
	return &oauth2.Token{
		AccessToken: access,
		TokenType:   "Bearer",
		Expiry:      expiry,
	}, nil
}
