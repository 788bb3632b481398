package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skybridge-home/alexahub/internal/store"
)

func TestShouldRefresh(t *testing.T) {
	now := time.Now()
	m := NewManager(newFakeStore(), &fakeAuthority{})

	tests := []struct {
		name    string
		session *Session
		want    bool
	}{
		{
			name: "active and inside buffer",
			session: &Session{
				Status: StatusActive,
				Record: seedRecord("e", 2*time.Minute),
			},
			want: true,
		},
		{
			name: "active and already expired",
			session: &Session{
				Status: StatusActive,
				Record: seedRecord("e", -time.Minute),
			},
			want: true,
		},
		{
			name: "active but plenty of lifetime left",
			session: &Session{
				Status: StatusActive,
				Record: seedRecord("e", time.Hour),
			},
			want: false,
		},
		{
			name: "errored sessions are retried",
			session: &Session{
				Status: StatusError,
				Record: seedRecord("e", -time.Minute),
			},
			want: true,
		},
		{
			name: "reauth sessions are left alone",
			session: &Session{
				Status: StatusReauth,
				Record: seedRecord("e", -time.Minute),
			},
			want: false,
		},
		{
			name: "disabled sessions are left alone",
			session: &Session{
				Status: StatusDisabled,
				Record: seedRecord("e", -time.Minute),
			},
			want: false,
		},
		{
			name: "no refresh token",
			session: &Session{
				Status: StatusActive,
				Record: func() *store.TokenRecord {
					r := seedRecord("e", -time.Minute)
					r.RefreshToken = ""
					return r
				}(),
			},
			want: false,
		},
		{
			name: "pending gate still in force",
			session: &Session{
				Status:           StatusActive,
				Record:           seedRecord("e", -time.Minute),
				NextRefreshAfter: now.Add(30 * time.Second),
			},
			want: false,
		},
		{
			name: "pending gate elapsed",
			session: &Session{
				Status:           StatusError,
				Record:           seedRecord("e", -time.Minute),
				NextRefreshAfter: now.Add(-time.Second),
			},
			want: true,
		},
		{
			name: "no record at all",
			session: &Session{
				Status: StatusActive,
			},
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.shouldRefresh(tt.session, now); got != tt.want {
				t.Errorf("shouldRefresh() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMarkRefreshPendingGatesSweeps(t *testing.T) {
	fs := newFakeStore()
	ctx := context.Background()
	if err := fs.Save(ctx, seedRecord("entry-1", -time.Minute)); err != nil {
		t.Fatalf("seed save: %v", err)
	}
	m := NewManager(fs, &fakeAuthority{})
	if err := m.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}

	now := time.Now()
	if !m.markRefreshPending("entry-1", now) {
		t.Fatal("first mark should win the gate")
	}
	if m.markRefreshPending("entry-1", now) {
		t.Error("second mark should lose the gate")
	}
	// The gate parks the session one minute out.
	s, _ := m.SessionSnapshot("entry-1")
	until := s.NextRefreshAfter.Sub(now)
	if until < 50*time.Second || until > 70*time.Second {
		t.Errorf("pending gate = %v out, want about a minute", until)
	}
	if m.markRefreshPending("missing", now) {
		t.Error("unknown entry should not be gated")
	}
}

func TestCheckRefreshesSweepsDueSessions(t *testing.T) {
	fs := newFakeStore()
	auth := &fakeAuthority{}
	ctx := context.Background()
	if err := fs.Save(ctx, seedRecord("due", -time.Minute)); err != nil {
		t.Fatalf("seed save: %v", err)
	}
	if err := fs.Save(ctx, seedRecord("fresh", time.Hour)); err != nil {
		t.Fatalf("seed save: %v", err)
	}
	m := NewManager(fs, auth)
	if err := m.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}

	m.checkRefreshes(ctx)

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&auth.refreshes) == 0 {
		select {
		case <-deadline:
			t.Fatal("sweep never refreshed the due session")
		case <-time.After(10 * time.Millisecond):
		}
	}
	m.Teardown(ctx)

	if got := atomic.LoadInt32(&auth.refreshes); got != 1 {
		t.Errorf("refresh calls = %d, want 1 (fresh session must be skipped)", got)
	}
	s, _ := m.SessionSnapshot("due")
	if s.Status != StatusActive {
		t.Errorf("status after sweep = %q, want %q", s.Status, StatusActive)
	}
	if s.Record.AccessToken == "Atza|seed-access" {
		t.Error("access token not rotated by sweep")
	}
}

func TestStartAutoRefreshRestart(t *testing.T) {
	fs := newFakeStore()
	m := NewManager(fs, &fakeAuthority{}, WithSweepInterval(time.Hour))
	ctx := context.Background()

	m.StartAutoRefresh(ctx)
	m.mu.Lock()
	first := m.refreshCancel
	m.mu.Unlock()
	m.StartAutoRefresh(ctx)
	m.mu.Lock()
	second := m.refreshCancel
	m.mu.Unlock()
	if first == nil || second == nil {
		t.Fatal("refresh loop not tracked")
	}
	m.StopAutoRefresh()
	m.mu.Lock()
	cleared := m.refreshCancel == nil
	m.mu.Unlock()
	if !cleared {
		t.Error("StopAutoRefresh left a cancel func behind")
	}
}
