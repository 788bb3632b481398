package registry

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/skybridge-home/alexahub/internal/events"
	"github.com/skybridge-home/alexahub/internal/store"
)

const (
	testClientID = "amzn1.application-oa2-client.0123456789abcdef0123456789abcdef"
	testSecret   = "0123456789abcdef0123456789abcdef0123456789abcdef"
)

func newTestRegistry(t *testing.T) (*Registry, *store.FileTokenStore) {
	t.Helper()
	fs := store.NewFileTokenStore(t.TempDir(), nil)
	return New(fs, events.NewBus()), fs
}

func testEntry() *LinkEntry {
	return &LinkEntry{
		ClientID:     testClientID,
		ClientSecret: testSecret,
		Region:       "na",
		Scope:        "smart_home",
	}
}

func TestValidateCredentials(t *testing.T) {
	tests := []struct {
		name         string
		clientID     string
		clientSecret string
		wantErr      bool
	}{
		{"valid", testClientID, testSecret, false},
		{"missing prefix", "client-0123456789abcdef0123456789abcdef0123456789", testSecret, true},
		{"client id too short", ClientIDPrefix + "short", testSecret, true},
		{"secret too short", testClientID, "short", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCredentials(tt.clientID, tt.clientSecret)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateCredentials() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRegistry_AddAssignsIdentity(t *testing.T) {
	r, _ := newTestRegistry(t)
	entry := testEntry()

	if err := r.Add(context.Background(), entry); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if entry.ID == "" {
		t.Errorf("Add should assign an ID")
	}
	if entry.UniqueID != testClientID {
		t.Errorf("UniqueID = %q, want client id", entry.UniqueID)
	}
	if !strings.Contains(entry.Title, "na") {
		t.Errorf("Title = %q, want region in default title", entry.Title)
	}
	if entry.CreatedAt.IsZero() || entry.UpdatedAt.IsZero() {
		t.Errorf("timestamps should be set")
	}
}

func TestRegistry_AddRejectsDuplicate(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	if err := r.Add(ctx, testEntry()); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	err := r.Add(ctx, testEntry())
	if !errors.Is(err, ErrAlreadyConfigured) {
		t.Errorf("duplicate Add = %v, want ErrAlreadyConfigured", err)
	}
}

func TestRegistry_CopiesOut(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	entry := testEntry()
	if err := r.Add(ctx, entry); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, ok := r.Get(entry.ID)
	if !ok {
		t.Fatal("Get should find the entry")
	}
	got.Title = "mutated"
	again, _ := r.Get(entry.ID)
	if again.Title == "mutated" {
		t.Errorf("Get must return defensive copies")
	}
}

func TestRegistry_SetStatePublishesReauth(t *testing.T) {
	fs := store.NewFileTokenStore(t.TempDir(), nil)
	bus := events.NewBus()
	r := New(fs, bus)
	ctx := context.Background()
	entry := testEntry()
	if err := r.Add(ctx, entry); err != nil {
		t.Fatalf("Add: %v", err)
	}

	ch, cancel := bus.Subscribe(8)
	defer cancel()

	if err := r.SetState(ctx, entry.ID, StateReauthRequired, "app_revoked"); err != nil {
		t.Fatalf("SetState: %v", err)
	}

	ev := <-ch
	if ev.Type != events.TypeEntryReauthRequired {
		t.Errorf("event type = %q, want entry.reauth_required", ev.Type)
	}
	if ev.Data["reason"] != "app_revoked" {
		t.Errorf("event reason = %v, want app_revoked", ev.Data["reason"])
	}

	got, _ := r.Get(entry.ID)
	if got.State != StateReauthRequired || got.ReauthReason != "app_revoked" {
		t.Errorf("entry state = %s/%s, want reauth_required/app_revoked", got.State, got.ReauthReason)
	}

	// Leaving reauth clears the reason.
	if err := r.SetState(ctx, entry.ID, StateLoaded, ""); err != nil {
		t.Fatalf("SetState loaded: %v", err)
	}
	got, _ = r.Get(entry.ID)
	if got.ReauthReason != "" {
		t.Errorf("ReauthReason should clear on recovery, got %q", got.ReauthReason)
	}
}

func TestRegistry_PersistsAcrossLoads(t *testing.T) {
	fs := store.NewFileTokenStore(t.TempDir(), nil)
	ctx := context.Background()

	r1 := New(fs, nil)
	entry := testEntry()
	if err := r1.Add(ctx, entry); err != nil {
		t.Fatalf("Add: %v", err)
	}

	r2 := New(fs, nil)
	if err := r2.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, ok := r2.Get(entry.ID)
	if !ok {
		t.Fatal("entry should survive a reload")
	}
	if got.ClientID != testClientID {
		t.Errorf("reloaded ClientID = %q", got.ClientID)
	}
}

func TestRegistry_RemoveUnknown(t *testing.T) {
	r, _ := newTestRegistry(t)
	if err := r.Remove(context.Background(), "nope"); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("Remove unknown = %v, want ErrEntryNotFound", err)
	}
}
