// Package registry keeps the collection of linked Amazon accounts. Each
// LinkEntry records one security profile's credentials, region and state;
// the registry persists the whole collection as one JSON document through
// the active token-store backend.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skybridge-home/alexahub/internal/events"
	"github.com/skybridge-home/alexahub/internal/store"
)

// EntryVersion is the current entry schema version.
const EntryVersion = 1

// Entry states.
const (
	StateLoaded         = "loaded"
	StateSetupError     = "setup_error"
	StateReauthRequired = "reauth_required"
	StateNotLoaded      = "not_loaded"
)

// Credential format constraints for Login-with-Amazon security profiles.
const (
	ClientIDPrefix        = "amzn1.application-oa2-client."
	clientIDMinLength     = 50
	clientSecretMinLength = 32
)

// ErrAlreadyConfigured reports a duplicate link for the same client ID.
var ErrAlreadyConfigured = fmt.Errorf("registry: account already configured")

// ErrEntryNotFound reports an unknown entry ID.
var ErrEntryNotFound = fmt.Errorf("registry: entry not found")

// LinkEntry is one linked Amazon account.
type LinkEntry struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	ClientID     string    `json:"client_id"`
	ClientSecret string    `json:"client_secret"`
	RedirectURI  string    `json:"redirect_uri,omitempty"`
	Region       string    `json:"region"`
	Scope        string    `json:"scope"`
	UniqueID     string    `json:"unique_id"`
	State        string    `json:"state"`
	ReauthReason string    `json:"reauth_reason,omitempty"`
	Version      int       `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Clone returns a deep copy.
func (e *LinkEntry) Clone() *LinkEntry {
	if e == nil {
		return nil
	}
	out := *e
	return &out
}

// ValidateCredentials enforces the LWA security-profile credential format.
func ValidateCredentials(clientID, clientSecret string) error {
	if !strings.HasPrefix(clientID, ClientIDPrefix) {
		return fmt.Errorf("registry: client id must begin with %q", ClientIDPrefix)
	}
	if len(clientID) < clientIDMinLength {
		return fmt.Errorf("registry: client id must be at least %d characters", clientIDMinLength)
	}
	if len(clientSecret) < clientSecretMinLength {
		return fmt.Errorf("registry: client secret must be at least %d characters", clientSecretMinLength)
	}
	return nil
}

// Registry is the concurrency-safe entry collection. Mutations persist
// under the lock; event publication happens after the lock is released.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]*LinkEntry
	persister store.EntriesPersister
	bus       *events.Bus
}

// New creates a registry backed by the given persister.
func New(persister store.EntriesPersister, bus *events.Bus) *Registry {
	return &Registry{
		entries:   make(map[string]*LinkEntry),
		persister: persister,
		bus:       bus,
	}
}

// Load hydrates the registry from the persisted document.
func (r *Registry) Load(ctx context.Context) error {
	doc, err := r.persister.LoadEntries(ctx)
	if err != nil {
		return fmt.Errorf("registry: failed to load entries: %w", err)
	}
	if len(doc) == 0 {
		return nil
	}
	var list []*LinkEntry
	if err = json.Unmarshal(doc, &list); err != nil {
		return fmt.Errorf("registry: undecodable entries document: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range list {
		if entry == nil || entry.ID == "" {
			continue
		}
		if entry.Version == 0 {
			entry.Version = EntryVersion
		}
		r.entries[entry.ID] = entry
	}
	return nil
}

// Add registers a new entry, rejecting duplicate unique IDs.
func (r *Registry) Add(ctx context.Context, entry *LinkEntry) error {
	if entry == nil {
		return fmt.Errorf("registry: entry is nil")
	}
	if err := ValidateCredentials(entry.ClientID, entry.ClientSecret); err != nil {
		return err
	}
	now := time.Now().UTC()

	r.mu.Lock()
	if entry.UniqueID == "" {
		entry.UniqueID = entry.ClientID
	}
	for _, existing := range r.entries {
		if existing.UniqueID == entry.UniqueID {
			r.mu.Unlock()
			return ErrAlreadyConfigured
		}
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Title == "" {
		entry.Title = fmt.Sprintf("Amazon Alexa (%s)", entry.Region)
	}
	if entry.State == "" {
		entry.State = StateNotLoaded
	}
	entry.Version = EntryVersion
	entry.CreatedAt = now
	entry.UpdatedAt = now
	r.entries[entry.ID] = entry.Clone()
	err := r.persistLocked(ctx)
	r.mu.Unlock()

	if err != nil {
		return err
	}
	r.publish(events.TypeEntryCreated, entry.ID, nil)
	return nil
}

// Get returns a copy of the entry.
func (r *Registry) Get(id string) (*LinkEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[id]
	return entry.Clone(), ok
}

// List returns copies of all entries.
func (r *Registry) List() []*LinkEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*LinkEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, entry.Clone())
	}
	return out
}

// Update replaces an existing entry.
func (r *Registry) Update(ctx context.Context, entry *LinkEntry) error {
	if entry == nil || entry.ID == "" {
		return ErrEntryNotFound
	}
	if err := ValidateCredentials(entry.ClientID, entry.ClientSecret); err != nil {
		return err
	}

	r.mu.Lock()
	if _, ok := r.entries[entry.ID]; !ok {
		r.mu.Unlock()
		return ErrEntryNotFound
	}
	entry.UpdatedAt = time.Now().UTC()
	r.entries[entry.ID] = entry.Clone()
	err := r.persistLocked(ctx)
	r.mu.Unlock()

	if err != nil {
		return err
	}
	r.publish(events.TypeEntryUpdated, entry.ID, nil)
	return nil
}

// Remove deletes an entry.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	if _, ok := r.entries[id]; !ok {
		r.mu.Unlock()
		return ErrEntryNotFound
	}
	delete(r.entries, id)
	err := r.persistLocked(ctx)
	r.mu.Unlock()

	if err != nil {
		return err
	}
	r.publish(events.TypeEntryRemoved, id, nil)
	return nil
}

// SetState transitions an entry's state. The reauth_required transition
// publishes entry.reauth_required carrying the classified reason.
func (r *Registry) SetState(ctx context.Context, id, state, reason string) error {
	r.mu.Lock()
	entry, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return ErrEntryNotFound
	}
	entry.State = state
	entry.ReauthReason = ""
	if state == StateReauthRequired {
		entry.ReauthReason = reason
	}
	entry.UpdatedAt = time.Now().UTC()
	err := r.persistLocked(ctx)
	r.mu.Unlock()

	if err != nil {
		return err
	}
	if state == StateReauthRequired {
		r.publish(events.TypeEntryReauthRequired, id, map[string]any{"reason": reason})
	} else {
		r.publish(events.TypeEntryUpdated, id, map[string]any{"state": state})
	}
	return nil
}

// persistLocked serializes and saves all entries. Caller holds the lock.
func (r *Registry) persistLocked(ctx context.Context) error {
	list := make([]*LinkEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		list = append(list, entry)
	}
	doc, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	return r.persister.SaveEntries(ctx, doc)
}

func (r *Registry) publish(eventType, entryID string, data map[string]any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.Event{Type: eventType, EntryID: entryID, Data: data})
}
