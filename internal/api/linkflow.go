package api

import (
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/skybridge-home/alexahub/internal/lwa"
)

// flowTTL bounds how long an authorize URL stays usable.
const flowTTL = 10 * time.Minute

// Flow is one pending authorization: credentials, PKCE material and the
// state nonce waiting for the callback.
type Flow struct {
	ID           string
	EntryID      string // set for relink flows
	ClientID     string
	ClientSecret string
	Region       string
	Scope        string
	State        string
	Verifier     string
	RedirectURI  string
	CreatedAt    time.Time
}

func (f *Flow) expired(now time.Time) bool {
	return now.Sub(f.CreatedAt) > flowTTL
}

// FlowStore keeps pending flows in memory. Flows are single-use: a matched
// callback removes the flow whether the exchange succeeds or not.
type FlowStore struct {
	mu    sync.Mutex
	flows map[string]*Flow
}

// NewFlowStore creates an empty store.
func NewFlowStore() *FlowStore {
	return &FlowStore{flows: make(map[string]*Flow)}
}

// Create registers a pending flow and returns its ID.
func (fs *FlowStore) Create(flow *Flow) string {
	flow.ID = uuid.NewString()
	flow.CreatedAt = time.Now()
	fs.mu.Lock()
	fs.pruneLocked(flow.CreatedAt)
	fs.flows[flow.ID] = flow
	fs.mu.Unlock()
	return flow.ID
}

// TakeByState finds the flow whose state matches the callback's, in constant
// time per comparison, and removes it. Expired flows never match.
func (fs *FlowStore) TakeByState(state string) (*Flow, bool) {
	now := time.Now()
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.pruneLocked(now)
	for id, flow := range fs.flows {
		if lwa.ValidateState(state, flow.State) {
			delete(fs.flows, id)
			return flow, true
		}
	}
	return nil, false
}

// Len reports the pending flow count.
func (fs *FlowStore) Len() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.flows)
}

func (fs *FlowStore) pruneLocked(now time.Time) {
	for id, flow := range fs.flows {
		if flow.expired(now) {
			delete(fs.flows, id)
			log.Debugf("pruned expired link flow %s", id)
		}
	}
}
