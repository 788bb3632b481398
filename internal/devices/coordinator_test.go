package devices

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/skybridge-home/alexahub/internal/events"
)

type deviceAPIStub struct {
	mu        sync.Mutex
	devices   string
	states    map[string]string
	unauth    bool
	listCalls int
}

func (s *deviceAPIStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unauth {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	switch {
	case r.URL.Path == "/v1/devices":
		s.listCalls++
		_, _ = w.Write([]byte(s.devices))
	default:
		// /v1/devices/{id}/state
		id := r.URL.Path[len("/v1/devices/") : len(r.URL.Path)-len("/state")]
		if body, ok := s.states[id]; ok {
			_, _ = w.Write([]byte(body))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}
}

func stubCoordinator(t *testing.T, stub *deviceAPIStub, opts ...CoordinatorOption) *Coordinator {
	t.Helper()
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)
	client := &Client{
		apiBase: srv.URL,
		source: oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: "Atza|test", TokenType: "Bearer",
		}),
		httpClient: srv.Client(),
		delays:     nil,
	}
	return NewCoordinator("entry-1", client, opts...)
}

func TestCoordinatorSweepDiscoversAndPolls(t *testing.T) {
	stub := &deviceAPIStub{
		devices: `{"devices": [
			{"id": "lamp-1", "name": "Lamp", "online": true,
				"capabilities": [{"interface": "Alexa.PowerController"}]},
			{"id": "sensor-1", "name": "Sensor", "online": false}
		]}`,
		states: map[string]string{
			"lamp-1": `{"state": {"power": "ON"}}`,
		},
	}
	c := stubCoordinator(t, stub)

	c.sweep(context.Background())

	devices := c.Devices()
	if len(devices) != 2 {
		t.Fatalf("devices = %d, want 2", len(devices))
	}
	online := c.OnlineDevices()
	if len(online) != 1 || online[0].ID != "lamp-1" {
		t.Fatalf("online = %+v", online)
	}
	if online[0].State["power"] != "ON" {
		t.Errorf("lamp state = %v", online[0].State)
	}

	// A second sweep inside the discovery interval polls state only.
	c.sweep(context.Background())
	stub.mu.Lock()
	listCalls := stub.listCalls
	stub.mu.Unlock()
	if listCalls != 1 {
		t.Errorf("discovery ran %d times, want 1", listCalls)
	}
}

func TestCoordinatorForceDiscovery(t *testing.T) {
	stub := &deviceAPIStub{devices: `{"devices": []}`}
	c := stubCoordinator(t, stub)

	c.sweep(context.Background())
	c.ForceDiscovery()
	c.sweep(context.Background())

	stub.mu.Lock()
	listCalls := stub.listCalls
	stub.mu.Unlock()
	// Empty cache forces discovery on both sweeps anyway; the point is the
	// reset clock does not suppress it.
	if listCalls != 2 {
		t.Errorf("discovery ran %d times, want 2", listCalls)
	}
}

type capturingDispatcher struct {
	mu      sync.Mutex
	entries []string
}

func (d *capturingDispatcher) Dispatch(_ context.Context, entryID string, _ error) {
	d.mu.Lock()
	d.entries = append(d.entries, entryID)
	d.mu.Unlock()
}

func TestCoordinatorAuthErrorDispatchesReauth(t *testing.T) {
	stub := &deviceAPIStub{unauth: true}
	dispatcher := &capturingDispatcher{}
	c := stubCoordinator(t, stub, WithReauthDispatcher(dispatcher))

	c.sweep(context.Background())

	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	if len(dispatcher.entries) != 1 || dispatcher.entries[0] != "entry-1" {
		t.Fatalf("dispatched = %v", dispatcher.entries)
	}
}

func TestCoordinatorStateChangePublishes(t *testing.T) {
	stub := &deviceAPIStub{
		devices: `{"devices": [{"id": "lamp-1", "name": "Lamp", "online": true}]}`,
		states: map[string]string{
			"lamp-1": `{"state": {"power": "OFF"}}`,
		},
	}
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(16)
	defer cancel()
	c := stubCoordinator(t, stub, WithBus(bus))
	c.sweep(context.Background())

	stub.mu.Lock()
	stub.states["lamp-1"] = `{"state": {"power": "ON"}}`
	stub.mu.Unlock()
	c.sweep(context.Background())

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type != events.TypeDeviceStateChanged {
				continue
			}
			state, _ := ev.Data["state"].(map[string]any)
			if state["power"] != "ON" {
				continue
			}
			if ev.Data["device_id"] != "lamp-1" || ev.EntryID != "entry-1" {
				t.Errorf("event = %+v", ev)
			}
			return
		case <-deadline:
			t.Fatal("state change never published")
		}
	}
}
