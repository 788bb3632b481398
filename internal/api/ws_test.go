package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skybridge-home/alexahub/internal/events"
)

func dialEventsWS(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(f.server.Handler())
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v0/events/ws"
	header := http.Header{"X-Api-Key": []string{testAPIKey}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestEventsWSStreamsBusEvents(t *testing.T) {
	f := newFixture(t)
	conn := dialEventsWS(t, f)

	// The handler subscribes after the handshake completes, so republish
	// until the first frame lands instead of racing a single publish.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			f.bus.Publish(events.Event{
				Type:    events.TypeTokenRefreshed,
				EntryID: "entry-1",
				Time:    time.Now().UTC(),
			})
			select {
			case <-done:
				return
			case <-ticker.C:
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var got events.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, events.TypeTokenRefreshed, got.Type)
	assert.Equal(t, "entry-1", got.EntryID)
}

func TestEventsWSRequiresAPIKey(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.server.Handler())
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v0/events/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	if conn != nil {
		_ = conn.Close()
	}
	require.NotNil(t, resp)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
