package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/notify-api/internal/authz"
)

func newTestServer(t *testing.T, hub *Hub, userID string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userID != "" {
			r = r.WithContext(authz.WithUser(r.Context(), userID))
		}
		hub.HandleConnection(w, r)
	}))
	t.Cleanup(server.Close)
	return server
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestPushToUserDeliversToLiveSession(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	server := newTestServer(t, hub, "u1")

	conn := dial(t, server)

	require.Eventually(t, func() bool {
		return hub.SessionCount("u1") == 1
	}, time.Second, 10*time.Millisecond)

	assert.True(t, hub.PushToUser("u1", map[string]string{"title": "hello"}))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var envelope map[string]string
	require.NoError(t, conn.ReadJSON(&envelope))
	assert.Equal(t, "hello", envelope["title"])
}

func TestPushToUserWithoutSession(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	assert.False(t, hub.PushToUser("nobody", map[string]string{"title": "hello"}))
}

func TestPushToUserFansOutToAllSessions(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	server := newTestServer(t, hub, "u1")

	first := dial(t, server)
	second := dial(t, server)

	require.Eventually(t, func() bool {
		return hub.SessionCount("u1") == 2
	}, time.Second, 10*time.Millisecond)

	assert.True(t, hub.PushToUser("u1", map[string]string{"title": "fan out"}))

	for _, conn := range []*websocket.Conn{first, second} {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		var envelope map[string]string
		require.NoError(t, conn.ReadJSON(&envelope))
		assert.Equal(t, "fan out", envelope["title"])
	}
}

func TestDisconnectedSessionIsUnregistered(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	server := newTestServer(t, hub, "u1")

	conn := dial(t, server)
	require.Eventually(t, func() bool {
		return hub.SessionCount("u1") == 1
	}, time.Second, 10*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool {
		return hub.SessionCount("u1") == 0
	}, time.Second, 10*time.Millisecond)

	assert.False(t, hub.PushToUser("u1", map[string]string{"title": "late"}))
}

func TestHandleConnectionRejectsAnonymousRequest(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	server := newTestServer(t, hub, "")

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
