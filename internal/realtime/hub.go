package realtime

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/driftline/notify-api/internal/authz"
)

const writeTimeout = 5 * time.Second

// Hub tracks live websocket sessions per user and pushes notification
// envelopes to them. Delivery is fire-and-forget: an absent or broken
// session is not an error, the caller just falls back to another
// channel.
type Hub struct {
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu       sync.RWMutex
	sessions map[string][]*session
}

type session struct {
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes to the conn
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger:   logger.With().Str("component", "realtime_hub").Logger(),
		sessions: make(map[string][]*session),
	}
}

// HandleConnection upgrades an authenticated request to a websocket and
// registers it for the requesting user.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	userID, ok := authz.UserIDFromRequest(r)
	if !ok {
		http.Error(w, "Missing user context", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("user_id", userID).Msg("websocket upgrade failed")
		return
	}

	sess := &session{conn: conn}
	h.register(userID, sess)
	h.logger.Debug().Str("user_id", userID).Msg("session connected")

	// The client never sends meaningful frames; the read loop exists to
	// notice the close.
	go func() {
		defer func() {
			h.unregister(userID, sess)
			conn.Close()
			h.logger.Debug().Str("user_id", userID).Msg("session disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// PushToUser writes the envelope to every live session of the user and
// reports whether at least one write succeeded.
func (h *Hub) PushToUser(userID string, envelope interface{}) bool {
	h.mu.RLock()
	sessions := append([]*session(nil), h.sessions[userID]...)
	h.mu.RUnlock()

	delivered := false
	for _, sess := range sessions {
		if sess.writeJSON(envelope) {
			delivered = true
		} else {
			h.unregister(userID, sess)
			sess.conn.Close()
		}
	}
	return delivered
}

// SessionCount reports live sessions for a user, used by health checks
// and tests.
func (h *Hub) SessionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID])
}

func (s *session) writeJSON(v interface{}) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v) == nil
}

func (h *Hub) register(userID string, sess *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[userID] = append(h.sessions[userID], sess)
}

func (h *Hub) unregister(userID string, sess *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	remaining := h.sessions[userID][:0]
	for _, s := range h.sessions[userID] {
		if s != sess {
			remaining = append(remaining, s)
		}
	}
	if len(remaining) == 0 {
		delete(h.sessions, userID)
	} else {
		h.sessions[userID] = remaining
	}
}
