package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentpool/agentpool/internal/hook"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The stream is an internal administrative surface; it carries no
	// browser credentials.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamFrame is one websocket message mirroring a lifecycle event.
type streamFrame struct {
	Event      string         `json:"event"`
	InstanceID string         `json:"instance_id"`
	SessionID  string         `json:"session_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Output     string         `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// sessionStream forwards one session's lifecycle events over a websocket
// connection. It registers itself as a hook handler for the connection's
// lifetime and unregisters on disconnect.
type sessionStream struct {
	sessionID string
	conn      *websocket.Conn

	mu     sync.Mutex
	closed bool
}

// Name identifies the subscriber in logs.
func (st *sessionStream) Name() string { return "stream:" + st.sessionID }

// Handle forwards events belonging to the stream's session; everything else
// is ignored. A write failure marks the stream closed so the read loop can
// tear it down.
func (st *sessionStream) Handle(hc *hook.Context) error {
	if hc.SessionID != st.sessionID {
		return nil
	}

	frame := streamFrame{
		Event:      string(hc.Event),
		InstanceID: hc.InstanceID,
		SessionID:  hc.SessionID,
		Timestamp:  hc.Timestamp,
		Output:     hc.Output,
		Error:      hc.Error,
	}
	if len(hc.Metadata) > 0 {
		frame.Metadata = hc.Metadata
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil
	}
	if err := st.conn.WriteJSON(frame); err != nil {
		st.closed = true
		return err
	}
	return nil
}

func (st *sessionStream) close() {
	st.mu.Lock()
	st.closed = true
	st.mu.Unlock()
	st.conn.Close()
}

// handleSessionStream upgrades the request to a websocket and mirrors the
// session's output-chunk and terminal events until the client disconnects.
func (s *Server) handleSessionStream(w http.ResponseWriter, r *http.Request) {
	if s.hooks == nil {
		writeError(w, http.StatusServiceUnavailable, "streaming is not enabled")
		return
	}
	sessionID := r.PathValue("id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed",
			"session_id", sessionID,
			"error", err.Error())
		return
	}

	st := &sessionStream{sessionID: sessionID, conn: conn}
	s.hooks.Register(st,
		hook.EventOutputChunk,
		hook.EventPostExecution,
		hook.EventError,
		hook.EventAgentStop,
	)
	s.logger.Info("session stream opened", "session_id", sessionID)

	defer func() {
		s.hooks.Unregister(st)
		st.close()
		s.logger.Info("session stream closed", "session_id", sessionID)
	}()

	// The client never sends application data; the read loop exists to
	// notice the disconnect and to answer control frames.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
