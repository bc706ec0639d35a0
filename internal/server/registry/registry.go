// Package registry tracks live agent sessions for tunneld.
//
// It owns the tunnelId → session mapping and the per-session set of pending
// responders. Writers are the control accept path, the public ingress path,
// the response dispatcher, and the close handler, so every map is guarded.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/essajiwa/tunneld/pkg/protocol"
	"github.com/gorilla/websocket"
)

// ErrSessionClosed is returned when registering a responder on a session
// whose transport has already gone away.
var ErrSessionClosed = errors.New("agent session closed")

// AgentConn is the slice of a WebSocket connection the registry needs.
// *websocket.Conn satisfies it.
type AgentConn interface {
	WriteJSON(v interface{}) error
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Session is one live agent transport bound to exactly one tunnel id.
type Session struct {
	TunnelID string
	UserID   string

	conn    AgentConn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *protocol.ResponseFrame
	closed  bool
}

// NewSession wraps an accepted transport.
func NewSession(tunnelID, userID string, conn AgentConn) *Session {
	return &Session{
		TunnelID: tunnelID,
		UserID:   userID,
		conn:     conn,
		pending:  make(map[string]chan *protocol.ResponseFrame),
	}
}

// Send serialises one outbound frame onto the transport. Frames from
// concurrent ingress goroutines never interleave.
func (s *Session) Send(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// AddPending registers a responder for a correlation id. The returned
// channel yields the matching response frame, or is closed when the session
// dies before answering.
func (s *Session) AddPending(id string) (<-chan *protocol.ResponseFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if _, exists := s.pending[id]; exists {
		return nil, fmt.Errorf("correlation id %s already registered", id)
	}
	ch := make(chan *protocol.ResponseFrame, 1)
	s.pending[id] = ch
	return ch, nil
}

// Resolve fulfils the responder for a response frame. It reports false for
// unknown ids, which covers late responses after a timeout.
func (s *Session) Resolve(frame *protocol.ResponseFrame) bool {
	s.mu.Lock()
	ch, ok := s.pending[frame.ID]
	if ok {
		delete(s.pending, frame.ID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	ch <- frame
	return true
}

// RemovePending drops a responder that will no longer be fulfilled, such as
// after its deadline fired.
func (s *Session) RemovePending(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// PendingCount returns the number of in-flight responders.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Abort marks the session dead and wakes every outstanding responder by
// closing its channel.
func (s *Session) Abort() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pending := s.pending
	s.pending = make(map[string]chan *protocol.ResponseFrame)
	s.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
}

// CloseWith sends a close frame with the given code, aborts outstanding
// responders, and tears the transport down.
func (s *Session) CloseWith(code int, reason string) {
	s.writeMu.Lock()
	s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason))
	s.writeMu.Unlock()
	s.Abort()
	s.conn.Close()
}

// Registry is the concurrent tunnelId → session map.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Install binds a session to its tunnel id. If a prior session holds the id
// it is closed with code 4002 and removed before the new one is visible; the
// new registration is never refused. The evicted session is returned for
// logging, or nil.
func (r *Registry) Install(s *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.sessions[s.TunnelID]
	if old != nil {
		old.CloseWith(protocol.CloseDuplicateTunnel, "duplicate tunnel id")
		delete(r.sessions, s.TunnelID)
	}
	r.sessions[s.TunnelID] = s
	return old
}

// Remove drops the session for a tunnel id, but only if it is still the
// installed one; a session evicted by a newer registration must not remove
// its replacement.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.TunnelID] != s {
		return false
	}
	delete(r.sessions, s.TunnelID)
	return true
}

// Get retrieves the live session for a tunnel id.
func (r *Registry) Get(tunnelID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[tunnelID]
	return s, ok
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll tears down every session with the given close code. Used on
// shutdown with code 1000.
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.CloseWith(code, reason)
	}
}
