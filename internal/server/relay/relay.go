// Package relay correlates public HTTP requests with agent responses.
//
// Each forwarded request gets an unguessable correlation id and a responder
// registered on the owning session. Exactly one of response-arrived,
// deadline-expired, session-closed, or shutdown fulfils the responder; late
// response frames for an id that already expired are dropped by the session.
package relay

import (
	"context"
	"errors"
	"time"

	"github.com/essajiwa/tunneld/internal/server/auth"
	"github.com/essajiwa/tunneld/internal/server/registry"
	"github.com/essajiwa/tunneld/pkg/protocol"
)

var (
	// ErrSendFailed means the request frame never made it onto the wire.
	ErrSendFailed = errors.New("failed to send request to agent")
	// ErrTimeout means the agent did not answer within the deadline.
	ErrTimeout = errors.New("agent response deadline exceeded")
	// ErrDisconnected means the session closed with the request in flight.
	ErrDisconnected = errors.New("agent disconnected before responding")
	// ErrShuttingDown means the server is draining.
	ErrShuttingDown = errors.New("server shutting down")
)

// Relay forwards framed requests over agent sessions.
type Relay struct {
	timeout time.Duration
}

// New creates a relay with the given per-request deadline.
func New(timeout time.Duration) *Relay {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Relay{timeout: timeout}
}

// Forward sends one request frame on the session and waits for the matching
// response. ctx is the server lifetime: its cancellation means shutdown, not
// a client disconnect, and yields ErrShuttingDown.
func (r *Relay) Forward(ctx context.Context, sess *registry.Session, method, path string, headers map[string]string, body string) (*protocol.ResponseFrame, error) {
	id := auth.NewRequestID()

	ch, err := sess.AddPending(id)
	if err != nil {
		return nil, ErrDisconnected
	}

	frame := &protocol.RequestFrame{
		Type:    protocol.FrameRequest,
		ID:      id,
		Method:  method,
		Path:    path,
		Headers: headers,
		Body:    body,
	}
	if err := sess.Send(frame); err != nil {
		sess.RemovePending(id)
		return nil, ErrSendFailed
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrDisconnected
		}
		return resp, nil
	case <-timer.C:
		sess.RemovePending(id)
		return nil, ErrTimeout
	case <-ctx.Done():
		sess.RemovePending(id)
		return nil, ErrShuttingDown
	}
}
