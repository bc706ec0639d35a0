// Package protocol defines the framed messages exchanged between the tunneld
// server and its agents.
//
// The agent transport carries one JSON document per WebSocket message. The
// agent opens the connection, the server greets it with a welcome frame, and
// the first agent frame must be a register frame. After registration the
// server pushes request frames and the agent answers with response frames
// matched by correlation id.
//
// Message Types:
//   - register: agent registration (agent → server)
//   - welcome: sent on accept (server → agent)
//   - registered: successful registration (server → agent)
//   - error: structured error (server → agent)
//   - request: forwarded public HTTP request (server → agent)
//   - response: agent's answer to a request (agent → server)
//   - ping/pong: keep-alive (both directions)
package protocol

import (
	"encoding/json"
	"time"
)

// FrameType identifies a message on the agent transport.
type FrameType string

const (
	// FrameRegister is the first frame an agent must send.
	FrameRegister FrameType = "register"
	// FrameWelcome is sent by the server immediately after accept.
	FrameWelcome FrameType = "welcome"
	// FrameRegistered acknowledges a successful registration.
	FrameRegistered FrameType = "registered"
	// FrameError carries a structured error to the agent.
	FrameError FrameType = "error"
	// FrameRequest forwards a public HTTP request to the agent.
	FrameRequest FrameType = "request"
	// FrameResponse carries the agent's answer to a request frame.
	FrameResponse FrameType = "response"
	FramePing     FrameType = "ping"
	FramePong     FrameType = "pong"
)

// WebSocket close codes used on the agent transport.
const (
	CloseNormal             = 1000
	CloseAuthFailed         = 4001
	CloseDuplicateTunnel    = 4002
	CloseRegistrationFailed = 4003
)

// Envelope is the minimal decode target used to dispatch an inbound frame
// before unmarshalling it into its concrete type.
type Envelope struct {
	Type FrameType `json:"type"`
}

// RegisterFrame is sent by an agent to bind its tunnel.
type RegisterFrame struct {
	Type        FrameType `json:"type"`
	AgentID     string    `json:"agentId"`
	Token       string    `json:"token"`
	TunnelName  string    `json:"tunnelName,omitempty"`
	Subdomain   string    `json:"subdomain,omitempty"`
	LocalPort   int       `json:"localPort,omitempty"`
	Description string    `json:"description,omitempty"`
}

// WelcomeFrame greets a freshly accepted transport.
type WelcomeFrame struct {
	Type      FrameType `json:"type"`
	Timestamp int64     `json:"timestamp"`
}

// TunnelRecord is the canonical tunnel object echoed back on registration.
type TunnelRecord struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Subdomain   string `json:"subdomain"`
	Description string `json:"description,omitempty"`
	LocalPort   int    `json:"localPort,omitempty"`
	Protocol    string `json:"protocol"`
	IsActive    bool   `json:"isActive"`
}

// RegisteredFrame confirms a registration and carries the public URL.
type RegisteredFrame struct {
	Type   FrameType    `json:"type"`
	Tunnel TunnelRecord `json:"tunnel"`
	URL    string       `json:"url"`
}

// ErrorFrame reports a failure to the agent.
type ErrorFrame struct {
	Type    FrameType `json:"type"`
	Message string    `json:"message"`
	Error   string    `json:"error,omitempty"`
}

// RequestFrame forwards one public HTTP request. Body is the raw request
// entity as a string.
type RequestFrame struct {
	Type    FrameType         `json:"type"`
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// ResponseFrame is the agent's answer to a request frame. Body is kept raw:
// agents may send either a plain string or a structured JSON value, and the
// front-end re-serialises structured bodies.
type ResponseFrame struct {
	Type       FrameType         `json:"type"`
	ID         string            `json:"id"`
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       json.RawMessage   `json:"body"`
}

// BodyBytes renders the response body for the HTTP client. A JSON string
// body is unquoted; any other JSON value is passed through verbatim and the
// second return reports that the payload is structured.
func (f *ResponseFrame) BodyBytes() ([]byte, bool) {
	if len(f.Body) == 0 {
		return nil, false
	}
	if f.Body[0] == '"' {
		var s string
		if err := json.Unmarshal(f.Body, &s); err == nil {
			return []byte(s), false
		}
	}
	return []byte(f.Body), true
}

// PingFrame is a keep-alive probe.
type PingFrame struct {
	Type      FrameType `json:"type"`
	Timestamp int64     `json:"timestamp"`
}

// PongFrame answers a ping.
type PongFrame struct {
	Type      FrameType `json:"type"`
	Timestamp int64     `json:"timestamp"`
}

// NewWelcome builds a welcome frame stamped with the current time.
func NewWelcome() *WelcomeFrame {
	return &WelcomeFrame{Type: FrameWelcome, Timestamp: time.Now().Unix()}
}

// NewPong answers a ping frame.
func NewPong() *PongFrame {
	return &PongFrame{Type: FramePong, Timestamp: time.Now().Unix()}
}

// NewError builds an error frame.
func NewError(message, detail string) *ErrorFrame {
	return &ErrorFrame{Type: FrameError, Message: message, Error: detail}
}
