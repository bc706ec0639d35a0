// Package control implements the agent-facing WebSocket endpoint: session
// accept, registration, authentication, and disconnect bookkeeping.
package control

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/essajiwa/tunneld/internal/database"
	"github.com/essajiwa/tunneld/internal/server/auth"
	"github.com/essajiwa/tunneld/internal/server/registry"
	"github.com/essajiwa/tunneld/pkg/protocol"
	"github.com/gorilla/websocket"
)

// registerDeadline bounds how long a fresh transport may sit silent before
// its register frame arrives.
const registerDeadline = 30 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler owns the agent transport lifecycle.
type Handler struct {
	registry *registry.Registry
	repo     *database.Repository
	tokens   *auth.TokenService
	baseURL  string
}

// NewHandler creates a control handler.
func NewHandler(reg *registry.Registry, repo *database.Repository, tokens *auth.TokenService, baseURL string) *Handler {
	return &Handler{
		registry: reg,
		repo:     repo,
		tokens:   tokens,
		baseURL:  strings.TrimRight(baseURL, "/"),
	}
}

// HandleAgent upgrades the connection, performs the register handshake, and
// then serves the session's read loop until the transport closes.
func (h *Handler) HandleAgent(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade agent connection: %v", err)
		return
	}
	defer conn.Close()

	if err := conn.WriteJSON(protocol.NewWelcome()); err != nil {
		log.Printf("Failed to send welcome: %v", err)
		return
	}

	sess, ok := h.register(conn)
	if !ok {
		return
	}

	log.Printf("Agent registered: tunnel %s (user %s)", sess.TunnelID, sess.UserID)
	h.readLoop(conn, sess)

	// The reader exits on transport close or after an eviction; only the
	// session that still owns the map entry flips the persisted flag.
	sess.Abort()
	if h.registry.Remove(sess) {
		if err := h.repo.MarkTunnelDisconnected(sess.TunnelID, time.Now().UTC()); err != nil {
			log.Printf("Failed to mark tunnel %s disconnected: %v", sess.TunnelID, err)
		}
		log.Printf("Agent disconnected: tunnel %s", sess.TunnelID)
	}
}

// register reads and validates the first frame, binds the tunnel row, and
// installs the session. It returns false when the transport was closed.
func (h *Handler) register(conn *websocket.Conn) (*registry.Session, bool) {
	conn.SetReadDeadline(time.Now().Add(registerDeadline))

	_, data, err := conn.ReadMessage()
	if err != nil {
		log.Printf("Failed to read register frame: %v", err)
		return nil, false
	}

	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != protocol.FrameRegister {
		h.closeWith(conn, protocol.CloseRegistrationFailed, "expected register frame")
		return nil, false
	}

	var reg protocol.RegisterFrame
	if err := json.Unmarshal(data, &reg); err != nil || reg.AgentID == "" {
		h.closeWith(conn, protocol.CloseRegistrationFailed, "invalid register frame")
		return nil, false
	}

	claims, err := h.tokens.Verify(reg.Token)
	if err != nil {
		log.Printf("Agent auth failed for %s: %v", reg.AgentID, err)
		h.closeWith(conn, protocol.CloseAuthFailed, "authentication failed")
		return nil, false
	}
	conn.SetReadDeadline(time.Time{})

	tunnelID := reg.AgentID

	if err := h.repo.CreateUserIfMissing(claims.UserID, claims.Email, ""); err != nil {
		h.sendError(conn, "registration failed", err)
		h.closeWith(conn, protocol.CloseRegistrationFailed, "registration failed")
		return nil, false
	}

	subdomain, conflict, err := h.resolveSubdomain(tunnelID, reg.Subdomain, reg.TunnelName)
	if err != nil {
		h.sendError(conn, "registration failed", err)
		h.closeWith(conn, protocol.CloseRegistrationFailed, "registration failed")
		return nil, false
	}
	if conflict {
		h.sendError(conn, fmt.Sprintf("subdomain %s is already in use", reg.Subdomain), nil)
		h.closeWith(conn, protocol.CloseRegistrationFailed, "subdomain conflict")
		return nil, false
	}

	name := reg.TunnelName
	if name == "" {
		name = tunnelID
	}
	tunnel := &database.Tunnel{
		ID:          tunnelID,
		UserID:      claims.UserID,
		Subdomain:   subdomain,
		Name:        name,
		Description: reg.Description,
		LocalPort:   reg.LocalPort,
		Protocol:    "http",
	}
	if err := h.repo.UpsertTunnel(tunnel); err != nil {
		h.sendError(conn, "registration failed", err)
		h.closeWith(conn, protocol.CloseRegistrationFailed, "registration failed")
		return nil, false
	}
	if err := h.repo.MarkTunnelConnected(tunnelID, time.Now().UTC()); err != nil {
		h.sendError(conn, "registration failed", err)
		h.closeWith(conn, protocol.CloseRegistrationFailed, "registration failed")
		return nil, false
	}

	sess := registry.NewSession(tunnelID, claims.UserID, conn)
	if evicted := h.registry.Install(sess); evicted != nil {
		log.Printf("Evicted duplicate session for tunnel %s", tunnelID)
	}

	registered := &protocol.RegisteredFrame{
		Type: protocol.FrameRegistered,
		Tunnel: protocol.TunnelRecord{
			ID:          tunnelID,
			Name:        name,
			Subdomain:   subdomain,
			Description: reg.Description,
			LocalPort:   reg.LocalPort,
			Protocol:    "http",
			IsActive:    true,
		},
		URL: h.baseURL + "/" + subdomain,
	}
	if err := sess.Send(registered); err != nil {
		log.Printf("Failed to send registered frame to %s: %v", tunnelID, err)
		return sess, true
	}
	return sess, true
}

// resolveSubdomain picks the subdomain for a registration. conflict is true
// when the caller asked for a subdomain another tunnel owns.
func (h *Handler) resolveSubdomain(tunnelID, explicit, tunnelName string) (string, bool, error) {
	desired := explicit
	if desired == "" {
		desired = tunnelID
	}

	owner, err := h.repo.GetTunnelBySubdomain(desired)
	if err != nil {
		return "", false, err
	}
	if owner == nil || owner.ID == tunnelID {
		return desired, false, nil
	}
	if explicit != "" {
		return "", true, nil
	}

	base := sanitizeSubdomain(tunnelName)
	if base == "" {
		base = sanitizeSubdomain(tunnelID)
	}
	if base == "" {
		base = "tunnel"
	}
	for n := 1; n <= 100; n++ {
		candidate := fmt.Sprintf("%s-%d", base, n)
		owner, err := h.repo.GetTunnelBySubdomain(candidate)
		if err != nil {
			return "", false, err
		}
		if owner == nil || owner.ID == tunnelID {
			return candidate, false, nil
		}
	}
	return base + "-" + strconv.FormatInt(time.Now().UnixMilli(), 10), false, nil
}

// sanitizeSubdomain lowercases, strips non-alphanumerics, and keeps at most
// 20 characters.
func sanitizeSubdomain(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
		if b.Len() >= 20 {
			break
		}
	}
	return b.String()
}

func (h *Handler) readLoop(conn *websocket.Conn, sess *registry.Session) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("Dropping malformed frame from tunnel %s: %v", sess.TunnelID, err)
			continue
		}

		switch env.Type {
		case protocol.FrameResponse:
			var frame protocol.ResponseFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				log.Printf("Dropping malformed response from tunnel %s: %v", sess.TunnelID, err)
				continue
			}
			if !sess.Resolve(&frame) {
				log.Printf("Dropping late response %s from tunnel %s", frame.ID, sess.TunnelID)
			}
		case protocol.FramePing:
			if err := sess.Send(protocol.NewPong()); err != nil {
				return
			}
		default:
			log.Printf("Unknown frame type %q from tunnel %s", env.Type, sess.TunnelID)
		}
	}
}

func (h *Handler) sendError(conn *websocket.Conn, message string, err error) {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	if werr := conn.WriteJSON(protocol.NewError(message, detail)); werr != nil {
		log.Printf("Failed to send error frame: %v", werr)
	}
}

func (h *Handler) closeWith(conn *websocket.Conn, code int, reason string) {
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason))
	conn.Close()
}
