package control

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/essajiwa/tunneld/internal/database"
	"github.com/essajiwa/tunneld/internal/server/auth"
	"github.com/essajiwa/tunneld/internal/server/registry"
	"github.com/essajiwa/tunneld/pkg/protocol"
	"github.com/gorilla/websocket"
)

type testEnv struct {
	repo     *database.Repository
	registry *registry.Registry
	tokens   *auth.TokenService
	server   *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo, err := database.NewRepository(database.DialectSQLite, ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	tokens := auth.NewTokenService("test-secret")
	reg := registry.NewRegistry()
	handler := NewHandler(reg, repo, tokens, "http://tunnel.test")

	srv := httptest.NewServer(http.HandlerFunc(handler.HandleAgent))
	t.Cleanup(srv.Close)

	return &testEnv{repo: repo, registry: reg, tokens: tokens, server: srv}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	var welcome protocol.WelcomeFrame
	if err := conn.ReadJSON(&welcome); err != nil {
		t.Fatalf("failed to read welcome: %v", err)
	}
	if welcome.Type != protocol.FrameWelcome {
		t.Fatalf("expected welcome frame, got %s", welcome.Type)
	}
	return conn
}

func (e *testEnv) token(t *testing.T) string {
	t.Helper()
	token, err := e.tokens.Sign("u1", "u@x", "device_1")
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	return token
}

// registerAgent completes a handshake and returns the registered frame.
func (e *testEnv) registerAgent(t *testing.T, conn *websocket.Conn, agentID, subdomain string) *protocol.RegisteredFrame {
	t.Helper()
	err := conn.WriteJSON(&protocol.RegisterFrame{
		Type:      protocol.FrameRegister,
		AgentID:   agentID,
		Token:     e.token(t),
		Subdomain: subdomain,
	})
	if err != nil {
		t.Fatalf("failed to send register: %v", err)
	}

	var frame protocol.RegisteredFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("failed to read registered frame: %v", err)
	}
	if frame.Type != protocol.FrameRegistered {
		t.Fatalf("expected registered frame, got %s", frame.Type)
	}
	return &frame
}

func closeCode(err error) int {
	if ce, ok := err.(*websocket.CloseError); ok {
		return ce.Code
	}
	return 0
}

// readUntilClose drains frames until the server closes the connection and
// returns the close code.
func readUntilClose(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return closeCode(err)
		}
	}
}

func TestRegisterHappyPath(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)

	frame := env.registerAgent(t, conn, "t1", "")
	if frame.Tunnel.ID != "t1" || frame.Tunnel.Subdomain != "t1" {
		t.Fatalf("unexpected tunnel record: %+v", frame.Tunnel)
	}
	if frame.URL != "http://tunnel.test/t1" {
		t.Fatalf("unexpected public URL: %s", frame.URL)
	}

	tun, err := env.repo.GetTunnelByID("t1")
	if err != nil || tun == nil {
		t.Fatalf("tunnel row missing: %v, %v", tun, err)
	}
	if !tun.IsActive || tun.UserID != "u1" {
		t.Fatalf("unexpected tunnel state: %+v", tun)
	}

	user, err := env.repo.GetUser("u1")
	if err != nil || user == nil {
		t.Fatalf("user should be created on first registration: %v, %v", user, err)
	}

	if _, ok := env.registry.Get("t1"); !ok {
		t.Fatal("registry should hold the session")
	}
}

func TestRegisterInvalidTokenCloses4001(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)

	conn.WriteJSON(&protocol.RegisterFrame{
		Type:    protocol.FrameRegister,
		AgentID: "t1",
		Token:   "not-a-token",
	})

	if code := readUntilClose(t, conn); code != protocol.CloseAuthFailed {
		t.Fatalf("expected close code %d, got %d", protocol.CloseAuthFailed, code)
	}

	tun, _ := env.repo.GetTunnelByID("t1")
	if tun != nil {
		t.Fatal("auth failure must not create a tunnel row")
	}
}

func TestFirstFrameMustBeRegister(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)

	conn.WriteJSON(&protocol.PingFrame{Type: protocol.FramePing, Timestamp: time.Now().Unix()})

	if code := readUntilClose(t, conn); code != protocol.CloseRegistrationFailed {
		t.Fatalf("expected close code %d, got %d", protocol.CloseRegistrationFailed, code)
	}
}

func TestDuplicateRegistrationEvictsPriorSession(t *testing.T) {
	env := newTestEnv(t)

	first := env.dial(t)
	env.registerAgent(t, first, "t1", "")

	second := env.dial(t)
	env.registerAgent(t, second, "t1", "")

	// The first transport must observe close code 4002.
	if code := readUntilClose(t, first); code != protocol.CloseDuplicateTunnel {
		t.Fatalf("expected close code %d, got %d", protocol.CloseDuplicateTunnel, code)
	}

	// The registry must hold the new session, and the tunnel row must stay
	// active even after the evicted reader finishes its cleanup.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := env.registry.Get("t1"); ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, ok := env.registry.Get("t1"); !ok {
		t.Fatal("registry should hold the replacement session")
	}

	time.Sleep(50 * time.Millisecond)
	tun, _ := env.repo.GetTunnelByID("t1")
	if !tun.IsActive {
		t.Fatal("eviction cleanup must not deactivate the replacement session's tunnel")
	}
}

func TestExplicitSubdomainConflictCloses4003(t *testing.T) {
	env := newTestEnv(t)

	first := env.dial(t)
	env.registerAgent(t, first, "t1", "taken")

	second := env.dial(t)
	second.WriteJSON(&protocol.RegisterFrame{
		Type:      protocol.FrameRegister,
		AgentID:   "t2",
		Token:     env.token(t),
		Subdomain: "taken",
	})

	// An error frame precedes the close.
	sawError := false
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := second.ReadMessage()
		if err != nil {
			if code := closeCode(err); code != protocol.CloseRegistrationFailed {
				t.Fatalf("expected close code %d, got %d", protocol.CloseRegistrationFailed, code)
			}
			break
		}
		var frame protocol.Envelope
		if json.Unmarshal(data, &frame) == nil && frame.Type == protocol.FrameError {
			sawError = true
		}
	}
	if !sawError {
		t.Fatal("expected an error frame before the close")
	}

	if tun, _ := env.repo.GetTunnelByID("t2"); tun != nil {
		t.Fatal("conflicting registration must not create a tunnel row")
	}
}

func TestImplicitSubdomainConflictGeneratesVariant(t *testing.T) {
	env := newTestEnv(t)

	// Occupy the subdomain "shared" with a different tunnel.
	first := env.dial(t)
	env.registerAgent(t, first, "other", "shared")

	second := env.dial(t)
	second.WriteJSON(&protocol.RegisterFrame{
		Type:       protocol.FrameRegister,
		AgentID:    "shared",
		Token:      env.token(t),
		TunnelName: "My Shared App!",
	})

	var frame protocol.RegisteredFrame
	if err := second.ReadJSON(&frame); err != nil {
		t.Fatalf("failed to read registered frame: %v", err)
	}
	if frame.Tunnel.Subdomain == "shared" {
		t.Fatal("generated subdomain must not collide")
	}
	if !strings.HasPrefix(frame.Tunnel.Subdomain, "mysharedapp-") {
		t.Fatalf("expected variant derived from the tunnel name, got %q", frame.Tunnel.Subdomain)
	}
}

func TestDisconnectFlipsActiveFlag(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)
	env.registerAgent(t, conn, "t1", "")

	before := time.Now().UTC().Add(-time.Second)
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		tun, _ := env.repo.GetTunnelByID("t1")
		if tun != nil && !tun.IsActive {
			if tun.LastDisconnected == nil || tun.LastDisconnected.Before(before) {
				t.Fatalf("lastDisconnected not stamped: %+v", tun)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("tunnel was not marked inactive after transport close")
}

func TestPingIsAnsweredWithPong(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)
	env.registerAgent(t, conn, "t1", "")

	conn.WriteJSON(&protocol.PingFrame{Type: protocol.FramePing, Timestamp: time.Now().Unix()})

	var pong protocol.PongFrame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&pong); err != nil {
		t.Fatalf("failed to read pong: %v", err)
	}
	if pong.Type != protocol.FramePong {
		t.Fatalf("expected pong frame, got %s", pong.Type)
	}
}

func TestSanitizeSubdomain(t *testing.T) {
	cases := []struct{ in, want string }{
		{"My App", "myapp"},
		{"Hello-World_99", "helloworld99"},
		{strings.Repeat("abc", 20), strings.Repeat("abc", 20)[:20]},
		{"!!!", ""},
	}
	for _, c := range cases {
		if got := sanitizeSubdomain(c.in); got != c.want {
			t.Fatalf("sanitizeSubdomain(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
