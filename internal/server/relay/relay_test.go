package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/essajiwa/tunneld/internal/server/registry"
	"github.com/essajiwa/tunneld/pkg/protocol"
)

// scriptedConn captures outbound request frames so a test can answer them.
type scriptedConn struct {
	mu       sync.Mutex
	requests []*protocol.RequestFrame
	sendErr  error
}

func (c *scriptedConn) WriteJSON(v interface{}) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	if frame, ok := v.(*protocol.RequestFrame); ok {
		c.mu.Lock()
		c.requests = append(c.requests, frame)
		c.mu.Unlock()
	}
	return nil
}

func (c *scriptedConn) WriteMessage(messageType int, data []byte) error { return nil }
func (c *scriptedConn) Close() error                                    { return nil }

func (c *scriptedConn) lastRequest() *protocol.RequestFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.requests) == 0 {
		return nil
	}
	return c.requests[len(c.requests)-1]
}

func TestForwardReturnsMatchedResponse(t *testing.T) {
	conn := &scriptedConn{}
	sess := registry.NewSession("t1", "u1", conn)
	r := New(time.Second)

	go func() {
		for {
			req := conn.lastRequest()
			if req == nil {
				time.Sleep(time.Millisecond)
				continue
			}
			sess.Resolve(&protocol.ResponseFrame{
				Type:       protocol.FrameResponse,
				ID:         req.ID,
				StatusCode: 200,
				Body:       json.RawMessage(`"pong"`),
			})
			return
		}
	}()

	resp, err := r.Forward(context.Background(), sess, "GET", "/ping", nil, "")
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	body, _ := resp.BodyBytes()
	if string(body) != "pong" {
		t.Fatalf("unexpected body: %q", body)
	}
	if sess.PendingCount() != 0 {
		t.Fatal("responder should be unregistered after fulfilment")
	}
}

func TestForwardTimesOut(t *testing.T) {
	sess := registry.NewSession("t1", "u1", &scriptedConn{})
	r := New(30 * time.Millisecond)

	start := time.Now()
	_, err := r.Forward(context.Background(), sess, "GET", "/slow", nil, "")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timeout took too long: %v", elapsed)
	}
	if sess.PendingCount() != 0 {
		t.Fatal("expired responder must be removed")
	}
}

func TestLateResponseAfterTimeoutIsDiscarded(t *testing.T) {
	conn := &scriptedConn{}
	sess := registry.NewSession("t1", "u1", conn)
	r := New(20 * time.Millisecond)

	if _, err := r.Forward(context.Background(), sess, "GET", "/slow", nil, ""); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	req := conn.lastRequest()
	if req == nil {
		t.Fatal("request frame never sent")
	}
	if sess.Resolve(&protocol.ResponseFrame{ID: req.ID, StatusCode: 200}) {
		t.Fatal("late response must not find a responder")
	}
}

func TestForwardFailsWhenSessionDies(t *testing.T) {
	sess := registry.NewSession("t1", "u1", &scriptedConn{})
	r := New(time.Second)

	done := make(chan error, 1)
	go func() {
		_, err := r.Forward(context.Background(), sess, "GET", "/x", nil, "")
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	sess.Abort()

	if err := <-done; !errors.Is(err, ErrDisconnected) {
		t.Fatalf("expected ErrDisconnected, got %v", err)
	}
}

func TestForwardFailsWhenSendFails(t *testing.T) {
	sess := registry.NewSession("t1", "u1", &scriptedConn{sendErr: errors.New("broken pipe")})
	r := New(time.Second)

	if _, err := r.Forward(context.Background(), sess, "GET", "/x", nil, ""); !errors.Is(err, ErrSendFailed) {
		t.Fatalf("expected ErrSendFailed, got %v", err)
	}
	if sess.PendingCount() != 0 {
		t.Fatal("responder must be unregistered after send failure")
	}
}

func TestForwardHonoursShutdown(t *testing.T) {
	sess := registry.NewSession("t1", "u1", &scriptedConn{})
	r := New(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := r.Forward(ctx, sess, "GET", "/x", nil, "")
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	if err := <-done; !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
}
