package registry

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/essajiwa/tunneld/pkg/protocol"
	"github.com/gorilla/websocket"
)

// fakeConn records frames written to it and the close code it was torn down
// with.
type fakeConn struct {
	mu        sync.Mutex
	frames    []interface{}
	closeCode int
	closed    bool
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, v)
	return nil
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if messageType == websocket.CloseMessage && len(data) >= 2 {
		c.closeCode = int(binary.BigEndian.Uint16(data[:2]))
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) lastCloseCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

func TestRegistryLifecycle(t *testing.T) {
	reg := NewRegistry()
	sess := NewSession("t1", "u1", &fakeConn{})

	if evicted := reg.Install(sess); evicted != nil {
		t.Fatalf("unexpected eviction: %+v", evicted)
	}

	got, ok := reg.Get("t1")
	if !ok || got != sess {
		t.Fatal("expected installed session to be retrievable")
	}
	if reg.Count() != 1 {
		t.Fatalf("expected 1 session, got %d", reg.Count())
	}

	if !reg.Remove(sess) {
		t.Fatal("expected removal of current session to succeed")
	}
	if _, ok := reg.Get("t1"); ok {
		t.Fatal("expected session to be gone after removal")
	}
}

func TestInstallEvictsDuplicateWithCode4002(t *testing.T) {
	reg := NewRegistry()

	oldConn := &fakeConn{}
	old := NewSession("t1", "u1", oldConn)
	reg.Install(old)

	ch, err := old.AddPending("req-1")
	if err != nil {
		t.Fatalf("add pending failed: %v", err)
	}

	replacement := NewSession("t1", "u1", &fakeConn{})
	evicted := reg.Install(replacement)
	if evicted != old {
		t.Fatal("expected prior session to be evicted")
	}

	if code := oldConn.lastCloseCode(); code != protocol.CloseDuplicateTunnel {
		t.Fatalf("expected close code %d, got %d", protocol.CloseDuplicateTunnel, code)
	}
	if !oldConn.closed {
		t.Fatal("expected evicted transport to be closed")
	}

	// The evicted session's outstanding responders must be woken.
	if _, ok := <-ch; ok {
		t.Fatal("expected pending channel to be closed on eviction")
	}

	got, ok := reg.Get("t1")
	if !ok || got != replacement {
		t.Fatal("expected registry to hold the new session")
	}
}

func TestRemoveIgnoresStaleSession(t *testing.T) {
	reg := NewRegistry()
	old := NewSession("t1", "u1", &fakeConn{})
	reg.Install(old)

	replacement := NewSession("t1", "u1", &fakeConn{})
	reg.Install(replacement)

	// The evicted session's reader exits later; it must not remove its
	// replacement.
	if reg.Remove(old) {
		t.Fatal("stale session must not remove the current one")
	}
	if _, ok := reg.Get("t1"); !ok {
		t.Fatal("replacement should still be installed")
	}
}

func TestResolveFulfilsExactlyOnce(t *testing.T) {
	sess := NewSession("t1", "u1", &fakeConn{})

	ch, err := sess.AddPending("req-1")
	if err != nil {
		t.Fatalf("add pending failed: %v", err)
	}

	frame := &protocol.ResponseFrame{Type: protocol.FrameResponse, ID: "req-1", StatusCode: 200}
	if !sess.Resolve(frame) {
		t.Fatal("expected first resolve to succeed")
	}
	if sess.Resolve(frame) {
		t.Fatal("expected second resolve for the same id to be dropped")
	}

	got := <-ch
	if got.StatusCode != 200 {
		t.Fatalf("unexpected frame: %+v", got)
	}
}

func TestDuplicateCorrelationIDRejected(t *testing.T) {
	sess := NewSession("t1", "u1", &fakeConn{})
	if _, err := sess.AddPending("req-1"); err != nil {
		t.Fatalf("add pending failed: %v", err)
	}
	if _, err := sess.AddPending("req-1"); err == nil {
		t.Fatal("expected duplicate correlation id to be rejected")
	}
}

func TestAbortWakesAllPending(t *testing.T) {
	sess := NewSession("t1", "u1", &fakeConn{})

	var chans []<-chan *protocol.ResponseFrame
	for _, id := range []string{"a", "b", "c"} {
		ch, err := sess.AddPending(id)
		if err != nil {
			t.Fatalf("add pending failed: %v", err)
		}
		chans = append(chans, ch)
	}

	sess.Abort()
	for i, ch := range chans {
		if _, ok := <-ch; ok {
			t.Fatalf("channel %d should be closed after abort", i)
		}
	}

	if _, err := sess.AddPending("late"); err != ErrSessionClosed {
		t.Fatalf("expected ErrSessionClosed after abort, got %v", err)
	}
}
