package relay

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"

	"loom/collab/internal/auth"
	"loom/collab/internal/wire"
)

func startRelay(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewServer(opts).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, msg wire.Message) {
	t.Helper()
	if err := ws.WriteMessage(websocket.TextMessage, wire.Encode(msg)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func recv(t *testing.T, ws *websocket.Conn) wire.Message {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	msg, err := wire.Decode(data)
	if err != nil {
		t.Fatalf("malformed relay message: %v", err)
	}
	return msg
}

// join performs the handshake and returns the assigned client id plus the
// replayed update log.
func join(t *testing.T, ws *websocket.Conn, doc, token string) wire.Message {
	t.Helper()
	send(t, ws, wire.Message{Type: wire.TypeJoin, Doc: doc, Token: token})
	msg := recv(t, ws)
	if msg.Type != wire.TypeJoined {
		t.Fatalf("expected joined, got %+v", msg)
	}
	return msg
}

func TestHealthz(t *testing.T) {
	srv := startRelay(t, Options{})
	resp, err := srv.Client().Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestJoinAssignsDistinctClientIDs(t *testing.T) {
	srv := startRelay(t, Options{})
	a := join(t, dial(t, srv), "issue-1", "")
	b := join(t, dial(t, srv), "issue-1", "")
	if a.ClientID == 0 || b.ClientID == 0 {
		t.Error("client ids must be non-zero")
	}
	if a.ClientID == b.ClientID {
		t.Error("client ids must be unique per connection")
	}
}

func TestUpdateBroadcast(t *testing.T) {
	srv := startRelay(t, Options{})
	a := dial(t, srv)
	b := dial(t, srv)
	other := dial(t, srv)
	join(t, a, "issue-1", "")
	join(t, b, "issue-1", "")
	join(t, other, "wiki-2-page", "")

	send(t, a, wire.Message{Type: wire.TypeUpdate, Data: []byte("edit-1")})
	got := recv(t, b)
	if got.Type != wire.TypeUpdate || string(got.Data) != "edit-1" {
		t.Errorf("expected broadcast update, got %+v", got)
	}

	// The other document's room must see nothing.
	_ = other.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := other.ReadMessage(); err == nil {
		t.Error("update leaked across documents")
	}
}

func TestLateJoinerCatchUp(t *testing.T) {
	srv := startRelay(t, Options{})
	a := dial(t, srv)
	join(t, a, "issue-1", "")
	send(t, a, wire.Message{Type: wire.TypeUpdate, Data: []byte("u1")})
	send(t, a, wire.Message{Type: wire.TypeUpdate, Data: []byte("u2")})
	// Presence must not end up in the replay log.
	send(t, a, wire.Message{Type: wire.TypeAwareness, Data: []byte("cursor")})

	// Give the relay a moment to process the writes.
	time.Sleep(50 * time.Millisecond)

	b := dial(t, srv)
	joined := join(t, b, "issue-1", "")
	if len(joined.Updates) != 2 {
		t.Fatalf("expected 2 replayed updates, got %d", len(joined.Updates))
	}
	if string(joined.Updates[0]) != "u1" || string(joined.Updates[1]) != "u2" {
		t.Errorf("unexpected replay order: %q %q", joined.Updates[0], joined.Updates[1])
	}
}

func TestRoomIsEphemeral(t *testing.T) {
	srv := startRelay(t, Options{})
	a := dial(t, srv)
	join(t, a, "issue-1", "")
	send(t, a, wire.Message{Type: wire.TypeUpdate, Data: []byte("u1")})
	time.Sleep(50 * time.Millisecond)
	a.Close()
	time.Sleep(50 * time.Millisecond)

	// The last client left; a fresh joiner starts from nothing.
	b := dial(t, srv)
	joined := join(t, b, "issue-1", "")
	if len(joined.Updates) != 0 {
		t.Errorf("room state survived emptiness: %d updates", len(joined.Updates))
	}
}

func TestPeerGoneBroadcast(t *testing.T) {
	srv := startRelay(t, Options{})
	a := dial(t, srv)
	b := dial(t, srv)
	join(t, a, "issue-1", "")
	joinedB := join(t, b, "issue-1", "")

	b.Close()
	got := recv(t, a)
	if got.Type != wire.TypePeerGone || got.ClientID != joinedB.ClientID {
		t.Errorf("expected peer_gone for %d, got %+v", joinedB.ClientID, got)
	}
}

func TestAwarenessRelayed(t *testing.T) {
	srv := startRelay(t, Options{})
	a := dial(t, srv)
	b := dial(t, srv)
	join(t, a, "issue-1", "")
	join(t, b, "issue-1", "")

	send(t, a, wire.Message{Type: wire.TypeAwareness, Data: []byte("presence")})
	got := recv(t, b)
	if got.Type != wire.TypeAwareness || string(got.Data) != "presence" {
		t.Errorf("expected awareness, got %+v", got)
	}
}

func TestJoinRequiresValidToken(t *testing.T) {
	secret := []byte("relay-secret")
	srv := startRelay(t, Options{JWTSecret: secret})

	// Missing token.
	ws := dial(t, srv)
	send(t, ws, wire.Message{Type: wire.TypeJoin, Doc: "issue-1"})
	if got := recv(t, ws); got.Type != wire.TypeError || got.Code != wire.CodeUnauthorized {
		t.Errorf("expected unauthorized, got %+v", got)
	}

	// Token for a different document.
	wrongDoc, err := auth.Issue(secret, "u1", "Alice", "issue-2", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	ws2 := dial(t, srv)
	send(t, ws2, wire.Message{Type: wire.TypeJoin, Doc: "issue-1", Token: wrongDoc})
	if got := recv(t, ws2); got.Type != wire.TypeError || got.Code != wire.CodeUnauthorized {
		t.Errorf("expected unauthorized for cross-document token, got %+v", got)
	}

	// Valid token.
	good, err := auth.Issue(secret, "u1", "Alice", "issue-1", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	ws3 := dial(t, srv)
	join(t, ws3, "issue-1", good)
}

func TestJoinRejectsNonJoinFirstMessage(t *testing.T) {
	srv := startRelay(t, Options{})
	ws := dial(t, srv)
	send(t, ws, wire.Message{Type: wire.TypeUpdate, Data: []byte("x")})
	if got := recv(t, ws); got.Type != wire.TypeError || got.Code != wire.CodeBadRequest {
		t.Errorf("expected bad_request, got %+v", got)
	}
}

func TestBridgeFansOutAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)

	bridgeA, err := NewBridge("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("bridge a: %v", err)
	}
	defer bridgeA.Close()
	bridgeB, err := NewBridge("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("bridge b: %v", err)
	}
	defer bridgeB.Close()

	srvA := startRelay(t, Options{Bridge: bridgeA})
	srvB := startRelay(t, Options{Bridge: bridgeB})

	a := dial(t, srvA)
	b := dial(t, srvB)
	join(t, a, "issue-1", "")
	join(t, b, "issue-1", "")

	send(t, a, wire.Message{Type: wire.TypeUpdate, Data: []byte("cross-instance")})
	got := recv(t, b)
	if got.Type != wire.TypeUpdate || string(got.Data) != "cross-instance" {
		t.Errorf("expected bridged update, got %+v", got)
	}
}
