package conn

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"loom/collab/internal/wire"
)

// fakeConn is an in-memory relay connection driven by the test.
type fakeConn struct {
	in     chan []byte // relay -> client
	sent   chan []byte // client -> relay
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		sent:   make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	c.sent <- data
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// fakeTransport hands each dialed connection to the test and can be told
// to refuse dials.
type fakeTransport struct {
	mu       sync.Mutex
	refuse   bool
	dials    []time.Time
	accepted chan *fakeConn
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{accepted: make(chan *fakeConn, 16)}
}

func (t *fakeTransport) Dial(ctx context.Context, url string) (Conn, error) {
	t.mu.Lock()
	t.dials = append(t.dials, time.Now())
	refuse := t.refuse
	t.mu.Unlock()
	if refuse {
		return nil, errors.New("relay unreachable")
	}
	c := newFakeConn()
	t.accepted <- c
	return c, nil
}

func (t *fakeTransport) setRefuse(refuse bool) {
	t.mu.Lock()
	t.refuse = refuse
	t.mu.Unlock()
}

func (t *fakeTransport) dialTimes() []time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]time.Time, len(t.dials))
	copy(out, t.dials)
	return out
}

type stateEvent struct {
	state  State
	reason string
}

type recorder struct {
	events chan stateEvent
}

func newRecorder() *recorder {
	return &recorder{events: make(chan stateEvent, 64)}
}

func (r *recorder) record(state State, reason string) {
	r.events <- stateEvent{state, reason}
}

func (r *recorder) waitFor(t *testing.T, want State) stateEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-r.events:
			if ev.state == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %v", want)
		}
	}
}

func awaitConn(t *testing.T, tr *fakeTransport) *fakeConn {
	t.Helper()
	select {
	case c := <-tr.accepted:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

func awaitSent(t *testing.T, c *fakeConn) wire.Message {
	t.Helper()
	select {
	case data := <-c.sent:
		msg, err := wire.Decode(data)
		if err != nil {
			t.Fatalf("client sent malformed message: %v", err)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client message")
		return wire.Message{}
	}
}

func syncUp(t *testing.T, tr *fakeTransport, clientID uint64) *fakeConn {
	t.Helper()
	c := awaitConn(t, tr)
	join := awaitSent(t, c)
	if join.Type != wire.TypeJoin {
		t.Fatalf("expected join, got %q", join.Type)
	}
	c.in <- wire.Encode(wire.Message{Type: wire.TypeJoined, ClientID: clientID})
	return c
}

func TestConnectAndSync(t *testing.T) {
	tr := newFakeTransport()
	rec := newRecorder()
	var joinedID uint64
	var joinedUpdates [][]byte
	joined := make(chan struct{}, 1)

	m := Open(Options{
		DocumentID:  "issue-1",
		RelayURL:    "ws://relay/ws",
		Token:       "tok",
		Transport:   tr,
		BackoffBase: 5 * time.Millisecond,
		OnState:     rec.record,
		OnJoined: func(id uint64, updates [][]byte) {
			joinedID = id
			joinedUpdates = updates
			joined <- struct{}{}
		},
	})
	defer m.Close()

	c := awaitConn(t, tr)
	join := awaitSent(t, c)
	if join.Type != wire.TypeJoin || join.Doc != "issue-1" || join.Token != "tok" {
		t.Fatalf("unexpected join message %+v", join)
	}
	rec.waitFor(t, StateAuthenticating)

	c.in <- wire.Encode(wire.Message{
		Type:     wire.TypeJoined,
		ClientID: 7,
		Updates:  [][]byte{[]byte("u1"), []byte("u2")},
	})
	rec.waitFor(t, StateSynced)
	<-joined
	if joinedID != 7 || len(joinedUpdates) != 2 {
		t.Errorf("unexpected joined payload: id=%d updates=%d", joinedID, len(joinedUpdates))
	}
}

func TestQueuedUpdatesFlushOnSync(t *testing.T) {
	tr := newFakeTransport()
	rec := newRecorder()
	m := Open(Options{
		DocumentID:  "issue-2",
		RelayURL:    "ws://relay/ws",
		Transport:   tr,
		BackoffBase: 5 * time.Millisecond,
		OnState:     rec.record,
	})
	defer m.Close()

	// Typed before sync completed: must be queued, not dropped.
	m.Send([]byte("early-edit"))

	c := syncUp(t, tr, 1)
	rec.waitFor(t, StateSynced)
	update := awaitSent(t, c)
	if update.Type != wire.TypeUpdate || string(update.Data) != "early-edit" {
		t.Errorf("expected queued update flushed, got %+v", update)
	}
}

func TestReconnectBackoffMonotoneAndReset(t *testing.T) {
	tr := newFakeTransport()
	tr.setRefuse(true)
	rec := newRecorder()
	m := Open(Options{
		DocumentID:  "issue-3",
		RelayURL:    "ws://relay/ws",
		Transport:   tr,
		BackoffBase: 20 * time.Millisecond,
		BackoffMax:  200 * time.Millisecond,
		OnState:     rec.record,
	})
	defer m.Close()

	// Let four failed attempts accumulate.
	deadline := time.Now().Add(2 * time.Second)
	for len(tr.dialTimes()) < 4 {
		if time.Now().After(deadline) {
			t.Fatal("not enough dial attempts")
		}
		time.Sleep(5 * time.Millisecond)
	}
	times := tr.dialTimes()
	var gaps []time.Duration
	for i := 1; i < 4; i++ {
		gaps = append(gaps, times[i].Sub(times[i-1]))
	}
	for i := 1; i < len(gaps); i++ {
		if gaps[i] < gaps[i-1]-10*time.Millisecond {
			t.Errorf("backoff not monotone: gaps=%v", gaps)
		}
	}

	// Successful sync resets the counter to the base delay.
	tr.setRefuse(false)
	c := syncUp(t, tr, 1)
	rec.waitFor(t, StateSynced)
	before := len(tr.dialTimes())
	c.Close()
	rec.waitFor(t, StateReconnecting)
	redialDeadline := time.Now().Add(time.Second)
	for len(tr.dialTimes()) <= before {
		if time.Now().After(redialDeadline) {
			t.Fatal("no redial after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
	times = tr.dialTimes()
	resetGap := times[before].Sub(times[before-1])
	// The gap between sync-loss and redial must be near the base again,
	// far below the 160ms the pre-reset schedule had reached.
	if resetGap > 120*time.Millisecond {
		t.Errorf("backoff did not reset after sync: gap=%v", resetGap)
	}
}

func TestAuthRejectionIsDistinct(t *testing.T) {
	tr := newFakeTransport()
	rec := newRecorder()
	m := Open(Options{
		DocumentID:  "issue-4",
		RelayURL:    "ws://relay/ws",
		Token:       "expired",
		Transport:   tr,
		BackoffBase: 50 * time.Millisecond,
		OnState:     rec.record,
	})
	defer m.Close()

	c := awaitConn(t, tr)
	awaitSent(t, c)
	c.in <- wire.Encode(wire.Message{Type: wire.TypeError, Code: wire.CodeUnauthorized})

	ev := rec.waitFor(t, StateReconnecting)
	if !strings.Contains(ev.reason, "authorization") {
		t.Errorf("expected authorization reason, got %q", ev.reason)
	}
	if !m.AuthFailed() {
		t.Error("AuthFailed should report true after rejection")
	}

	// Host refreshes the token and retries immediately.
	m.ReconnectNow("fresh-token")
	c2 := awaitConn(t, tr)
	join := awaitSent(t, c2)
	if join.Token != "fresh-token" {
		t.Errorf("expected fresh token on rejoin, got %q", join.Token)
	}
	c2.in <- wire.Encode(wire.Message{Type: wire.TypeJoined, ClientID: 2})
	rec.waitFor(t, StateSynced)
	if m.AuthFailed() {
		t.Error("AuthFailed should clear after successful sync")
	}
}

func TestReconnectNowCancelsScheduledRetry(t *testing.T) {
	tr := newFakeTransport()
	tr.setRefuse(true)
	rec := newRecorder()
	m := Open(Options{
		DocumentID:  "issue-5",
		RelayURL:    "ws://relay/ws",
		Transport:   tr,
		BackoffBase: 500 * time.Millisecond,
		OnState:     rec.record,
	})
	defer m.Close()

	rec.waitFor(t, StateReconnecting)
	attempts := len(tr.dialTimes())
	m.ReconnectNow("")
	deadline := time.Now().Add(200 * time.Millisecond)
	for len(tr.dialTimes()) <= attempts {
		if time.Now().After(deadline) {
			t.Fatal("ReconnectNow did not attempt immediately")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSyncTimeoutTriggersReconnect(t *testing.T) {
	tr := newFakeTransport()
	rec := newRecorder()
	m := Open(Options{
		DocumentID:  "issue-6",
		RelayURL:    "ws://relay/ws",
		Transport:   tr,
		BackoffBase: 20 * time.Millisecond,
		SyncTimeout: 50 * time.Millisecond,
		OnState:     rec.record,
	})
	defer m.Close()

	c := awaitConn(t, tr)
	awaitSent(t, c)
	// Relay never answers the join; the handshake deadline must fire.
	rec.waitFor(t, StateReconnecting)
}

func TestCloseIsTerminal(t *testing.T) {
	tr := newFakeTransport()
	rec := newRecorder()
	m := Open(Options{
		DocumentID:  "issue-7",
		RelayURL:    "ws://relay/ws",
		Transport:   tr,
		BackoffBase: 10 * time.Millisecond,
		OnState:     rec.record,
	})
	syncUp(t, tr, 1)
	rec.waitFor(t, StateSynced)

	m.Close()
	rec.waitFor(t, StateClosed)
	attempts := len(tr.dialTimes())
	time.Sleep(100 * time.Millisecond)
	if got := len(tr.dialTimes()); got != attempts {
		t.Errorf("dial attempts after Close: %d -> %d", attempts, got)
	}
	if m.State() != StateClosed {
		t.Errorf("expected closed state, got %v", m.State())
	}
}

func TestStateStrings(t *testing.T) {
	want := map[State]string{
		StateConnecting:     "connecting",
		StateAuthenticating: "authenticating",
		StateSynced:         "synced",
		StateReconnecting:   "reconnecting",
		StateClosed:         "closed",
	}
	for state, s := range want {
		if state.String() != s {
			t.Errorf("State(%d).String() = %q, want %q", state, state.String(), s)
		}
	}
}
