// Package relay implements the ephemeral synchronization relay: a
// websocket fan-out of document updates and presence between all
// connections on the same document id. The relay persists nothing; the
// host application remains the system of record. With a Redis URL
// configured, multiple relay instances serve the same documents through a
// pub/sub bridge.
package relay

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"loom/collab/internal/auth"
	"loom/collab/internal/wire"
)

// Options configures a Server. An empty JWTSecret disables the join token
// check (development mode).
type Options struct {
	JWTSecret []byte
	Bridge    *Bridge
}

type Server struct {
	opts     Options
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]*room
}

func NewServer(opts Options) *Server {
	s := &Server{
		opts:  opts,
		rooms: make(map[string]*room),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	if opts.Bridge != nil {
		opts.Bridge.deliver = s.deliverFromBridge
	}
	return s
}

// Handler returns the relay's HTTP surface: the document channel on /ws
// and the liveness probe on /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"ok":true}`))
}

func (s *Server) roomFor(name string) *room {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[name]
	if !ok {
		r = newRoom(name)
		s.rooms[name] = r
		if s.opts.Bridge != nil {
			s.opts.Bridge.subscribe(name)
		}
	}
	return r
}

// dropIfEmpty forgets a room once its last client left. The update log
// dies with it: the relay is ephemeral by contract.
func (s *Server) dropIfEmpty(r *room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.size() == 0 {
		delete(s.rooms, r.name)
		if s.opts.Bridge != nil {
			s.opts.Bridge.unsubscribe(r.name)
		}
	}
}

// deliverFromBridge handles a message relayed by another instance.
func (s *Server) deliverFromBridge(doc string, data []byte) {
	s.mu.Lock()
	r, ok := s.rooms[doc]
	s.mu.Unlock()
	if !ok {
		return
	}
	msg, err := wire.Decode(data)
	if err != nil {
		return
	}
	if msg.Type == wire.TypeUpdate {
		r.appendUpdate(msg.Data)
	}
	r.broadcast(0, data)
}

func randomClientID() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	// Zero is reserved for bridge-originated broadcasts.
	return binary.BigEndian.Uint64(b[:]) | 1
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("relay: upgrade failed: %v", err)
		return
	}
	defer ws.Close()

	// The first message must be a join.
	_ = ws.SetReadDeadline(time.Now().Add(30 * time.Second))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		return
	}
	join, err := wire.Decode(raw)
	if err != nil || join.Type != wire.TypeJoin || join.Doc == "" {
		writeMessage(ws, wire.Message{Type: wire.TypeError, Code: wire.CodeBadRequest, Message: "expected join"})
		return
	}
	if len(s.opts.JWTSecret) > 0 {
		claims, err := auth.Verify(s.opts.JWTSecret, join.Token)
		if err != nil || claims.Doc != join.Doc {
			writeMessage(ws, wire.Message{Type: wire.TypeError, Code: wire.CodeUnauthorized, Message: "join rejected"})
			return
		}
	}
	_ = ws.SetReadDeadline(time.Time{})

	c := &client{
		id:   randomClientID(),
		send: make(chan []byte, 64),
		done: make(chan struct{}),
	}
	room := s.roomFor(join.Doc)
	room.add(c)
	log.Printf("relay: client %d joined %s (%d connected)", c.id, join.Doc, room.size())

	writeMessage(ws, wire.Message{
		Type:     wire.TypeJoined,
		ClientID: c.id,
		Updates:  room.snapshotUpdates(),
	})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case data := <-c.send:
				if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
					c.close()
					return
				}
			case <-c.done:
				return
			}
		}
	}()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			break
		}
		msg, err := wire.Decode(raw)
		if err != nil {
			continue
		}
		switch msg.Type {
		case wire.TypeUpdate:
			room.appendUpdate(msg.Data)
			out := wire.Encode(wire.Message{Type: wire.TypeUpdate, Data: msg.Data})
			room.broadcast(c.id, out)
			s.publish(join.Doc, out)
		case wire.TypeAwareness:
			// Presence is relayed, never stored.
			out := wire.Encode(wire.Message{Type: wire.TypeAwareness, Data: msg.Data})
			room.broadcast(c.id, out)
			s.publish(join.Doc, out)
		}
	}

	c.close()
	<-writerDone
	empty := room.remove(c.id)
	gone := wire.Encode(wire.Message{Type: wire.TypePeerGone, ClientID: c.id})
	room.broadcast(c.id, gone)
	s.publish(join.Doc, gone)
	if empty {
		s.dropIfEmpty(room)
	}
	log.Printf("relay: client %d left %s", c.id, join.Doc)
}

func (s *Server) publish(doc string, data []byte) {
	if s.opts.Bridge == nil {
		return
	}
	if err := s.opts.Bridge.publish(context.Background(), doc, data); err != nil {
		log.Printf("relay: bridge publish failed: %v", err)
	}
}

func writeMessage(ws *websocket.Conn, msg wire.Message) {
	_ = ws.WriteMessage(websocket.TextMessage, wire.Encode(msg))
}
