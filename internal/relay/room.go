package relay

import (
	"sync"
)

// client is one websocket connection joined to a room. send is buffered;
// a client that cannot drain it is disconnected rather than allowed to
// stall the whole room.
type client struct {
	id   uint64
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// room is the ephemeral state of one document id: connected clients plus
// the accumulated update log replayed to late joiners. Nothing here ever
// touches disk; when the last client leaves the room is discarded and the
// log with it.
type room struct {
	name    string
	mu      sync.Mutex
	clients map[uint64]*client
	updates [][]byte
}

func newRoom(name string) *room {
	return &room{name: name, clients: make(map[uint64]*client)}
}

func (r *room) add(c *client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.id] = c
}

// remove drops a client and reports whether the room is now empty.
func (r *room) remove(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, id)
	return len(r.clients) == 0
}

func (r *room) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// appendUpdate stores an update for late-joiner catch-up.
func (r *room) appendUpdate(update []byte) {
	buf := make([]byte, len(update))
	copy(buf, update)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, buf)
}

func (r *room) snapshotUpdates() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.updates))
	copy(out, r.updates)
	return out
}

// broadcast queues data for every member except the sender. Members whose
// queue is full are severed; the disconnect path cleans them up.
func (r *room) broadcast(from uint64, data []byte) {
	r.mu.Lock()
	members := make([]*client, 0, len(r.clients))
	for id, c := range r.clients {
		if id != from {
			members = append(members, c)
		}
	}
	r.mu.Unlock()

	for _, c := range members {
		select {
		case c.send <- data:
		case <-c.done:
		default:
			c.close()
		}
	}
}
