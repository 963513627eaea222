package hub

import (
	"sync"
	"sync/atomic"

	"github.com/astromechza/archsync/pkg/doc"
)

// A Room binds one replicated document to the set of connections editing it.
// Rooms are created lazily and stay resident (with their document) until the
// process exits, even when the last connection leaves.
type Room struct {
	id  string
	doc *doc.Doc

	mu    sync.Mutex
	conns map[*Conn]struct{}

	// dirty flags that the document changed since the last persisted snapshot
	dirty atomic.Bool
}

func (r *Room) ID() string {
	return r.id
}

// Doc exposes the room's document for the snapshot surface and local
// transactions.
func (r *Room) Doc() *doc.Doc {
	return r.doc
}

func (r *Room) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *Room) addConn(c *Conn) {
	r.mu.Lock()
	r.conns[c] = struct{}{}
	r.mu.Unlock()
}

func (r *Room) removeConn(c *Conn) {
	r.mu.Lock()
	delete(r.conns, c)
	r.mu.Unlock()
}

// broadcast enqueues frame to every connection except the one identified by
// exceptConnID (the originator of the change, to suppress echo).
func (r *Room) broadcast(frame []byte, exceptConnID string) int {
	r.mu.Lock()
	targets := make([]*Conn, 0, len(r.conns))
	for c := range r.conns {
		if c.id == exceptConnID {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.Unlock()
	for _, c := range targets {
		c.enqueue(frame)
	}
	return len(targets)
}
