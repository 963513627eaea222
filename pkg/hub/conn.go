package hub

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/astromechza/archsync/pkg/doc"
	"github.com/astromechza/archsync/pkg/protocol"
)

const (
	sendBuffer = 256

	// maxFrameSize caps inbound message size; a peer exceeding it gets a
	// 1009 close instead of buffering arbitrary bytes server-side.
	maxFrameSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Conn is one websocket member of a room. Its id doubles as the origin tag
// for everything it sends, which is how the broadcaster suppresses echo.
type Conn struct {
	id   string
	room *Room
	ws   *websocket.Conn
	log  *slog.Logger

	send chan []byte
	done chan struct{}
	once sync.Once
}

// enqueue hands a frame to the writer pump. A connection whose buffer is full
// is too far behind to be useful and gets closed; it can reconnect and repair
// via step1/step2.
func (c *Conn) enqueue(frame []byte) {
	select {
	case c.send <- frame:
	case <-c.done:
	default:
		c.log.Warn("send buffer full, dropping connection")
		c.close()
	}
}

func (c *Conn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *Conn) writePump() {
	for {
		select {
		case frame := <-c.send:
			if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				c.log.Info("write failed, closing connection", "err", err)
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// readLoop handles inbound frames until the peer goes away. Malformed frames
// are logged and dropped without touching the connection; only transport
// errors end membership.
func (c *Conn) readLoop() {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Info("read failed, closing connection", "err", err)
			}
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			c.log.Error("dropping malformed frame", "err", err)
			continue
		}
		switch msg.Type {
		case protocol.MessageSync:
			reply, err := protocol.HandleSync(c.room.doc, msg, doc.Remote(c.id))
			if err != nil {
				c.log.Error("dropping unprocessable sync message", "subtype", msg.Subtype, "err", err)
				continue
			}
			if reply != nil {
				c.enqueue(reply)
			}
		case protocol.MessageAwareness:
			// ephemeral: relayed verbatim, never merged, never persisted
			c.room.broadcast(data, c.id)
		}
	}
}

// ServeSync upgrades the request to a websocket and binds it to the room for
// the whole life of the connection. The server opens the exchange by sending
// its own step1 so the client can immediately request what it is missing.
func (r *Registry) ServeSync(w http.ResponseWriter, req *http.Request, roomID string) {
	if roomID == "" {
		roomID = DefaultRoom
	}
	room := r.GetOrCreate(req.Context(), roomID)

	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Error("failed to upgrade", "room", roomID, "err", err)
		return
	}
	ws.SetReadLimit(maxFrameSize)
	connID := uuid.NewString()
	c := &Conn{
		id:   connID,
		room: room,
		ws:   ws,
		log:  r.log.With("room", roomID, "conn", connID),
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	room.addConn(c)
	c.log.Info("connection joined", "clients", room.ClientCount())

	go c.writePump()
	c.enqueue(protocol.EncodeStep1(room.doc.EncodeStateSummary()))

	c.readLoop()
	c.close()
	room.removeConn(c)
	c.log.Info("connection left", "clients", room.ClientCount())
}
