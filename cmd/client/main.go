package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/archsync/pkg/doc"
	"github.com/astromechza/archsync/pkg/protocol"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "127.0.0.1:8080", "the address to connect to")
	roomVar := flag.String("room", "default", "the room to join")
	editVar := flag.Duration("edit-interval", 5*time.Second, "how often to insert a node, 0 disables edits")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	d := doc.New()
	c := &client{doc: d, send: make(chan []byte, 64)}
	d.OnUpdate(func(update []byte, origin doc.Origin) {
		if origin.Kind == doc.OriginLocal {
			c.enqueue(protocol.EncodeUpdate(update))
		}
	})

	u := fmt.Sprintf("ws://%s/rooms/%s/sync", *addrVar, *roomVar)
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}
	defer conn.Close()
	c.conn = conn
	slog.Info("connected", "url", u, "actor", d.ActorID())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeContinuously(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		c.readContinuously()
	}()

	if *editVar > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.editRandomlyContinuously(ctx, *editVar)
		}()
	}

	// open the exchange from our side too
	c.enqueue(protocol.EncodeStep1(d.EncodeStateSummary()))

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		slog.Info("Signal caught", "sig", sig)
	case <-ctx.Done():
	}
	cancel()
	_ = conn.Close()
	wg.Wait()

	return json.NewEncoder(os.Stdout).Encode(d.Snapshot())
}

type client struct {
	doc  *doc.Doc
	conn *websocket.Conn
	send chan []byte
}

func (c *client) enqueue(frame []byte) {
	select {
	case c.send <- frame:
	default:
		slog.Warn("send buffer full, dropping frame")
	}
}

func (c *client) writeContinuously(ctx context.Context) {
	for {
		select {
		case frame := <-c.send:
			if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				slog.Error("failed to write", "err", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *client) readContinuously() {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			slog.Info("connection closed", "err", err)
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			slog.Error("dropping malformed frame", "err", err)
			continue
		}
		if msg.Type != protocol.MessageSync {
			continue
		}
		reply, err := protocol.HandleSync(c.doc, msg, doc.Remote("server"))
		if err != nil {
			slog.Error("dropping unprocessable sync message", "err", err)
			continue
		}
		if reply != nil {
			c.enqueue(reply)
		}
		if msg.Subtype != protocol.SyncStep1 {
			slog.Info("merged", "nodes", len(c.doc.Snapshot().Nodes))
		}
	}
}

func (c *client) editRandomlyContinuously(ctx context.Context, every time.Duration) {
	kinds := []string{"controller", "queue", "store", "gateway"}
	for {
		t := time.NewTimer(every + time.Duration(rand.Intn(int(every))))
		select {
		case <-t.C:
			id := fmt.Sprintf("n-%s-%d", c.doc.ActorID()[:8], time.Now().UnixNano())
			kind := kinds[rand.Intn(len(kinds))]
			err := c.doc.Transact(doc.Local(), func(tx *doc.Txn) error {
				tx.Set(doc.CollectionNodes, id, []byte(fmt.Sprintf(`{"id":%q,"type":%q}`, id, kind)))
				return nil
			})
			if err != nil {
				slog.Error("failed to insert node", "err", err)
			} else {
				slog.Info("inserted", "node", id, "type", kind)
			}
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}
