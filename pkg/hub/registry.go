// Package hub owns room lifecycle, connection membership, and broadcast. A
// Registry is constructed once and injected wherever rooms are needed; it is
// the only holder of the process-wide room map.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/astromechza/archsync/pkg/doc"
	"github.com/astromechza/archsync/pkg/protocol"
	"github.com/astromechza/archsync/pkg/store"
)

// DefaultRoom is the room bound to connections that do not name one.
const DefaultRoom = "default"

// defaultPortSchemas seeds every fresh room so that new diagrams have the
// common port types available immediately. Schemas are opaque to the sync
// core; these are just initial register values.
var defaultPortSchemas = map[string]string{
	"http": `{"name":"HTTP","direction":"inout"}`,
	"grpc": `{"name":"gRPC","direction":"inout"}`,
	"amqp": `{"name":"AMQP","direction":"out"}`,
}

type persistReq struct {
	roomID string
	update []byte
}

// Registry is the process-wide room registry and connection manager.
type Registry struct {
	store   store.Store
	log     *slog.Logger
	metrics *metrics

	mu    sync.Mutex
	rooms map[string]*Room

	// persist is never closed; done signals shutdown so a concurrent
	// enqueue can never hit a closed channel.
	persist   chan persistReq
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewRegistry builds a registry backed by st. A nil st selects pure in-memory
// operation for the life of the process.
func NewRegistry(st store.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		store:   st,
		log:     logger,
		metrics: newMetrics(),
		rooms:   make(map[string]*Room),
		done:    make(chan struct{}),
	}
	if st != nil {
		r.persist = make(chan persistReq, 1024)
		r.wg.Add(1)
		go r.runPersister()
	}
	return r
}

// runPersister drains the write queue on a single goroutine so updates reach
// the store in receipt order. Failures are logged and the write is lost;
// durability degrades, correctness does not.
func (r *Registry) runPersister() {
	defer r.wg.Done()
	for {
		select {
		case req := <-r.persist:
			r.writeUpdate(req)
		case <-r.done:
			// drain whatever was queued before shutdown
			for {
				select {
				case req := <-r.persist:
					r.writeUpdate(req)
				default:
					return
				}
			}
		}
	}
}

func (r *Registry) writeUpdate(req persistReq) {
	if err := r.store.AppendUpdate(context.Background(), req.roomID, req.update); err != nil {
		r.log.Error("failed to persist update", "room", req.roomID, "err", err)
	}
}

// enqueuePersist hands an update to the writer goroutine without blocking the
// transaction path.
func (r *Registry) enqueuePersist(roomID string, update []byte) {
	select {
	case <-r.done:
		return
	default:
	}
	select {
	case r.persist <- persistReq{roomID: roomID, update: update}:
	default:
		r.metrics.updatesDropped.Inc()
		r.log.Error("persistence queue full, dropping update", "room", roomID)
	}
}

// GetOrCreate returns the room for id, creating it on first access: loading
// persisted state when available, seeding defaults otherwise. At most one
// document ever exists per room id.
func (r *Registry) GetOrCreate(ctx context.Context, id string) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	if room, ok := r.rooms[id]; ok {
		return room
	}

	room := &Room{
		id:    id,
		conns: make(map[*Conn]struct{}),
	}
	loaded := false
	if r.store != nil {
		if d, ok := r.loadDocument(ctx, id); ok {
			room.doc = d
			loaded = true
		}
	}
	if room.doc == nil {
		room.doc = doc.New()
	}

	room.doc.OnUpdate(func(update []byte, origin doc.Origin) {
		r.metrics.updatesApplied.Inc()
		room.dirty.Store(true)
		if r.persist != nil {
			r.enqueuePersist(id, update)
		}
		except := ""
		if origin.Kind == doc.OriginRemote {
			except = origin.ConnID
		}
		if n := room.broadcast(protocol.EncodeUpdate(update), except); n > 0 {
			r.metrics.framesBroadcast.Add(float64(n))
		}
	})

	if !loaded {
		r.seed(room)
	}
	r.rooms[id] = room
	r.log.Info("room created", "room", id, "loaded", loaded)
	return room
}

// loadDocument reconstructs a document from the store. Every failure here is
// best-effort: it is logged and treated as "no persisted state".
func (r *Registry) loadDocument(ctx context.Context, id string) (*doc.Doc, bool) {
	snapshot, updates, err := r.store.LoadRoom(ctx, id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.log.Error("failed to load persisted room, starting fresh", "room", id, "err", err)
		}
		return nil, false
	}
	d := doc.New()
	if snapshot != nil {
		if d, err = doc.Load(snapshot); err != nil {
			r.log.Error("failed to decode persisted snapshot, starting fresh", "room", id, "err", err)
			return nil, false
		}
	}
	for i, u := range updates {
		if err := d.ApplyRemoteUpdate(u, doc.System()); err != nil {
			r.log.Error("failed to replay persisted update, skipping", "room", id, "index", i, "err", err)
		}
	}
	return d, true
}

// seed writes the defaults for a brand new room in one system transaction, so
// the seed delta is persisted and broadcast like any other update.
func (r *Registry) seed(room *Room) {
	err := room.doc.Transact(doc.System(), func(tx *doc.Txn) error {
		tx.Set(doc.CollectionMeta, doc.MetaRoomID, []byte(`"`+room.id+`"`))
		tx.Set(doc.CollectionMeta, doc.MetaTitle, []byte(`"Untitled architecture"`))
		tx.Set(doc.CollectionMeta, doc.MetaVersion, []byte(`1`))
		for id, schema := range defaultPortSchemas {
			tx.Set(doc.CollectionPortSchemas, id, []byte(schema))
		}
		return nil
	})
	if err != nil {
		r.log.Error("failed to seed room", "room", room.id, "err", err)
	}
}

// RoomInfo is one row of the discovery listing.
type RoomInfo struct {
	RoomID      string `json:"roomId"`
	ClientCount int    `json:"clientCount"`
}

// List returns the discovery listing for every resident room.
func (r *Registry) List() []RoomInfo {
	rooms := r.snapshotRooms()
	out := make([]RoomInfo, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, RoomInfo{RoomID: room.id, ClientCount: room.ClientCount()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

// Health is the health probe payload.
type Health struct {
	Status          string `json:"status"`
	RoomCount       int    `json:"roomCount"`
	PersistenceMode string `json:"persistenceMode"`
}

func (r *Registry) Health() Health {
	r.mu.Lock()
	count := len(r.rooms)
	r.mu.Unlock()
	return Health{Status: "ok", RoomCount: count, PersistenceMode: r.PersistenceMode()}
}

// PersistenceMode names the configured backend, or "memory" when persistence
// is disabled.
func (r *Registry) PersistenceMode() string {
	if r.store == nil {
		return "memory"
	}
	return r.store.Mode()
}

// Peek returns the room for id without creating it.
func (r *Registry) Peek(id string) (*Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[id]
	return room, ok
}

func (r *Registry) snapshotRooms() []*Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		out = append(out, room)
	}
	return out
}

// SnapshotDirty writes a full-state snapshot for every room whose document
// changed since the last call, compacting its persisted update log. Called
// periodically and once more on shutdown.
func (r *Registry) SnapshotDirty(ctx context.Context) {
	if r.store == nil {
		return
	}
	for _, room := range r.snapshotRooms() {
		if !room.dirty.Swap(false) {
			continue
		}
		if err := r.store.SaveSnapshot(ctx, room.id, room.doc.EncodeFullState()); err != nil {
			room.dirty.Store(true)
			r.log.Error("failed to snapshot room", "room", room.id, "err", err)
		} else {
			r.log.Info("snapshotted room", "room", room.id)
		}
	}
}

// Close stops the persistence writer after draining queued writes. It does
// not close the store: the caller owns it.
func (r *Registry) Close() {
	r.closeOnce.Do(func() { close(r.done) })
	r.wg.Wait()
}
