package hub

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/archsync/pkg/doc"
	"github.com/astromechza/archsync/pkg/store"
)

func TestGetOrCreateSeedsDefaults(t *testing.T) {
	reg := NewRegistry(nil, nil)
	defer reg.Close()

	room := reg.GetOrCreate(context.Background(), "proj1")
	sn := room.Doc().Snapshot()
	assert.Equal(t, "proj1", sn.RoomID)
	assert.Equal(t, "Untitled architecture", sn.Title)
	assert.Equal(t, int64(1), sn.Version)
	assert.Len(t, sn.PortSchemas, len(defaultPortSchemas))
	assert.Empty(t, sn.Nodes)

	again := reg.GetOrCreate(context.Background(), "proj1")
	assert.Same(t, room, again)
}

func TestGetOrCreateConcurrentFirstAccess(t *testing.T) {
	reg := NewRegistry(nil, nil)
	defer reg.Close()

	const n = 32
	rooms := make([]*Room, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rooms[i] = reg.GetOrCreate(context.Background(), "proj1")
		}(i)
	}
	wg.Wait()
	for i := 1; i < n; i++ {
		assert.Same(t, rooms[0], rooms[i])
	}
}

func TestHealthAndList(t *testing.T) {
	reg := NewRegistry(nil, nil)
	defer reg.Close()
	reg.GetOrCreate(context.Background(), "b")
	reg.GetOrCreate(context.Background(), "a")

	h := reg.Health()
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, 2, h.RoomCount)
	assert.Equal(t, "memory", h.PersistenceMode)

	infos := reg.List()
	require.Len(t, infos, 2)
	assert.Equal(t, RoomInfo{RoomID: "a", ClientCount: 0}, infos[0])
	assert.Equal(t, RoomInfo{RoomID: "b", ClientCount: 0}, infos[1])
}

func TestUpdatesArePersistedAndReloaded(t *testing.T) {
	ctx := context.Background()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "hub.sqlite3"))
	require.NoError(t, err)
	defer st.Close()

	reg := NewRegistry(st, nil)
	room := reg.GetOrCreate(ctx, "proj1")
	require.NoError(t, room.Doc().Transact(doc.Local(), func(tx *doc.Txn) error {
		tx.Set(doc.CollectionNodes, "n1", []byte(`{"type":"controller"}`))
		return nil
	}))
	live := room.Doc().Snapshot()
	reg.Close() // drains the persistence queue

	// a second registry over the same store must reconstruct the room
	reg2 := NewRegistry(st, nil)
	defer reg2.Close()
	room2 := reg2.GetOrCreate(ctx, "proj1")
	assert.Equal(t, live, room2.Doc().Snapshot())
	assert.Contains(t, room2.Doc().Snapshot().Nodes, "n1")
	// loaded, not reseeded: version is still the seeded 1, not duplicated
	assert.Equal(t, int64(1), room2.Doc().Snapshot().Version)
}

func TestCloseIsSafeAgainstConcurrentWrites(t *testing.T) {
	ctx := context.Background()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "hub.sqlite3"))
	require.NoError(t, err)
	defer st.Close()

	reg := NewRegistry(st, nil)
	room := reg.GetOrCreate(ctx, "proj1")

	// writers keep enqueueing persistence work while Close runs; no write
	// may panic, late ones are simply dropped
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = room.Doc().Transact(doc.Local(), func(tx *doc.Txn) error {
					tx.Set(doc.CollectionNodes, "n", []byte(`{}`))
					return nil
				})
			}
		}()
	}
	reg.Close()
	wg.Wait()
	reg.Close() // idempotent
}

func TestSnapshotDirtyCompactsAndReloads(t *testing.T) {
	ctx := context.Background()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "hub.sqlite3"))
	require.NoError(t, err)
	defer st.Close()

	reg := NewRegistry(st, nil)
	room := reg.GetOrCreate(ctx, "proj1")
	require.NoError(t, room.Doc().Transact(doc.Local(), func(tx *doc.Txn) error {
		tx.Set(doc.CollectionNodes, "n1", []byte(`{"type":"controller"}`))
		return nil
	}))
	reg.Close()
	reg.SnapshotDirty(ctx)

	snapshot, updates, err := st.LoadRoom(ctx, "proj1")
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Empty(t, updates, "snapshot must compact the update log")

	rebuilt, err := doc.Load(snapshot)
	require.NoError(t, err)
	assert.Equal(t, room.Doc().Snapshot(), rebuilt.Snapshot())

	// once clean, a second pass writes nothing
	require.NoError(t, st.DeleteRoom(ctx, "proj1"))
	reg.SnapshotDirty(ctx)
	_, _, err = st.LoadRoom(ctx, "proj1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStoreFailureDegradesToFreshRoom(t *testing.T) {
	ctx := context.Background()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "hub.sqlite3"))
	require.NoError(t, err)
	defer st.Close()
	// a corrupt snapshot must not prevent room creation
	require.NoError(t, st.SaveSnapshot(ctx, "proj1", []byte{0xff, 0x00, 0x13, 0x37}))

	reg := NewRegistry(st, nil)
	defer reg.Close()
	room := reg.GetOrCreate(ctx, "proj1")
	sn := room.Doc().Snapshot()
	assert.Equal(t, int64(1), sn.Version, "fresh defaults seeded instead")
}

func TestRoomStateIsolation(t *testing.T) {
	reg := NewRegistry(nil, nil)
	defer reg.Close()
	ctx := context.Background()
	x := reg.GetOrCreate(ctx, "x")
	y := reg.GetOrCreate(ctx, "y")

	require.NoError(t, x.Doc().Transact(doc.Local(), func(tx *doc.Txn) error {
		tx.Set(doc.CollectionNodes, "n1", []byte(`{}`))
		return nil
	}))
	assert.Contains(t, x.Doc().Snapshot().Nodes, "n1")
	assert.Empty(t, y.Doc().Snapshot().Nodes)
}
