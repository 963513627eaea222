package doc

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/archsync/pkg/codec"
)

func setNode(t *testing.T, d *Doc, id, payload string) []byte {
	t.Helper()
	var captured []byte
	cancel := d.OnUpdate(func(update []byte, origin Origin) {
		captured = update
	})
	defer cancel()
	require.NoError(t, d.Transact(Local(), func(tx *Txn) error {
		tx.Set(CollectionNodes, id, []byte(payload))
		return nil
	}))
	require.NotNil(t, captured)
	return captured
}

func TestTransactBatchesAndNotifiesOnce(t *testing.T) {
	d := New()
	var events int
	var lastOrigin Origin
	cancel := d.OnUpdate(func(update []byte, origin Origin) {
		events++
		lastOrigin = origin
	})
	defer cancel()

	require.NoError(t, d.Transact(System(), func(tx *Txn) error {
		tx.Set(CollectionMeta, MetaTitle, []byte(`"untitled"`))
		tx.Set(CollectionNodes, "n1", []byte(`{"type":"controller"}`))
		tx.Set(CollectionEdges, "e1", []byte(`{"from":"n1","to":"n1"}`))
		return nil
	}))
	assert.Equal(t, 1, events)
	assert.Equal(t, OriginSystem, lastOrigin.Kind)

	sn := d.Snapshot()
	assert.Equal(t, "untitled", sn.Title)
	assert.Len(t, sn.Nodes, 1)
	assert.Len(t, sn.Edges, 1)
}

func TestTransactErrorAppliesNothing(t *testing.T) {
	d := New()
	var events int
	cancel := d.OnUpdate(func([]byte, Origin) { events++ })
	defer cancel()

	boom := errors.New("boom")
	err := d.Transact(Local(), func(tx *Txn) error {
		tx.Set(CollectionNodes, "n1", []byte(`{}`))
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Zero(t, events)
	assert.Empty(t, d.Snapshot().Nodes)
}

func TestEmptyTransactIsANoOp(t *testing.T) {
	d := New()
	var events int
	cancel := d.OnUpdate(func([]byte, Origin) { events++ })
	defer cancel()
	require.NoError(t, d.Transact(Local(), func(tx *Txn) error { return nil }))
	assert.Zero(t, events)
}

func TestApplyRemoteUpdateIdempotent(t *testing.T) {
	a, b := New(), New()
	delta := setNode(t, a, "n1", `{"type":"controller"}`)

	var events int
	cancel := b.OnUpdate(func([]byte, Origin) { events++ })
	defer cancel()

	require.NoError(t, b.ApplyRemoteUpdate(delta, Remote("c1")))
	require.NoError(t, b.ApplyRemoteUpdate(delta, Remote("c1")))
	assert.Equal(t, 1, events, "a duplicate delta must raise no event")
	assert.Equal(t, a.Snapshot(), b.Snapshot())
	assert.Equal(t, a.EncodeStateSummary(), b.EncodeStateSummary())
}

func TestConvergenceAnyOrderWithDuplicates(t *testing.T) {
	a, b := New(), New()
	d1 := setNode(t, a, "n1", `{"type":"controller"}`)
	d2 := setNode(t, a, "n2", `{"type":"queue"}`)
	d3 := setNode(t, b, "n3", `{"type":"store"}`)

	// replica one receives in order, replica two shuffled with duplicates
	one, two := New(), New()
	for _, d := range [][]byte{d1, d2, d3} {
		require.NoError(t, one.ApplyRemoteUpdate(d, System()))
	}
	for _, d := range [][]byte{d3, d3, d2, d1, d2} {
		require.NoError(t, two.ApplyRemoteUpdate(d, System()))
	}
	assert.Equal(t, one.Snapshot(), two.Snapshot())
	assert.ElementsMatch(t,
		[]string{"n1", "n2", "n3"},
		keys(one.Snapshot().Nodes))
}

func TestOutOfOrderOpsAreBuffered(t *testing.T) {
	a := New()
	d1 := setNode(t, a, "n1", `{"rev":1}`)
	d2 := setNode(t, a, "n1", `{"rev":2}`)

	b := New()
	// the second delta arrives first and must wait for the gap to close
	require.NoError(t, b.ApplyRemoteUpdate(d2, System()))
	assert.Empty(t, b.Snapshot().Nodes)
	require.NoError(t, b.ApplyRemoteUpdate(d1, System()))
	assert.JSONEq(t, `{"rev":2}`, string(b.Snapshot().Nodes["n1"]))
	assert.Equal(t, a.EncodeStateSummary(), b.EncodeStateSummary())
}

func TestConcurrentWritesConvergeIdentically(t *testing.T) {
	a, b := New(), New()
	da := setNode(t, a, "n1", `{"owner":"a"}`)
	db := setNode(t, b, "n1", `{"owner":"b"}`)

	require.NoError(t, a.ApplyRemoteUpdate(db, System()))
	require.NoError(t, b.ApplyRemoteUpdate(da, System()))
	assert.Equal(t, a.Snapshot(), b.Snapshot(), "replicas must agree on the winner")
}

func TestDeleteTombstoneBeatsSlowerWrite(t *testing.T) {
	a := New()
	base := setNode(t, a, "n1", `{"type":"controller"}`)

	b := New()
	require.NoError(t, b.ApplyRemoteUpdate(base, System()))

	// a deletes after a second local write, so its delete clock is ahead of
	// b's concurrent update
	setNode(t, a, "n2", `{"type":"queue"}`)
	var del []byte
	cancel := a.OnUpdate(func(update []byte, _ Origin) { del = update })
	require.NoError(t, a.Transact(Local(), func(tx *Txn) error {
		tx.Delete(CollectionNodes, "n1")
		return nil
	}))
	cancel()

	upd := setNode(t, b, "n1", `{"type":"controller-v2"}`)

	require.NoError(t, a.ApplyRemoteUpdate(upd, System()))
	require.NoError(t, b.ApplyRemoteUpdate(del, System()))
	// n2 only reached a, so sync the remainder for full convergence
	diff, err := a.DiffSince(b.EncodeStateSummary())
	require.NoError(t, err)
	require.NoError(t, b.ApplyRemoteUpdate(diff, System()))

	assert.Equal(t, a.Snapshot(), b.Snapshot())
	assert.NotContains(t, a.Snapshot().Nodes, "n1")
}

func TestDiffSinceRoundTrip(t *testing.T) {
	a, b := New(), New()
	setNode(t, a, "n1", `{"type":"controller"}`)
	setNode(t, b, "n2", `{"type":"queue"}`)
	setNode(t, b, "n3", `{"type":"store"}`)

	diff, err := b.DiffSince(a.EncodeStateSummary())
	require.NoError(t, err)
	require.NotNil(t, diff)
	require.NoError(t, a.ApplyRemoteUpdate(diff, Remote("b")))

	assert.ElementsMatch(t, []string{"n1", "n2", "n3"}, keys(a.Snapshot().Nodes))
}

func TestDiffSinceUpToDateIsNil(t *testing.T) {
	a := New()
	setNode(t, a, "n1", `{}`)
	diff, err := a.DiffSince(a.EncodeStateSummary())
	require.NoError(t, err)
	assert.Nil(t, diff)
}

func TestFullStateRoundTrip(t *testing.T) {
	a := New()
	require.NoError(t, a.Transact(System(), func(tx *Txn) error {
		tx.Set(CollectionMeta, MetaTitle, []byte(`"payments"`))
		tx.Set(CollectionMeta, MetaVersion, []byte(`1`))
		tx.Set(CollectionNodes, "n1", []byte(`{"type":"controller"}`))
		tx.Set(CollectionPortSchemas, "http", []byte(`{"proto":"http"}`))
		return nil
	}))
	setNode(t, a, "n2", `{"type":"queue"}`)
	require.NoError(t, a.Transact(Local(), func(tx *Txn) error {
		tx.Delete(CollectionNodes, "n1")
		return nil
	}))

	b, err := Load(a.EncodeFullState())
	require.NoError(t, err)
	assert.Equal(t, a.Snapshot(), b.Snapshot())
	assert.Equal(t, a.EncodeStateSummary(), b.EncodeStateSummary())
}

func TestDeltaWithOversizedOpCountIsRejected(t *testing.T) {
	// a tiny frame whose header claims 2^62 ops must fail to decode instead
	// of sizing an allocation from the claimed count
	enc := codec.NewEncoder()
	enc.WriteVarUint(1 << 62)
	enc.WriteVarUint(0)

	d := New()
	var events int
	cancel := d.OnUpdate(func([]byte, Origin) { events++ })
	defer cancel()

	err := d.ApplyRemoteUpdate(enc.Bytes(), Remote("c1"))
	require.Error(t, err)
	assert.Zero(t, events)
	assert.Empty(t, d.Snapshot().Nodes)
}

func TestGapClosingUpdateEventCarriesDrainedOps(t *testing.T) {
	a := New()
	d1 := setNode(t, a, "n1", `{"type":"controller"}`)
	d2 := setNode(t, a, "n2", `{"type":"queue"}`)

	b := New()
	var stream [][]byte
	cancel := b.OnUpdate(func(update []byte, _ Origin) {
		stream = append(stream, append([]byte(nil), update...))
	})
	defer cancel()

	// the later delta arrives first and is buffered silently; the earlier
	// one closes the gap and must surface both in its event
	require.NoError(t, b.ApplyRemoteUpdate(d2, System()))
	require.NoError(t, b.ApplyRemoteUpdate(d1, System()))
	require.Len(t, stream, 1)

	replica := New()
	for _, u := range stream {
		require.NoError(t, replica.ApplyRemoteUpdate(u, System()))
	}
	assert.Equal(t, b.Snapshot(), replica.Snapshot(),
		"replaying the event stream must reproduce the live document")
	assert.Equal(t, b.EncodeStateSummary(), replica.EncodeStateSummary())
	assert.ElementsMatch(t, []string{"n1", "n2"}, keys(replica.Snapshot().Nodes))
}

func TestMalformedDeltaLeavesDocUntouched(t *testing.T) {
	d := New()
	setNode(t, d, "n1", `{}`)
	before := d.Snapshot()
	err := d.ApplyRemoteUpdate([]byte{0x05, 0x01}, Remote("c1"))
	require.Error(t, err)
	assert.Equal(t, before, d.Snapshot())
}

func TestSnapshotApplyRoundTrip(t *testing.T) {
	a := New()
	require.NoError(t, a.Transact(System(), func(tx *Txn) error {
		tx.Set(CollectionMeta, MetaRoomID, []byte(`"proj1"`))
		tx.Set(CollectionMeta, MetaTitle, []byte(`"payments"`))
		tx.Set(CollectionMeta, MetaVersion, []byte(`3`))
		tx.Set(CollectionNodes, "n1", []byte(`{"type":"controller"}`))
		tx.Set(CollectionNodes, "gone", []byte(`{"type":"queue"}`))
		return nil
	}))

	want := Snapshot{
		RoomID:  "proj1",
		Title:   "payments v2",
		Version: 4,
		Nodes: map[string]json.RawMessage{
			"n1": json.RawMessage(`{"type":"controller"}`),
			"n9": json.RawMessage(`{"type":"cache"}`),
		},
		Edges:       map[string]json.RawMessage{},
		Schemas:     map[string]json.RawMessage{},
		Deployables: map[string]json.RawMessage{},
		PortSchemas: map[string]json.RawMessage{},
	}
	require.NoError(t, a.ApplySnapshot(want, Local()))
	assert.Equal(t, want, a.Snapshot())
}

func keys(m map[string]json.RawMessage) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
