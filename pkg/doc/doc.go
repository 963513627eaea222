// Package doc implements the replicated document underlying each room: an
// operation-based replicated map with per-key last-writer-wins registers.
//
// Every mutation is an op carrying a (actor, seq) identity and a lamport
// clock. Ops are idempotent (an op already integrated is skipped by identity)
// and commutative (concurrent writes to a key are resolved by comparing
// (clock, actor, seq), which every replica evaluates identically), so any two
// replicas that have seen the same set of ops materialize the same maps.
package doc

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/astromechza/archsync/pkg/codec"
)

// register is the current winner for one key, kept as a tombstone after
// deletion so that slower concurrent writes still lose deterministically.
type register struct {
	Value   []byte
	Deleted bool
	Clock   uint64
	Actor   string
	Seq     uint64
}

// wins reports whether candidate o beats the current register r.
func (r register) wins(o op) bool {
	if o.Clock != r.Clock {
		return o.Clock > r.Clock
	}
	if o.Actor != r.Actor {
		return o.Actor > r.Actor
	}
	return o.Seq > r.Seq
}

// UpdateFunc observes every effective delta, after it has been applied
// atomically. Listeners run outside the document lock and may be invoked
// concurrently with further mutations.
type UpdateFunc func(update []byte, origin Origin)

// Doc is one room's canonical replicated state.
type Doc struct {
	mu    sync.Mutex
	actor string
	clock uint64

	// log holds every integrated op per actor, indexed by seq-1; vector is
	// the per-actor count of contiguous integrated ops (the state summary).
	log    map[string][]op
	vector map[string]uint64
	// pending buffers remote ops that arrived ahead of a per-actor gap.
	pending map[string]map[uint64]op

	state [numCollections]map[string]register

	listenerSeq int
	listeners   map[int]UpdateFunc
}

func New() *Doc {
	d := &Doc{
		actor:     uuid.NewString(),
		log:       make(map[string][]op),
		vector:    make(map[string]uint64),
		pending:   make(map[string]map[uint64]op),
		listeners: make(map[int]UpdateFunc),
	}
	for i := range d.state {
		d.state[i] = make(map[string]register)
	}
	return d
}

// Load reconstructs a document from EncodeFullState output or from a snapshot
// followed by replayed deltas.
func Load(state []byte) (*Doc, error) {
	d := New()
	ops, err := decodeOps(state)
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	d.mu.Lock()
	d.integrate(ops)
	d.mu.Unlock()
	return d, nil
}

// ActorID returns this replica's actor id.
func (d *Doc) ActorID() string {
	return d.actor
}

// OnUpdate registers fn to observe effective deltas. The returned function
// unregisters it.
func (d *Doc) OnUpdate(fn UpdateFunc) func() {
	d.mu.Lock()
	id := d.listenerSeq
	d.listenerSeq++
	d.listeners[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.listeners, id)
		d.mu.Unlock()
	}
}

// Txn stages mutations inside a Transact call. Staged ops become visible all
// at once when the transaction commits.
type Txn struct {
	d      *Doc
	staged []op
}

// Set writes value into the given collection under key. The value is copied.
func (t *Txn) Set(coll Collection, key string, value []byte) {
	t.staged = append(t.staged, op{
		Coll:  coll,
		Key:   key,
		Value: append([]byte(nil), value...),
	})
}

// Delete removes key from the given collection.
func (t *Txn) Delete(coll Collection, key string) {
	t.staged = append(t.staged, op{Coll: coll, Key: key, Delete: true})
}

// Transact runs fn, batching every mutation it stages into one delta tagged
// with origin. If fn returns an error nothing is applied. On success all
// mutations apply atomically and a single update event fires.
func (d *Doc) Transact(origin Origin, fn func(tx *Txn) error) error {
	d.mu.Lock()
	tx := &Txn{d: d}
	if err := fn(tx); err != nil {
		d.mu.Unlock()
		return err
	}
	if len(tx.staged) == 0 {
		d.mu.Unlock()
		return nil
	}
	for i := range tx.staged {
		d.clock++
		tx.staged[i].Actor = d.actor
		tx.staged[i].Seq = d.vector[d.actor] + 1
		tx.staged[i].Clock = d.clock
		d.apply(tx.staged[i])
	}
	delta := encodeOps(tx.staged)
	listeners := d.snapshotListeners()
	d.mu.Unlock()

	for _, fn := range listeners {
		fn(delta, origin)
	}
	return nil
}

// ApplyRemoteUpdate merges a delta produced by another replica. It is
// idempotent and commutes with concurrently applied deltas. A structural
// decode error leaves the document untouched; a delta with zero effective ops
// raises no update event. The event carries every op that took effect, which
// may differ from the incoming delta: a delta that closes a per-actor gap
// also flushes the buffered ops behind it, and those must reach listeners too
// or replaying the event stream would diverge from the live document.
func (d *Doc) ApplyRemoteUpdate(delta []byte, origin Origin) error {
	ops, err := decodeOps(delta)
	if err != nil {
		return err
	}
	d.mu.Lock()
	applied := d.integrate(ops)
	if len(applied) == 0 {
		d.mu.Unlock()
		return nil
	}
	update := encodeOps(applied)
	listeners := d.snapshotListeners()
	d.mu.Unlock()

	for _, fn := range listeners {
		fn(update, origin)
	}
	return nil
}

// integrate merges ops under the lock and returns the ops that took effect,
// including any buffered ops drained by closing a gap.
func (d *Doc) integrate(ops []op) []op {
	var applied []op
	for _, o := range ops {
		switch {
		case o.Seq <= d.vector[o.Actor]:
			// already integrated
		case o.Seq == d.vector[o.Actor]+1:
			d.apply(o)
			applied = append(applied, o)
			applied = d.drainPending(o.Actor, applied)
		default:
			p := d.pending[o.Actor]
			if p == nil {
				p = make(map[uint64]op)
				d.pending[o.Actor] = p
			}
			p[o.Seq] = o
		}
	}
	return applied
}

// drainPending applies buffered ops for actor that have become contiguous,
// appending each one to applied.
func (d *Doc) drainPending(actor string, applied []op) []op {
	p := d.pending[actor]
	for {
		next, ok := p[d.vector[actor]+1]
		if !ok {
			break
		}
		delete(p, next.Seq)
		d.apply(next)
		applied = append(applied, next)
	}
	if len(p) == 0 {
		delete(d.pending, actor)
	}
	return applied
}

// apply integrates one op whose seq is exactly vector[actor]+1.
func (d *Doc) apply(o op) {
	d.log[o.Actor] = append(d.log[o.Actor], o)
	d.vector[o.Actor] = o.Seq
	if o.Clock > d.clock {
		d.clock = o.Clock
	}
	m := d.state[o.Coll]
	if cur, ok := m[o.Key]; ok && !cur.wins(o) {
		return
	}
	m[o.Key] = register{
		Value:   o.Value,
		Deleted: o.Delete,
		Clock:   o.Clock,
		Actor:   o.Actor,
		Seq:     o.Seq,
	}
}

// EncodeStateSummary returns a compact description of which ops this replica
// has incorporated: the per-actor contiguous sequence counts.
func (d *Doc) EncodeStateSummary() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return encodeSummary(d.vector)
}

// DiffSince returns the minimal delta covering everything a replica with the
// given summary is missing, or nil when it is missing nothing.
func (d *Doc) DiffSince(summary []byte) ([]byte, error) {
	have, err := decodeSummary(summary)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var missing []op
	for _, actor := range sortedActors(d.log) {
		ops := d.log[actor]
		if from := have[actor]; from < uint64(len(ops)) {
			missing = append(missing, ops[from:]...)
		}
	}
	if len(missing) == 0 {
		return nil, nil
	}
	return encodeOps(missing), nil
}

// EncodeFullState returns a byte snapshot sufficient to reconstruct the whole
// document via Load.
func (d *Doc) EncodeFullState() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	var all []op
	for _, actor := range sortedActors(d.log) {
		all = append(all, d.log[actor]...)
	}
	return encodeOps(all)
}

func (d *Doc) snapshotListeners() []UpdateFunc {
	out := make([]UpdateFunc, 0, len(d.listeners))
	for _, fn := range d.listeners {
		out = append(out, fn)
	}
	return out
}

func sortedActors(log map[string][]op) []string {
	actors := make([]string, 0, len(log))
	for a := range log {
		actors = append(actors, a)
	}
	sort.Strings(actors)
	return actors
}

func encodeSummary(vector map[string]uint64) []byte {
	actors := make([]string, 0, len(vector))
	for a := range vector {
		actors = append(actors, a)
	}
	sort.Strings(actors)
	enc := codec.NewEncoder()
	enc.WriteVarUint(uint64(len(actors)))
	for _, a := range actors {
		enc.WriteString(a)
		enc.WriteVarUint(vector[a])
	}
	return append([]byte(nil), enc.Bytes()...)
}

func decodeSummary(summary []byte) (map[string]uint64, error) {
	have := make(map[string]uint64)
	if len(summary) == 0 {
		return have, nil
	}
	dec := codec.NewDecoder(summary)
	n, err := dec.ReadVarUint()
	if err != nil {
		return nil, fmt.Errorf("summary header: %w", err)
	}
	for i := uint64(0); i < n; i++ {
		actor, err := dec.ReadString()
		if err != nil {
			return nil, fmt.Errorf("summary actor: %w", err)
		}
		seq, err := dec.ReadVarUint()
		if err != nil {
			return nil, fmt.Errorf("summary seq: %w", err)
		}
		have[actor] = seq
	}
	return have, nil
}
