package doc

import (
	"fmt"

	"github.com/astromechza/archsync/pkg/codec"
)

// Collection identifies one of the document's materialized maps.
type Collection uint8

const (
	CollectionMeta Collection = iota
	CollectionNodes
	CollectionEdges
	CollectionSchemas
	CollectionDeployables
	CollectionPortSchemas

	numCollections
)

func (c Collection) String() string {
	switch c {
	case CollectionMeta:
		return "meta"
	case CollectionNodes:
		return "nodes"
	case CollectionEdges:
		return "edges"
	case CollectionSchemas:
		return "schemas"
	case CollectionDeployables:
		return "deployables"
	case CollectionPortSchemas:
		return "portSchemas"
	default:
		return fmt.Sprintf("collection(%d)", uint8(c))
	}
}

// Keys of the meta collection.
const (
	MetaVersion = "version"
	MetaTitle   = "title"
	MetaRoomID  = "roomId"
)

const (
	opFlagSet uint64 = iota
	opFlagDelete
)

// op is a single register write: actor+seq identify it globally, clock orders
// it against concurrent writes to the same key.
type op struct {
	Actor  string
	Seq    uint64
	Clock  uint64
	Coll   Collection
	Key    string
	Delete bool
	Value  []byte
}

func (o op) encode(enc *codec.Encoder) {
	enc.WriteString(o.Actor)
	enc.WriteVarUint(o.Seq)
	enc.WriteVarUint(o.Clock)
	enc.WriteVarUint(uint64(o.Coll))
	enc.WriteString(o.Key)
	if o.Delete {
		enc.WriteVarUint(opFlagDelete)
	} else {
		enc.WriteVarUint(opFlagSet)
		enc.WriteBytes(o.Value)
	}
}

func decodeOp(dec *codec.Decoder) (op, error) {
	var o op
	var err error
	if o.Actor, err = dec.ReadString(); err != nil {
		return o, fmt.Errorf("op actor: %w", err)
	}
	if o.Seq, err = dec.ReadVarUint(); err != nil {
		return o, fmt.Errorf("op seq: %w", err)
	}
	if o.Seq == 0 {
		return o, fmt.Errorf("op seq must be positive")
	}
	if o.Clock, err = dec.ReadVarUint(); err != nil {
		return o, fmt.Errorf("op clock: %w", err)
	}
	coll, err := dec.ReadVarUint()
	if err != nil {
		return o, fmt.Errorf("op collection: %w", err)
	}
	if coll >= uint64(numCollections) {
		return o, fmt.Errorf("unknown collection %d", coll)
	}
	o.Coll = Collection(coll)
	if o.Key, err = dec.ReadString(); err != nil {
		return o, fmt.Errorf("op key: %w", err)
	}
	flag, err := dec.ReadVarUint()
	if err != nil {
		return o, fmt.Errorf("op flag: %w", err)
	}
	switch flag {
	case opFlagSet:
		v, err := dec.ReadBytes()
		if err != nil {
			return o, fmt.Errorf("op value: %w", err)
		}
		o.Value = append([]byte(nil), v...)
	case opFlagDelete:
		o.Delete = true
	default:
		return o, fmt.Errorf("unknown op flag %d", flag)
	}
	return o, nil
}

func encodeOps(ops []op) []byte {
	enc := codec.NewEncoder()
	enc.WriteVarUint(uint64(len(ops)))
	for _, o := range ops {
		o.encode(enc)
	}
	return append([]byte(nil), enc.Bytes()...)
}

// decodeOps decodes a full delta before anything is applied, so a structural
// error never leaves the document partially mutated.
func decodeOps(delta []byte) ([]op, error) {
	dec := codec.NewDecoder(delta)
	n, err := dec.ReadVarUint()
	if err != nil {
		return nil, fmt.Errorf("delta header: %w", err)
	}
	// every op occupies at least one byte, so a count beyond the remaining
	// input is malformed; this also bounds the allocation below
	if n > uint64(dec.Remaining()) {
		return nil, fmt.Errorf("delta claims %d ops in %d bytes", n, dec.Remaining())
	}
	ops := make([]op, 0, n)
	for i := uint64(0); i < n; i++ {
		o, err := decodeOp(dec)
		if err != nil {
			return nil, err
		}
		ops = append(ops, o)
	}
	if dec.Remaining() != 0 {
		return nil, fmt.Errorf("delta has %d trailing bytes", dec.Remaining())
	}
	return ops, nil
}
