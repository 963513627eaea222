package doc

import (
	"encoding/json"
	"fmt"
)

// Snapshot is the structured projection of a document exposed to the REST
// facade and file import/export. Entity payloads stay opaque: the sync core
// never interprets node or schema contents.
type Snapshot struct {
	RoomID      string                     `json:"roomId"`
	Title       string                     `json:"title"`
	Version     int64                      `json:"version"`
	Nodes       map[string]json.RawMessage `json:"nodes"`
	Edges       map[string]json.RawMessage `json:"edges"`
	Schemas     map[string]json.RawMessage `json:"schemas"`
	Deployables map[string]json.RawMessage `json:"deployables"`
	PortSchemas map[string]json.RawMessage `json:"portSchemas"`
}

// Snapshot materializes the current state of every collection.
func (d *Doc) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	sn := Snapshot{
		Nodes:       materialize(d.state[CollectionNodes]),
		Edges:       materialize(d.state[CollectionEdges]),
		Schemas:     materialize(d.state[CollectionSchemas]),
		Deployables: materialize(d.state[CollectionDeployables]),
		PortSchemas: materialize(d.state[CollectionPortSchemas]),
	}
	meta := d.state[CollectionMeta]
	if r, ok := meta[MetaRoomID]; ok && !r.Deleted {
		_ = json.Unmarshal(r.Value, &sn.RoomID)
	}
	if r, ok := meta[MetaTitle]; ok && !r.Deleted {
		_ = json.Unmarshal(r.Value, &sn.Title)
	}
	if r, ok := meta[MetaVersion]; ok && !r.Deleted {
		_ = json.Unmarshal(r.Value, &sn.Version)
	}
	return sn
}

// ApplySnapshot overwrites the document's content with sn in one transaction:
// meta fields are set, entities present in sn are written, entities absent
// from sn are deleted. Used by snapshot PUT and file import.
func (d *Doc) ApplySnapshot(sn Snapshot, origin Origin) error {
	return d.Transact(origin, func(tx *Txn) error {
		if err := setMetaJSON(tx, MetaRoomID, sn.RoomID); err != nil {
			return err
		}
		if err := setMetaJSON(tx, MetaTitle, sn.Title); err != nil {
			return err
		}
		if err := setMetaJSON(tx, MetaVersion, sn.Version); err != nil {
			return err
		}
		replaceCollection(d, tx, CollectionNodes, sn.Nodes)
		replaceCollection(d, tx, CollectionEdges, sn.Edges)
		replaceCollection(d, tx, CollectionSchemas, sn.Schemas)
		replaceCollection(d, tx, CollectionDeployables, sn.Deployables)
		replaceCollection(d, tx, CollectionPortSchemas, sn.PortSchemas)
		return nil
	})
}

func setMetaJSON(tx *Txn, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode meta %s: %w", key, err)
	}
	tx.Set(CollectionMeta, key, raw)
	return nil
}

// replaceCollection is called with the doc lock already held by Transact.
func replaceCollection(d *Doc, tx *Txn, coll Collection, want map[string]json.RawMessage) {
	for key, r := range d.state[coll] {
		if _, keep := want[key]; !keep && !r.Deleted {
			tx.Delete(coll, key)
		}
	}
	for key, value := range want {
		tx.Set(coll, key, value)
	}
}

func materialize(m map[string]register) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(m))
	for k, r := range m {
		if r.Deleted {
			continue
		}
		out[k] = append(json.RawMessage(nil), r.Value...)
	}
	return out
}
