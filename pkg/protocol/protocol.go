// Package protocol frames sync and awareness messages onto the wire and
// drives the step1/step2/update exchange against a document.
//
//	frame          = varuint(messageType) ++ payload
//	messageType 0  = SYNC       payload = varuint(subtype) ++ bytes(body)
//	messageType 1  = AWARENESS  payload = opaque bytes, relayed unmodified
//
// Sync subtypes: STEP1 carries a state summary and asks for the diff, STEP2
// answers with that diff, UPDATE carries an incremental delta.
package protocol

import (
	"fmt"

	"github.com/astromechza/archsync/pkg/codec"
	"github.com/astromechza/archsync/pkg/doc"
)

const (
	MessageSync      uint64 = 0
	MessageAwareness uint64 = 1
)

const (
	SyncStep1  uint64 = 0
	SyncStep2  uint64 = 1
	SyncUpdate uint64 = 2
)

func encodeSync(subtype uint64, body []byte) []byte {
	enc := codec.NewEncoder()
	enc.WriteVarUint(MessageSync)
	enc.WriteVarUint(subtype)
	enc.WriteBytes(body)
	return append([]byte(nil), enc.Bytes()...)
}

// EncodeStep1 frames a state summary asking the peer for everything missing.
func EncodeStep1(summary []byte) []byte {
	return encodeSync(SyncStep1, summary)
}

// EncodeStep2 frames the diff answering a step1.
func EncodeStep2(delta []byte) []byte {
	return encodeSync(SyncStep2, delta)
}

// EncodeUpdate frames an incremental delta.
func EncodeUpdate(delta []byte) []byte {
	return encodeSync(SyncUpdate, delta)
}

// EncodeAwareness frames an opaque presence payload.
func EncodeAwareness(payload []byte) []byte {
	enc := codec.NewEncoder()
	enc.WriteVarUint(MessageAwareness)
	enc.WriteRaw(payload)
	return append([]byte(nil), enc.Bytes()...)
}

// Message is a decoded inbound frame.
type Message struct {
	Type    uint64
	Subtype uint64 // sync messages only
	Body    []byte
}

// Decode parses a frame without interpreting its body.
func Decode(frame []byte) (Message, error) {
	dec := codec.NewDecoder(frame)
	mt, err := dec.ReadVarUint()
	if err != nil {
		return Message{}, fmt.Errorf("message type: %w", err)
	}
	switch mt {
	case MessageSync:
		st, err := dec.ReadVarUint()
		if err != nil {
			return Message{}, fmt.Errorf("sync subtype: %w", err)
		}
		if st != SyncStep1 && st != SyncStep2 && st != SyncUpdate {
			return Message{}, fmt.Errorf("unknown sync subtype %d", st)
		}
		body, err := dec.ReadBytes()
		if err != nil {
			return Message{}, fmt.Errorf("sync body: %w", err)
		}
		if dec.Remaining() != 0 {
			return Message{}, fmt.Errorf("sync frame has %d trailing bytes", dec.Remaining())
		}
		return Message{Type: mt, Subtype: st, Body: body}, nil
	case MessageAwareness:
		return Message{Type: mt, Body: frame[len(frame)-dec.Remaining():]}, nil
	default:
		return Message{}, fmt.Errorf("unknown message type %d", mt)
	}
}

// HandleSync applies a decoded sync message to d on behalf of origin and
// returns the direct reply to send back, or nil when no reply is due. A step1
// from an up-to-date peer yields no reply; step2 and update deltas are merged
// into the document, which raises its own update event for broadcast and
// persistence when the delta has any effect.
func HandleSync(d *doc.Doc, msg Message, origin doc.Origin) ([]byte, error) {
	switch msg.Subtype {
	case SyncStep1:
		diff, err := d.DiffSince(msg.Body)
		if err != nil {
			return nil, fmt.Errorf("step1 summary: %w", err)
		}
		if diff == nil {
			return nil, nil
		}
		return EncodeStep2(diff), nil
	case SyncStep2, SyncUpdate:
		if err := d.ApplyRemoteUpdate(msg.Body, origin); err != nil {
			return nil, fmt.Errorf("merge delta: %w", err)
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown sync subtype %d", msg.Subtype)
	}
}
