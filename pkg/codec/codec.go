// Package codec implements the variable-length binary framing used on the sync
// wire and in the persistence format: LEB128-style unsigned varints and
// varint-length-prefixed byte strings.
package codec

import (
	"errors"
	"fmt"
)

// ErrUnexpectedEOF is returned when a decoder runs off the end of its input.
// Callers treat this as a malformed frame: log it, drop the frame, carry on.
var ErrUnexpectedEOF = errors.New("unexpected end of input")

// An Encoder accumulates a message into a growable buffer.
type Encoder struct {
	buf []byte
}

func NewEncoder() *Encoder {
	return &Encoder{buf: make([]byte, 0, 64)}
}

// Bytes returns the encoded message so far. The slice aliases the encoder's
// internal buffer and must not be retained across further writes.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

func (e *Encoder) Len() int {
	return len(e.buf)
}

// WriteVarUint appends v as an LEB128 unsigned varint.
func (e *Encoder) WriteVarUint(v uint64) {
	for v >= 0x80 {
		e.buf = append(e.buf, byte(v)|0x80)
		v >>= 7
	}
	e.buf = append(e.buf, byte(v))
}

// WriteBytes appends b prefixed with its varint length.
func (e *Encoder) WriteBytes(b []byte) {
	e.WriteVarUint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

// WriteRaw appends b with no length prefix. Used for payloads that run to
// the end of the frame.
func (e *Encoder) WriteRaw(b []byte) {
	e.buf = append(e.buf, b...)
}

// WriteString appends s prefixed with its varint length.
func (e *Encoder) WriteString(s string) {
	e.WriteVarUint(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

// A Decoder reads a message back out of a byte slice.
type Decoder struct {
	buf []byte
	pos int
}

func NewDecoder(b []byte) *Decoder {
	return &Decoder{buf: b}
}

// Remaining reports how many bytes are left to decode. A remaining length of
// zero after the header is how callers detect an empty, no-op payload.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.pos
}

// ReadVarUint decodes the next LEB128 unsigned varint.
func (d *Decoder) ReadVarUint() (uint64, error) {
	var v uint64
	var shift uint
	for {
		if d.pos >= len(d.buf) {
			return 0, fmt.Errorf("varint: %w", ErrUnexpectedEOF)
		}
		b := d.buf[d.pos]
		d.pos++
		if shift >= 64 {
			return 0, fmt.Errorf("varint overflows 64 bits")
		}
		v |= uint64(b&0x7f) << shift
		if b < 0x80 {
			return v, nil
		}
		shift += 7
	}
}

// ReadBytes decodes a varint-length-prefixed byte string. The returned slice
// aliases the decoder's input.
func (d *Decoder) ReadBytes() ([]byte, error) {
	n, err := d.ReadVarUint()
	if err != nil {
		return nil, err
	}
	if n > uint64(d.Remaining()) {
		return nil, fmt.Errorf("byte string of length %d: %w", n, ErrUnexpectedEOF)
	}
	b := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return b, nil
}

// ReadString decodes a varint-length-prefixed string.
func (d *Decoder) ReadString() (string, error) {
	b, err := d.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}
