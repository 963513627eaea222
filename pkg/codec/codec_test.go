package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVarUintRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 127, 128, 129, 255, 256, 16383, 16384, 1<<32 - 1, 1 << 62, 1<<64 - 1}
	enc := NewEncoder()
	for _, v := range values {
		enc.WriteVarUint(v)
	}
	dec := NewDecoder(enc.Bytes())
	for _, v := range values {
		got, err := dec.ReadVarUint()
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
	assert.Equal(t, 0, dec.Remaining())
}

func TestBytesAndStringRoundTrip(t *testing.T) {
	enc := NewEncoder()
	enc.WriteBytes([]byte{0xde, 0xad, 0xbe, 0xef})
	enc.WriteString("controller")
	enc.WriteBytes(nil)

	dec := NewDecoder(enc.Bytes())
	b, err := dec.ReadBytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, b)
	s, err := dec.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "controller", s)
	b, err = dec.ReadBytes()
	require.NoError(t, err)
	assert.Empty(t, b)
	assert.Equal(t, 0, dec.Remaining())
}

func TestTruncatedInput(t *testing.T) {
	enc := NewEncoder()
	enc.WriteVarUint(300)
	enc.WriteBytes([]byte("architecture"))
	full := enc.Bytes()

	for cut := 0; cut < len(full); cut++ {
		dec := NewDecoder(full[:cut])
		if _, err := dec.ReadVarUint(); err != nil {
			require.ErrorIs(t, err, ErrUnexpectedEOF)
			continue
		}
		_, err := dec.ReadBytes()
		require.ErrorIs(t, err, ErrUnexpectedEOF, "cut at %d", cut)
	}
}

func TestLengthPrefixBeyondInput(t *testing.T) {
	enc := NewEncoder()
	enc.WriteVarUint(1 << 40)
	dec := NewDecoder(enc.Bytes())
	_, err := dec.ReadBytes()
	require.ErrorIs(t, err, ErrUnexpectedEOF)
}

func TestRemaining(t *testing.T) {
	enc := NewEncoder()
	enc.WriteVarUint(0)
	enc.WriteVarUint(5)
	dec := NewDecoder(enc.Bytes())
	require.Equal(t, 2, dec.Remaining())
	_, err := dec.ReadVarUint()
	require.NoError(t, err)
	require.Equal(t, 1, dec.Remaining())
}
