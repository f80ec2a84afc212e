package sshwire

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckedAdd(t *testing.T) {
	v, err := checkedAdd(3, 4)
	require.NoError(t, err)
	require.Equal(t, 7, v)

	_, err = checkedAdd(maxInt, 1)
	require.ErrorIs(t, err, ErrOverflow)

	_, err = checkedAdd(maxInt-1, 1)
	require.NoError(t, err)

	_, err = checkedAdd(-1, 1)
	require.ErrorIs(t, err, ErrOverflow)
}

func TestBufferGrowth(t *testing.T) {
	b := NewBuffer()
	require.Equal(t, 0, b.Len())
	require.Equal(t, 0, b.Cap())

	require.NoError(t, b.WriteU8(0x42))
	require.Equal(t, 1, b.Len())
	assert.Equal(t, 0, b.Cap()%GrowBlockSize, "capacity must be a GrowBlockSize multiple")

	// Filling up to the first block boundary must not reallocate.
	firstCap := b.Cap()
	for i := 1; i < firstCap; i++ {
		require.NoError(t, b.WriteU8(byte(i)))
	}
	require.Equal(t, firstCap, b.Cap())

	require.NoError(t, b.WriteU8(0xff))
	assert.Greater(t, b.Cap(), firstCap)
	assert.Equal(t, 0, b.Cap()%GrowBlockSize)
}

func TestWriteReadRoundTrip(t *testing.T) {
	b := NewBuffer()
	require.NoError(t, b.WriteU8(0x07))
	require.NoError(t, b.WriteU32(0xdeadbeef))
	require.NoError(t, b.WriteStringField("session"))
	require.NoError(t, b.WriteBool(true))

	r := NewReaderFromBuffer(b)

	v8, err := r.ReadU8()
	require.NoError(t, err)
	assert.Equal(t, byte(0x07), v8)

	v32, err := r.ReadU32()
	require.NoError(t, err)
	assert.Equal(t, uint32(0xdeadbeef), v32)

	posBefore := r.Pos()
	s, err := r.ReadBytes()
	require.NoError(t, err)
	assert.True(t, s.EqualString("session"))
	assert.Equal(t, posBefore+4+s.Len(), r.Pos(),
		"cursor must advance exactly 4 + payload length bytes")

	vb, err := r.ReadBool()
	require.NoError(t, err)
	assert.True(t, vb)

	require.Equal(t, 0, r.Remaining())
}

func TestBigEndianEncoding(t *testing.T) {
	b := NewBuffer()
	require.NoError(t, b.WriteU32(0x01020304))
	require.Equal(t, []byte{1, 2, 3, 4}, b.Bytes())
}

func TestAppendHasNoLengthPrefix(t *testing.T) {
	b := NewBuffer()
	require.NoError(t, b.Append([]byte("abc")))

	sub := NewBuffer()
	require.NoError(t, sub.WriteU8('d'))
	require.NoError(t, b.AppendBuffer(sub))

	require.Equal(t, []byte("abcd"), b.Bytes())
}

func TestWriteBytesEmptyField(t *testing.T) {
	b := NewBuffer()
	require.NoError(t, b.WriteBytes(nil))
	require.Equal(t, []byte{0, 0, 0, 0}, b.Bytes())

	r := NewReaderFromBuffer(b)
	s, err := r.ReadBytes()
	require.NoError(t, err)
	require.Equal(t, 0, s.Len())
}

func TestExtendReturnsWritableTail(t *testing.T) {
	b := NewBuffer()
	require.NoError(t, b.WriteU8(1))
	p, err := b.Extend(3)
	require.NoError(t, err)
	require.Len(t, p, 3)
	copy(p, []byte{2, 3, 4})
	require.Equal(t, []byte{1, 2, 3, 4}, b.Bytes())
}

func TestRemoveRange(t *testing.T) {
	b := NewBufferFrom([]byte("abcdefgh"))

	require.NoError(t, b.RemoveRange(2, 3))
	assert.Equal(t, []byte("abfgh"), b.Bytes())

	// Removing a tail-aligned range needs no shifting.
	require.NoError(t, b.RemoveRange(3, 2))
	assert.Equal(t, []byte("abf"), b.Bytes())

	err := b.RemoveRange(1, 5)
	assert.ErrorIs(t, err, ErrOutOfRange)
	assert.Equal(t, []byte("abf"), b.Bytes(), "failed removal must not modify the buffer")

	err = b.RemoveRange(maxInt, maxInt)
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestEnsureCapacity(t *testing.T) {
	b := NewBuffer()
	require.NoError(t, b.EnsureCapacity(1000))
	require.GreaterOrEqual(t, b.Cap(), 1000)
	require.Equal(t, 0, b.Len())
}

func TestClearAndZero(t *testing.T) {
	b := NewBufferFrom([]byte("secret-key-material"))
	raw := b.Bytes()

	b.Zero()
	require.Equal(t, 0, b.Len())
	for i, v := range raw {
		require.Equal(t, byte(0), v, "byte %d not wiped", i)
	}

	require.NoError(t, b.Append([]byte("xyz")))
	b.Clear()
	require.Equal(t, 0, b.Len())
	require.GreaterOrEqual(t, b.Cap(), 3, "Clear must keep capacity")
}

func TestByteString(t *testing.T) {
	s := ByteString("abc")
	assert.Equal(t, 3, s.Len())
	assert.True(t, s.Equal(ByteString("abc")))
	assert.True(t, s.EqualString("abc"))
	assert.False(t, s.EqualString("abd"))

	assert.Equal(t, -1, s.Compare([]byte("abd")))
	assert.Equal(t, 1, s.Compare([]byte("ab")))
	assert.Equal(t, -1, s.Compare([]byte("abcd")))
	assert.Equal(t, 0, s.Compare([]byte("abc")))

	d := s.Dup()
	d[0] = 'z'
	assert.True(t, s.EqualString("abc"), "Dup must not alias the original")

	d.Zero()
	assert.Equal(t, ByteString{0, 0, 0}, d)
}

func TestErrorsAreClassifiable(t *testing.T) {
	b := NewBufferFrom([]byte("ab"))
	err := b.RemoveRange(1, 5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOutOfRange))
	assert.NotEqual(t, ErrOutOfRange, err, "errors should carry context, wrapping the sentinel")
}
