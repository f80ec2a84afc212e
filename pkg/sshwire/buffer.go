package sshwire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// GrowBlockSize is the allocation granularity for Buffer. Capacity is always
// rounded up to a multiple of this size when the buffer grows, amortizing
// reallocation across many small appends.
const GrowBlockSize = 256

// Buffer is an owned, growable byte store used to build outgoing packet
// payloads. The zero value is an empty buffer ready for use. All growth
// arithmetic is overflow-checked; an operation that would overflow fails
// with ErrOverflow and leaves the buffer unchanged.
type Buffer struct {
	data []byte
}

// NewBuffer returns a new empty Buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// NewBufferFrom returns a Buffer that takes ownership of data as its initial
// contents. The caller must not use data afterwards.
func NewBufferFrom(data []byte) *Buffer {
	return &Buffer{data: data}
}

// Len returns the number of bytes currently in the buffer.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Cap returns the buffer's current capacity in bytes.
func (b *Buffer) Cap() int {
	return cap(b.data)
}

// Bytes returns the buffer contents. The returned slice aliases the
// buffer's storage and is invalidated by any subsequent mutation.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Clear resets the buffer length to zero, keeping its capacity.
func (b *Buffer) Clear() {
	b.data = b.data[:0]
}

// Zero wipes every byte up to the buffer's capacity and resets the length
// to zero. Use it before discarding a buffer that held sensitive data.
func (b *Buffer) Zero() {
	full := b.data[:cap(b.data)]
	for i := range full {
		full[i] = 0
	}
	b.data = b.data[:0]
}

// grow ensures capacity for n more bytes beyond the current length without
// changing the length. Capacity is rounded up to the next GrowBlockSize
// multiple above the requirement.
func (b *Buffer) grow(n int) error {
	newLen, err := checkedAdd(len(b.data), n)
	if err != nil {
		return err
	}
	if cap(b.data) >= newLen {
		return nil
	}
	rounded, err := checkedAdd(newLen, GrowBlockSize+1)
	if err != nil {
		return err
	}
	rounded = rounded / GrowBlockSize * GrowBlockSize
	newData := make([]byte, len(b.data), rounded)
	copy(newData, b.data)
	b.data = newData
	return nil
}

// EnsureCapacity grows the buffer's capacity to hold at least n bytes total.
// The length is unchanged.
func (b *Buffer) EnsureCapacity(n int) error {
	if cap(b.data) >= n {
		return nil
	}
	return b.grow(n - len(b.data))
}

// Extend grows the buffer by n bytes and returns the newly added writable
// tail. The contents of the returned slice are unspecified until written.
func (b *Buffer) Extend(n int) ([]byte, error) {
	if err := b.grow(n); err != nil {
		return nil, err
	}
	oldLen := len(b.data)
	b.data = b.data[:oldLen+n]
	return b.data[oldLen:], nil
}

// WriteU8 appends a single byte.
func (b *Buffer) WriteU8(v byte) error {
	p, err := b.Extend(1)
	if err != nil {
		return err
	}
	p[0] = v
	return nil
}

// WriteU32 appends a 4-byte big-endian integer.
func (b *Buffer) WriteU32(v uint32) error {
	p, err := b.Extend(4)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint32(p, v)
	return nil
}

// WriteBool appends an SSH boolean (one byte, 0 or 1).
func (b *Buffer) WriteBool(v bool) error {
	var bv byte
	if v {
		bv = 1
	}
	return b.WriteU8(bv)
}

// WriteBytes appends a 4-byte big-endian length prefix followed by data.
// This is the canonical encoding for every variable-length protocol field.
func (b *Buffer) WriteBytes(data []byte) error {
	if uint64(len(data)) > math.MaxUint32 {
		return fmt.Errorf("field of %d bytes does not fit a u32 length prefix: %w", len(data), ErrOverflow)
	}
	if err := b.WriteU32(uint32(len(data))); err != nil {
		return err
	}
	return b.Append(data)
}

// WriteByteString appends s with a length prefix, like WriteBytes.
func (b *Buffer) WriteByteString(s ByteString) error {
	return b.WriteBytes(s)
}

// WriteStringField appends the Go string s with a length prefix, like
// WriteBytes.
func (b *Buffer) WriteStringField(s string) error {
	return b.WriteBytes([]byte(s))
}

// Append appends raw bytes with no length prefix. It is used to splice
// pre-encoded sub-buffers, e.g. a Reader's remaining bytes.
func (b *Buffer) Append(data []byte) error {
	p, err := b.Extend(len(data))
	if err != nil {
		return err
	}
	copy(p, data)
	return nil
}

// AppendBuffer appends the full contents of other with no length prefix.
func (b *Buffer) AppendBuffer(other *Buffer) error {
	return b.Append(other.Bytes())
}

// RemoveRange deletes n bytes starting at offset, shifting any trailing
// bytes left in place. It fails with ErrOutOfRange if the range extends
// past the end of the buffer.
func (b *Buffer) RemoveRange(offset, n int) error {
	end, err := checkedAdd(offset, n)
	if err != nil {
		return err
	}
	if end > len(b.data) {
		return fmt.Errorf("remove [%d,%d) from buffer of %d bytes: %w", offset, end, len(b.data), ErrOutOfRange)
	}
	if end < len(b.data) {
		copy(b.data[offset:], b.data[end:])
	}
	b.data = b.data[:len(b.data)-n]
	return nil
}
