package sshwire

import (
	"encoding/binary"
	"fmt"
)

// Reader is a read cursor over a borrowed byte span. It never owns the
// underlying bytes; its lifetime is tied to the Buffer or ByteString it was
// created from. Every read bounds-checks before advancing; on failure the
// position is unchanged.
type Reader struct {
	data []byte
	pos  int
}

// NewReader returns a Reader positioned at the start of data. The Reader
// borrows data; the caller must not mutate or release it while the Reader
// or any view read from it is in use.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// NewReaderFromBuffer returns a Reader over the current contents of b.
func NewReaderFromBuffer(b *Buffer) *Reader {
	return &Reader{data: b.Bytes()}
}

// Pos returns the current read position.
func (r *Reader) Pos() int {
	return r.pos
}

// Len returns the total length of the underlying span.
func (r *Reader) Len() int {
	return len(r.data)
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.data) - r.pos
}

// Bytes returns the full underlying span, independent of position.
func (r *Reader) Bytes() []byte {
	return r.data
}

// Rest returns the unread tail of the span as a borrowed view. The position
// is not advanced.
func (r *Reader) Rest() []byte {
	return r.data[r.pos:]
}

// Rewind resets the read position to the start.
func (r *Reader) Rewind() {
	r.pos = 0
}

// Seek moves the read position to pos. It fails with ErrInvalidSeek if pos
// is past the end of the data.
func (r *Reader) Seek(pos int) error {
	if pos < 0 || pos > len(r.data) {
		return fmt.Errorf("position %d in span of %d bytes: %w", pos, len(r.data), ErrInvalidSeek)
	}
	r.pos = pos
	return nil
}

// Skip advances the read position by n bytes without returning them.
func (r *Reader) Skip(n int) error {
	newPos, err := checkAdvance(r.pos, n, len(r.data))
	if err != nil {
		return err
	}
	r.pos = newPos
	return nil
}

// PeekU8 returns the byte at the current position without advancing.
func (r *Reader) PeekU8() (byte, error) {
	if _, err := checkAdvance(r.pos, 1, len(r.data)); err != nil {
		return 0, err
	}
	return r.data[r.pos], nil
}

// ReadU8 reads a single byte.
func (r *Reader) ReadU8() (byte, error) {
	newPos, err := checkAdvance(r.pos, 1, len(r.data))
	if err != nil {
		return 0, err
	}
	v := r.data[r.pos]
	r.pos = newPos
	return v, nil
}

// ReadU32 reads a 4-byte big-endian integer.
func (r *Reader) ReadU32() (uint32, error) {
	newPos, err := checkAdvance(r.pos, 4, len(r.data))
	if err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.data[r.pos:])
	r.pos = newPos
	return v, nil
}

// ReadBool reads an SSH boolean (one byte; any nonzero value is true).
func (r *Reader) ReadBool() (bool, error) {
	v, err := r.ReadU8()
	return v != 0, err
}

// ReadBytes reads a 4-byte length prefix and then that many bytes,
// returning them as a zero-copy view into the underlying span. It fails
// with ErrTruncatedInput, leaving the position unchanged, if fewer bytes
// remain than the prefix declares. The returned ByteString is invalidated
// if the source storage is mutated or released.
func (r *Reader) ReadBytes() (ByteString, error) {
	declaredLen, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	if uint64(declaredLen) > uint64(maxInt) {
		r.pos -= 4
		return nil, fmt.Errorf("declared field length %d: %w", declaredLen, ErrOverflow)
	}
	newPos, err := checkAdvance(r.pos, int(declaredLen), len(r.data))
	if err != nil {
		r.pos -= 4
		return nil, err
	}
	v := ByteString(r.data[r.pos:newPos])
	r.pos = newPos
	return v, nil
}

// ReadUntil scans forward to the first occurrence of sentinel (or the end
// of the data) and returns the bytes before it as a borrowed view. If the
// sentinel was found the position advances past it; the sentinel itself is
// never included in the result.
func (r *Reader) ReadUntil(sentinel byte) ByteString {
	start := r.pos
	for r.pos < len(r.data) && r.data[r.pos] != sentinel {
		r.pos++
	}
	v := ByteString(r.data[start:r.pos])
	if r.pos < len(r.data) {
		r.pos++
	}
	return v
}
