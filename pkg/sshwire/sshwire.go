// Package sshwire implements the binary buffer/codec layer used to build and
// parse SSH packet payloads: a growable write Buffer, a bounds-checked read
// cursor (Reader), and a length-explicit ByteString value type for protocol
// string and blob fields.
//
// All integer fields are big-endian and fixed width. Every size computation
// involving untrusted lengths is overflow-checked before use; a violation is
// reported as one of the typed errors in this package, never as a panic or a
// silent wrap. Views returned by read operations borrow the underlying
// storage of the source; callers that need a view to outlive the source must
// copy it with Dup.
package sshwire

import (
	"errors"
	"fmt"
)

// maxInt is the largest value representable by the platform int.
const maxInt = int(^uint(0) >> 1)

// Typed codec failures. All sshwire errors wrap exactly one of these, so
// callers can classify failures with errors.Is.
var (
	// ErrOverflow indicates that a size computation would overflow the
	// platform's integer range.
	ErrOverflow = errors.New("size arithmetic overflow")

	// ErrTruncatedInput indicates a read past the end of the available bytes.
	ErrTruncatedInput = errors.New("read past end of input")

	// ErrInvalidSeek indicates a seek beyond the end of the data.
	ErrInvalidSeek = errors.New("seek to invalid position")

	// ErrOutOfRange indicates a removal or slice outside the buffer bounds.
	ErrOutOfRange = errors.New("range outside buffer")
)

// checkedAdd returns a+b, or ErrOverflow if the sum would exceed maxInt.
// Negative inputs are rejected as well; they only arise from caller bugs.
func checkedAdd(a, b int) (int, error) {
	if a < 0 || b < 0 || a > maxInt-b {
		return 0, fmt.Errorf("%d + %d: %w", a, b, ErrOverflow)
	}
	return a + b, nil
}

// checkAdvance verifies that advancing pos by n stays within length, with
// overflow-safe arithmetic. It returns the new position on success.
func checkAdvance(pos, n, length int) (int, error) {
	newPos, err := checkedAdd(pos, n)
	if err != nil {
		return 0, err
	}
	if newPos > length {
		return 0, fmt.Errorf("need %d bytes at position %d of %d: %w", n, pos, length, ErrTruncatedInput)
	}
	return newPos, nil
}
