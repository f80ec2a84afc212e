package sshwire

// ByteString is a span of bytes with an explicit length, used for SSH
// protocol string and blob fields. It is never null-terminated and its
// length is always known exactly. A ByteString produced by a read operation
// borrows the storage of the buffer it was read from; use Dup to obtain an
// owned copy that survives mutation or release of the source.
type ByteString []byte

// Len returns the length of the byte string in bytes.
func (s ByteString) Len() int {
	return len(s)
}

// Dup returns an owned copy of the byte string that does not alias the
// original storage.
func (s ByteString) Dup() ByteString {
	d := make(ByteString, len(s))
	copy(d, s)
	return d
}

// Compare compares s against a raw byte span, ordering first by content and
// then by length, like bytes.Compare.
func (s ByteString) Compare(data []byte) int {
	cmpLen := len(s)
	if len(data) < cmpLen {
		cmpLen = len(data)
	}
	for i := 0; i < cmpLen; i++ {
		if s[i] != data[i] {
			if s[i] < data[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(s) < len(data):
		return -1
	case len(s) > len(data):
		return 1
	}
	return 0
}

// Equal reports whether s has exactly the same contents as other.
func (s ByteString) Equal(other ByteString) bool {
	return s.Compare(other) == 0
}

// EqualString reports whether s has exactly the same contents as the Go
// string str.
func (s ByteString) EqualString(str string) bool {
	return s.Compare([]byte(str)) == 0
}

// Zero overwrites the contents of the byte string with zero bytes. It is
// used to wipe sensitive material (e.g. session secrets) before the storage
// is released to the garbage collector.
func (s ByteString) Zero() {
	for i := range s {
		s[i] = 0
	}
}

func (s ByteString) String() string {
	return string(s)
}
