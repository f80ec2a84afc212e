package sshmux

import (
	"fmt"

	"github.com/sammck-go/sshmux/pkg/sshwire"
)

// Transport is the boundary to the encrypted session layer. It frames,
// encrypts and transmits packet payloads built by this package, and hands
// back decrypted incoming payloads.
//
// The transport socket is shared between the Registry and channel callbacks
// that send data; single-threaded execution of the registry loop serializes
// all access to it. Implementations must be non-blocking: operations that
// cannot make progress return an error wrapping ErrWouldBlock rather than
// waiting.
type Transport interface {
	// NewPacket allocates the write buffer for one outgoing packet payload,
	// pre-positioned past any header the transport layer needs. The buffer
	// stays owned by the transport; the caller fills it and then calls
	// SendPacket.
	NewPacket() (*sshwire.Buffer, error)

	// SendPacket hands the most recently allocated packet to the transport
	// for (possibly deferred, encrypted) transmission. It never blocks; the
	// payload may be queued, in which case SendIsPending reports true until
	// FlushSend drains it.
	SendPacket() error

	// SendIsPending reports whether queued outbound bytes are waiting to be
	// flushed. The registry loop watches the connection fd for writability
	// only while this is true.
	SendIsPending() bool

	// FlushSend writes queued outbound bytes to the connection. A wrapped
	// ErrWouldBlock means the socket stopped accepting data and flushing
	// should resume after the next readiness wait.
	FlushSend() error

	// ReceivePacket returns the next fully-framed, decrypted packet payload,
	// or a wrapped ErrWouldBlock when no complete packet is buffered yet.
	// Any other error is a transport fault. The returned Reader is only
	// valid until the next ReceivePacket call.
	ReceivePacket() (*sshwire.Reader, error)

	// Fd returns the connection socket's file descriptor for readiness
	// polling.
	Fd() int
}

// PacketMessageType peeks a packet payload's message type code (its first
// byte) without consuming it.
func PacketMessageType(r *sshwire.Reader) (byte, error) {
	t, err := r.PeekU8()
	if err != nil {
		return 0, fmt.Errorf("packet has no message type: %w", err)
	}
	return t, nil
}
