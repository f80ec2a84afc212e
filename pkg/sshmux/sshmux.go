// Package sshmux implements the channel-multiplexing engine of an SSH
// client: it maps multiple logical byte streams ("channels", e.g. a shell
// session) onto one encrypted connection, enforcing per-channel flow
// control and dispatching protocol messages through a single-threaded
// readiness loop.
//
// The encrypted transport/session layer (key exchange, ciphers, packet
// encryption) is an external collaborator reached through the narrow
// Transport interface; this package produces and consumes decrypted packet
// payloads only.
//
// Everything here is single-threaded and cooperative: all channel state
// transitions, callback invocations and packet processing happen on the
// goroutine that runs the registry loop, which suspends only at the
// readiness wait. Callers must not touch a Registry, its Channels, or the
// shared Transport from another goroutine while the loop is running.
package sshmux

import (
	"errors"
	"fmt"
)

// SSH connection-protocol message type codes (RFC 4254).
const (
	MsgGlobalRequest  = 80
	MsgRequestSuccess = 81
	MsgRequestFailure = 82

	MsgChannelOpen             = 90
	MsgChannelOpenConfirmation = 91
	MsgChannelOpenFailure      = 92
	MsgChannelWindowAdjust     = 93
	MsgChannelData             = 94
	MsgChannelExtendedData     = 95
	MsgChannelEOF              = 96
	MsgChannelClose            = 97
	MsgChannelRequest          = 98
	MsgChannelSuccess          = 99
	MsgChannelFailure          = 100
)

// ExtendedDataStderr is the CHANNEL_EXTENDED_DATA data-type code for stderr
// output of a session.
const ExtendedDataStderr = 1

const (
	// MaxChannels bounds the number of live channels in one Registry.
	MaxChannels = 64

	// MaxChannelWatchFds bounds the number of external fds one channel may
	// watch.
	MaxChannelWatchFds = 8

	// MaxPollFds bounds the total poll set assembled by the registry loop
	// (the transport fd plus the union of all channel watches).
	MaxPollFds = 64

	// DefaultWindowSize is the initial local receive window, in bytes,
	// advertised for a channel whose config does not override it.
	DefaultWindowSize = 1 << 20

	// DefaultMaxPacketSize is the largest packet payload advertised for a
	// channel whose config does not override it.
	DefaultMaxPacketSize = 1 << 15
)

var (
	// ErrWouldBlock is the expected non-blocking indicator from Transport
	// send/receive operations: it means "nothing more to do until the next
	// readiness wait", not a fault.
	ErrWouldBlock = errors.New("operation would block")

	// ErrUnknownChannel indicates a channel-scoped message referencing a
	// local channel number that is not registered. This is a protocol-level
	// desynchronization and aborts the registry loop.
	ErrUnknownChannel = errors.New("message for unknown channel")

	// ErrTransportFault indicates an underlying transport send/receive
	// failure other than ErrWouldBlock. Fatal to the registry loop.
	ErrTransportFault = errors.New("transport fault")

	// ErrTooManyChannels indicates the registry is at MaxChannels capacity.
	ErrTooManyChannels = errors.New("too many channels")

	// ErrChannelNotOpen indicates a data-path operation on a channel that
	// is not in StateOpen.
	ErrChannelNotOpen = errors.New("channel is not open")
)

// transportFault wraps a transport error as an ErrTransportFault, keeping
// the cause text.
func transportFault(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrTransportFault, op, err)
}
