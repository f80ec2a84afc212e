package sshmux

import (
	"github.com/sammck-go/sshmux/pkg/fdpoll"
	"github.com/sammck-go/sshmux/pkg/sshwire"
)

// ChannelHandler receives a channel's lifecycle and data callbacks and
// carries its type-specific behavior. One implementation exists per channel
// type; applications embed a base handler such as SessionHandler and
// override the callbacks they care about.
//
// All callbacks are invoked on the registry loop's goroutine. A callback
// may close its own channel (the channel is reaped at the top of the next
// loop iteration) and may send data through the channel, but must not
// block. A non-nil error from Opened, FdReady, Received or ReceivedExt
// forces that one channel closed; it does not abort the loop.
type ChannelHandler interface {
	// TypeName returns the SSH channel type name sent in CHANNEL_OPEN,
	// e.g. "session".
	TypeName() string

	// OpenConfirmed is called when CHANNEL_OPEN_CONFIRMATION arrives, after
	// the remote id, window and max packet size have been recorded. It may
	// emit type-specific follow-up requests via ch.SendRequest and reports
	// whether a CHANNEL_SUCCESS reply is expected before the channel is
	// considered open. When awaitReply is false the channel advances to
	// StateOpen (and Opened fires) immediately.
	OpenConfirmed(ch *Channel) (awaitReply bool, err error)

	// Opened is called exactly once when the channel reaches StateOpen.
	// Returning an error closes the channel immediately.
	Opened(ch *Channel) error

	// OpenFailed is called when the peer rejects the channel open, before
	// the channel is marked closed.
	OpenFailed(ch *Channel, reasonCode uint32, description string)

	// Closed is called exactly once when the channel transitions to
	// StateClosed, whatever the path that got it there.
	Closed(ch *Channel)

	// FdReady is called when a fd the channel watches (see Channel.WatchFd)
	// becomes ready, with the translated readiness flags. It is never
	// invoked for a fd the channel did not register.
	FdReady(ch *Channel, fd int, flags fdpoll.Flags) error

	// Received delivers a CHANNEL_DATA payload. The data is a borrowed view
	// into the transport's receive storage, valid only for the duration of
	// the call; use data.Dup() to retain it.
	Received(ch *Channel, data sshwire.ByteString) error

	// ReceivedExt delivers a CHANNEL_EXTENDED_DATA payload (e.g.
	// ExtendedDataStderr), with the same borrowing rules as Received.
	ReceivedExt(ch *Channel, dataTypeCode uint32, data sshwire.ByteString) error
}

// SessionConfig is the type-specific configuration for a "session" channel.
type SessionConfig struct {
	// Command is the remote command to run with an "exec" request; empty
	// runs the default shell.
	Command string

	// AllocPty requests a pseudo-terminal for the session.
	AllocPty bool

	// Term is the terminal name sent in pty-req, e.g. "xterm".
	Term string

	// TermWidth and TermHeight are the terminal size in characters.
	TermWidth  uint32
	TermHeight uint32
}

// SessionHandler is the ChannelHandler implementation for "session"
// channels. On open confirmation it emits the pty-req and shell/exec
// requests described by its Config, with want-reply set on the final
// request, so the channel reaches StateOpen on the CHANNEL_SUCCESS reply.
//
// Its data and readiness callbacks are no-ops; applications embed
// *SessionHandler* by value and override the ones they need.
type SessionHandler struct {
	Config SessionConfig
}

// TypeName returns "session".
func (h *SessionHandler) TypeName() string {
	return "session"
}

// OpenConfirmed emits the session's follow-up channel requests.
func (h *SessionHandler) OpenConfirmed(ch *Channel) (bool, error) {
	if h.Config.AllocPty {
		err := ch.SendRequest("pty-req", false, func(b *sshwire.Buffer) error {
			if err := b.WriteStringField(h.Config.Term); err != nil {
				return err
			}
			if err := b.WriteU32(h.Config.TermWidth); err != nil {
				return err
			}
			if err := b.WriteU32(h.Config.TermHeight); err != nil {
				return err
			}
			// Terminal size in pixels is unknown; zero means "unspecified".
			if err := b.WriteU32(0); err != nil {
				return err
			}
			if err := b.WriteU32(0); err != nil {
				return err
			}
			// TODO: encode terminal modes; an empty modes string leaves the
			// server defaults in place.
			return b.WriteBytes(nil)
		})
		if err != nil {
			return false, err
		}
	}

	var err error
	if h.Config.Command != "" {
		err = ch.SendRequest("exec", true, func(b *sshwire.Buffer) error {
			return b.WriteStringField(h.Config.Command)
		})
	} else {
		err = ch.SendRequest("shell", true, nil)
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Opened does nothing; override to be notified when the session is up.
func (h *SessionHandler) Opened(ch *Channel) error {
	return nil
}

// OpenFailed does nothing; override to observe open rejection.
func (h *SessionHandler) OpenFailed(ch *Channel, reasonCode uint32, description string) {
}

// Closed does nothing; override to observe channel teardown.
func (h *SessionHandler) Closed(ch *Channel) {
}

// FdReady does nothing; override when using Channel.WatchFd.
func (h *SessionHandler) FdReady(ch *Channel, fd int, flags fdpoll.Flags) error {
	return nil
}

// Received discards session output; override to consume it.
func (h *SessionHandler) Received(ch *Channel, data sshwire.ByteString) error {
	return nil
}

// ReceivedExt discards extended data (e.g. stderr); override to consume it.
func (h *SessionHandler) ReceivedExt(ch *Channel, dataTypeCode uint32, data sshwire.ByteString) error {
	return nil
}
