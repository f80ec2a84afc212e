package sshmux

import (
	"fmt"

	"github.com/jpillora/sizestr"
	"github.com/sammck-go/logger"

	"github.com/sammck-go/sshmux/pkg/fdpoll"
	"github.com/sammck-go/sshmux/pkg/sshwire"
)

// State is a channel's lifecycle state.
type State int

const (
	// StateCreated is the initial state, before CHANNEL_OPEN is sent.
	StateCreated State = iota

	// StateRequested means CHANNEL_OPEN (and possibly type-specific
	// follow-up requests) are outstanding, awaiting the peer's reply.
	StateRequested

	// StateOpen means the channel is established and may carry data.
	StateOpen

	// StateClosed is terminal. Closed channels are reaped from the registry
	// at the start of the next loop iteration.
	StateClosed
)

var stateNames = [...]string{"created", "requested", "open", "closed"}

func (s State) String() string {
	if s < StateCreated || s > StateClosed {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// pendingSegment is outbound channel data waiting for remote window credit.
type pendingSegment struct {
	ext      bool
	dataType uint32
	data     []byte
}

// Channel is one multiplexed logical stream within an SSH connection. It is
// created by Registry.OpenChannel, owned exclusively by the registry, and
// destroyed when its state reaches StateClosed and the registry sweeps it
// between loop iterations. All methods must be called from the registry
// loop's goroutine (typically from ChannelHandler callbacks).
type Channel struct {
	logger.Logger

	reg      *Registry
	handler  ChannelHandler
	userData any

	state    State
	localID  uint32
	remoteID uint32

	// localWindow is the credit the peer may still send us; localConsumed
	// accumulates delivered bytes until the registry replenishes the window
	// with a CHANNEL_WINDOW_ADJUST.
	localWindow     uint32
	localWindowInit uint32
	localConsumed   uint32
	localMaxPacket  uint32

	// remoteWindow is the credit we may still send; remoteMaxPacket bounds
	// individual data payloads. Both are valid once the peer confirms the
	// open.
	remoteWindow    uint32
	remoteMaxPacket uint32

	watches   *fdpoll.InterestSet
	sendq     []pendingSegment
	sentClose bool

	nbSent     int64
	nbReceived int64
}

func (ch *Channel) String() string {
	return fmt.Sprintf("Channel#%d", ch.localID)
}

// LocalID returns the channel number this endpoint uses for the channel.
// Local ids are reused after a channel is reaped, smallest-unused first.
func (ch *Channel) LocalID() uint32 {
	return ch.localID
}

// RemoteID returns the channel number the peer assigned. It is valid only
// once the channel has been confirmed (StateOpen, or StateRequested after
// OpenConfirmed fired).
func (ch *Channel) RemoteID() uint32 {
	return ch.remoteID
}

// State returns the channel's lifecycle state.
func (ch *Channel) State() State {
	return ch.state
}

// UserData returns the opaque value supplied in the ChannelConfig.
func (ch *Channel) UserData() any {
	return ch.userData
}

// BytesSent returns the number of data bytes transmitted on the channel.
func (ch *Channel) BytesSent() int64 {
	return ch.nbSent
}

// BytesReceived returns the number of data bytes delivered by the channel.
func (ch *Channel) BytesReceived() int64 {
	return ch.nbReceived
}

// RemoteWindow returns the current outbound flow-control credit in bytes.
func (ch *Channel) RemoteWindow() uint32 {
	return ch.remoteWindow
}

// WatchFd merges readiness interest for an external fd (e.g. a local pty)
// into the channel's watch set: enable bits are added, disable bits
// removed, and an entry left with no flags is dropped. The registry loop
// polls every watched fd and delivers readiness through the handler's
// FdReady callback.
//
// Adding interest beyond MaxChannelWatchFds fails with
// fdpoll.ErrTooManyWatches; removing interest always succeeds.
func (ch *Channel) WatchFd(fd int, enable, disable fdpoll.Flags) error {
	return ch.watches.Watch(fd, enable, disable)
}

// Close requests closure of the channel. For an open channel a
// CHANNEL_CLOSE is sent to the peer; in any case the channel transitions
// to StateClosed, the handler's Closed callback fires (once), and the
// registry reaps the channel at the top of the next loop iteration. Closing
// an already-closed channel is a no-op.
func (ch *Channel) Close() {
	ch.reg.closeChannel(ch, true)
}

// Send queues data for transmission as CHANNEL_DATA. As much as the remote
// window credit allows is sent immediately, split into remote-max-packet
// sized payloads; the remainder is queued and drained when the peer
// restores credit with CHANNEL_WINDOW_ADJUST. The data is copied, so the
// caller may reuse its slice.
func (ch *Channel) Send(data []byte) error {
	return ch.enqueueSend(pendingSegment{data: append([]byte(nil), data...)})
}

// SendExt queues extended data (e.g. ExtendedDataStderr) for transmission
// as CHANNEL_EXTENDED_DATA, with the same flow-control behavior as Send.
func (ch *Channel) SendExt(dataTypeCode uint32, data []byte) error {
	return ch.enqueueSend(pendingSegment{
		ext:      true,
		dataType: dataTypeCode,
		data:     append([]byte(nil), data...),
	})
}

func (ch *Channel) enqueueSend(seg pendingSegment) error {
	if ch.state != StateOpen {
		return fmt.Errorf("%s in state %s: %w", ch, ch.state, ErrChannelNotOpen)
	}
	ch.sendq = append(ch.sendq, seg)
	return ch.drainSend()
}

// drainSend transmits queued outbound data while remote window credit
// remains, consuming credit as it goes.
func (ch *Channel) drainSend() error {
	for len(ch.sendq) > 0 && ch.remoteWindow > 0 {
		seg := &ch.sendq[0]

		n := len(seg.data)
		if uint32(n) > ch.remoteWindow {
			n = int(ch.remoteWindow)
		}
		if ch.remoteMaxPacket != 0 && uint32(n) > ch.remoteMaxPacket {
			n = int(ch.remoteMaxPacket)
		}

		if err := ch.reg.sendChannelData(ch, seg.ext, seg.dataType, seg.data[:n]); err != nil {
			return err
		}
		ch.remoteWindow -= uint32(n)
		ch.nbSent += int64(n)
		ch.DLogf("sent %s, window now %d", sizestr.ToString(int64(n)), ch.remoteWindow)

		seg.data = seg.data[n:]
		if len(seg.data) == 0 {
			ch.sendq = ch.sendq[1:]
		}
	}
	return nil
}

// SendRequest emits a CHANNEL_REQUEST for this channel. fill, if non-nil,
// appends the request-specific fields after the want-reply flag.
func (ch *Channel) SendRequest(name string, wantReply bool, fill func(*sshwire.Buffer) error) error {
	if ch.state != StateRequested && ch.state != StateOpen {
		return fmt.Errorf("%s in state %s: %w", ch, ch.state, ErrChannelNotOpen)
	}
	b, err := ch.reg.transport.NewPacket()
	if err != nil {
		return transportFault("new packet", err)
	}
	if err := b.WriteU8(MsgChannelRequest); err != nil {
		return err
	}
	if err := b.WriteU32(ch.remoteID); err != nil {
		return err
	}
	if err := b.WriteStringField(name); err != nil {
		return err
	}
	if err := b.WriteBool(wantReply); err != nil {
		return err
	}
	if fill != nil {
		if err := fill(b); err != nil {
			return err
		}
	}
	ch.DLogf("sending channel request %q (want reply %v)", name, wantReply)
	if err := ch.reg.transport.SendPacket(); err != nil {
		return transportFault("send packet", err)
	}
	return nil
}
