package sshmux

import (
	"errors"
	"fmt"
	"math"

	"github.com/jpillora/sizestr"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
	"go.uber.org/multierr"

	"github.com/sammck-go/sshmux/pkg/fdpoll"
	"github.com/sammck-go/sshmux/pkg/sshwire"
)

// ChannelConfig describes one channel to be opened by a Registry.
type ChannelConfig struct {
	// Handler receives the channel's callbacks and carries its type-specific
	// configuration and behavior. Required.
	Handler ChannelHandler

	// WindowSize is the initial local receive window advertised to the
	// peer, in bytes. DefaultWindowSize if zero.
	WindowSize uint32

	// MaxPacketSize is the largest packet payload advertised to the peer.
	// DefaultMaxPacketSize if zero.
	MaxPacketSize uint32

	// UserData is an opaque application value carried by the channel and
	// retrievable with Channel.UserData.
	UserData any
}

// Registry owns the live channels of one connection and drives the
// single-threaded readiness loop that services them. Channels are keyed by
// local channel number; numbers are reused once a closed channel has been
// reaped, smallest-unused first.
//
// A Registry is an asyncobj shutdown object: StartShutdown/WaitShutdown
// force-close any remaining channels (with notification) and flush the
// transport. Run must not be executing, or must have returned, when
// shutdown starts; the loop itself aborts by returning an error rather than
// by external shutdown.
type Registry struct {
	*asyncobj.Helper

	transport Transport
	channels  []*Channel
	poller    *fdpoll.Poller
}

// NewRegistry creates an empty channel registry over transport.
func NewRegistry(lg logger.Logger, transport Transport) (*Registry, error) {
	if transport == nil {
		return nil, errors.New("channel registry requires a transport")
	}
	reg := &Registry{
		transport: transport,
		poller:    fdpoll.NewPoller(MaxPollFds),
	}
	reg.Helper = asyncobj.NewHelper(lg.ForkLogStr("ChannelRegistry"), reg)
	reg.SetIsActivated()
	return reg, nil
}

// HandleOnceShutdown force-closes any remaining channels and drains the
// transport send queue. It is invoked exactly once by the asyncobj helper.
func (reg *Registry) HandleOnceShutdown(completionErr error) error {
	reg.forceCloseAll()
	if reg.transport.SendIsPending() {
		if err := reg.transport.FlushSend(); err != nil && !errors.Is(err, ErrWouldBlock) {
			completionErr = multierr.Append(completionErr, transportFault("final flush", err))
		}
	}
	return completionErr
}

// NumChannels returns the number of channels currently registered,
// including closed channels not yet reaped.
func (reg *Registry) NumChannels() int {
	return len(reg.channels)
}

// allocLocalID returns the smallest non-negative channel number not
// currently assigned.
func (reg *Registry) allocLocalID() uint32 {
	id := uint32(0)
	for {
		conflict := false
		for _, ch := range reg.channels {
			if ch.localID == id {
				conflict = true
				break
			}
		}
		if !conflict {
			return id
		}
		id++
	}
}

func (reg *Registry) findLocal(id uint32) *Channel {
	for _, ch := range reg.channels {
		if ch.localID == id {
			return ch
		}
	}
	return nil
}

// OpenChannel creates a channel, emits its CHANNEL_OPEN packet and
// registers it in StateRequested. The peer's reply advances the channel
// asynchronously via the registry loop.
func (reg *Registry) OpenChannel(cfg *ChannelConfig) (*Channel, error) {
	if cfg == nil || cfg.Handler == nil {
		return nil, errors.New("channel config requires a handler")
	}
	if len(reg.channels) >= MaxChannels {
		return nil, fmt.Errorf("%d channels: %w", len(reg.channels), ErrTooManyChannels)
	}

	windowSize := cfg.WindowSize
	if windowSize == 0 {
		windowSize = DefaultWindowSize
	}
	maxPacketSize := cfg.MaxPacketSize
	if maxPacketSize == 0 {
		maxPacketSize = DefaultMaxPacketSize
	}

	id := reg.allocLocalID()
	ch := &Channel{
		Logger:          reg.ForkLogf("Channel#%d", id),
		reg:             reg,
		handler:         cfg.Handler,
		userData:        cfg.UserData,
		state:           StateCreated,
		localID:         id,
		localWindow:     windowSize,
		localWindowInit: windowSize,
		localMaxPacket:  maxPacketSize,
		watches:         fdpoll.NewInterestSet(MaxChannelWatchFds),
	}

	if err := reg.sendChannelOpen(ch); err != nil {
		return nil, err
	}
	ch.state = StateRequested
	reg.channels = append(reg.channels, ch)
	ch.DLogf("requested open, type %q, window %d, max packet %d",
		ch.handler.TypeName(), windowSize, maxPacketSize)
	return ch, nil
}

// Run drives the readiness loop until no channels remain (nil) or a fatal
// error aborts it. Either way every remaining channel is force-closed, with
// its Closed notification, before Run returns.
func (reg *Registry) Run() error {
	err := reg.runLoop()
	if err != nil {
		reg.DLogf("channel loop aborted: %s", err)
	}
	reg.forceCloseAll()
	return err
}

func (reg *Registry) runLoop() error {
	for {
		reg.sweepClosed()
		if len(reg.channels) == 0 {
			reg.DLogf("no channels left; loop done")
			return nil
		}

		p := reg.poller
		p.Clear()
		transportFd := reg.transport.Fd()
		if err := p.Watch(transportFd, fdpoll.Read, 0); err != nil {
			return err
		}
		if reg.transport.SendIsPending() {
			if err := p.Watch(transportFd, fdpoll.Write, 0); err != nil {
				return err
			}
		}
		for _, ch := range reg.channels {
			if err := ch.watches.MergeInto(p.Set()); err != nil {
				return err
			}
		}

		events, err := p.Wait()
		if err != nil {
			return err
		}

		// The transport fd is the poll set's first entry, so transport
		// input is fully drained before any other fd is serviced.
		for _, ev := range events {
			if ev.Fd == transportFd {
				if ev.Flags&(fdpoll.Read|fdpoll.PeerClosed) != 0 {
					if err := reg.processIncoming(); err != nil {
						return err
					}
				}
				if ev.Flags&fdpoll.Write != 0 {
					if err := reg.transport.FlushSend(); err != nil && !errors.Is(err, ErrWouldBlock) {
						return transportFault("flush", err)
					}
				}
				continue
			}
			reg.notifyWatchers(ev)
		}
	}
}

// sweepClosed reaps closed channels. It runs only at the top of a loop
// iteration, never mid-iteration, so callbacks always observe a consistent
// registry snapshot.
func (reg *Registry) sweepClosed() {
	kept := reg.channels[:0]
	for _, ch := range reg.channels {
		if ch.state == StateClosed {
			ch.DLogf("reaped (sent %s, received %s)",
				sizestr.ToString(ch.nbSent), sizestr.ToString(ch.nbReceived))
			continue
		}
		kept = append(kept, ch)
	}
	// Drop trailing references so reaped channels are not retained.
	for i := len(kept); i < len(reg.channels); i++ {
		reg.channels[i] = nil
	}
	reg.channels = kept
}

// forceCloseAll closes every remaining channel, firing Closed notifications
// for channels not already closed, and reaps them all.
func (reg *Registry) forceCloseAll() {
	if len(reg.channels) == 0 {
		return
	}
	reg.DLogf("force-closing %d remaining channels", len(reg.channels))
	for _, ch := range reg.channels {
		reg.closeChannel(ch, false)
	}
	reg.sweepClosed()
}

// closeChannel transitions ch to StateClosed, firing the handler's Closed
// callback exactly once per channel. When sendClose is set and the channel
// is open with no CHANNEL_CLOSE sent yet, one is sent to the peer (best
// effort). Already-closed channels are untouched.
func (reg *Registry) closeChannel(ch *Channel, sendClose bool) {
	if ch.state == StateClosed {
		return
	}
	if sendClose && ch.state == StateOpen && !ch.sentClose {
		if err := reg.sendChannelClose(ch); err != nil {
			ch.DLogf("failed to send CHANNEL_CLOSE, closing anyway: %s", err)
		}
	}
	ch.sendq = nil
	ch.state = StateClosed
	ch.DLogf("closed")
	ch.handler.Closed(ch)
}

// notifyWatchers delivers a ready fd to every channel watching it. The
// delivered flags are the readiness flags intersected with the channel's
// registered interest; PeerClosed passes through unconditionally since it
// is never requested explicitly. A callback error force-closes that one
// channel and does not disturb the loop.
func (reg *Registry) notifyWatchers(ev fdpoll.Event) {
	for _, ch := range reg.channels {
		if ch.state == StateClosed {
			continue
		}
		watched := ch.watches.FlagsFor(ev.Fd)
		if watched == 0 {
			continue
		}
		flags := ev.Flags & (watched | fdpoll.PeerClosed)
		if flags == 0 {
			continue
		}
		if err := ch.handler.FdReady(ch, ev.Fd, flags); err != nil {
			ch.DLogf("fd %d readiness callback failed, closing channel: %s", ev.Fd, err)
			reg.closeChannel(ch, true)
		}
	}
}

// processIncoming decodes and dispatches every complete buffered packet. A
// wrapped ErrWouldBlock from the transport ends the drain normally; any
// other receive failure, malformed packet, or unknown channel reference is
// fatal to the loop.
func (reg *Registry) processIncoming() error {
	for {
		r, err := reg.transport.ReceivePacket()
		if err != nil {
			if errors.Is(err, ErrWouldBlock) {
				return nil
			}
			return transportFault("receive", err)
		}
		if r == nil {
			return nil
		}
		if err := reg.dispatchPacket(r); err != nil {
			return err
		}
	}
}

func (reg *Registry) dispatchPacket(r *sshwire.Reader) error {
	msgType, err := r.ReadU8()
	if err != nil {
		return fmt.Errorf("empty packet: %w", err)
	}

	switch msgType {
	case MsgGlobalRequest:
		return reg.handleGlobalRequest(r)

	case MsgChannelOpenConfirmation, MsgChannelOpenFailure, MsgChannelSuccess,
		MsgChannelFailure, MsgChannelWindowAdjust, MsgChannelData,
		MsgChannelExtendedData, MsgChannelEOF, MsgChannelClose:
		id, err := r.ReadU32()
		if err != nil {
			return fmt.Errorf("channel message type %d: %w", msgType, err)
		}
		ch := reg.findLocal(id)
		if ch == nil {
			return fmt.Errorf("message type %d for local channel %d: %w", msgType, id, ErrUnknownChannel)
		}
		return reg.dispatchChannelMessage(ch, msgType, r)

	default:
		reg.DLogf("ignoring unsupported message type %d", msgType)
		return nil
	}
}

func (reg *Registry) dispatchChannelMessage(ch *Channel, msgType byte, r *sshwire.Reader) error {
	switch msgType {
	case MsgChannelOpenConfirmation:
		return reg.handleOpenConfirmation(ch, r)

	case MsgChannelOpenFailure:
		return reg.handleOpenFailure(ch, r)

	case MsgChannelSuccess:
		if ch.state != StateRequested {
			ch.DLogf("ignoring CHANNEL_SUCCESS in state %s", ch.state)
			return nil
		}
		return reg.setChannelOpen(ch)

	case MsgChannelFailure:
		if ch.state != StateRequested {
			ch.DLogf("ignoring CHANNEL_FAILURE in state %s", ch.state)
			return nil
		}
		ch.DLogf("channel request rejected by peer")
		ch.handler.OpenFailed(ch, 0, "channel request failed")
		reg.closeChannel(ch, true)
		return nil

	case MsgChannelWindowAdjust:
		return reg.handleWindowAdjust(ch, r)

	case MsgChannelData:
		payload, err := r.ReadBytes()
		if err != nil {
			return fmt.Errorf("malformed CHANNEL_DATA for %s: %w", ch, err)
		}
		return reg.deliverData(ch, false, 0, payload)

	case MsgChannelExtendedData:
		code, err := r.ReadU32()
		if err != nil {
			return fmt.Errorf("malformed CHANNEL_EXTENDED_DATA for %s: %w", ch, err)
		}
		payload, err := r.ReadBytes()
		if err != nil {
			return fmt.Errorf("malformed CHANNEL_EXTENDED_DATA for %s: %w", ch, err)
		}
		return reg.deliverData(ch, true, code, payload)

	case MsgChannelEOF:
		ch.DLogf("peer sent EOF")
		return nil

	case MsgChannelClose:
		ch.DLogf("peer closed channel")
		reg.closeChannel(ch, true)
		return nil
	}
	return nil
}

func (reg *Registry) handleOpenConfirmation(ch *Channel, r *sshwire.Reader) error {
	if ch.state != StateRequested {
		ch.DLogf("ignoring CHANNEL_OPEN_CONFIRMATION in state %s", ch.state)
		return nil
	}
	remoteID, err := r.ReadU32()
	if err == nil {
		ch.remoteID = remoteID
		ch.remoteWindow, err = r.ReadU32()
	}
	if err == nil {
		ch.remoteMaxPacket, err = r.ReadU32()
	}
	if err != nil {
		return fmt.Errorf("malformed CHANNEL_OPEN_CONFIRMATION for %s: %w", ch, err)
	}
	ch.DLogf("open confirmed: remote id %d, remote window %d, remote max packet %d",
		ch.remoteID, ch.remoteWindow, ch.remoteMaxPacket)

	awaitReply, err := ch.handler.OpenConfirmed(ch)
	if err != nil {
		if errors.Is(err, ErrTransportFault) {
			return err
		}
		ch.DLogf("open-confirmed callback failed, closing channel: %s", err)
		reg.closeChannel(ch, true)
		return nil
	}
	if awaitReply {
		// Stays in StateRequested until CHANNEL_SUCCESS arrives.
		return nil
	}
	return reg.setChannelOpen(ch)
}

// setChannelOpen advances a requested channel to StateOpen and fires the
// Opened callback; a callback failure immediately closes the channel.
func (reg *Registry) setChannelOpen(ch *Channel) error {
	ch.state = StateOpen
	ch.DLogf("open")
	if err := ch.handler.Opened(ch); err != nil {
		ch.DLogf("opened callback failed, closing channel: %s", err)
		reg.closeChannel(ch, true)
	}
	return nil
}

func (reg *Registry) handleOpenFailure(ch *Channel, r *sshwire.Reader) error {
	if ch.state != StateRequested {
		ch.DLogf("ignoring CHANNEL_OPEN_FAILURE in state %s", ch.state)
		return nil
	}
	// Parse the reason leniently; the rejection stands even if the peer
	// truncated the reason fields.
	reasonCode, _ := r.ReadU32()
	description := ""
	if d, err := r.ReadBytes(); err == nil {
		description = d.String()
	}
	ch.DLogf("open failed: reason %d (%q)", reasonCode, description)
	ch.handler.OpenFailed(ch, reasonCode, description)
	reg.closeChannel(ch, false)
	return nil
}

func (reg *Registry) handleWindowAdjust(ch *Channel, r *sshwire.Reader) error {
	add, err := r.ReadU32()
	if err != nil {
		return fmt.Errorf("malformed CHANNEL_WINDOW_ADJUST for %s: %w", ch, err)
	}
	if ch.state != StateOpen {
		ch.DLogf("ignoring CHANNEL_WINDOW_ADJUST in state %s", ch.state)
		return nil
	}
	newWindow := uint64(ch.remoteWindow) + uint64(add)
	if newWindow > math.MaxUint32 {
		ch.ILogf("window adjust of %d overflows credit, clamping", add)
		newWindow = math.MaxUint32
	}
	ch.remoteWindow = uint32(newWindow)
	ch.DLogf("remote window adjusted by %d to %d", add, ch.remoteWindow)
	return ch.drainSend()
}

// deliverData accounts an incoming data payload against the local receive
// window, hands it to the channel's handler, and replenishes the peer's
// credit once half the initial window has been consumed. The payload is a
// borrowed view, valid only for the duration of the callback.
func (reg *Registry) deliverData(ch *Channel, ext bool, code uint32, payload sshwire.ByteString) error {
	if ch.state != StateOpen {
		ch.DLogf("discarding %s of data in state %s", sizestr.ToString(int64(payload.Len())), ch.state)
		return nil
	}

	n := uint32(payload.Len())
	if n > ch.localWindow {
		ch.ILogf("peer overran receive window by %d bytes", n-ch.localWindow)
		ch.localWindow = 0
	} else {
		ch.localWindow -= n
	}
	if ch.localConsumed <= math.MaxUint32-n {
		ch.localConsumed += n
	}
	ch.nbReceived += int64(n)
	ch.DLogf("received %s (local window now %d)", sizestr.ToString(int64(n)), ch.localWindow)

	var err error
	if ext {
		err = ch.handler.ReceivedExt(ch, code, payload)
	} else {
		err = ch.handler.Received(ch, payload)
	}
	if err != nil {
		ch.DLogf("receive callback failed, closing channel: %s", err)
		reg.closeChannel(ch, true)
		return nil
	}
	return reg.maybeReplenishWindow(ch)
}

// maybeReplenishWindow restores the peer's send credit with a
// CHANNEL_WINDOW_ADJUST once consumption crosses half the initial window.
func (reg *Registry) maybeReplenishWindow(ch *Channel) error {
	if ch.state != StateOpen || ch.localConsumed < ch.localWindowInit/2 {
		return nil
	}
	add := ch.localConsumed
	b, err := reg.transport.NewPacket()
	if err != nil {
		return transportFault("new packet", err)
	}
	if err := b.WriteU8(MsgChannelWindowAdjust); err != nil {
		return err
	}
	if err := b.WriteU32(ch.remoteID); err != nil {
		return err
	}
	if err := b.WriteU32(add); err != nil {
		return err
	}
	if err := reg.transport.SendPacket(); err != nil {
		return transportFault("send packet", err)
	}
	ch.localWindow += add
	ch.localConsumed = 0
	ch.DLogf("replenished peer credit by %d (local window now %d)", add, ch.localWindow)
	return nil
}

// handleGlobalRequest answers a GLOBAL_REQUEST. Server-initiated global
// requests are not supported, so any request that wants a reply gets
// exactly one REQUEST_FAILURE, whatever its name.
func (reg *Registry) handleGlobalRequest(r *sshwire.Reader) error {
	name, err := r.ReadBytes()
	if err != nil {
		return fmt.Errorf("malformed GLOBAL_REQUEST: %w", err)
	}
	wantReply, err := r.ReadBool()
	if err != nil {
		return fmt.Errorf("malformed GLOBAL_REQUEST %q: %w", name, err)
	}
	reg.DLogf("global request %q not supported (want reply %v)", name, wantReply)
	if !wantReply {
		return nil
	}
	b, err := reg.transport.NewPacket()
	if err != nil {
		return transportFault("new packet", err)
	}
	if err := b.WriteU8(MsgRequestFailure); err != nil {
		return err
	}
	if err := reg.transport.SendPacket(); err != nil {
		return transportFault("send packet", err)
	}
	return nil
}

func (reg *Registry) sendChannelOpen(ch *Channel) error {
	b, err := reg.transport.NewPacket()
	if err != nil {
		return transportFault("new packet", err)
	}
	if err := b.WriteU8(MsgChannelOpen); err != nil {
		return err
	}
	if err := b.WriteStringField(ch.handler.TypeName()); err != nil {
		return err
	}
	if err := b.WriteU32(ch.localID); err != nil {
		return err
	}
	if err := b.WriteU32(ch.localWindow); err != nil {
		return err
	}
	if err := b.WriteU32(ch.localMaxPacket); err != nil {
		return err
	}
	if err := reg.transport.SendPacket(); err != nil {
		return transportFault("send packet", err)
	}
	return nil
}

func (reg *Registry) sendChannelClose(ch *Channel) error {
	b, err := reg.transport.NewPacket()
	if err != nil {
		return transportFault("new packet", err)
	}
	if err := b.WriteU8(MsgChannelClose); err != nil {
		return err
	}
	if err := b.WriteU32(ch.remoteID); err != nil {
		return err
	}
	if err := reg.transport.SendPacket(); err != nil {
		return transportFault("send packet", err)
	}
	ch.sentClose = true
	return nil
}

func (reg *Registry) sendChannelData(ch *Channel, ext bool, code uint32, data []byte) error {
	b, err := reg.transport.NewPacket()
	if err != nil {
		return transportFault("new packet", err)
	}
	msgType := byte(MsgChannelData)
	if ext {
		msgType = MsgChannelExtendedData
	}
	if err := b.WriteU8(msgType); err != nil {
		return err
	}
	if err := b.WriteU32(ch.remoteID); err != nil {
		return err
	}
	if ext {
		if err := b.WriteU32(code); err != nil {
			return err
		}
	}
	if err := b.WriteBytes(data); err != nil {
		return err
	}
	if err := reg.transport.SendPacket(); err != nil {
		return transportFault("send packet", err)
	}
	return nil
}

// RunChannels is the process-level entry point: it opens every configured
// channel on transport, runs the readiness loop to completion or failure,
// and guarantees every channel has been closed (with its Closed
// notification) before returning the loop's final status.
func RunChannels(lg logger.Logger, transport Transport, cfgs []*ChannelConfig) error {
	reg, err := NewRegistry(lg, transport)
	if err != nil {
		return err
	}
	var runErr error
	for _, cfg := range cfgs {
		if _, err := reg.OpenChannel(cfg); err != nil {
			runErr = err
			break
		}
	}
	if runErr == nil {
		runErr = reg.Run()
	}
	reg.StartShutdown(runErr)
	return reg.WaitShutdown()
}
