package sshmux

import (
	"errors"
	"os"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/sammck-go/sshmux/pkg/fdpoll"
	"github.com/sammck-go/sshmux/pkg/sshwire"
)

// fakeTransport stands in for the encrypted session layer. Incoming packets
// are queued by the test; a signal pipe makes the "connection fd" readable
// while packets are pending so the registry loop wakes up. Outgoing packets
// are captured for assertions.
type fakeTransport struct {
	t *testing.T

	rd   *os.File // signal pipe read end; doubles as the connection fd
	rdFd int      // raw fd of rd; os.File.Fd() would re-enable blocking mode
	wr   *os.File

	cur   *sshwire.Buffer
	sent  [][]byte
	inbox [][]byte

	pendingSend  bool
	flushCount   int
	failNext     error // returned by the next SendPacket, then cleared
	recvFailNext error // returned by the next ReceivePacket, then cleared
}

func newFakeTransport(t *testing.T) *fakeTransport {
	rd, wr, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe() returned error: %s", err)
	}
	rdFd := int(rd.Fd())
	if err := unix.SetNonblock(rdFd, true); err != nil {
		t.Fatalf("SetNonblock returned error: %s", err)
	}
	ft := &fakeTransport{t: t, rd: rd, rdFd: rdFd, wr: wr}
	t.Cleanup(func() {
		rd.Close()
		wr.Close()
	})
	return ft
}

func (ft *fakeTransport) NewPacket() (*sshwire.Buffer, error) {
	ft.cur = sshwire.NewBuffer()
	return ft.cur, nil
}

func (ft *fakeTransport) SendPacket() error {
	if ft.failNext != nil {
		err := ft.failNext
		ft.failNext = nil
		return err
	}
	if ft.cur == nil {
		ft.t.Fatal("SendPacket without NewPacket")
	}
	ft.sent = append(ft.sent, append([]byte(nil), ft.cur.Bytes()...))
	ft.cur = nil
	return nil
}

func (ft *fakeTransport) SendIsPending() bool {
	return ft.pendingSend
}

func (ft *fakeTransport) FlushSend() error {
	ft.flushCount++
	ft.pendingSend = false
	return nil
}

func (ft *fakeTransport) ReceivePacket() (*sshwire.Reader, error) {
	if ft.recvFailNext != nil {
		err := ft.recvFailNext
		ft.recvFailNext = nil
		return nil, err
	}
	if len(ft.inbox) == 0 {
		return nil, ErrWouldBlock
	}
	pkt := ft.inbox[0]
	ft.inbox = ft.inbox[1:]
	if len(ft.inbox) == 0 {
		ft.drainSignal()
	}
	return sshwire.NewReader(pkt), nil
}

func (ft *fakeTransport) Fd() int {
	return ft.rdFd
}

// queueIncoming appends a packet to the inbox and marks the connection fd
// readable.
func (ft *fakeTransport) queueIncoming(pkt []byte) {
	ft.inbox = append(ft.inbox, pkt)
	if _, err := ft.wr.Write([]byte{1}); err != nil {
		ft.t.Fatalf("signal write returned error: %s", err)
	}
}

func (ft *fakeTransport) drainSignal() {
	buf := make([]byte, 64)
	for {
		n, err := unix.Read(ft.rdFd, buf)
		if n <= 0 || err != nil {
			return
		}
	}
}

// takeSent returns the captured outgoing packets and resets the capture.
func (ft *fakeTransport) takeSent() [][]byte {
	s := ft.sent
	ft.sent = nil
	return s
}

var errRecvBoom = errors.New("simulated receive fault")

// testPacket builds incoming packet payloads for tests.
type testPacket struct {
	t *testing.T
	b *sshwire.Buffer
}

func newTestPacket(t *testing.T) *testPacket {
	return &testPacket{t: t, b: sshwire.NewBuffer()}
}

func (p *testPacket) u8(v byte) *testPacket {
	if err := p.b.WriteU8(v); err != nil {
		p.t.Fatalf("WriteU8 returned error: %s", err)
	}
	return p
}

func (p *testPacket) u32(v uint32) *testPacket {
	if err := p.b.WriteU32(v); err != nil {
		p.t.Fatalf("WriteU32 returned error: %s", err)
	}
	return p
}

func (p *testPacket) str(s string) *testPacket {
	if err := p.b.WriteStringField(s); err != nil {
		p.t.Fatalf("WriteStringField returned error: %s", err)
	}
	return p
}

func (p *testPacket) bytes() []byte {
	return append([]byte(nil), p.b.Bytes()...)
}

func openConfirmation(t *testing.T, localID, remoteID, window, maxPacket uint32) []byte {
	return newTestPacket(t).u8(MsgChannelOpenConfirmation).u32(localID).u32(remoteID).u32(window).u32(maxPacket).bytes()
}

// testHandler is a scriptable ChannelHandler covering every callback.
type testHandler struct {
	typeName   string
	awaitReply bool // returned by OpenConfirmed when no onConfirmed hook

	openedCount     int
	openFailedCount int
	closedCount     int

	lastReasonCode  uint32
	lastDescription string
	lastRemoteID    uint32

	received    [][]byte
	receivedExt []uint32

	onOpened  func(ch *Channel) error
	onFdReady func(ch *Channel, fd int, flags fdpoll.Flags) error
	onRecv    func(ch *Channel, data sshwire.ByteString) error

	fdReadyCount int
	lastReadyFd  int
	lastFlags    fdpoll.Flags
}

func (h *testHandler) TypeName() string {
	if h.typeName == "" {
		return "session"
	}
	return h.typeName
}

func (h *testHandler) OpenConfirmed(ch *Channel) (bool, error) {
	return h.awaitReply, nil
}

func (h *testHandler) Opened(ch *Channel) error {
	h.openedCount++
	h.lastRemoteID = ch.RemoteID()
	if h.onOpened != nil {
		return h.onOpened(ch)
	}
	return nil
}

func (h *testHandler) OpenFailed(ch *Channel, reasonCode uint32, description string) {
	h.openFailedCount++
	h.lastReasonCode = reasonCode
	h.lastDescription = description
}

func (h *testHandler) Closed(ch *Channel) {
	h.closedCount++
}

func (h *testHandler) FdReady(ch *Channel, fd int, flags fdpoll.Flags) error {
	h.fdReadyCount++
	h.lastReadyFd = fd
	h.lastFlags = flags
	if h.onFdReady != nil {
		return h.onFdReady(ch, fd, flags)
	}
	return nil
}

func (h *testHandler) Received(ch *Channel, data sshwire.ByteString) error {
	h.received = append(h.received, data.Dup())
	if h.onRecv != nil {
		return h.onRecv(ch, data)
	}
	return nil
}

func (h *testHandler) ReceivedExt(ch *Channel, dataTypeCode uint32, data sshwire.ByteString) error {
	h.receivedExt = append(h.receivedExt, dataTypeCode)
	h.received = append(h.received, data.Dup())
	return nil
}
