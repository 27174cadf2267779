package gdnet

import (
	"errors"
	"net"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
)

// Socket wait condition bits.
const (
	socketWaitNone      uint32 = 0
	socketWaitSend      uint32 = 1 << 0
	socketWaitReceive   uint32 = 1 << 1
	socketWaitInterrupt uint32 = 1 << 2
)

// udpSocket is the narrow non-blocking socket facade the engine talks to.
// Datagrams go out as a single ipv4.Message whose Buffers field carries the
// scatter-gather list (header, commands, fragment payloads). Non-blocking
// reads are emulated with a one-millisecond deadline; wait() parks on the socket
// with a bounded deadline and stashes whatever arrives so the next receive
// returns it.
type udpSocket struct {
	conn *net.UDPConn
	pc   *ipv4.PacketConn

	stash     []byte
	stashLen  int
	stashAddr Address
}

func newUDPSocket(address *Address) (*udpSocket, error) {
	var laddr *net.UDPAddr
	if address != nil {
		laddr = address.udpAddr()
	}

	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, errors.Join(ErrSocketError, err)
	}

	conn.SetReadBuffer(hostReceiveBufferSize)
	conn.SetWriteBuffer(hostSendBufferSize)

	return &udpSocket{
		conn:  conn,
		pc:    ipv4.NewPacketConn(conn),
		stash: make([]byte, protocolMaximumMTU),
	}, nil
}

func (s *udpSocket) localAddress() Address {
	return addressFromUDP(s.conn.LocalAddr().(*net.UDPAddr))
}

// send transmits one datagram gathered from buffers and returns the number
// of bytes written, or -1 on a fatal socket error.
func (s *udpSocket) send(address Address, buffers [][]byte) int {
	messages := []ipv4.Message{{
		Buffers: buffers,
		Addr:    address.udpAddr(),
	}}

	if _, err := s.pc.WriteBatch(messages, 0); err != nil {
		if isTransientSocketError(err) {
			return 0
		}
		log.Warn().Err(err).Msg("socket send failed")
		return -1
	}

	return messages[0].N
}

// receive reads one datagram into buf without blocking. Returns the byte
// count and source address, 0 when nothing is pending, -1 on a fatal error.
func (s *udpSocket) receive(buf []byte) (int, Address) {
	if s.stashLen > 0 {
		n := copy(buf, s.stash[:s.stashLen])
		addr := s.stashAddr
		s.stashLen = 0
		return n, addr
	}

	// An already-expired deadline fails without attempting the read, so the
	// no-wait poll uses the shortest one that still tries.
	s.conn.SetReadDeadline(time.Now().Add(time.Millisecond))

	messages := []ipv4.Message{{Buffers: [][]byte{buf}}}
	if _, err := s.pc.ReadBatch(messages, 0); err != nil {
		if isTimeout(err) || isTransientSocketError(err) {
			return 0, Address{}
		}
		log.Warn().Err(err).Msg("socket receive failed")
		return -1, Address{}
	}

	return messages[0].N, addressFromUDP(messages[0].Addr.(*net.UDPAddr))
}

// wait blocks until the socket is readable or timeoutMS elapses, updating
// condition with the conditions that became true. Returns a non-nil error
// only on a fatal socket failure.
func (s *udpSocket) wait(condition *uint32, timeoutMS uint32) error {
	if *condition&socketWaitReceive == 0 {
		*condition = socketWaitNone
		return nil
	}

	s.conn.SetReadDeadline(time.Now().Add(time.Duration(timeoutMS) * time.Millisecond))

	messages := []ipv4.Message{{Buffers: [][]byte{s.stash}}}
	if _, err := s.pc.ReadBatch(messages, 0); err != nil {
		*condition = socketWaitNone
		if isTimeout(err) {
			return nil
		}
		if isTransientSocketError(err) {
			*condition = socketWaitInterrupt
			return nil
		}
		return errors.Join(ErrSocketError, err)
	}

	s.stashLen = messages[0].N
	s.stashAddr = addressFromUDP(messages[0].Addr.(*net.UDPAddr))
	*condition = socketWaitReceive

	return nil
}

func (s *udpSocket) destroy() {
	s.conn.Close()
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// ICMP port-unreachable from an earlier send surfaces as ECONNREFUSED on the
// next read of an unconnected UDP socket; it is not fatal to the host.
func isTransientSocketError(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EINTR)
}
