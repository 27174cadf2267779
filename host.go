package gdnet

import (
	"fmt"
	"math/rand"
)

// Wire overhead: the 4-byte datagram header (2 if sentTime is omitted) and
// the optional 4-byte checksum.
const (
	protocolHeaderSize = 4
	checksumSize       = 4
)

const bufferMaximum = 1 + 2*protocolMaximumPacketCommands

// InterceptCallback inspects raw received datagrams before protocol
// handling. Return 1 to consume the datagram (optionally filling event), 0
// to let the engine process it, -1 to signal an error.
type InterceptCallback func(host *Host, event *Event) int

// Host multiplexes up to 4095 peers over a single UDP socket. All of its
// methods must be called from one goroutine (or under one lock); see
// AsyncHost for the threaded wrapper.
type Host struct {
	socket  *udpSocket
	address Address
	clock   Clock

	incomingBandwidth      uint32
	outgoingBandwidth      uint32
	bandwidthThrottleEpoch uint32

	mtu        uint32
	randomSeed uint32

	recalculateBandwidthLimits bool

	peers        []Peer
	peerCount    int
	channelLimit int

	serviceTime uint32

	dispatchQueue list[*Peer]

	continueSending bool

	packetSize    int
	headerFlags   uint16
	commandCount  int
	buffers       [][]byte
	commandBytes  [protocolMaximumMTU]byte
	commandOffset int
	headerData    [protocolHeaderSize + checksumSize]byte

	checksum   ChecksumCallback
	compressor Compressor

	packetData         [2][protocolMaximumMTU]byte
	receivedAddress    Address
	receivedData       []byte
	receivedDataLength int

	totalSentData        uint32
	totalSentPackets     uint32
	totalReceivedData    uint32
	totalReceivedPackets uint32

	intercept InterceptCallback

	connectedPeers        int
	bandwidthLimitedPeers int
	duplicatePeers        int
	maximumPacketSize     int
	maximumWaitingData    int
}

// NewHost creates a host bound to address (nil for a connect-only host on an
// ephemeral port). peerCount caps simultaneous peers; channelLimit caps
// channels per connection (0 for the protocol maximum); bandwidths are in
// bytes/second with 0 meaning unlimited.
func NewHost(address *Address, peerCount, channelLimit int, incomingBandwidth, outgoingBandwidth uint32) (*Host, error) {
	if peerCount <= 0 || peerCount > protocolMaximumPeerID {
		return nil, fmt.Errorf("%w: peer count %d", ErrInvalidArgument, peerCount)
	}

	socket, err := newUDPSocket(address)
	if err != nil {
		return nil, err
	}

	if channelLimit == 0 || channelLimit > protocolMaximumChannelCount {
		channelLimit = protocolMaximumChannelCount
	} else if channelLimit < protocolMinimumChannelCount {
		channelLimit = protocolMinimumChannelCount
	}

	host := &Host{
		socket:             socket,
		address:            socket.localAddress(),
		clock:              newSystemClock(),
		randomSeed:         rand.Uint32(),
		channelLimit:       channelLimit,
		incomingBandwidth:  incomingBandwidth,
		outgoingBandwidth:  outgoingBandwidth,
		mtu:                hostDefaultMTU,
		peers:              make([]Peer, peerCount),
		peerCount:          peerCount,
		buffers:            make([][]byte, 0, bufferMaximum),
		duplicatePeers:     protocolMaximumPeerID,
		maximumPacketSize:  hostDefaultMaximumPacketSize,
		maximumWaitingData: hostDefaultMaximumWaitingData,
	}

	host.dispatchQueue.init()

	for i := range host.peers {
		peer := &host.peers[i]
		peer.dispatchNode.value = peer
		peer.host = host
		peer.incomingPeerID = uint16(i)
		peer.outgoingSessionID = 0xFF
		peer.incomingSessionID = 0xFF

		peer.acknowledgements.init()
		peer.sentReliableCommands.init()
		peer.sentUnreliableCommands.init()
		peer.outgoingReliableCommands.init()
		peer.outgoingUnreliableCommands.init()
		peer.dispatchedCommands.init()

		peer.Reset()
	}

	log.Info().Stringer("address", host.address).Int("peers", peerCount).Msg("host bound")

	return host, nil
}

// Destroy closes the socket and resets every peer.
func (h *Host) Destroy() {
	if h.socket == nil {
		return
	}

	h.socket.destroy()
	h.socket = nil

	for i := range h.peers {
		h.peers[i].Reset()
	}

	if h.compressor != nil {
		h.compressor.Destroy()
		h.compressor = nil
	}
}

// LocalAddress returns the bound address.
func (h *Host) LocalAddress() Address { return h.address }

// Peer returns the peer in slot id, or nil if out of range.
func (h *Host) Peer(id int) *Peer {
	if id < 0 || id >= h.peerCount {
		return nil
	}
	return &h.peers[id]
}

// PeerCount returns the number of peer slots.
func (h *Host) PeerCount() int { return h.peerCount }

// ConnectedPeers returns the number of peers currently connected.
func (h *Host) ConnectedPeers() int { return h.connectedPeers }

// TotalSentData returns the cumulative bytes sent; callers may reset the
// counters with ResetStatistics.
func (h *Host) TotalSentData() uint32        { return h.totalSentData }
func (h *Host) TotalSentPackets() uint32     { return h.totalSentPackets }
func (h *Host) TotalReceivedData() uint32    { return h.totalReceivedData }
func (h *Host) TotalReceivedPackets() uint32 { return h.totalReceivedPackets }

// ResetStatistics zeroes the cumulative traffic counters.
func (h *Host) ResetStatistics() {
	h.totalSentData = 0
	h.totalSentPackets = 0
	h.totalReceivedData = 0
	h.totalReceivedPackets = 0
}

// SetClock replaces the host's time source. Intended for tests; call before
// any servicing.
func (h *Host) SetClock(clock Clock) { h.clock = clock }

// SetChecksum enables (or, with nil, disables) datagram checksums. Both ends
// must agree on the callback.
func (h *Host) SetChecksum(callback ChecksumCallback) { h.checksum = callback }

// SetCompressor installs a packet compressor; nil disables compression.
func (h *Host) SetCompressor(compressor Compressor) {
	if h.compressor != nil {
		h.compressor.Destroy()
	}
	h.compressor = compressor
}

// CompressWithRangeCoder enables the built-in range coder compressor.
func (h *Host) CompressWithRangeCoder() {
	h.SetCompressor(NewRangeCoder())
}

// SetIntercept installs a raw datagram intercept callback.
func (h *Host) SetIntercept(callback InterceptCallback) { h.intercept = callback }

// SetChannelLimit caps the channel count granted to future incoming
// connections; 0 restores the protocol maximum.
func (h *Host) SetChannelLimit(channelLimit int) {
	if channelLimit == 0 || channelLimit > protocolMaximumChannelCount {
		channelLimit = protocolMaximumChannelCount
	} else if channelLimit < protocolMinimumChannelCount {
		channelLimit = protocolMinimumChannelCount
	}
	h.channelLimit = channelLimit
}

// ChannelLimit returns the current channel limit.
func (h *Host) ChannelLimit() int { return h.channelLimit }

// SetBandwidthLimit adjusts the host bandwidth caps in bytes/second and
// schedules a redistribution across connected peers.
func (h *Host) SetBandwidthLimit(incomingBandwidth, outgoingBandwidth uint32) {
	h.incomingBandwidth = incomingBandwidth
	h.outgoingBandwidth = outgoingBandwidth
	h.recalculateBandwidthLimits = true
}

// SetDuplicatePeers caps how many peers may connect from the same IP.
func (h *Host) SetDuplicatePeers(limit int) {
	if limit <= 0 || limit > protocolMaximumPeerID {
		limit = protocolMaximumPeerID
	}
	h.duplicatePeers = limit
}

// SetMaximumPacketSize caps the size of packets sent or received.
func (h *Host) SetMaximumPacketSize(limit int) {
	if limit <= 0 {
		limit = hostDefaultMaximumPacketSize
	}
	h.maximumPacketSize = limit
}

// SetMaximumWaitingData caps the buffer space a peer may consume with
// packets waiting to be delivered; further incoming data is dropped.
func (h *Host) SetMaximumWaitingData(limit int) {
	if limit <= 0 {
		limit = hostDefaultMaximumWaitingData
	}
	h.maximumWaitingData = limit
}

// Connect initiates a connection to a foreign host. The returned peer
// completes (or fails) through events delivered by Service.
func (h *Host) Connect(address Address, channelCount int, data uint32) (*Peer, error) {
	if channelCount < protocolMinimumChannelCount {
		channelCount = protocolMinimumChannelCount
	} else if channelCount > protocolMaximumChannelCount {
		channelCount = protocolMaximumChannelCount
	}

	var peer *Peer
	for i := range h.peers {
		if h.peers[i].state == PeerStateDisconnected {
			peer = &h.peers[i]
			break
		}
	}
	if peer == nil {
		return nil, fmt.Errorf("%w: no free peer slot", ErrResourceExhausted)
	}

	peer.channels = make([]channel, channelCount)
	peer.channelCount = channelCount
	for i := range peer.channels {
		peer.channels[i].reset()
	}

	peer.state = PeerStateConnecting
	peer.address = address
	h.randomSeed++
	peer.connectID = h.randomSeed

	if h.outgoingBandwidth == 0 {
		peer.windowSize = protocolMaximumWindowSize
	} else {
		peer.windowSize = (h.outgoingBandwidth / peerWindowSizeScale) * protocolMinimumWindowSize
	}
	if peer.windowSize < protocolMinimumWindowSize {
		peer.windowSize = protocolMinimumWindowSize
	} else if peer.windowSize > protocolMaximumWindowSize {
		peer.windowSize = protocolMaximumWindowSize
	}

	var command protocol
	command.command = commandConnect | commandFlagAcknowledge
	command.channelID = 0xFF
	command.outgoingPeerID = peer.incomingPeerID
	command.incomingSessionID = peer.incomingSessionID
	command.outgoingSessionID = peer.outgoingSessionID
	command.mtu = peer.mtu
	command.windowSize = peer.windowSize
	command.channelCount = uint32(channelCount)
	command.incomingBandwidth = h.incomingBandwidth
	command.outgoingBandwidth = h.outgoingBandwidth
	command.packetThrottleInterval = peer.packetThrottleInterval
	command.packetThrottleAcceleration = peer.packetThrottleAcceleration
	command.packetThrottleDeceleration = peer.packetThrottleDeceleration
	command.connectID = peer.connectID
	command.data = data

	peer.queueOutgoingCommand(&command, nil, 0, 0)

	log.Info().Stringer("address", address).Int("peer", peer.ID()).Msg("connecting")

	return peer, nil
}

// Broadcast queues a packet for every connected peer.
func (h *Host) Broadcast(channelID uint8, packet *Packet) {
	for i := range h.peers {
		peer := &h.peers[i]
		if peer.state != PeerStateConnected {
			continue
		}
		peer.Send(channelID, packet)
	}

	if packet.referenceCount == 0 {
		packet.Destroy()
	}
}

// bandwidthThrottle redistributes outgoing bandwidth across connected peers
// at most once per second, capping peers already under their own incoming
// limit first and dividing the remainder evenly.
func (h *Host) bandwidthThrottle() {
	timeCurrent := h.clock.Now()
	elapsedTime := timeCurrent - h.bandwidthThrottleEpoch

	if elapsedTime < hostBandwidthThrottleInterval {
		return
	}

	h.bandwidthThrottleEpoch = timeCurrent

	peersRemaining := uint32(h.connectedPeers)
	if peersRemaining == 0 {
		return
	}

	dataTotal := ^uint32(0)
	bandwidth := ^uint32(0)
	throttle := uint32(0)
	bandwidthLimit := uint32(0)
	needsAdjustment := h.bandwidthLimitedPeers > 0

	if h.outgoingBandwidth != 0 {
		dataTotal = 0
		bandwidth = (h.outgoingBandwidth * elapsedTime) / 1000

		for i := range h.peers {
			peer := &h.peers[i]
			if peer.state != PeerStateConnected && peer.state != PeerStateDisconnectLater {
				continue
			}
			dataTotal += peer.outgoingDataTotal
		}
	}

	for peersRemaining > 0 && needsAdjustment {
		needsAdjustment = false

		if dataTotal <= bandwidth {
			throttle = peerPacketThrottleScale
		} else {
			throttle = (bandwidth * peerPacketThrottleScale) / dataTotal
		}

		for i := range h.peers {
			peer := &h.peers[i]

			if (peer.state != PeerStateConnected && peer.state != PeerStateDisconnectLater) ||
				peer.incomingBandwidth == 0 ||
				peer.outgoingBandwidthThrottleEpoch == timeCurrent {
				continue
			}

			peerBandwidth := (peer.incomingBandwidth * elapsedTime) / 1000
			if (throttle*peer.outgoingDataTotal)/peerPacketThrottleScale <= peerBandwidth {
				continue
			}

			peer.packetThrottleLimit = (peerBandwidth * peerPacketThrottleScale) / peer.outgoingDataTotal
			if peer.packetThrottleLimit == 0 {
				peer.packetThrottleLimit = 1
			}
			if peer.packetThrottle > peer.packetThrottleLimit {
				peer.packetThrottle = peer.packetThrottleLimit
			}

			peer.outgoingBandwidthThrottleEpoch = timeCurrent
			peer.incomingDataTotal = 0
			peer.outgoingDataTotal = 0

			needsAdjustment = true
			peersRemaining--
			bandwidth -= peerBandwidth
			dataTotal -= peerBandwidth
		}
	}

	if peersRemaining > 0 {
		if dataTotal <= bandwidth {
			throttle = peerPacketThrottleScale
		} else {
			throttle = (bandwidth * peerPacketThrottleScale) / dataTotal
		}

		for i := range h.peers {
			peer := &h.peers[i]

			if (peer.state != PeerStateConnected && peer.state != PeerStateDisconnectLater) ||
				peer.outgoingBandwidthThrottleEpoch == timeCurrent {
				continue
			}

			peer.packetThrottleLimit = throttle
			if peer.packetThrottle > peer.packetThrottleLimit {
				peer.packetThrottle = peer.packetThrottleLimit
			}

			peer.incomingDataTotal = 0
			peer.outgoingDataTotal = 0
		}
	}

	if h.recalculateBandwidthLimits {
		h.recalculateBandwidthLimits = false

		peersRemaining = uint32(h.connectedPeers)
		bandwidth = h.incomingBandwidth
		needsAdjustment = true

		if bandwidth == 0 {
			bandwidthLimit = 0
		} else {
			for peersRemaining > 0 && needsAdjustment {
				needsAdjustment = false
				bandwidthLimit = bandwidth / peersRemaining

				for i := range h.peers {
					peer := &h.peers[i]

					if (peer.state != PeerStateConnected && peer.state != PeerStateDisconnectLater) ||
						peer.incomingBandwidthThrottleEpoch == timeCurrent {
						continue
					}

					if peer.outgoingBandwidth > 0 && peer.outgoingBandwidth >= bandwidthLimit {
						continue
					}

					peer.incomingBandwidthThrottleEpoch = timeCurrent

					needsAdjustment = true
					peersRemaining--
					bandwidth -= peer.outgoingBandwidth
				}
			}
		}

		for i := range h.peers {
			peer := &h.peers[i]

			if peer.state != PeerStateConnected && peer.state != PeerStateDisconnectLater {
				continue
			}

			var command protocol
			command.command = commandBandwidthLimit | commandFlagAcknowledge
			command.channelID = 0xFF
			command.outgoingBandwidth = h.outgoingBandwidth

			if peer.incomingBandwidthThrottleEpoch == timeCurrent {
				command.incomingBandwidth = peer.outgoingBandwidth
			} else {
				command.incomingBandwidth = bandwidthLimit
			}

			peer.queueOutgoingCommand(&command, nil, 0, 0)
		}
	}
}
