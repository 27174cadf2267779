package gdnet

import "fmt"

// PeerState is the lifecycle state of a Peer.
type PeerState int

const (
	PeerStateDisconnected PeerState = iota
	PeerStateConnecting
	PeerStateAcknowledgingConnect
	PeerStateConnectionPending
	PeerStateConnectionSucceeded
	PeerStateConnected
	PeerStateDisconnectLater
	PeerStateDisconnecting
	PeerStateAcknowledgingDisconnect
	PeerStateZombie
)

type acknowledgement struct {
	node     listNode[*acknowledgement]
	sentTime uint32
	command  protocol
}

func newAcknowledgement() *acknowledgement {
	ack := &acknowledgement{}
	ack.node.value = ack
	return ack
}

type outgoingCommand struct {
	node                     listNode[*outgoingCommand]
	reliableSequenceNumber   uint16
	unreliableSequenceNumber uint16
	sentTime                 uint32
	roundTripTimeout         uint32
	roundTripTimeoutLimit    uint32
	fragmentOffset           uint32
	fragmentLength           uint16
	sendAttempts             uint16
	command                  protocol
	packet                   *Packet
}

func newOutgoingCommand() *outgoingCommand {
	command := &outgoingCommand{}
	command.node.value = command
	return command
}

type incomingCommand struct {
	node                     listNode[*incomingCommand]
	reliableSequenceNumber   uint16
	unreliableSequenceNumber uint16
	command                  protocol
	fragmentCount            uint32
	fragmentsRemaining       uint32
	fragments                []uint32
	packet                   *Packet
}

func newIncomingCommand() *incomingCommand {
	command := &incomingCommand{}
	command.node.value = command
	return command
}

// Peer represents one remote endpoint of a host. All of its state is owned
// by the host and mutated only on the host's service path.
type Peer struct {
	dispatchNode  listNode[*Peer]
	needsDispatch bool

	host *Host

	outgoingPeerID    uint16
	incomingPeerID    uint16
	connectID         uint32
	outgoingSessionID uint8
	incomingSessionID uint8

	address Address

	// Data is free for application use.
	Data interface{}

	state        PeerState
	channels     []channel
	channelCount int

	incomingBandwidth              uint32
	outgoingBandwidth              uint32
	incomingBandwidthThrottleEpoch uint32
	outgoingBandwidthThrottleEpoch uint32
	incomingDataTotal              uint32
	outgoingDataTotal              uint32

	lastSendTime    uint32
	lastReceiveTime uint32
	nextTimeout     uint32
	earliestTimeout uint32

	packetLossEpoch    uint32
	packetsSent        uint32
	packetsLost        uint32
	packetLoss         uint32
	packetLossVariance uint32

	packetThrottle             uint32
	packetThrottleLimit        uint32
	packetThrottleCounter      uint32
	packetThrottleEpoch        uint32
	packetThrottleAcceleration uint32
	packetThrottleDeceleration uint32
	packetThrottleInterval     uint32

	pingInterval   uint32
	timeoutLimit   uint32
	timeoutMinimum uint32
	timeoutMaximum uint32

	lastRoundTripTime            uint32
	lowestRoundTripTime          uint32
	lastRoundTripTimeVariance    uint32
	highestRoundTripTimeVariance uint32
	roundTripTime                uint32
	roundTripTimeVariance        uint32

	mtu                   uint32
	windowSize            uint32
	reliableDataInTransit uint32

	outgoingReliableSequenceNumber uint16

	acknowledgements           list[*acknowledgement]
	sentReliableCommands       list[*outgoingCommand]
	sentUnreliableCommands     list[*outgoingCommand]
	outgoingReliableCommands   list[*outgoingCommand]
	outgoingUnreliableCommands list[*outgoingCommand]
	dispatchedCommands         list[*incomingCommand]

	incomingUnsequencedGroup uint16
	outgoingUnsequencedGroup uint16
	unsequencedWindow        [peerUnsequencedWindowSize / 32]uint32

	eventData        uint32
	totalWaitingData int
}

// ID returns the peer's index within its host.
func (p *Peer) ID() int { return int(p.incomingPeerID) }

// State returns the peer's lifecycle state.
func (p *Peer) State() PeerState { return p.state }

// Address returns the peer's remote address.
func (p *Peer) Address() Address { return p.address }

// RoundTripTime returns the mean RTT in milliseconds between sending a
// reliable packet and receiving its acknowledgement.
func (p *Peer) RoundTripTime() uint32 { return p.roundTripTime }

// PacketLoss returns the mean reliable packet loss as a ratio to
// peerPacketLossScale (65536).
func (p *Peer) PacketLoss() uint32 { return p.packetLoss }

// ChannelCount returns the number of channels negotiated with the peer.
func (p *Peer) ChannelCount() int { return p.channelCount }

// ConfigureThrottle adjusts the unreliable packet throttle. interval is the
// RTT measurement period in milliseconds; acceleration and deceleration are
// ratios to the throttle scale of 32.
func (p *Peer) ConfigureThrottle(interval, acceleration, deceleration uint32) {
	p.packetThrottleInterval = interval
	p.packetThrottleAcceleration = acceleration
	p.packetThrottleDeceleration = deceleration

	var command protocol
	command.command = commandThrottleConfigure | commandFlagAcknowledge
	command.channelID = 0xFF
	command.packetThrottleInterval = interval
	command.packetThrottleAcceleration = acceleration
	command.packetThrottleDeceleration = deceleration

	p.queueOutgoingCommand(&command, nil, 0, 0)
}

// throttle nudges the drop probability after an RTT measurement.
func (p *Peer) throttle(rtt uint32) int {
	if p.lastRoundTripTime <= p.lastRoundTripTimeVariance {
		p.packetThrottle = p.packetThrottleLimit
	} else if rtt < p.lastRoundTripTime {
		p.packetThrottle += p.packetThrottleAcceleration
		if p.packetThrottle > p.packetThrottleLimit {
			p.packetThrottle = p.packetThrottleLimit
		}
		return 1
	} else if rtt > p.lastRoundTripTime+2*p.lastRoundTripTimeVariance {
		if p.packetThrottle > p.packetThrottleDeceleration {
			p.packetThrottle -= p.packetThrottleDeceleration
		} else {
			p.packetThrottle = 0
		}
		return -1
	}

	return 0
}

// Send queues a packet on the given channel. The packet is owned by the
// engine from here on unless an error is returned.
func (p *Peer) Send(channelID uint8, packet *Packet) error {
	if p.state != PeerStateConnected {
		return fmt.Errorf("%w: peer not connected", ErrInvalidArgument)
	}
	if int(channelID) >= p.channelCount {
		return fmt.Errorf("%w: channel %d out of range", ErrInvalidArgument, channelID)
	}
	if len(packet.Data) > p.host.maximumPacketSize {
		return fmt.Errorf("%w: packet exceeds maximum packet size", ErrResourceExhausted)
	}

	ch := &p.channels[channelID]

	fragmentLength := int(p.mtu) - protocolHeaderSize - commandSizes[commandSendFragment]
	if p.host.checksum != nil {
		fragmentLength -= checksumSize
	}

	if len(packet.Data) > fragmentLength {
		return p.sendFragments(channelID, ch, packet, fragmentLength)
	}

	var command protocol
	command.channelID = channelID

	switch {
	case packet.Flags&(PacketFlagReliable|PacketFlagUnsequenced) == PacketFlagUnsequenced:
		command.command = commandSendUnsequenced | commandFlagUnsequenced
		command.dataLength = uint16(len(packet.Data))

	case packet.Flags&PacketFlagReliable != 0 || ch.outgoingUnreliableSequenceNumber >= 0xFFFF:
		command.command = commandSendReliable | commandFlagAcknowledge
		command.dataLength = uint16(len(packet.Data))

	default:
		command.command = commandSendUnreliable
		command.dataLength = uint16(len(packet.Data))
	}

	if p.queueOutgoingCommand(&command, packet, 0, uint16(len(packet.Data))) == nil {
		return ErrResourceExhausted
	}

	return nil
}

func (p *Peer) sendFragments(channelID uint8, ch *channel, packet *Packet, fragmentLength int) error {
	fragmentCount := (len(packet.Data) + fragmentLength - 1) / fragmentLength
	if fragmentCount > protocolMaximumFragmentCount {
		return fmt.Errorf("%w: packet would exceed maximum fragment count", ErrResourceExhausted)
	}

	var commandNumber uint8
	var startSequenceNumber uint16

	if packet.Flags&(PacketFlagReliable|PacketFlagUnreliableFragment) == PacketFlagUnreliableFragment &&
		ch.outgoingUnreliableSequenceNumber < 0xFFFF {
		commandNumber = commandSendUnreliableFragment
		startSequenceNumber = ch.outgoingUnreliableSequenceNumber + 1
	} else {
		commandNumber = commandSendFragment | commandFlagAcknowledge
		startSequenceNumber = ch.outgoingReliableSequenceNumber + 1
	}

	var fragments list[*outgoingCommand]
	fragments.init()

	fragmentNumber := uint32(0)
	for fragmentOffset := 0; fragmentOffset < len(packet.Data); fragmentOffset += fragmentLength {
		if len(packet.Data)-fragmentOffset < fragmentLength {
			fragmentLength = len(packet.Data) - fragmentOffset
		}

		fragment := newOutgoingCommand()
		fragment.fragmentOffset = uint32(fragmentOffset)
		fragment.fragmentLength = uint16(fragmentLength)
		fragment.packet = packet
		fragment.command.command = commandNumber
		fragment.command.channelID = channelID
		fragment.command.startSequenceNumber = startSequenceNumber
		fragment.command.dataLength = uint16(fragmentLength)
		fragment.command.fragmentCount = uint32(fragmentCount)
		fragment.command.fragmentNumber = fragmentNumber
		fragment.command.totalLength = uint32(len(packet.Data))
		fragment.command.fragmentOffset = uint32(fragmentOffset)

		listInsert(fragments.end(), &fragment.node)
		fragmentNumber++
	}

	packet.referenceCount += int(fragmentNumber)

	for !fragments.empty() {
		fragment := listRemove(fragments.begin())
		p.setupOutgoingCommand(fragment)
	}

	return nil
}

// Receive dequeues the next delivered packet, if any, together with the
// channel it arrived on.
func (p *Peer) Receive() (*Packet, uint8) {
	if p.dispatchedCommands.empty() {
		return nil, 0
	}

	incoming := listRemove(p.dispatchedCommands.begin())
	channelID := incoming.command.channelID

	packet := incoming.packet
	packet.referenceCount--

	p.totalWaitingData -= len(packet.Data)

	return packet, channelID
}

func resetOutgoingCommands(queue *list[*outgoingCommand]) {
	for !queue.empty() {
		command := listRemove(queue.begin())
		if command.packet != nil {
			command.packet.release(false)
		}
	}
}

func removeIncomingCommands(startCommand, endCommand *listNode[*incomingCommand]) {
	for current := startCommand; current != endCommand; {
		incoming := current.value
		current = current.next

		listRemove(&incoming.node)

		if incoming.packet != nil {
			incoming.packet.release(false)
		}
	}
}

func resetIncomingCommands(queue *list[*incomingCommand]) {
	removeIncomingCommands(queue.begin(), queue.end())
}

func (p *Peer) resetQueues() {
	if p.needsDispatch {
		listRemove(&p.dispatchNode)
		p.needsDispatch = false
	}

	for !p.acknowledgements.empty() {
		listRemove(p.acknowledgements.begin())
	}

	resetOutgoingCommands(&p.sentReliableCommands)
	resetOutgoingCommands(&p.sentUnreliableCommands)
	resetOutgoingCommands(&p.outgoingReliableCommands)
	resetOutgoingCommands(&p.outgoingUnreliableCommands)
	resetIncomingCommands(&p.dispatchedCommands)

	for i := range p.channels[:p.channelCount] {
		resetIncomingCommands(&p.channels[i].incomingReliableCommands)
		resetIncomingCommands(&p.channels[i].incomingUnreliableCommands)
	}

	p.channels = nil
	p.channelCount = 0
}

func (p *Peer) onConnect() {
	if p.state != PeerStateConnected && p.state != PeerStateDisconnectLater {
		if p.incomingBandwidth != 0 {
			p.host.bandwidthLimitedPeers++
		}
		p.host.connectedPeers++
	}
}

func (p *Peer) onDisconnect() {
	if p.state == PeerStateConnected || p.state == PeerStateDisconnectLater {
		if p.incomingBandwidth != 0 {
			p.host.bandwidthLimitedPeers--
		}
		p.host.connectedPeers--
	}
}

// Reset forcefully disconnects the peer. The remote end is not notified and
// will time out on its own. Reset is idempotent.
func (p *Peer) Reset() {
	p.onDisconnect()

	p.outgoingPeerID = protocolMaximumPeerID
	p.connectID = 0

	p.state = PeerStateDisconnected

	p.incomingBandwidth = 0
	p.outgoingBandwidth = 0
	p.incomingBandwidthThrottleEpoch = 0
	p.outgoingBandwidthThrottleEpoch = 0
	p.incomingDataTotal = 0
	p.outgoingDataTotal = 0
	p.lastSendTime = 0
	p.lastReceiveTime = 0
	p.nextTimeout = 0
	p.earliestTimeout = 0
	p.packetLossEpoch = 0
	p.packetsSent = 0
	p.packetsLost = 0
	p.packetLoss = 0
	p.packetLossVariance = 0
	p.packetThrottle = peerDefaultPacketThrottle
	p.packetThrottleLimit = peerPacketThrottleScale
	p.packetThrottleCounter = 0
	p.packetThrottleEpoch = 0
	p.packetThrottleAcceleration = peerPacketThrottleAccel
	p.packetThrottleDeceleration = peerPacketThrottleDecel
	p.packetThrottleInterval = peerPacketThrottleInterval
	p.pingInterval = peerPingInterval
	p.timeoutLimit = peerTimeoutLimit
	p.timeoutMinimum = peerTimeoutMinimum
	p.timeoutMaximum = peerTimeoutMaximum
	p.lastRoundTripTime = peerDefaultRoundTripTime
	p.lowestRoundTripTime = peerDefaultRoundTripTime
	p.lastRoundTripTimeVariance = 0
	p.highestRoundTripTimeVariance = 0
	p.roundTripTime = peerDefaultRoundTripTime
	p.roundTripTimeVariance = 0
	p.mtu = p.host.mtu
	p.reliableDataInTransit = 0
	p.outgoingReliableSequenceNumber = 0
	p.windowSize = protocolMaximumWindowSize
	p.incomingUnsequencedGroup = 0
	p.outgoingUnsequencedGroup = 0
	p.eventData = 0
	p.totalWaitingData = 0

	for i := range p.unsequencedWindow {
		p.unsequencedWindow[i] = 0
	}

	p.resetQueues()
}

// Ping sends a ping request. Connected peers are pinged automatically at the
// ping interval; extra pings sharpen the RTT estimate.
func (p *Peer) Ping() {
	if p.state != PeerStateConnected {
		return
	}

	var command protocol
	command.command = commandPing | commandFlagAcknowledge
	command.channelID = 0xFF

	p.queueOutgoingCommand(&command, nil, 0, 0)
}

// SetPingInterval adjusts the automatic ping interval; 0 restores the
// default.
func (p *Peer) SetPingInterval(interval uint32) {
	if interval == 0 {
		interval = peerPingInterval
	}
	p.pingInterval = interval
}

// SetTimeout adjusts the retransmission timeout policy. Zero values restore
// the defaults. A peer is disconnected once a reliable command has gone
// unacknowledged for timeoutMaximum milliseconds, or for timeoutMinimum
// after its per-command backoff limit is reached.
func (p *Peer) SetTimeout(limit, minimum, maximum uint32) {
	if limit == 0 {
		limit = peerTimeoutLimit
	}
	if minimum == 0 {
		minimum = peerTimeoutMinimum
	}
	if maximum == 0 {
		maximum = peerTimeoutMaximum
	}

	p.timeoutLimit = limit
	p.timeoutMinimum = minimum
	p.timeoutMaximum = maximum
}

// DisconnectNow tears the connection down immediately. A best-effort
// unsequenced disconnect is flushed to the remote end but not retried, and
// no EventDisconnect is generated locally.
func (p *Peer) DisconnectNow(data uint32) {
	if p.state == PeerStateDisconnected {
		return
	}

	if p.state != PeerStateZombie && p.state != PeerStateDisconnecting {
		p.resetQueues()

		var command protocol
		command.command = commandDisconnect | commandFlagUnsequenced
		command.channelID = 0xFF
		command.data = data

		p.queueOutgoingCommand(&command, nil, 0, 0)

		p.host.Flush()
	}

	p.Reset()
}

// Disconnect requests an orderly disconnection. EventDisconnect is delivered
// by Service once the remote end acknowledges.
func (p *Peer) Disconnect(data uint32) {
	if p.state == PeerStateDisconnecting ||
		p.state == PeerStateDisconnected ||
		p.state == PeerStateAcknowledgingDisconnect ||
		p.state == PeerStateZombie {
		return
	}

	p.resetQueues()

	var command protocol
	command.command = commandDisconnect
	command.channelID = 0xFF
	command.data = data

	if p.state == PeerStateConnected || p.state == PeerStateDisconnectLater {
		command.command |= commandFlagAcknowledge
	} else {
		command.command |= commandFlagUnsequenced
	}

	p.queueOutgoingCommand(&command, nil, 0, 0)

	if p.state == PeerStateConnected || p.state == PeerStateDisconnectLater {
		p.onDisconnect()
		p.state = PeerStateDisconnecting
	} else {
		p.host.Flush()
		p.Reset()
	}
}

// DisconnectLater disconnects once all queued outgoing packets have been
// delivered.
func (p *Peer) DisconnectLater(data uint32) {
	if (p.state == PeerStateConnected || p.state == PeerStateDisconnectLater) &&
		!(p.outgoingReliableCommands.empty() &&
			p.outgoingUnreliableCommands.empty() &&
			p.sentReliableCommands.empty()) {
		p.state = PeerStateDisconnectLater
		p.eventData = data
	} else {
		p.Disconnect(data)
	}
}

func (p *Peer) queueAcknowledgement(command *protocol, sentTime uint16) *acknowledgement {
	if int(command.channelID) < p.channelCount {
		ch := &p.channels[command.channelID]
		reliableWindow := command.reliableSequenceNumber / peerReliableWindowSize
		currentWindow := ch.incomingReliableSequenceNumber / peerReliableWindowSize

		if command.reliableSequenceNumber < ch.incomingReliableSequenceNumber {
			reliableWindow += peerReliableWindows
		}

		if reliableWindow >= currentWindow+peerFreeReliableWindows-1 && reliableWindow <= currentWindow+peerFreeReliableWindows {
			return nil
		}
	}

	ack := newAcknowledgement()

	p.outgoingDataTotal += uint32(commandSizes[commandAcknowledge])

	ack.sentTime = uint32(sentTime)
	ack.command = *command

	listInsert(p.acknowledgements.end(), &ack.node)

	return ack
}

func (p *Peer) setupOutgoingCommand(command *outgoingCommand) {
	p.outgoingDataTotal += uint32(protocolCommandSize(command.command.command)) + uint32(command.fragmentLength)

	if command.command.channelID == 0xFF {
		p.outgoingReliableSequenceNumber++
		command.reliableSequenceNumber = p.outgoingReliableSequenceNumber
		command.unreliableSequenceNumber = 0
	} else if command.command.command&commandFlagAcknowledge != 0 {
		ch := &p.channels[command.command.channelID]

		ch.outgoingReliableSequenceNumber++
		ch.outgoingUnreliableSequenceNumber = 0

		command.reliableSequenceNumber = ch.outgoingReliableSequenceNumber
		command.unreliableSequenceNumber = 0
	} else if command.command.command&commandFlagUnsequenced != 0 {
		p.outgoingUnsequencedGroup++

		command.reliableSequenceNumber = 0
		command.unreliableSequenceNumber = 0
	} else {
		ch := &p.channels[command.command.channelID]

		if command.fragmentOffset == 0 {
			ch.outgoingUnreliableSequenceNumber++
		}

		command.reliableSequenceNumber = ch.outgoingReliableSequenceNumber
		command.unreliableSequenceNumber = ch.outgoingUnreliableSequenceNumber
	}

	command.sendAttempts = 0
	command.sentTime = 0
	command.roundTripTimeout = 0
	command.roundTripTimeoutLimit = 0
	command.command.reliableSequenceNumber = command.reliableSequenceNumber

	switch command.command.command & commandMask {
	case commandSendUnreliable:
		command.command.unreliableSequenceNumber = command.unreliableSequenceNumber
	case commandSendUnsequenced:
		command.command.unsequencedGroup = p.outgoingUnsequencedGroup
	}

	if command.command.command&commandFlagAcknowledge != 0 {
		listInsert(p.outgoingReliableCommands.end(), &command.node)
	} else {
		listInsert(p.outgoingUnreliableCommands.end(), &command.node)
	}
}

func (p *Peer) queueOutgoingCommand(command *protocol, packet *Packet, offset uint32, length uint16) *outgoingCommand {
	outgoing := newOutgoingCommand()
	outgoing.command = *command
	outgoing.fragmentOffset = offset
	outgoing.fragmentLength = length
	outgoing.packet = packet
	if packet != nil {
		packet.acquire()
	}

	p.setupOutgoingCommand(outgoing)

	return outgoing
}

// dispatchIncomingUnreliableCommands walks the channel's unreliable queue,
// moving runs that became deliverable to the dispatched queue and dropping
// runs stranded behind a reliable sequence jump.
func (p *Peer) dispatchIncomingUnreliableCommands(ch *channel) {
	queue := &ch.incomingUnreliableCommands

	droppedCommand := queue.begin()
	startCommand := queue.begin()
	currentCommand := queue.begin()

	for ; currentCommand != queue.end(); currentCommand = currentCommand.next {
		incoming := currentCommand.value

		if incoming.command.command&commandMask == commandSendUnsequenced {
			continue
		}

		if incoming.reliableSequenceNumber == ch.incomingReliableSequenceNumber {
			if incoming.fragmentsRemaining <= 0 {
				ch.incomingUnreliableSequenceNumber = incoming.unreliableSequenceNumber
				continue
			}

			if startCommand != currentCommand {
				listMove(p.dispatchedCommands.end(), startCommand, currentCommand.prev)

				if !p.needsDispatch {
					listInsert(p.host.dispatchQueue.end(), &p.dispatchNode)
					p.needsDispatch = true
				}

				droppedCommand = currentCommand
			} else if droppedCommand != currentCommand {
				droppedCommand = currentCommand.prev
			}
		} else {
			reliableWindow := incoming.reliableSequenceNumber / peerReliableWindowSize
			currentWindow := ch.incomingReliableSequenceNumber / peerReliableWindowSize
			if incoming.reliableSequenceNumber < ch.incomingReliableSequenceNumber {
				reliableWindow += peerReliableWindows
			}
			if reliableWindow >= currentWindow && reliableWindow < currentWindow+peerFreeReliableWindows-1 {
				break
			}

			droppedCommand = currentCommand.next

			if startCommand != currentCommand {
				listMove(p.dispatchedCommands.end(), startCommand, currentCommand.prev)

				if !p.needsDispatch {
					listInsert(p.host.dispatchQueue.end(), &p.dispatchNode)
					p.needsDispatch = true
				}
			}
		}

		startCommand = currentCommand.next
	}

	if startCommand != currentCommand {
		listMove(p.dispatchedCommands.end(), startCommand, currentCommand.prev)

		if !p.needsDispatch {
			listInsert(p.host.dispatchQueue.end(), &p.dispatchNode)
			p.needsDispatch = true
		}

		droppedCommand = currentCommand
	}

	removeIncomingCommands(queue.begin(), droppedCommand)
}

// dispatchIncomingReliableCommands advances the channel's reliable sequence
// number across the contiguous fully-assembled prefix and hands it to the
// dispatched queue.
func (p *Peer) dispatchIncomingReliableCommands(ch *channel) {
	queue := &ch.incomingReliableCommands

	currentCommand := queue.begin()
	for ; currentCommand != queue.end(); currentCommand = currentCommand.next {
		incoming := currentCommand.value

		if incoming.fragmentsRemaining > 0 ||
			incoming.reliableSequenceNumber != ch.incomingReliableSequenceNumber+1 {
			break
		}

		ch.incomingReliableSequenceNumber = incoming.reliableSequenceNumber

		if incoming.fragmentCount > 0 {
			ch.incomingReliableSequenceNumber += uint16(incoming.fragmentCount - 1)
		}
	}

	if currentCommand == queue.begin() {
		return
	}

	ch.incomingUnreliableSequenceNumber = 0

	listMove(p.dispatchedCommands.end(), queue.begin(), currentCommand.prev)

	if !p.needsDispatch {
		listInsert(p.host.dispatchQueue.end(), &p.dispatchNode)
		p.needsDispatch = true
	}

	if !ch.incomingUnreliableCommands.empty() {
		p.dispatchIncomingUnreliableCommands(ch)
	}
}

// queueIncomingCommand slots a received command into the channel's ordered
// incoming queue. Returns (nil, true) when a non-fragment command is a
// duplicate or otherwise silently discarded, and (nil, false) when it must be
// treated as an error; a discarded fragment placeholder (fragmentCount > 0)
// also returns (nil, false).
func (p *Peer) queueIncomingCommand(command *protocol, data []byte, dataLength int, flags PacketFlag, fragmentCount uint32) (*incomingCommand, bool) {
	ch := &p.channels[command.channelID]
	unreliableSequenceNumber := uint32(0)
	reliableSequenceNumber := uint32(0)

	discard := func() (*incomingCommand, bool) {
		if fragmentCount > 0 {
			return nil, false
		}
		return nil, true
	}

	if p.state == PeerStateDisconnectLater {
		return discard()
	}

	if command.command&commandMask != commandSendUnsequenced {
		reliableSequenceNumber = uint32(command.reliableSequenceNumber)
		reliableWindow := uint16(reliableSequenceNumber) / peerReliableWindowSize
		currentWindow := ch.incomingReliableSequenceNumber / peerReliableWindowSize

		if uint16(reliableSequenceNumber) < ch.incomingReliableSequenceNumber {
			reliableWindow += peerReliableWindows
		}

		if reliableWindow < currentWindow || reliableWindow >= currentWindow+peerFreeReliableWindows-1 {
			return discard()
		}
	}

	var currentCommand *listNode[*incomingCommand]

	switch command.command & commandMask {
	case commandSendFragment, commandSendReliable:
		if uint16(reliableSequenceNumber) == ch.incomingReliableSequenceNumber {
			return discard()
		}

		for currentCommand = ch.incomingReliableCommands.end().prev; currentCommand != ch.incomingReliableCommands.end(); currentCommand = currentCommand.prev {
			incoming := currentCommand.value

			if uint16(reliableSequenceNumber) >= ch.incomingReliableSequenceNumber {
				if incoming.reliableSequenceNumber < ch.incomingReliableSequenceNumber {
					continue
				}
			} else if incoming.reliableSequenceNumber >= ch.incomingReliableSequenceNumber {
				break
			}

			if uint32(incoming.reliableSequenceNumber) <= reliableSequenceNumber {
				if uint32(incoming.reliableSequenceNumber) < reliableSequenceNumber {
					break
				}
				return discard()
			}
		}

	case commandSendUnreliable, commandSendUnreliableFragment:
		if command.command&commandMask == commandSendUnreliableFragment {
			unreliableSequenceNumber = uint32(command.startSequenceNumber)
		} else {
			unreliableSequenceNumber = uint32(command.unreliableSequenceNumber)
		}

		if uint16(reliableSequenceNumber) == ch.incomingReliableSequenceNumber &&
			uint16(unreliableSequenceNumber) <= ch.incomingUnreliableSequenceNumber {
			return discard()
		}

		for currentCommand = ch.incomingUnreliableCommands.end().prev; currentCommand != ch.incomingUnreliableCommands.end(); currentCommand = currentCommand.prev {
			incoming := currentCommand.value

			if incoming.command.command&commandMask == commandSendUnsequenced {
				continue
			}

			if uint16(reliableSequenceNumber) >= ch.incomingReliableSequenceNumber {
				if incoming.reliableSequenceNumber < ch.incomingReliableSequenceNumber {
					continue
				}
			} else if incoming.reliableSequenceNumber >= ch.incomingReliableSequenceNumber {
				break
			}

			if uint32(incoming.reliableSequenceNumber) < reliableSequenceNumber {
				break
			}

			if uint32(incoming.reliableSequenceNumber) > reliableSequenceNumber {
				continue
			}

			if uint32(incoming.unreliableSequenceNumber) <= unreliableSequenceNumber {
				if uint32(incoming.unreliableSequenceNumber) < unreliableSequenceNumber {
					break
				}
				return discard()
			}
		}

	case commandSendUnsequenced:
		currentCommand = ch.incomingUnreliableCommands.end()

	default:
		return discard()
	}

	if p.totalWaitingData >= p.host.maximumWaitingData {
		return nil, false
	}

	packet := newPacketSized(data, dataLength, flags)

	incoming := newIncomingCommand()
	incoming.reliableSequenceNumber = command.reliableSequenceNumber
	incoming.unreliableSequenceNumber = uint16(unreliableSequenceNumber)
	incoming.command = *command
	incoming.fragmentCount = fragmentCount
	incoming.fragmentsRemaining = fragmentCount
	incoming.packet = packet

	if fragmentCount > 0 {
		if fragmentCount > protocolMaximumFragmentCount {
			return nil, false
		}
		incoming.fragments = make([]uint32, (fragmentCount+31)/32)
	}

	packet.acquire()
	p.totalWaitingData += len(packet.Data)

	listInsert(currentCommand.next, &incoming.node)

	switch command.command & commandMask {
	case commandSendFragment, commandSendReliable:
		p.dispatchIncomingReliableCommands(ch)
	default:
		p.dispatchIncomingUnreliableCommands(ch)
	}

	return incoming, true
}
