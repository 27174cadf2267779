package gdnet

// The engine proper: parsing and dispatching incoming commands, draining the
// outgoing queues into datagrams, retransmission and timeout handling, and
// the Service/Flush entry points.

func (h *Host) changeState(peer *Peer, state PeerState) {
	if state == PeerStateConnected || state == PeerStateDisconnectLater {
		peer.onConnect()
	} else {
		peer.onDisconnect()
	}

	peer.state = state
}

func (h *Host) dispatchState(peer *Peer, state PeerState) {
	h.changeState(peer, state)

	if !peer.needsDispatch {
		listInsert(h.dispatchQueue.end(), &peer.dispatchNode)
		peer.needsDispatch = true
	}
}

func (h *Host) dispatchIncomingCommands(event *Event) int {
	for !h.dispatchQueue.empty() {
		peer := listRemove(h.dispatchQueue.begin())
		peer.needsDispatch = false

		switch peer.state {
		case PeerStateConnectionPending, PeerStateConnectionSucceeded:
			h.changeState(peer, PeerStateConnected)

			event.Type = EventConnect
			event.Peer = peer
			event.Data = peer.eventData

			return 1

		case PeerStateZombie:
			h.recalculateBandwidthLimits = true

			event.Type = EventDisconnect
			event.Peer = peer
			event.Data = peer.eventData

			peer.Reset()

			return 1

		case PeerStateConnected:
			if peer.dispatchedCommands.empty() {
				continue
			}

			packet, channelID := peer.Receive()
			if packet == nil {
				continue
			}

			event.Type = EventReceive
			event.Peer = peer
			event.ChannelID = channelID
			event.Packet = packet

			if !peer.dispatchedCommands.empty() {
				peer.needsDispatch = true
				listInsert(h.dispatchQueue.end(), &peer.dispatchNode)
			}

			return 1
		}
	}

	return 0
}

func (h *Host) notifyConnect(peer *Peer, event *Event) {
	h.recalculateBandwidthLimits = true

	if event != nil {
		h.changeState(peer, PeerStateConnected)

		event.Type = EventConnect
		event.Peer = peer
		event.Data = peer.eventData
	} else {
		if peer.state == PeerStateConnecting {
			h.dispatchState(peer, PeerStateConnectionSucceeded)
		} else {
			h.dispatchState(peer, PeerStateConnectionPending)
		}
	}
}

func (h *Host) notifyDisconnect(peer *Peer, event *Event) {
	if peer.state >= PeerStateConnectionPending {
		h.recalculateBandwidthLimits = true
	}

	if peer.state != PeerStateConnecting && peer.state < PeerStateConnectionSucceeded {
		peer.Reset()
	} else if event != nil {
		event.Type = EventDisconnect
		event.Peer = peer
		event.Data = 0

		peer.Reset()
	} else {
		peer.eventData = 0

		h.dispatchState(peer, PeerStateZombie)
	}
}

func (h *Host) removeSentUnreliableCommands(peer *Peer) {
	for !peer.sentUnreliableCommands.empty() {
		outgoing := listRemove(peer.sentUnreliableCommands.begin())

		if outgoing.packet != nil {
			outgoing.packet.release(true)
		}
	}
}

func (h *Host) removeSentReliableCommand(peer *Peer, reliableSequenceNumber uint16, channelID uint8) uint8 {
	var outgoing *outgoingCommand
	wasSent := true

	current := peer.sentReliableCommands.begin()
	for ; current != peer.sentReliableCommands.end(); current = current.next {
		if current.value.reliableSequenceNumber == reliableSequenceNumber &&
			current.value.command.channelID == channelID {
			outgoing = current.value
			break
		}
	}

	if current == peer.sentReliableCommands.end() {
		for current = peer.outgoingReliableCommands.begin(); current != peer.outgoingReliableCommands.end(); current = current.next {
			if current.value.sendAttempts < 1 {
				return commandNone
			}

			if current.value.reliableSequenceNumber == reliableSequenceNumber &&
				current.value.command.channelID == channelID {
				outgoing = current.value
				break
			}
		}

		if current == peer.outgoingReliableCommands.end() {
			return commandNone
		}

		wasSent = false
	}

	if outgoing == nil {
		return commandNone
	}

	if int(channelID) < peer.channelCount {
		ch := &peer.channels[channelID]
		reliableWindow := reliableSequenceNumber / peerReliableWindowSize
		if ch.reliableWindows[reliableWindow] > 0 {
			ch.reliableWindows[reliableWindow]--
			if ch.reliableWindows[reliableWindow] == 0 {
				ch.usedReliableWindows &^= 1 << reliableWindow
			}
		}
	}

	commandNumber := outgoing.command.command & commandMask

	listRemove(&outgoing.node)

	if outgoing.packet != nil {
		if wasSent {
			peer.reliableDataInTransit -= uint32(outgoing.fragmentLength)
		}

		outgoing.packet.release(true)
	}

	if peer.sentReliableCommands.empty() {
		return commandNumber
	}

	front := peer.sentReliableCommands.front().value
	peer.nextTimeout = front.sentTime + front.roundTripTimeout

	return commandNumber
}

func (h *Host) handleConnect(command *protocol) *Peer {
	channelCount := int(command.channelCount)

	if channelCount < protocolMinimumChannelCount || channelCount > protocolMaximumChannelCount {
		return nil
	}

	var peer *Peer
	duplicatePeers := 0

	for i := range h.peers {
		currentPeer := &h.peers[i]

		if currentPeer.state == PeerStateDisconnected {
			if peer == nil {
				peer = currentPeer
			}
		} else if currentPeer.state != PeerStateConnecting &&
			currentPeer.address.Host == h.receivedAddress.Host {
			if currentPeer.address.Port == h.receivedAddress.Port &&
				currentPeer.connectID == command.connectID {
				return nil
			}

			duplicatePeers++
		}
	}

	if peer == nil || duplicatePeers >= h.duplicatePeers {
		return nil
	}

	if channelCount > h.channelLimit {
		channelCount = h.channelLimit
	}

	peer.channels = make([]channel, channelCount)
	peer.channelCount = channelCount
	peer.state = PeerStateAcknowledgingConnect
	peer.connectID = command.connectID
	peer.address = h.receivedAddress
	peer.outgoingPeerID = command.outgoingPeerID
	peer.incomingBandwidth = command.incomingBandwidth
	peer.outgoingBandwidth = command.outgoingBandwidth
	peer.packetThrottleInterval = command.packetThrottleInterval
	peer.packetThrottleAcceleration = command.packetThrottleAcceleration
	peer.packetThrottleDeceleration = command.packetThrottleDeceleration
	peer.eventData = command.data

	const sessionLimit = uint8(headerSessionMask >> headerSessionShift)

	incomingSessionID := command.incomingSessionID
	if incomingSessionID == 0xFF {
		incomingSessionID = peer.outgoingSessionID
	}
	incomingSessionID = (incomingSessionID + 1) & sessionLimit
	if incomingSessionID == peer.outgoingSessionID {
		incomingSessionID = (incomingSessionID + 1) & sessionLimit
	}
	peer.outgoingSessionID = incomingSessionID

	outgoingSessionID := command.outgoingSessionID
	if outgoingSessionID == 0xFF {
		outgoingSessionID = peer.incomingSessionID
	}
	outgoingSessionID = (outgoingSessionID + 1) & sessionLimit
	if outgoingSessionID == peer.incomingSessionID {
		outgoingSessionID = (outgoingSessionID + 1) & sessionLimit
	}
	peer.incomingSessionID = outgoingSessionID

	for i := range peer.channels {
		peer.channels[i].reset()
	}

	mtu := command.mtu
	if mtu < protocolMinimumMTU {
		mtu = protocolMinimumMTU
	} else if mtu > protocolMaximumMTU {
		mtu = protocolMaximumMTU
	}
	peer.mtu = mtu

	if h.outgoingBandwidth == 0 && peer.incomingBandwidth == 0 {
		peer.windowSize = protocolMaximumWindowSize
	} else if h.outgoingBandwidth == 0 || peer.incomingBandwidth == 0 {
		peer.windowSize = (max32(h.outgoingBandwidth, peer.incomingBandwidth) / peerWindowSizeScale) * protocolMinimumWindowSize
	} else {
		peer.windowSize = (min32(h.outgoingBandwidth, peer.incomingBandwidth) / peerWindowSizeScale) * protocolMinimumWindowSize
	}
	if peer.windowSize < protocolMinimumWindowSize {
		peer.windowSize = protocolMinimumWindowSize
	} else if peer.windowSize > protocolMaximumWindowSize {
		peer.windowSize = protocolMaximumWindowSize
	}

	var windowSize uint32
	if h.incomingBandwidth == 0 {
		windowSize = protocolMaximumWindowSize
	} else {
		windowSize = (h.incomingBandwidth / peerWindowSizeScale) * protocolMinimumWindowSize
	}
	if windowSize > command.windowSize {
		windowSize = command.windowSize
	}
	if windowSize < protocolMinimumWindowSize {
		windowSize = protocolMinimumWindowSize
	} else if windowSize > protocolMaximumWindowSize {
		windowSize = protocolMaximumWindowSize
	}

	var verifyCommand protocol
	verifyCommand.command = commandVerifyConnect | commandFlagAcknowledge
	verifyCommand.channelID = 0xFF
	verifyCommand.outgoingPeerID = peer.incomingPeerID
	verifyCommand.incomingSessionID = incomingSessionID
	verifyCommand.outgoingSessionID = outgoingSessionID
	verifyCommand.mtu = peer.mtu
	verifyCommand.windowSize = windowSize
	verifyCommand.channelCount = uint32(channelCount)
	verifyCommand.incomingBandwidth = h.incomingBandwidth
	verifyCommand.outgoingBandwidth = h.outgoingBandwidth
	verifyCommand.packetThrottleInterval = peer.packetThrottleInterval
	verifyCommand.packetThrottleAcceleration = peer.packetThrottleAcceleration
	verifyCommand.packetThrottleDeceleration = peer.packetThrottleDeceleration
	verifyCommand.connectID = peer.connectID

	peer.queueOutgoingCommand(&verifyCommand, nil, 0, 0)

	log.Info().Stringer("address", peer.address).Int("peer", peer.ID()).Msg("incoming connection")

	return peer
}

func (h *Host) handleSendReliable(peer *Peer, command *protocol, data []byte) bool {
	if int(command.channelID) >= peer.channelCount ||
		(peer.state != PeerStateConnected && peer.state != PeerStateDisconnectLater) {
		return false
	}

	_, ok := peer.queueIncomingCommand(command, data, len(data), PacketFlagReliable, 0)
	return ok
}

func (h *Host) handleSendUnsequenced(peer *Peer, command *protocol, data []byte) bool {
	if int(command.channelID) >= peer.channelCount ||
		(peer.state != PeerStateConnected && peer.state != PeerStateDisconnectLater) {
		return false
	}

	unsequencedGroup := uint32(command.unsequencedGroup)
	index := unsequencedGroup % peerUnsequencedWindowSize

	if unsequencedGroup < uint32(peer.incomingUnsequencedGroup) {
		unsequencedGroup += 0x10000
	}

	if unsequencedGroup >= uint32(peer.incomingUnsequencedGroup)+peerFreeUnsequencedWindows*peerUnsequencedWindowSize {
		return true
	}

	unsequencedGroup &= 0xFFFF

	if uint16(unsequencedGroup-index) != peer.incomingUnsequencedGroup {
		peer.incomingUnsequencedGroup = uint16(unsequencedGroup - index)

		for i := range peer.unsequencedWindow {
			peer.unsequencedWindow[i] = 0
		}
	} else if peer.unsequencedWindow[index/32]&(1<<(index%32)) != 0 {
		return true
	}

	if _, ok := peer.queueIncomingCommand(command, data, len(data), PacketFlagUnsequenced, 0); !ok {
		return false
	}

	peer.unsequencedWindow[index/32] |= 1 << (index % 32)

	return true
}

func (h *Host) handleSendUnreliable(peer *Peer, command *protocol, data []byte) bool {
	if int(command.channelID) >= peer.channelCount ||
		(peer.state != PeerStateConnected && peer.state != PeerStateDisconnectLater) {
		return false
	}

	_, ok := peer.queueIncomingCommand(command, data, len(data), 0, 0)
	return ok
}

func (h *Host) handleSendFragment(peer *Peer, command *protocol, data []byte) bool {
	if int(command.channelID) >= peer.channelCount ||
		(peer.state != PeerStateConnected && peer.state != PeerStateDisconnectLater) {
		return false
	}

	fragmentLength := uint32(len(data))

	ch := &peer.channels[command.channelID]
	startSequenceNumber := command.startSequenceNumber
	startWindow := startSequenceNumber / peerReliableWindowSize
	currentWindow := ch.incomingReliableSequenceNumber / peerReliableWindowSize

	if startSequenceNumber < ch.incomingReliableSequenceNumber {
		startWindow += peerReliableWindows
	}

	if startWindow < currentWindow || startWindow >= currentWindow+peerFreeReliableWindows-1 {
		return true
	}

	fragmentNumber := command.fragmentNumber
	fragmentCount := command.fragmentCount
	fragmentOffset := command.fragmentOffset
	totalLength := command.totalLength

	if fragmentCount > protocolMaximumFragmentCount ||
		fragmentNumber >= fragmentCount ||
		int(totalLength) > h.maximumPacketSize ||
		fragmentOffset >= totalLength ||
		fragmentLength > totalLength-fragmentOffset {
		return false
	}

	var startCommand *incomingCommand

	for current := ch.incomingReliableCommands.end().prev; current != ch.incomingReliableCommands.end(); current = current.prev {
		incoming := current.value

		if startSequenceNumber >= ch.incomingReliableSequenceNumber {
			if incoming.reliableSequenceNumber < ch.incomingReliableSequenceNumber {
				continue
			}
		} else if incoming.reliableSequenceNumber >= ch.incomingReliableSequenceNumber {
			break
		}

		if incoming.reliableSequenceNumber <= startSequenceNumber {
			if incoming.reliableSequenceNumber < startSequenceNumber {
				break
			}

			if incoming.command.command&commandMask != commandSendFragment ||
				int(totalLength) != len(incoming.packet.Data) ||
				fragmentCount != incoming.fragmentCount {
				return false
			}

			startCommand = incoming
			break
		}
	}

	if startCommand == nil {
		hostCommand := *command
		hostCommand.reliableSequenceNumber = startSequenceNumber

		var ok bool
		startCommand, ok = peer.queueIncomingCommand(&hostCommand, nil, int(totalLength), PacketFlagReliable, fragmentCount)
		if !ok || startCommand == nil {
			return false
		}
	}

	if startCommand.fragments[fragmentNumber/32]&(1<<(fragmentNumber%32)) == 0 {
		startCommand.fragmentsRemaining--

		startCommand.fragments[fragmentNumber/32] |= 1 << (fragmentNumber % 32)

		if int(fragmentOffset+fragmentLength) > len(startCommand.packet.Data) {
			fragmentLength = uint32(len(startCommand.packet.Data)) - fragmentOffset
		}

		copy(startCommand.packet.Data[fragmentOffset:], data[:fragmentLength])

		if startCommand.fragmentsRemaining <= 0 {
			peer.dispatchIncomingReliableCommands(ch)
		}
	}

	return true
}

func (h *Host) handleSendUnreliableFragment(peer *Peer, command *protocol, data []byte) bool {
	if int(command.channelID) >= peer.channelCount ||
		(peer.state != PeerStateConnected && peer.state != PeerStateDisconnectLater) {
		return false
	}

	fragmentLength := uint32(len(data))

	ch := &peer.channels[command.channelID]
	reliableSequenceNumber := command.reliableSequenceNumber
	startSequenceNumber := command.startSequenceNumber

	reliableWindow := reliableSequenceNumber / peerReliableWindowSize
	currentWindow := ch.incomingReliableSequenceNumber / peerReliableWindowSize

	if reliableSequenceNumber < ch.incomingReliableSequenceNumber {
		reliableWindow += peerReliableWindows
	}

	if reliableWindow < currentWindow || reliableWindow >= currentWindow+peerFreeReliableWindows-1 {
		return true
	}

	if reliableSequenceNumber == ch.incomingReliableSequenceNumber &&
		startSequenceNumber <= ch.incomingUnreliableSequenceNumber {
		return true
	}

	fragmentNumber := command.fragmentNumber
	fragmentCount := command.fragmentCount
	fragmentOffset := command.fragmentOffset
	totalLength := command.totalLength

	if fragmentCount > protocolMaximumFragmentCount ||
		fragmentNumber >= fragmentCount ||
		int(totalLength) > h.maximumPacketSize ||
		fragmentOffset >= totalLength ||
		fragmentLength > totalLength-fragmentOffset {
		return false
	}

	var startCommand *incomingCommand

	for current := ch.incomingUnreliableCommands.end().prev; current != ch.incomingUnreliableCommands.end(); current = current.prev {
		incoming := current.value

		if reliableSequenceNumber >= ch.incomingReliableSequenceNumber {
			if incoming.reliableSequenceNumber < ch.incomingReliableSequenceNumber {
				continue
			}
		} else if incoming.reliableSequenceNumber >= ch.incomingReliableSequenceNumber {
			break
		}

		if incoming.reliableSequenceNumber < reliableSequenceNumber {
			break
		}

		if incoming.reliableSequenceNumber > reliableSequenceNumber {
			continue
		}

		if incoming.unreliableSequenceNumber <= startSequenceNumber {
			if incoming.unreliableSequenceNumber < startSequenceNumber {
				break
			}

			if incoming.command.command&commandMask != commandSendUnreliableFragment ||
				int(totalLength) != len(incoming.packet.Data) ||
				fragmentCount != incoming.fragmentCount {
				return false
			}

			startCommand = incoming
			break
		}
	}

	if startCommand == nil {
		var ok bool
		startCommand, ok = peer.queueIncomingCommand(command, nil, int(totalLength), PacketFlagUnreliableFragment, fragmentCount)
		if !ok || startCommand == nil {
			return false
		}
	}

	if startCommand.fragments[fragmentNumber/32]&(1<<(fragmentNumber%32)) == 0 {
		startCommand.fragmentsRemaining--

		startCommand.fragments[fragmentNumber/32] |= 1 << (fragmentNumber % 32)

		if int(fragmentOffset+fragmentLength) > len(startCommand.packet.Data) {
			fragmentLength = uint32(len(startCommand.packet.Data)) - fragmentOffset
		}

		copy(startCommand.packet.Data[fragmentOffset:], data[:fragmentLength])

		if startCommand.fragmentsRemaining <= 0 {
			peer.dispatchIncomingUnreliableCommands(ch)
		}
	}

	return true
}

func (h *Host) handlePing(peer *Peer) bool {
	return peer.state == PeerStateConnected || peer.state == PeerStateDisconnectLater
}

func (h *Host) handleBandwidthLimit(peer *Peer, command *protocol) bool {
	if peer.state != PeerStateConnected && peer.state != PeerStateDisconnectLater {
		return false
	}

	if peer.incomingBandwidth != 0 {
		h.bandwidthLimitedPeers--
	}

	peer.incomingBandwidth = command.incomingBandwidth
	peer.outgoingBandwidth = command.outgoingBandwidth

	if peer.incomingBandwidth != 0 {
		h.bandwidthLimitedPeers++
	}

	if peer.incomingBandwidth == 0 && h.outgoingBandwidth == 0 {
		peer.windowSize = protocolMaximumWindowSize
	} else if peer.incomingBandwidth == 0 || h.outgoingBandwidth == 0 {
		peer.windowSize = (max32(peer.incomingBandwidth, h.outgoingBandwidth) / peerWindowSizeScale) * protocolMinimumWindowSize
	} else {
		peer.windowSize = (min32(peer.incomingBandwidth, h.outgoingBandwidth) / peerWindowSizeScale) * protocolMinimumWindowSize
	}
	if peer.windowSize < protocolMinimumWindowSize {
		peer.windowSize = protocolMinimumWindowSize
	} else if peer.windowSize > protocolMaximumWindowSize {
		peer.windowSize = protocolMaximumWindowSize
	}

	return true
}

func (h *Host) handleThrottleConfigure(peer *Peer, command *protocol) bool {
	if peer.state != PeerStateConnected && peer.state != PeerStateDisconnectLater {
		return false
	}

	peer.packetThrottleInterval = command.packetThrottleInterval
	peer.packetThrottleAcceleration = command.packetThrottleAcceleration
	peer.packetThrottleDeceleration = command.packetThrottleDeceleration

	return true
}

func (h *Host) handleDisconnect(peer *Peer, command *protocol) bool {
	if peer.state == PeerStateDisconnected || peer.state == PeerStateZombie ||
		peer.state == PeerStateAcknowledgingDisconnect {
		return true
	}

	peer.resetQueues()

	if peer.state == PeerStateConnectionSucceeded || peer.state == PeerStateDisconnecting || peer.state == PeerStateConnecting {
		h.dispatchState(peer, PeerStateZombie)
	} else if peer.state != PeerStateConnected && peer.state != PeerStateDisconnectLater {
		if peer.state == PeerStateConnectionPending {
			h.recalculateBandwidthLimits = true
		}
		peer.Reset()
	} else if command.command&commandFlagAcknowledge != 0 {
		h.changeState(peer, PeerStateAcknowledgingDisconnect)
	} else {
		h.dispatchState(peer, PeerStateZombie)
	}

	if peer.state != PeerStateDisconnected {
		peer.eventData = command.data
	}

	return true
}

func (h *Host) handleAcknowledge(event *Event, peer *Peer, command *protocol) bool {
	if peer.state == PeerStateDisconnected || peer.state == PeerStateZombie {
		return true
	}

	receivedSentTime := uint32(command.receivedSentTime)
	receivedSentTime |= h.serviceTime & 0xFFFF0000
	if (receivedSentTime & 0x8000) > (h.serviceTime & 0x8000) {
		receivedSentTime -= 0x10000
	}

	if timeLess(h.serviceTime, receivedSentTime) {
		return true
	}

	peer.lastReceiveTime = h.serviceTime
	peer.earliestTimeout = 0

	roundTripTime := timeDiff(h.serviceTime, receivedSentTime)

	peer.throttle(roundTripTime)

	peer.roundTripTimeVariance -= peer.roundTripTimeVariance / 4

	if roundTripTime >= peer.roundTripTime {
		peer.roundTripTime += (roundTripTime - peer.roundTripTime) / 8
		peer.roundTripTimeVariance += (roundTripTime - peer.roundTripTime) / 4
	} else {
		peer.roundTripTime -= (peer.roundTripTime - roundTripTime) / 8
		peer.roundTripTimeVariance += (peer.roundTripTime - roundTripTime) / 4
	}

	if peer.roundTripTime < peer.lowestRoundTripTime {
		peer.lowestRoundTripTime = peer.roundTripTime
	}
	if peer.roundTripTimeVariance > peer.highestRoundTripTimeVariance {
		peer.highestRoundTripTimeVariance = peer.roundTripTimeVariance
	}

	if peer.packetThrottleEpoch == 0 ||
		timeDiff(h.serviceTime, peer.packetThrottleEpoch) >= peer.packetThrottleInterval {
		peer.lastRoundTripTime = peer.lowestRoundTripTime
		peer.lastRoundTripTimeVariance = peer.highestRoundTripTimeVariance
		peer.lowestRoundTripTime = peer.roundTripTime
		peer.highestRoundTripTimeVariance = peer.roundTripTimeVariance
		peer.packetThrottleEpoch = h.serviceTime
	}

	commandNumber := h.removeSentReliableCommand(peer, command.receivedReliableSequenceNumber, command.channelID)

	switch peer.state {
	case PeerStateAcknowledgingConnect:
		if commandNumber != commandVerifyConnect {
			return false
		}
		h.notifyConnect(peer, event)

	case PeerStateDisconnecting:
		if commandNumber != commandDisconnect {
			return false
		}
		h.notifyDisconnect(peer, event)

	case PeerStateDisconnectLater:
		if peer.outgoingReliableCommands.empty() &&
			peer.outgoingUnreliableCommands.empty() &&
			peer.sentReliableCommands.empty() {
			peer.Disconnect(peer.eventData)
		}
	}

	return true
}

func (h *Host) handleVerifyConnect(event *Event, peer *Peer, command *protocol) bool {
	if peer.state != PeerStateConnecting {
		return true
	}

	channelCount := int(command.channelCount)

	if channelCount < protocolMinimumChannelCount || channelCount > protocolMaximumChannelCount ||
		command.packetThrottleInterval != peer.packetThrottleInterval ||
		command.packetThrottleAcceleration != peer.packetThrottleAcceleration ||
		command.packetThrottleDeceleration != peer.packetThrottleDeceleration ||
		command.connectID != peer.connectID {
		peer.eventData = 0

		h.dispatchState(peer, PeerStateZombie)

		return false
	}

	h.removeSentReliableCommand(peer, 1, 0xFF)

	if channelCount < peer.channelCount {
		peer.channelCount = channelCount
	}

	peer.outgoingPeerID = command.outgoingPeerID
	peer.incomingSessionID = command.incomingSessionID
	peer.outgoingSessionID = command.outgoingSessionID

	mtu := command.mtu
	if mtu < protocolMinimumMTU {
		mtu = protocolMinimumMTU
	} else if mtu > protocolMaximumMTU {
		mtu = protocolMaximumMTU
	}
	if mtu < peer.mtu {
		peer.mtu = mtu
	}

	windowSize := command.windowSize
	if windowSize < protocolMinimumWindowSize {
		windowSize = protocolMinimumWindowSize
	}
	if windowSize > protocolMaximumWindowSize {
		windowSize = protocolMaximumWindowSize
	}
	if windowSize < peer.windowSize {
		peer.windowSize = windowSize
	}

	peer.incomingBandwidth = command.incomingBandwidth
	peer.outgoingBandwidth = command.outgoingBandwidth

	h.notifyConnect(peer, event)
	return true
}

func (h *Host) handleIncomingCommands(event *Event) int {
	if h.receivedDataLength < 2 {
		return 0
	}

	peerID := uint16(h.receivedData[0])<<8 | uint16(h.receivedData[1])
	sessionID := uint8((peerID & headerSessionMask) >> headerSessionShift)
	flags := peerID & headerFlagMask
	peerID &^= headerFlagMask | headerSessionMask

	headerSize := 2
	if flags&headerFlagSentTime != 0 {
		headerSize = protocolHeaderSize
	}
	if h.checksum != nil {
		headerSize += checksumSize
	}

	var peer *Peer
	if peerID == protocolMaximumPeerID {
		peer = nil
	} else if int(peerID) >= h.peerCount {
		return 0
	} else {
		peer = &h.peers[peerID]

		if peer.state == PeerStateDisconnected ||
			peer.state == PeerStateZombie ||
			((h.receivedAddress.Host != peer.address.Host ||
				h.receivedAddress.Port != peer.address.Port) &&
				peer.address.Host != HostBroadcast) ||
			(peer.outgoingPeerID < protocolMaximumPeerID &&
				sessionID != peer.incomingSessionID) {
			return 0
		}
	}

	if flags&headerFlagCompressed != 0 {
		if h.compressor == nil {
			return 0
		}

		if headerSize > h.receivedDataLength {
			return 0
		}

		originalSize := h.compressor.Decompress(
			h.receivedData[headerSize:h.receivedDataLength],
			h.packetData[1][headerSize:],
		)
		if originalSize <= 0 || originalSize > len(h.packetData[1])-headerSize {
			return 0
		}

		copy(h.packetData[1][:headerSize], h.receivedData[:headerSize])
		h.receivedData = h.packetData[1][:]
		h.receivedDataLength = headerSize + originalSize
	}

	if h.checksum != nil {
		if headerSize > h.receivedDataLength {
			return 0
		}

		slot := h.receivedData[headerSize-checksumSize : headerSize]
		desiredChecksum := beUint32(slot)

		var connectID uint32
		if peer != nil {
			connectID = peer.connectID
		}
		putBeUint32(slot, connectID)

		if h.checksum([][]byte{h.receivedData[:h.receivedDataLength]}) != desiredChecksum {
			log.Warn().Stringer("address", h.receivedAddress).Msg("checksum mismatch")
			return 0
		}
	}

	if peer != nil {
		peer.address = h.receivedAddress
		peer.incomingDataTotal += uint32(h.receivedDataLength)
	}

	currentData := headerSize

commandLoop:
	for currentData < h.receivedDataLength {
		var command protocol

		commandSize := command.unmarshal(h.receivedData[currentData:h.receivedDataLength])
		if commandSize == 0 {
			break
		}

		commandNumber := command.command & commandMask

		currentData += commandSize

		if peer == nil && commandNumber != commandConnect {
			break
		}

		var commandOK bool
		var payload []byte

		switch commandNumber {
		case commandSendReliable, commandSendUnreliable, commandSendUnsequenced,
			commandSendFragment, commandSendUnreliableFragment:
			payloadLength := int(command.dataLength)
			if payloadLength > h.maximumPacketSize || currentData+payloadLength > h.receivedDataLength {
				break commandLoop
			}
			payload = h.receivedData[currentData : currentData+payloadLength]
			currentData += payloadLength
		}

		switch commandNumber {
		case commandAcknowledge:
			commandOK = h.handleAcknowledge(event, peer, &command)

		case commandConnect:
			if peer != nil {
				break commandLoop
			}
			peer = h.handleConnect(&command)
			commandOK = peer != nil

		case commandVerifyConnect:
			commandOK = h.handleVerifyConnect(event, peer, &command)

		case commandDisconnect:
			commandOK = h.handleDisconnect(peer, &command)

		case commandPing:
			commandOK = h.handlePing(peer)

		case commandSendReliable:
			commandOK = h.handleSendReliable(peer, &command, payload)

		case commandSendUnreliable:
			commandOK = h.handleSendUnreliable(peer, &command, payload)

		case commandSendUnsequenced:
			commandOK = h.handleSendUnsequenced(peer, &command, payload)

		case commandSendFragment:
			commandOK = h.handleSendFragment(peer, &command, payload)

		case commandBandwidthLimit:
			commandOK = h.handleBandwidthLimit(peer, &command)

		case commandThrottleConfigure:
			commandOK = h.handleThrottleConfigure(peer, &command)

		case commandSendUnreliableFragment:
			commandOK = h.handleSendUnreliableFragment(peer, &command, payload)

		default:
			commandOK = false
		}

		if !commandOK {
			log.Debug().Uint8("command", commandNumber).Msg("dropping malformed command")
			break
		}

		if peer != nil && command.command&commandFlagAcknowledge != 0 {
			if flags&headerFlagSentTime == 0 {
				break
			}

			sentTime := uint16(h.receivedData[2])<<8 | uint16(h.receivedData[3])

			switch peer.state {
			case PeerStateDisconnecting, PeerStateAcknowledgingConnect,
				PeerStateDisconnected, PeerStateZombie:

			case PeerStateAcknowledgingDisconnect:
				if command.command&commandMask == commandDisconnect {
					peer.queueAcknowledgement(&command, sentTime)
				}

			default:
				peer.queueAcknowledgement(&command, sentTime)
			}
		}
	}

	if event != nil && event.Type != EventNone {
		return 1
	}

	return 0
}

func (h *Host) receiveIncomingCommands(event *Event) int {
	for packets := 0; packets < 256; packets++ {
		receivedLength, receivedAddress := h.socket.receive(h.packetData[0][:])

		if receivedLength < 0 {
			return -1
		}
		if receivedLength == 0 {
			return 0
		}

		h.receivedAddress = receivedAddress
		h.receivedData = h.packetData[0][:]
		h.receivedDataLength = receivedLength

		h.totalReceivedData += uint32(receivedLength)
		h.totalReceivedPackets++

		if h.intercept != nil {
			switch h.intercept(h, event) {
			case 1:
				if event != nil && event.Type != EventNone {
					return 1
				}
				continue

			case -1:
				return -1
			}
		}

		switch h.handleIncomingCommands(event) {
		case 1:
			return 1
		case -1:
			return -1
		}
	}

	return 0
}

// appendCommand marshals a command into the per-datagram scratch area and
// adds it to the gather list.
func (h *Host) appendCommand(command *protocol) {
	size := command.marshal(h.commandBytes[h.commandOffset:])
	h.buffers = append(h.buffers, h.commandBytes[h.commandOffset:h.commandOffset+size])
	h.commandOffset += size
	h.commandCount++
	h.packetSize += size
}

func (h *Host) sendAcknowledgements(peer *Peer) {
	for !peer.acknowledgements.empty() {
		if h.commandCount >= protocolMaximumPacketCommands ||
			len(h.buffers) >= bufferMaximum ||
			int(peer.mtu)-h.packetSize < commandSizes[commandAcknowledge] {
			h.continueSending = true
			break
		}

		ack := listRemove(peer.acknowledgements.begin())

		var command protocol
		command.command = commandAcknowledge
		command.channelID = ack.command.channelID
		command.reliableSequenceNumber = ack.command.reliableSequenceNumber
		command.receivedReliableSequenceNumber = ack.command.reliableSequenceNumber
		command.receivedSentTime = uint16(ack.sentTime)

		h.appendCommand(&command)

		if ack.command.command&commandMask == commandDisconnect {
			h.dispatchState(peer, PeerStateZombie)
		}
	}
}

func (h *Host) sendUnreliableOutgoingCommands(peer *Peer) {
	currentCommand := peer.outgoingUnreliableCommands.begin()

	for currentCommand != peer.outgoingUnreliableCommands.end() {
		outgoing := currentCommand.value
		commandSize := commandSizes[outgoing.command.command&commandMask]

		if h.commandCount >= protocolMaximumPacketCommands ||
			len(h.buffers)+1 >= bufferMaximum ||
			int(peer.mtu)-h.packetSize < commandSize ||
			(outgoing.packet != nil &&
				int(peer.mtu)-h.packetSize < commandSize+int(outgoing.fragmentLength)) {
			h.continueSending = true
			break
		}

		currentCommand = currentCommand.next

		if outgoing.packet != nil && outgoing.fragmentOffset == 0 {
			peer.packetThrottleCounter += peerPacketThrottleCounter
			peer.packetThrottleCounter %= peerPacketThrottleScale

			if peer.packetThrottleCounter > peer.packetThrottle {
				reliableSequenceNumber := outgoing.reliableSequenceNumber
				unreliableSequenceNumber := outgoing.unreliableSequenceNumber
				for {
					outgoing.packet.release(false)

					listRemove(&outgoing.node)

					if currentCommand == peer.outgoingUnreliableCommands.end() {
						break
					}

					outgoing = currentCommand.value
					if outgoing.reliableSequenceNumber != reliableSequenceNumber ||
						outgoing.unreliableSequenceNumber != unreliableSequenceNumber {
						break
					}

					currentCommand = currentCommand.next
				}

				continue
			}
		}

		listRemove(&outgoing.node)

		h.appendCommand(&outgoing.command)

		if outgoing.packet != nil {
			h.buffers = append(h.buffers, outgoing.packet.Data[outgoing.fragmentOffset:outgoing.fragmentOffset+uint32(outgoing.fragmentLength)])
			h.packetSize += int(outgoing.fragmentLength)

			listInsert(peer.sentUnreliableCommands.end(), &outgoing.node)
		}
	}

	if peer.state == PeerStateDisconnectLater &&
		peer.outgoingReliableCommands.empty() &&
		peer.outgoingUnreliableCommands.empty() &&
		peer.sentReliableCommands.empty() {
		peer.Disconnect(peer.eventData)
	}
}

func (h *Host) checkTimeouts(peer *Peer, event *Event) int {
	currentCommand := peer.sentReliableCommands.begin()
	insertPosition := peer.outgoingReliableCommands.begin()

	for currentCommand != peer.sentReliableCommands.end() {
		outgoing := currentCommand.value

		currentCommand = currentCommand.next

		if timeDiff(h.serviceTime, outgoing.sentTime) < outgoing.roundTripTimeout {
			continue
		}

		if peer.earliestTimeout == 0 || timeLess(outgoing.sentTime, peer.earliestTimeout) {
			peer.earliestTimeout = outgoing.sentTime
		}

		if peer.earliestTimeout != 0 &&
			(timeDiff(h.serviceTime, peer.earliestTimeout) >= peer.timeoutMaximum ||
				(outgoing.roundTripTimeout >= outgoing.roundTripTimeoutLimit &&
					timeDiff(h.serviceTime, peer.earliestTimeout) >= peer.timeoutMinimum)) {
			log.Info().Int("peer", peer.ID()).Msg("peer timed out")
			h.notifyDisconnect(peer, event)
			return 1
		}

		if outgoing.packet != nil {
			peer.reliableDataInTransit -= uint32(outgoing.fragmentLength)
		}

		peer.packetsLost++

		outgoing.roundTripTimeout *= 2

		listRemove(&outgoing.node)
		listInsert(insertPosition, &outgoing.node)

		if currentCommand == peer.sentReliableCommands.begin() &&
			!peer.sentReliableCommands.empty() {
			front := currentCommand.value
			peer.nextTimeout = front.sentTime + front.roundTripTimeout
		}
	}

	return 0
}

func (h *Host) sendReliableOutgoingCommands(peer *Peer) bool {
	windowExceeded := false
	windowWrap := false
	canPing := true

	currentCommand := peer.outgoingReliableCommands.begin()

	for currentCommand != peer.outgoingReliableCommands.end() {
		outgoing := currentCommand.value

		var ch *channel
		if int(outgoing.command.channelID) < peer.channelCount {
			ch = &peer.channels[outgoing.command.channelID]
		}
		reliableWindow := outgoing.reliableSequenceNumber / peerReliableWindowSize

		if ch != nil {
			if !windowWrap &&
				outgoing.sendAttempts < 1 &&
				outgoing.reliableSequenceNumber%peerReliableWindowSize == 0 &&
				(ch.reliableWindows[(reliableWindow+peerReliableWindows-1)%peerReliableWindows] >= peerReliableWindowSize ||
					ch.usedReliableWindows&windowWrapMask(reliableWindow) != 0) {
				windowWrap = true
			}
			if windowWrap {
				currentCommand = currentCommand.next
				continue
			}
		}

		if outgoing.packet != nil {
			if !windowExceeded {
				windowSize := (peer.packetThrottle * peer.windowSize) / peerPacketThrottleScale

				if peer.reliableDataInTransit+uint32(outgoing.fragmentLength) > max32(windowSize, peer.mtu) {
					windowExceeded = true
				}
			}
			if windowExceeded {
				currentCommand = currentCommand.next
				continue
			}
		}

		canPing = false

		commandSize := commandSizes[outgoing.command.command&commandMask]
		if h.commandCount >= protocolMaximumPacketCommands ||
			len(h.buffers)+1 >= bufferMaximum ||
			int(peer.mtu)-h.packetSize < commandSize ||
			(outgoing.packet != nil &&
				uint16(int(peer.mtu)-h.packetSize) < uint16(commandSize+int(outgoing.fragmentLength))) {
			h.continueSending = true
			break
		}

		currentCommand = currentCommand.next

		if ch != nil && outgoing.sendAttempts < 1 {
			ch.usedReliableWindows |= 1 << reliableWindow
			ch.reliableWindows[reliableWindow]++
		}

		outgoing.sendAttempts++

		if outgoing.roundTripTimeout == 0 {
			outgoing.roundTripTimeout = peer.roundTripTime + 4*peer.roundTripTimeVariance
			outgoing.roundTripTimeoutLimit = peer.timeoutLimit * outgoing.roundTripTimeout
		}

		if peer.sentReliableCommands.empty() {
			peer.nextTimeout = h.serviceTime + outgoing.roundTripTimeout
		}

		listRemove(&outgoing.node)
		listInsert(peer.sentReliableCommands.end(), &outgoing.node)

		outgoing.sentTime = h.serviceTime

		h.headerFlags |= headerFlagSentTime

		h.appendCommand(&outgoing.command)

		if outgoing.packet != nil {
			h.buffers = append(h.buffers, outgoing.packet.Data[outgoing.fragmentOffset:outgoing.fragmentOffset+uint32(outgoing.fragmentLength)])
			h.packetSize += int(outgoing.fragmentLength)

			peer.reliableDataInTransit += uint32(outgoing.fragmentLength)
		}

		peer.packetsSent++
	}

	return canPing
}

// windowWrapMask covers the next 8 reliable windows starting at
// reliableWindow, wrapping within the 16-window ring.
func windowWrapMask(reliableWindow uint16) uint16 {
	free := uint32(1<<peerFreeReliableWindows - 1)
	return uint16(free<<reliableWindow | free>>(peerReliableWindows-reliableWindow))
}

func (h *Host) sendOutgoingCommands(event *Event, checkForTimeouts bool) int {
	h.continueSending = true

	for h.continueSending {
		h.continueSending = false

		for i := range h.peers {
			currentPeer := &h.peers[i]

			if currentPeer.state == PeerStateDisconnected || currentPeer.state == PeerStateZombie {
				continue
			}

			h.headerFlags = 0
			h.commandCount = 0
			h.commandOffset = 0
			h.buffers = h.buffers[:0]
			h.buffers = append(h.buffers, nil) // header placeholder
			h.packetSize = protocolHeaderSize

			if !currentPeer.acknowledgements.empty() {
				h.sendAcknowledgements(currentPeer)
			}

			if checkForTimeouts &&
				!currentPeer.sentReliableCommands.empty() &&
				timeGreaterEqual(h.serviceTime, currentPeer.nextTimeout) &&
				h.checkTimeouts(currentPeer, event) == 1 {
				if event != nil && event.Type != EventNone {
					return 1
				}
				continue
			}

			if (currentPeer.outgoingReliableCommands.empty() ||
				h.sendReliableOutgoingCommands(currentPeer)) &&
				currentPeer.sentReliableCommands.empty() &&
				timeDiff(h.serviceTime, currentPeer.lastReceiveTime) >= currentPeer.pingInterval &&
				int(currentPeer.mtu)-h.packetSize >= commandSizes[commandPing] {
				currentPeer.Ping()
				h.sendReliableOutgoingCommands(currentPeer)
			}

			if !currentPeer.outgoingUnreliableCommands.empty() {
				h.sendUnreliableOutgoingCommands(currentPeer)
			}

			if h.commandCount == 0 {
				continue
			}

			if currentPeer.packetLossEpoch == 0 {
				currentPeer.packetLossEpoch = h.serviceTime
			} else if timeDiff(h.serviceTime, currentPeer.packetLossEpoch) >= peerPacketLossInterval &&
				currentPeer.packetsSent > 0 {
				packetLoss := currentPeer.packetsLost * peerPacketLossScale / currentPeer.packetsSent

				currentPeer.packetLossVariance -= currentPeer.packetLossVariance / 4

				if packetLoss >= currentPeer.packetLoss {
					currentPeer.packetLoss += (packetLoss - currentPeer.packetLoss) / 8
					currentPeer.packetLossVariance += (packetLoss - currentPeer.packetLoss) / 4
				} else {
					currentPeer.packetLoss -= (currentPeer.packetLoss - packetLoss) / 8
					currentPeer.packetLossVariance += (currentPeer.packetLoss - packetLoss) / 4
				}

				currentPeer.packetLossEpoch = h.serviceTime
				currentPeer.packetsSent = 0
				currentPeer.packetsLost = 0
			}

			headerLength := 2
			if h.headerFlags&headerFlagSentTime != 0 {
				putBeUint16(h.headerData[2:], uint16(h.serviceTime&0xFFFF))
				headerLength = protocolHeaderSize
			}

			shouldCompress := 0
			if h.compressor != nil {
				originalSize := h.packetSize - protocolHeaderSize
				compressedSize := h.compressor.Compress(h.buffers[1:], originalSize, h.packetData[1][:originalSize])
				if compressedSize > 0 && compressedSize < originalSize {
					h.headerFlags |= headerFlagCompressed
					shouldCompress = compressedSize
				}
			}

			if currentPeer.outgoingPeerID < protocolMaximumPeerID {
				h.headerFlags |= uint16(currentPeer.outgoingSessionID) << headerSessionShift
			}
			putBeUint16(h.headerData[:], currentPeer.outgoingPeerID|h.headerFlags)

			if h.checksum != nil {
				slot := h.headerData[headerLength : headerLength+checksumSize]
				var connectID uint32
				if currentPeer.outgoingPeerID < protocolMaximumPeerID {
					connectID = currentPeer.connectID
				}
				putBeUint32(slot, connectID)
				headerLength += checksumSize

				h.buffers[0] = h.headerData[:headerLength]
				putBeUint32(slot, h.checksum(h.buffers))
			} else {
				h.buffers[0] = h.headerData[:headerLength]
			}

			if shouldCompress > 0 {
				h.buffers = h.buffers[:2]
				h.buffers[1] = h.packetData[1][:shouldCompress]
			}

			currentPeer.lastSendTime = h.serviceTime

			sentLength := h.socket.send(currentPeer.address, h.buffers)

			h.removeSentUnreliableCommands(currentPeer)

			if sentLength < 0 {
				return -1
			}

			h.totalSentData += uint32(sentLength)
			h.totalSentPackets++
		}
	}

	return 0
}

// Flush sends any queued outgoing commands without receiving or dispatching.
func (h *Host) Flush() {
	h.serviceTime = h.clock.Now()

	h.sendOutgoingCommands(nil, false)
}

// CheckEvents dispatches one queued event, if any, without doing any network
// work. Returns 1 when an event was filled in, -1 when event is nil, and 0
// otherwise.
func (h *Host) CheckEvents(event *Event) int {
	if event == nil {
		return -1
	}

	event.Type = EventNone
	event.Peer = nil
	event.Packet = nil

	return h.dispatchIncomingCommands(event)
}

// Service shuttles packets between the host and its peers, waiting up to
// timeout milliseconds for an event. Returns 1 when event was filled in, 0
// on timeout, and -1 on a fatal socket error.
func (h *Host) Service(event *Event, timeout uint32) int {
	if event != nil {
		event.Type = EventNone
		event.Peer = nil
		event.Packet = nil

		switch h.dispatchIncomingCommands(event) {
		case 1:
			return 1
		case -1:
			return -1
		}
	}

	h.serviceTime = h.clock.Now()

	timeout += h.serviceTime

	for {
		if timeDiff(h.serviceTime, h.bandwidthThrottleEpoch) >= hostBandwidthThrottleInterval {
			h.bandwidthThrottle()
		}

		switch h.sendOutgoingCommands(event, true) {
		case 1:
			return 1
		case -1:
			return -1
		}

		switch h.receiveIncomingCommands(event) {
		case 1:
			return 1
		case -1:
			return -1
		}

		switch h.sendOutgoingCommands(event, true) {
		case 1:
			return 1
		case -1:
			return -1
		}

		if event != nil {
			switch h.dispatchIncomingCommands(event) {
			case 1:
				return 1
			case -1:
				return -1
			}
		}

		if timeGreaterEqual(h.serviceTime, timeout) {
			return 0
		}

		var waitCondition uint32
		for {
			h.serviceTime = h.clock.Now()

			if timeGreaterEqual(h.serviceTime, timeout) {
				return 0
			}

			waitCondition = socketWaitReceive | socketWaitInterrupt

			if err := h.socket.wait(&waitCondition, timeDiff(timeout, h.serviceTime)); err != nil {
				return -1
			}

			if waitCondition&socketWaitInterrupt == 0 {
				break
			}
		}

		h.serviceTime = h.clock.Now()

		if waitCondition&socketWaitReceive == 0 {
			return 0
		}
	}
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func putBeUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func putBeUint16(b []byte, v uint16) {
	b[0] = byte(v >> 8)
	b[1] = byte(v)
}
