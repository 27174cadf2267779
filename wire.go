package gdnet

import "encoding/binary"

// Command numbers. The low 4 bits of the command byte select one of these;
// bit 7 requests acknowledgement and bit 6 marks unsequenced delivery.
const (
	commandNone                   uint8 = 0
	commandAcknowledge            uint8 = 1
	commandConnect                uint8 = 2
	commandVerifyConnect          uint8 = 3
	commandDisconnect             uint8 = 4
	commandPing                   uint8 = 5
	commandSendReliable           uint8 = 6
	commandSendUnreliable         uint8 = 7
	commandSendFragment           uint8 = 8
	commandSendUnsequenced        uint8 = 9
	commandBandwidthLimit         uint8 = 10
	commandThrottleConfigure      uint8 = 11
	commandSendUnreliableFragment uint8 = 12
	commandCount                  uint8 = 13

	commandMask uint8 = 0x0F
)

const (
	commandFlagAcknowledge uint8 = 1 << 7
	commandFlagUnsequenced uint8 = 1 << 6
)

// Datagram header flag bits, carried in the high bits of the peer ID word.
const (
	headerFlagCompressed uint16 = 1 << 14
	headerFlagSentTime   uint16 = 1 << 15
	headerFlagMask       uint16 = headerFlagCompressed | headerFlagSentTime

	headerSessionMask  uint16 = 3 << 12
	headerSessionShift        = 12
)

// Wire sizes, including the 4-byte command header.
var commandSizes = [commandCount]int{
	0,  // none
	8,  // acknowledge
	48, // connect
	44, // verify connect
	8,  // disconnect
	4,  // ping
	6,  // send reliable
	8,  // send unreliable
	24, // send fragment
	8,  // send unsequenced
	12, // bandwidth limit
	16, // throttle configure
	24, // send unreliable fragment
}

func protocolCommandSize(commandByte uint8) int {
	number := commandByte & commandMask
	if number >= commandCount {
		return 0
	}
	return commandSizes[number]
}

// protocol is the decoded form of any command: the common header plus a
// superset of every body. Only the fields of the active command number are
// meaningful; overlapping commands (connect / verify connect / bandwidth
// limit, the two fragment kinds) share fields. All values are held in host
// order; conversion happens at marshal/unmarshal time only.
type protocol struct {
	command                uint8
	channelID              uint8
	reliableSequenceNumber uint16

	// acknowledge
	receivedReliableSequenceNumber uint16
	receivedSentTime               uint16

	// connect / verify connect / bandwidth limit / throttle configure
	outgoingPeerID             uint16
	incomingSessionID          uint8
	outgoingSessionID          uint8
	mtu                        uint32
	windowSize                 uint32
	channelCount               uint32
	incomingBandwidth          uint32
	outgoingBandwidth          uint32
	packetThrottleInterval     uint32
	packetThrottleAcceleration uint32
	packetThrottleDeceleration uint32
	connectID                  uint32

	// connect data / disconnect data
	data uint32

	// send commands
	dataLength               uint16
	unreliableSequenceNumber uint16
	unsequencedGroup         uint16
	startSequenceNumber      uint16
	fragmentCount            uint32
	fragmentNumber           uint32
	totalLength              uint32
	fragmentOffset           uint32
}

// marshal writes the command into buf, which must hold at least its wire
// size, and returns the number of bytes written.
func (c *protocol) marshal(buf []byte) int {
	buf[0] = c.command
	buf[1] = c.channelID
	binary.BigEndian.PutUint16(buf[2:], c.reliableSequenceNumber)

	switch c.command & commandMask {
	case commandAcknowledge:
		binary.BigEndian.PutUint16(buf[4:], c.receivedReliableSequenceNumber)
		binary.BigEndian.PutUint16(buf[6:], c.receivedSentTime)

	case commandConnect:
		binary.BigEndian.PutUint16(buf[4:], c.outgoingPeerID)
		buf[6] = c.incomingSessionID
		buf[7] = c.outgoingSessionID
		binary.BigEndian.PutUint32(buf[8:], c.mtu)
		binary.BigEndian.PutUint32(buf[12:], c.windowSize)
		binary.BigEndian.PutUint32(buf[16:], c.channelCount)
		binary.BigEndian.PutUint32(buf[20:], c.incomingBandwidth)
		binary.BigEndian.PutUint32(buf[24:], c.outgoingBandwidth)
		binary.BigEndian.PutUint32(buf[28:], c.packetThrottleInterval)
		binary.BigEndian.PutUint32(buf[32:], c.packetThrottleAcceleration)
		binary.BigEndian.PutUint32(buf[36:], c.packetThrottleDeceleration)
		binary.BigEndian.PutUint32(buf[40:], c.connectID)
		binary.BigEndian.PutUint32(buf[44:], c.data)

	case commandVerifyConnect:
		binary.BigEndian.PutUint16(buf[4:], c.outgoingPeerID)
		buf[6] = c.incomingSessionID
		buf[7] = c.outgoingSessionID
		binary.BigEndian.PutUint32(buf[8:], c.mtu)
		binary.BigEndian.PutUint32(buf[12:], c.windowSize)
		binary.BigEndian.PutUint32(buf[16:], c.channelCount)
		binary.BigEndian.PutUint32(buf[20:], c.incomingBandwidth)
		binary.BigEndian.PutUint32(buf[24:], c.outgoingBandwidth)
		binary.BigEndian.PutUint32(buf[28:], c.packetThrottleInterval)
		binary.BigEndian.PutUint32(buf[32:], c.packetThrottleAcceleration)
		binary.BigEndian.PutUint32(buf[36:], c.packetThrottleDeceleration)
		binary.BigEndian.PutUint32(buf[40:], c.connectID)

	case commandDisconnect:
		binary.BigEndian.PutUint32(buf[4:], c.data)

	case commandPing:

	case commandSendReliable:
		binary.BigEndian.PutUint16(buf[4:], c.dataLength)

	case commandSendUnreliable:
		binary.BigEndian.PutUint16(buf[4:], c.unreliableSequenceNumber)
		binary.BigEndian.PutUint16(buf[6:], c.dataLength)

	case commandSendUnsequenced:
		binary.BigEndian.PutUint16(buf[4:], c.unsequencedGroup)
		binary.BigEndian.PutUint16(buf[6:], c.dataLength)

	case commandSendFragment, commandSendUnreliableFragment:
		binary.BigEndian.PutUint16(buf[4:], c.startSequenceNumber)
		binary.BigEndian.PutUint16(buf[6:], c.dataLength)
		binary.BigEndian.PutUint32(buf[8:], c.fragmentCount)
		binary.BigEndian.PutUint32(buf[12:], c.fragmentNumber)
		binary.BigEndian.PutUint32(buf[16:], c.totalLength)
		binary.BigEndian.PutUint32(buf[20:], c.fragmentOffset)

	case commandBandwidthLimit:
		binary.BigEndian.PutUint32(buf[4:], c.incomingBandwidth)
		binary.BigEndian.PutUint32(buf[8:], c.outgoingBandwidth)

	case commandThrottleConfigure:
		binary.BigEndian.PutUint32(buf[4:], c.packetThrottleInterval)
		binary.BigEndian.PutUint32(buf[8:], c.packetThrottleAcceleration)
		binary.BigEndian.PutUint32(buf[12:], c.packetThrottleDeceleration)
	}

	return protocolCommandSize(c.command)
}

// unmarshal parses one command from data and returns its wire size. A size
// of 0 means the data is truncated or names an unknown command.
func (c *protocol) unmarshal(data []byte) int {
	if len(data) < 4 {
		return 0
	}

	size := protocolCommandSize(data[0])
	if size == 0 || len(data) < size {
		return 0
	}

	c.command = data[0]
	c.channelID = data[1]
	c.reliableSequenceNumber = binary.BigEndian.Uint16(data[2:])

	switch c.command & commandMask {
	case commandAcknowledge:
		c.receivedReliableSequenceNumber = binary.BigEndian.Uint16(data[4:])
		c.receivedSentTime = binary.BigEndian.Uint16(data[6:])

	case commandConnect:
		c.outgoingPeerID = binary.BigEndian.Uint16(data[4:])
		c.incomingSessionID = data[6]
		c.outgoingSessionID = data[7]
		c.mtu = binary.BigEndian.Uint32(data[8:])
		c.windowSize = binary.BigEndian.Uint32(data[12:])
		c.channelCount = binary.BigEndian.Uint32(data[16:])
		c.incomingBandwidth = binary.BigEndian.Uint32(data[20:])
		c.outgoingBandwidth = binary.BigEndian.Uint32(data[24:])
		c.packetThrottleInterval = binary.BigEndian.Uint32(data[28:])
		c.packetThrottleAcceleration = binary.BigEndian.Uint32(data[32:])
		c.packetThrottleDeceleration = binary.BigEndian.Uint32(data[36:])
		c.connectID = binary.BigEndian.Uint32(data[40:])
		c.data = binary.BigEndian.Uint32(data[44:])

	case commandVerifyConnect:
		c.outgoingPeerID = binary.BigEndian.Uint16(data[4:])
		c.incomingSessionID = data[6]
		c.outgoingSessionID = data[7]
		c.mtu = binary.BigEndian.Uint32(data[8:])
		c.windowSize = binary.BigEndian.Uint32(data[12:])
		c.channelCount = binary.BigEndian.Uint32(data[16:])
		c.incomingBandwidth = binary.BigEndian.Uint32(data[20:])
		c.outgoingBandwidth = binary.BigEndian.Uint32(data[24:])
		c.packetThrottleInterval = binary.BigEndian.Uint32(data[28:])
		c.packetThrottleAcceleration = binary.BigEndian.Uint32(data[32:])
		c.packetThrottleDeceleration = binary.BigEndian.Uint32(data[36:])
		c.connectID = binary.BigEndian.Uint32(data[40:])

	case commandDisconnect:
		c.data = binary.BigEndian.Uint32(data[4:])

	case commandPing:

	case commandSendReliable:
		c.dataLength = binary.BigEndian.Uint16(data[4:])

	case commandSendUnreliable:
		c.unreliableSequenceNumber = binary.BigEndian.Uint16(data[4:])
		c.dataLength = binary.BigEndian.Uint16(data[6:])

	case commandSendUnsequenced:
		c.unsequencedGroup = binary.BigEndian.Uint16(data[4:])
		c.dataLength = binary.BigEndian.Uint16(data[6:])

	case commandSendFragment, commandSendUnreliableFragment:
		c.startSequenceNumber = binary.BigEndian.Uint16(data[4:])
		c.dataLength = binary.BigEndian.Uint16(data[6:])
		c.fragmentCount = binary.BigEndian.Uint32(data[8:])
		c.fragmentNumber = binary.BigEndian.Uint32(data[12:])
		c.totalLength = binary.BigEndian.Uint32(data[16:])
		c.fragmentOffset = binary.BigEndian.Uint32(data[20:])

	case commandBandwidthLimit:
		c.incomingBandwidth = binary.BigEndian.Uint32(data[4:])
		c.outgoingBandwidth = binary.BigEndian.Uint32(data[8:])

	case commandThrottleConfigure:
		c.packetThrottleInterval = binary.BigEndian.Uint32(data[4:])
		c.packetThrottleAcceleration = binary.BigEndian.Uint32(data[8:])
		c.packetThrottleDeceleration = binary.BigEndian.Uint32(data[12:])
	}

	return size
}
