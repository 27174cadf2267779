package gdnet

// channel is one ordered substream between two peers. Reliable and
// unreliable sequence numbers are independent 16-bit counters; the reliable
// space is carved into 16 windows of 0x1000 whose occupancy gates new sends.
type channel struct {
	outgoingReliableSequenceNumber   uint16
	outgoingUnreliableSequenceNumber uint16

	usedReliableWindows uint16
	reliableWindows     [peerReliableWindows]uint16

	incomingReliableSequenceNumber   uint16
	incomingUnreliableSequenceNumber uint16

	incomingReliableCommands   list[*incomingCommand]
	incomingUnreliableCommands list[*incomingCommand]
}

func (ch *channel) reset() {
	ch.outgoingReliableSequenceNumber = 0
	ch.outgoingUnreliableSequenceNumber = 0
	ch.incomingReliableSequenceNumber = 0
	ch.incomingUnreliableSequenceNumber = 0

	ch.incomingReliableCommands.init()
	ch.incomingUnreliableCommands.init()

	ch.usedReliableWindows = 0
	for i := range ch.reliableWindows {
		ch.reliableWindows[i] = 0
	}
}
