package gdnet

import "testing"

// testPeer returns a host-backed peer wired up as if a connection completed,
// without touching the network.
func testPeer(t *testing.T) (*Host, *Peer) {
	t.Helper()

	host, err := NewHost(nil, 4, 2, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(host.Destroy)

	peer := host.Peer(0)
	peer.channels = make([]channel, 1)
	peer.channelCount = 1
	peer.channels[0].reset()
	peer.state = PeerStateConnected

	return host, peer
}

func TestThrottleAdjustment(t *testing.T) {
	_, peer := testPeer(t)

	peer.lastRoundTripTime = 100
	peer.lastRoundTripTimeVariance = 10
	peer.packetThrottle = 16
	peer.packetThrottleLimit = peerPacketThrottleScale

	// Better-than-mean RTT accelerates.
	if got := peer.throttle(50); got != 1 {
		t.Fatalf("throttle(50) = %d, want 1", got)
	}
	if peer.packetThrottle != 16+peerPacketThrottleAccel {
		t.Fatalf("packetThrottle = %d", peer.packetThrottle)
	}

	// Much-worse-than-mean RTT decelerates.
	if got := peer.throttle(200); got != -1 {
		t.Fatalf("throttle(200) = %d, want -1", got)
	}
	if peer.packetThrottle != 16 {
		t.Fatalf("packetThrottle = %d", peer.packetThrottle)
	}

	// In between leaves it alone.
	if got := peer.throttle(110); got != 0 {
		t.Fatalf("throttle(110) = %d, want 0", got)
	}

	// An unstable link (variance dominating) pins it to the limit.
	peer.lastRoundTripTimeVariance = 200
	peer.throttle(100)
	if peer.packetThrottle != peer.packetThrottleLimit {
		t.Fatalf("packetThrottle = %d, want limit", peer.packetThrottle)
	}
}

func TestThrottleFloorsAtZero(t *testing.T) {
	_, peer := testPeer(t)

	peer.lastRoundTripTime = 100
	peer.lastRoundTripTimeVariance = 10
	peer.packetThrottle = 1
	peer.packetThrottleDeceleration = 5

	peer.throttle(1000)
	if peer.packetThrottle != 0 {
		t.Fatalf("packetThrottle = %d, want 0", peer.packetThrottle)
	}
}

func TestWindowWrapMask(t *testing.T) {
	// From window 0 the mask must cover windows 0..7.
	mask := windowWrapMask(0)
	for w := uint16(0); w < peerReliableWindows; w++ {
		want := w < peerFreeReliableWindows
		if got := mask&(1<<w) != 0; got != want {
			t.Errorf("window 0 mask bit %d = %v, want %v", w, got, want)
		}
	}

	// From window 12 it must wrap around to 12..15 and 0..3.
	mask = windowWrapMask(12)
	for w := uint16(0); w < peerReliableWindows; w++ {
		want := w >= 12 || w < 4
		if got := mask&(1<<w) != 0; got != want {
			t.Errorf("window 12 mask bit %d = %v, want %v", w, got, want)
		}
	}
}

func queueReliable(t *testing.T, peer *Peer, sequenceNumber uint16, payload string) {
	t.Helper()

	command := protocol{
		command:                commandSendReliable | commandFlagAcknowledge,
		channelID:              0,
		reliableSequenceNumber: sequenceNumber,
		dataLength:             uint16(len(payload)),
	}

	if _, ok := peer.queueIncomingCommand(&command, []byte(payload), len(payload), PacketFlagReliable, 0); !ok {
		t.Fatalf("queueing sequence %d failed", sequenceNumber)
	}
}

func TestReliableSequenceWrap(t *testing.T) {
	_, peer := testPeer(t)
	ch := &peer.channels[0]

	// Position the channel just before the 16-bit wrap.
	ch.incomingReliableSequenceNumber = 0xFFFE

	queueReliable(t, peer, 0xFFFF, "before")
	queueReliable(t, peer, 0x0000, "after")

	if ch.incomingReliableSequenceNumber != 0 {
		t.Fatalf("sequence number after wrap = %#x, want 0", ch.incomingReliableSequenceNumber)
	}

	first, _ := peer.Receive()
	second, _ := peer.Receive()
	if first == nil || second == nil {
		t.Fatal("expected two dispatched packets")
	}
	if string(first.Data) != "before" || string(second.Data) != "after" {
		t.Fatalf("dispatch order = %q, %q", first.Data, second.Data)
	}
}

func TestReliableOutOfOrderDispatch(t *testing.T) {
	_, peer := testPeer(t)

	// Sequence 2 arrives first and must wait for 1.
	queueReliable(t, peer, 2, "second")
	if !peer.dispatchedCommands.empty() {
		t.Fatal("out-of-order command dispatched early")
	}

	queueReliable(t, peer, 1, "first")

	first, _ := peer.Receive()
	second, _ := peer.Receive()
	if first == nil || second == nil {
		t.Fatal("expected both packets after the gap filled")
	}
	if string(first.Data) != "first" || string(second.Data) != "second" {
		t.Fatalf("dispatch order = %q, %q", first.Data, second.Data)
	}
}

func TestReliableDuplicateDiscarded(t *testing.T) {
	_, peer := testPeer(t)

	queueReliable(t, peer, 1, "payload")
	queueReliable(t, peer, 1, "payload")

	if got := peer.dispatchedCommands.size(); got != 1 {
		t.Fatalf("dispatched %d commands, want 1", got)
	}
}

func TestUnsequencedDuplicateDrop(t *testing.T) {
	host, peer := testPeer(t)

	command := protocol{
		command:          commandSendUnsequenced | commandFlagUnsequenced,
		channelID:        0,
		unsequencedGroup: 1,
		dataLength:       4,
	}

	if !host.handleSendUnsequenced(peer, &command, []byte("data")) {
		t.Fatal("first delivery rejected")
	}
	if !host.handleSendUnsequenced(peer, &command, []byte("data")) {
		t.Fatal("duplicate should be silently dropped, not rejected")
	}

	if got := peer.dispatchedCommands.size(); got != 1 {
		t.Fatalf("dispatched %d commands, want 1", got)
	}
}

func TestUnsequencedOutOfRangeIgnored(t *testing.T) {
	host, peer := testPeer(t)

	command := protocol{
		command:          commandSendUnsequenced | commandFlagUnsequenced,
		channelID:        0,
		unsequencedGroup: peerFreeUnsequencedWindows * peerUnsequencedWindowSize,
		dataLength:       4,
	}

	if !host.handleSendUnsequenced(peer, &command, []byte("data")) {
		t.Fatal("out-of-range group should be ignored, not rejected")
	}
	if !peer.dispatchedCommands.empty() {
		t.Fatal("out-of-range group was dispatched")
	}
}

func TestMaximumWaitingDataBackPressure(t *testing.T) {
	host, peer := testPeer(t)
	host.maximumWaitingData = 8

	queueReliable(t, peer, 1, "12345678")

	command := protocol{
		command:                commandSendReliable | commandFlagAcknowledge,
		channelID:              0,
		reliableSequenceNumber: 2,
		dataLength:             4,
	}
	if _, ok := peer.queueIncomingCommand(&command, []byte("more"), 4, PacketFlagReliable, 0); ok {
		t.Fatal("queueing past maximumWaitingData should fail")
	}

	// Draining the dispatched packet frees the budget again.
	packet, _ := peer.Receive()
	if packet == nil {
		t.Fatal("expected first packet")
	}
	queueReliable(t, peer, 2, "more")
}

func TestSendPreconditions(t *testing.T) {
	_, peer := testPeer(t)

	if err := peer.Send(5, NewPacket([]byte("x"), PacketFlagReliable)); err == nil {
		t.Fatal("send on out-of-range channel should fail")
	}

	peer.state = PeerStateDisconnected
	if err := peer.Send(0, NewPacket([]byte("x"), PacketFlagReliable)); err == nil {
		t.Fatal("send on disconnected peer should fail")
	}

	peer.state = PeerStateConnected
	peer.host.maximumPacketSize = 4
	if err := peer.Send(0, NewPacket([]byte("toolarge"), PacketFlagReliable)); err == nil {
		t.Fatal("oversize send should fail")
	}
}

func TestFragmentCountCap(t *testing.T) {
	_, peer := testPeer(t)

	// Each fragment carries mtu-28 bytes; a packet needing more than the
	// maximum fragment count must be refused. Shrink the MTU so the cap is
	// reachable without allocating hundreds of megabytes.
	peer.host.maximumPacketSize = 1 << 30
	peer.mtu = 32
	fragmentLength := 32 - protocolHeaderSize - 24

	huge := make([]byte, (protocolMaximumFragmentCount+1)*fragmentLength)
	if err := peer.Send(0, NewPacket(huge, PacketFlagNoAllocate|PacketFlagReliable)); err == nil {
		t.Fatal("send above the fragment count cap should fail")
	}
}
