package gdnet

import (
	"bytes"
	"testing"
)

func roundTripCommand(t *testing.T, in protocol) protocol {
	t.Helper()

	var buf [64]byte
	size := in.marshal(buf[:])
	if size != protocolCommandSize(in.command) {
		t.Fatalf("marshal wrote %d bytes, want %d", size, protocolCommandSize(in.command))
	}

	var out protocol
	if parsed := out.unmarshal(buf[:size]); parsed != size {
		t.Fatalf("unmarshal consumed %d bytes, want %d", parsed, size)
	}

	return out
}

func TestCommandRoundTrips(t *testing.T) {
	commands := map[string]protocol{
		"acknowledge": {
			command:                        commandAcknowledge,
			channelID:                      3,
			reliableSequenceNumber:         0xBEEF,
			receivedReliableSequenceNumber: 0xBEEF,
			receivedSentTime:               0x1234,
		},
		"connect": {
			command:                    commandConnect | commandFlagAcknowledge,
			channelID:                  0xFF,
			reliableSequenceNumber:     1,
			outgoingPeerID:             7,
			incomingSessionID:          2,
			outgoingSessionID:          1,
			mtu:                        1400,
			windowSize:                 32768,
			channelCount:               2,
			incomingBandwidth:          50000,
			outgoingBandwidth:          60000,
			packetThrottleInterval:     5000,
			packetThrottleAcceleration: 2,
			packetThrottleDeceleration: 2,
			connectID:                  0xDEADBEEF,
			data:                       42,
		},
		"verify connect": {
			command:                    commandVerifyConnect | commandFlagAcknowledge,
			channelID:                  0xFF,
			outgoingPeerID:             9,
			mtu:                        1400,
			windowSize:                 4096,
			channelCount:               255,
			packetThrottleInterval:     5000,
			packetThrottleAcceleration: 2,
			packetThrottleDeceleration: 2,
			connectID:                  1,
		},
		"disconnect": {
			command: commandDisconnect | commandFlagUnsequenced,
			data:    7,
		},
		"ping": {
			command:   commandPing | commandFlagAcknowledge,
			channelID: 0xFF,
		},
		"send reliable": {
			command:                commandSendReliable | commandFlagAcknowledge,
			channelID:              1,
			reliableSequenceNumber: 0xFFFF,
			dataLength:             1300,
		},
		"send unreliable": {
			command:                  commandSendUnreliable,
			channelID:                0,
			reliableSequenceNumber:   10,
			unreliableSequenceNumber: 77,
			dataLength:               8,
		},
		"send unsequenced": {
			command:          commandSendUnsequenced | commandFlagUnsequenced,
			unsequencedGroup: 1023,
			dataLength:       16,
		},
		"send fragment": {
			command:                commandSendFragment | commandFlagAcknowledge,
			channelID:              0,
			reliableSequenceNumber: 5,
			startSequenceNumber:    5,
			dataLength:             1372,
			fragmentCount:          48,
			fragmentNumber:         47,
			totalLength:            65000,
			fragmentOffset:         64484,
		},
		"send unreliable fragment": {
			command:                  commandSendUnreliableFragment,
			channelID:                2,
			reliableSequenceNumber:   3,
			unreliableSequenceNumber: 0,
			startSequenceNumber:      4,
			dataLength:               900,
			fragmentCount:            2,
			fragmentNumber:           1,
			totalLength:              1800,
			fragmentOffset:           900,
		},
		"bandwidth limit": {
			command:           commandBandwidthLimit | commandFlagAcknowledge,
			channelID:         0xFF,
			incomingBandwidth: 12345,
			outgoingBandwidth: 54321,
		},
		"throttle configure": {
			command:                    commandThrottleConfigure | commandFlagAcknowledge,
			channelID:                  0xFF,
			packetThrottleInterval:     3000,
			packetThrottleAcceleration: 4,
			packetThrottleDeceleration: 1,
		},
	}

	for name, in := range commands {
		out := roundTripCommand(t, in)
		if out != in {
			t.Errorf("%s: round trip mismatch\n got %+v\nwant %+v", name, out, in)
		}
	}
}

func TestCommandWireLayoutBigEndian(t *testing.T) {
	in := protocol{
		command:                commandSendReliable | commandFlagAcknowledge,
		channelID:              2,
		reliableSequenceNumber: 0x0102,
		dataLength:             0x0304,
	}

	var buf [8]byte
	in.marshal(buf[:])

	want := []byte{commandSendReliable | commandFlagAcknowledge, 2, 0x01, 0x02, 0x03, 0x04}
	if !bytes.Equal(buf[:6], want) {
		t.Fatalf("wire bytes = % x, want % x", buf[:6], want)
	}
}

func TestUnmarshalRejectsTruncatedAndUnknown(t *testing.T) {
	var c protocol

	if n := c.unmarshal([]byte{commandConnect, 0xFF, 0, 1}); n != 0 {
		t.Fatalf("truncated connect parsed %d bytes", n)
	}

	if n := c.unmarshal([]byte{commandCount, 0, 0, 0}); n != 0 {
		t.Fatalf("unknown command parsed %d bytes", n)
	}

	if n := c.unmarshal([]byte{commandPing}); n != 0 {
		t.Fatalf("short header parsed %d bytes", n)
	}
}

func TestCommandSizesMatchWireFormat(t *testing.T) {
	want := map[uint8]int{
		commandAcknowledge:            8,
		commandConnect:                48,
		commandVerifyConnect:          44,
		commandDisconnect:             8,
		commandPing:                   4,
		commandSendReliable:           6,
		commandSendUnreliable:         8,
		commandSendFragment:           24,
		commandSendUnsequenced:        8,
		commandBandwidthLimit:         12,
		commandThrottleConfigure:      16,
		commandSendUnreliableFragment: 24,
	}

	for number, size := range want {
		if got := protocolCommandSize(number | commandFlagAcknowledge); got != size {
			t.Errorf("command %d size = %d, want %d", number, got, size)
		}
	}
}
