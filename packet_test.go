package gdnet

import (
	"bytes"
	"testing"
)

func TestNewPacketCopies(t *testing.T) {
	data := []byte("payload")
	packet := NewPacket(data, PacketFlagReliable)

	data[0] = 'X'
	if packet.Data[0] != 'p' {
		t.Fatal("packet should own a copy of the data")
	}
}

func TestNewPacketNoAllocateAliases(t *testing.T) {
	data := []byte("payload")
	packet := NewPacket(data, PacketFlagNoAllocate)

	data[0] = 'X'
	if packet.Data[0] != 'X' {
		t.Fatal("no-allocate packet should alias the caller's buffer")
	}
}

func TestPacketResize(t *testing.T) {
	packet := NewPacket([]byte("abcdef"), 0)

	if err := packet.Resize(3); err != nil {
		t.Fatal(err)
	}
	if string(packet.Data) != "abc" {
		t.Fatalf("shrunk data = %q", packet.Data)
	}

	if err := packet.Resize(16); err != nil {
		t.Fatal(err)
	}
	if len(packet.Data) != 16 || !bytes.Equal(packet.Data[:3], []byte("abc")) {
		t.Fatalf("grown data = %q", packet.Data)
	}
}

func TestPacketReleaseRunsFreeCallbackOnce(t *testing.T) {
	calls := 0
	packet := NewPacket([]byte("x"), 0)
	packet.FreeCallback = func(*Packet) { calls++ }

	// Two queued commands referencing the packet.
	packet.acquire()
	packet.acquire()

	packet.release(true)
	if calls != 0 {
		t.Fatal("released too early")
	}

	packet.release(true)
	if calls != 1 {
		t.Fatalf("free callback ran %d times", calls)
	}
	if packet.Flags&PacketFlagSent == 0 {
		t.Fatal("sent flag not set on final release")
	}
}
