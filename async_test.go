package gdnet

import (
	"testing"
	"time"
)

// waitEvent polls the wrapper's event queue until an event of the wanted
// type arrives, failing the test after the deadline.
func waitEvent(t *testing.T, host *AsyncHost, want EventType, deadline time.Duration) *HostEvent {
	t.Helper()

	stop := time.Now().Add(deadline)
	for time.Now().Before(stop) {
		if event := host.GetEvent(); event != nil {
			if event.Type == want {
				return event
			}
			continue
		}
		time.Sleep(time.Millisecond)
	}

	t.Fatalf("timed out waiting for event type %d", want)
	return nil
}

func TestAsyncHostEcho(t *testing.T) {
	bindAddr, err := ResolveAddress("127.0.0.1", 0)
	if err != nil {
		t.Fatal(err)
	}

	server := NewAsyncHost()
	server.SetMaxChannels(2)
	if err := server.Bind(&bindAddr); err != nil {
		t.Fatal(err)
	}
	defer server.Unbind()

	client := NewAsyncHost()
	client.SetMaxChannels(2)
	if err := client.Bind(nil); err != nil {
		t.Fatal(err)
	}
	defer client.Unbind()

	serverAddr := server.Host().LocalAddress()

	peerID, err := client.Connect(serverAddr, 99)
	if err != nil {
		t.Fatal(err)
	}

	serverSide := waitEvent(t, server, EventConnect, 5*time.Second)
	if serverSide.Data != 99 {
		t.Fatalf("server connect data = %d, want 99", serverSide.Data)
	}
	waitEvent(t, client, EventConnect, 5*time.Second)

	if err := client.SendPacket([]byte("ping"), peerID, 0, MessageReliable); err != nil {
		t.Fatal(err)
	}

	received := waitEvent(t, server, EventReceive, 5*time.Second)
	if string(received.Packet) != "ping" {
		t.Fatalf("server received %q", received.Packet)
	}

	if err := server.SendPacket([]byte("pong"), received.PeerID, 0, MessageReliable); err != nil {
		t.Fatal(err)
	}

	echoed := waitEvent(t, client, EventReceive, 5*time.Second)
	if string(echoed.Packet) != "pong" {
		t.Fatalf("client received %q", echoed.Packet)
	}

	if err := client.Disconnect(peerID, 5); err != nil {
		t.Fatal(err)
	}

	disconnect := waitEvent(t, server, EventDisconnect, 5*time.Second)
	if disconnect.Data != 5 {
		t.Fatalf("disconnect data = %d, want 5", disconnect.Data)
	}
	waitEvent(t, client, EventDisconnect, 5*time.Second)
}

func TestAsyncHostBroadcast(t *testing.T) {
	bindAddr, err := ResolveAddress("127.0.0.1", 0)
	if err != nil {
		t.Fatal(err)
	}

	server := NewAsyncHost()
	if err := server.Bind(&bindAddr); err != nil {
		t.Fatal(err)
	}
	defer server.Unbind()

	clients := make([]*AsyncHost, 2)
	for i := range clients {
		clients[i] = NewAsyncHost()
		if err := clients[i].Bind(nil); err != nil {
			t.Fatal(err)
		}
		defer clients[i].Unbind()

		if _, err := clients[i].Connect(server.Host().LocalAddress(), 0); err != nil {
			t.Fatal(err)
		}

		waitEvent(t, server, EventConnect, 5*time.Second)
		waitEvent(t, clients[i], EventConnect, 5*time.Second)
	}

	if err := server.BroadcastPacket([]byte("fanout"), 0, MessageReliable); err != nil {
		t.Fatal(err)
	}

	for _, c := range clients {
		event := waitEvent(t, c, EventReceive, 5*time.Second)
		if string(event.Packet) != "fanout" {
			t.Fatalf("broadcast payload = %q", event.Packet)
		}
	}
}

func TestAsyncHostCommandsBeforeBind(t *testing.T) {
	host := NewAsyncHost()

	if err := host.SendPacket([]byte("x"), 0, 0, MessageReliable); err == nil {
		t.Fatal("send before bind should fail")
	}
	if err := host.Ping(0); err == nil {
		t.Fatal("ping before bind should fail")
	}
	if _, err := host.Connect(Address{}, 0); err == nil {
		t.Fatal("connect before bind should fail")
	}
}
