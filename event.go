package gdnet

// EventType discriminates the events returned by Host.Service.
type EventType int

const (
	// EventNone: no event occurred within the time limit.
	EventNone EventType = 0
	// EventConnect: a connection completed, either one initiated with
	// Host.Connect or an incoming one.
	EventConnect EventType = 1
	// EventDisconnect: a peer disconnected or timed out. Data carries the
	// value supplied by the disconnecting side, or 0.
	EventDisconnect EventType = 2
	// EventReceive: a packet arrived. The packet should be destroyed after
	// use.
	EventReceive EventType = 3
)

// Event is what Host.Service and Host.CheckEvents fill in.
type Event struct {
	Type      EventType
	Peer      *Peer
	ChannelID uint8
	Data      uint32
	Packet    *Packet
}
