package gdnet

import (
	"fmt"
	"sync"
	"sync/atomic"
)

const (
	defaultEventWait   = 1
	defaultMaxPeers    = 32
	defaultMaxChannels = 1
)

// AsyncHost runs a Host on a dedicated worker goroutine. Callers enqueue
// outbound messages and control commands into fixed-size FIFOs and drain
// delivered events from a third; the worker owns all engine state.
//
// Lock discipline: the worker loops acquiring hostMutex; outside callers go
// through accessMutex first, then hostMutex, releasing accessMutex once the
// host lock is held. That ordering keeps the worker from starving callers
// that need the engine directly.
type AsyncHost struct {
	host    *Host
	running atomic.Bool
	done    chan struct{}

	accessMutex sync.Mutex
	hostMutex   sync.Mutex

	eventWait       uint32
	maxPeers        int
	maxChannels     int
	maxBandwidthIn  uint32
	maxBandwidthOut uint32

	eventQueue   *ringQueue[*HostEvent]
	messageQueue *ringQueue[*Message]
	commandQueue *ringQueue[peerCommand]
}

// HostEvent is the wrapper-level event surfaced to callers: the engine event
// flattened to peer ID plus payload bytes, stamped with the service time it
// was pulled off the engine.
type HostEvent struct {
	Type      EventType
	Time      uint32
	PeerID    int
	ChannelID uint8
	Packet    []byte
	Data      uint32
}

// NewAsyncHost returns an unbound wrapper with default limits.
func NewAsyncHost() *AsyncHost {
	return &AsyncHost{
		eventWait:    defaultEventWait,
		maxPeers:     defaultMaxPeers,
		maxChannels:  defaultMaxChannels,
		eventQueue:   newRingQueue[*HostEvent](defaultQueueSize),
		messageQueue: newRingQueue[*Message](defaultQueueSize),
		commandQueue: newRingQueue[peerCommand](defaultQueueSize),
	}
}

// SetEventWait adjusts how long each worker iteration polls the engine, in
// milliseconds.
func (a *AsyncHost) SetEventWait(wait uint32) { a.eventWait = wait }

// SetMaxPeers, SetMaxChannels and SetMaxBandwidth configure the host created
// by the next Bind.
func (a *AsyncHost) SetMaxPeers(max int)    { a.maxPeers = max }
func (a *AsyncHost) SetMaxChannels(max int) { a.maxChannels = max }
func (a *AsyncHost) SetMaxBandwidth(incoming, outgoing uint32) {
	a.maxBandwidthIn = incoming
	a.maxBandwidthOut = outgoing
}

// Bind creates the underlying host and starts the worker. A nil address
// binds an ephemeral, connect-only host.
func (a *AsyncHost) Bind(address *Address) error {
	if a.host != nil {
		return fmt.Errorf("%w: already bound", ErrInvalidArgument)
	}

	host, err := NewHost(address, a.maxPeers, a.maxChannels, a.maxBandwidthIn, a.maxBandwidthOut)
	if err != nil {
		return err
	}

	a.host = host
	a.done = make(chan struct{})
	a.running.Store(true)

	go a.threadLoop()

	return nil
}

// Unbind stops the worker, flushes pending sends and destroys the host.
func (a *AsyncHost) Unbind() {
	if a.host == nil {
		return
	}

	a.running.Store(false)
	<-a.done

	a.host.Flush()
	a.host.Destroy()
	a.host = nil

	a.messageQueue.Clear()
	a.commandQueue.Clear()
	a.eventQueue.Clear()
}

// Host exposes the wrapped engine. Callers touching it directly must hold
// the wrapper's lock via Lock/Unlock.
func (a *AsyncHost) Host() *Host { return a.host }

// Lock takes the host lock with priority over the worker.
func (a *AsyncHost) Lock() {
	a.accessMutex.Lock()
	a.hostMutex.Lock()
	a.accessMutex.Unlock()
}

// Unlock releases the host lock.
func (a *AsyncHost) Unlock() {
	a.hostMutex.Unlock()
}

func (a *AsyncHost) threadLoop() {
	defer close(a.done)

	for a.running.Load() {
		a.Lock()

		a.sendMessages()
		a.runCommands()
		a.pollEvents()

		a.Unlock()
	}
}

func (a *AsyncHost) sendMessages() {
	for {
		message, ok := a.messageQueue.Pop()
		if !ok {
			return
		}

		packet := NewPacket(message.Packet, message.Type.packetFlags())

		if message.Broadcast {
			a.host.Broadcast(message.ChannelID, packet)
		} else if peer := a.host.Peer(message.PeerID); peer != nil {
			if err := peer.Send(message.ChannelID, packet); err != nil {
				log.Debug().Err(err).Int("peer", message.PeerID).Msg("queued send failed")
				if packet.referenceCount == 0 {
					packet.Destroy()
				}
			}
		}
	}
}

func (a *AsyncHost) runCommands() {
	for {
		cmd, ok := a.commandQueue.Pop()
		if !ok {
			return
		}

		if cmd.op == opBandwidthLimit {
			a.host.SetBandwidthLimit(cmd.data, cmd.limit)
			continue
		}

		peer := a.host.Peer(cmd.peerID)
		if peer == nil {
			continue
		}

		switch cmd.op {
		case opPing:
			peer.Ping()
		case opPingInterval:
			peer.SetPingInterval(cmd.data)
		case opReset:
			peer.Reset()
		case opDisconnect:
			peer.Disconnect(cmd.data)
		case opDisconnectLater:
			peer.DisconnectLater(cmd.data)
		case opDisconnectNow:
			peer.DisconnectNow(cmd.data)
		case opTimeout:
			peer.SetTimeout(cmd.limit, cmd.minimum, cmd.maximum)
		case opThrottleConfigure:
			peer.ConfigureThrottle(cmd.limit, cmd.minimum, cmd.maximum)
		}
	}
}

func (a *AsyncHost) newHostEvent(event *Event) *HostEvent {
	hostEvent := &HostEvent{
		Type:   event.Type,
		Time:   a.host.serviceTime,
		PeerID: event.Peer.ID(),
		Data:   event.Data,
	}

	if event.Type == EventReceive {
		hostEvent.ChannelID = event.ChannelID

		hostEvent.Packet = make([]byte, len(event.Packet.Data))
		copy(hostEvent.Packet, event.Packet.Data)

		event.Packet.Destroy()
	}

	return hostEvent
}

func (a *AsyncHost) pollEvents() {
	var event Event

	if a.host.Service(&event, a.eventWait) > 0 {
		a.eventQueue.Push(a.newHostEvent(&event))

		for a.host.CheckEvents(&event) > 0 {
			a.eventQueue.Push(a.newHostEvent(&event))
		}
	}
}

// Connect starts an outbound connection and returns the peer ID it was
// assigned.
func (a *AsyncHost) Connect(address Address, data uint32) (int, error) {
	if a.host == nil {
		return -1, ErrHostClosed
	}

	a.Lock()
	defer a.Unlock()

	peer, err := a.host.Connect(address, a.maxChannels, data)
	if err != nil {
		return -1, err
	}

	return peer.ID(), nil
}

// SendPacket queues payload for one peer.
func (a *AsyncHost) SendPacket(payload []byte, peerID int, channelID uint8, messageType MessageType) error {
	if a.host == nil {
		return ErrHostClosed
	}

	return a.messageQueue.Push(&Message{
		Type:      messageType,
		PeerID:    peerID,
		ChannelID: channelID,
		Packet:    payload,
	})
}

// BroadcastPacket queues payload for every connected peer.
func (a *AsyncHost) BroadcastPacket(payload []byte, channelID uint8, messageType MessageType) error {
	if a.host == nil {
		return ErrHostClosed
	}

	return a.messageQueue.Push(&Message{
		Type:      messageType,
		Broadcast: true,
		ChannelID: channelID,
		Packet:    payload,
	})
}

// Ping, SetPingInterval, ResetPeer, Disconnect, DisconnectLater,
// DisconnectNow, SetTimeout, ConfigureThrottle and SetBandwidthLimit enqueue
// control operations for the worker.

func (a *AsyncHost) Ping(peerID int) error {
	return a.pushCommand(peerCommand{op: opPing, peerID: peerID})
}

func (a *AsyncHost) SetPingInterval(peerID int, interval uint32) error {
	return a.pushCommand(peerCommand{op: opPingInterval, peerID: peerID, data: interval})
}

func (a *AsyncHost) ResetPeer(peerID int) error {
	return a.pushCommand(peerCommand{op: opReset, peerID: peerID})
}

func (a *AsyncHost) Disconnect(peerID int, data uint32) error {
	return a.pushCommand(peerCommand{op: opDisconnect, peerID: peerID, data: data})
}

func (a *AsyncHost) DisconnectLater(peerID int, data uint32) error {
	return a.pushCommand(peerCommand{op: opDisconnectLater, peerID: peerID, data: data})
}

func (a *AsyncHost) DisconnectNow(peerID int, data uint32) error {
	return a.pushCommand(peerCommand{op: opDisconnectNow, peerID: peerID, data: data})
}

func (a *AsyncHost) SetTimeout(peerID int, limit, minimum, maximum uint32) error {
	return a.pushCommand(peerCommand{op: opTimeout, peerID: peerID, limit: limit, minimum: minimum, maximum: maximum})
}

func (a *AsyncHost) ConfigureThrottle(peerID int, interval, acceleration, deceleration uint32) error {
	return a.pushCommand(peerCommand{op: opThrottleConfigure, peerID: peerID, limit: interval, minimum: acceleration, maximum: deceleration})
}

func (a *AsyncHost) SetBandwidthLimit(incoming, outgoing uint32) error {
	return a.pushCommand(peerCommand{op: opBandwidthLimit, data: incoming, limit: outgoing})
}

func (a *AsyncHost) pushCommand(cmd peerCommand) error {
	if a.host == nil {
		return ErrHostClosed
	}
	return a.commandQueue.Push(cmd)
}

// IsEventAvailable reports whether GetEvent would return an event.
func (a *AsyncHost) IsEventAvailable() bool {
	return !a.eventQueue.Empty()
}

// EventCount returns the number of queued events.
func (a *AsyncHost) EventCount() int {
	return a.eventQueue.Size()
}

// GetEvent dequeues the next event, or nil when none is pending.
func (a *AsyncHost) GetEvent() *HostEvent {
	event, _ := a.eventQueue.Pop()
	return event
}
