package gdnet

// Protocol limits shared by both ends of a connection. Changing any of these
// breaks wire compatibility with protocol version 1.3.
const (
	protocolMinimumMTU            = 576
	protocolMaximumMTU            = 4096
	protocolMaximumPacketCommands = 32
	protocolMinimumWindowSize     = 4096
	protocolMaximumWindowSize     = 65536
	protocolMinimumChannelCount   = 1
	protocolMaximumChannelCount   = 255
	protocolMaximumPeerID         = 0xFFF
	protocolMaximumFragmentCount  = 1024 * 1024
)

const (
	hostReceiveBufferSize         = 256 * 1024
	hostSendBufferSize            = 256 * 1024
	hostBandwidthThrottleInterval = 1000
	hostDefaultMTU                = 1400
	hostDefaultMaximumPacketSize  = 32 * 1024 * 1024
	hostDefaultMaximumWaitingData = 32 * 1024 * 1024
)

const (
	peerDefaultRoundTripTime   = 500
	peerDefaultPacketThrottle  = 32
	peerPacketThrottleScale    = 32
	peerPacketThrottleCounter  = 7
	peerPacketThrottleAccel    = 2
	peerPacketThrottleDecel    = 2
	peerPacketThrottleInterval = 5000
	peerPacketLossScale        = 1 << 16
	peerPacketLossInterval     = 10000
	peerWindowSizeScale        = 64 * 1024
	peerTimeoutLimit           = 32
	peerTimeoutMinimum         = 5000
	peerTimeoutMaximum         = 30000
	peerPingInterval           = 500
	peerUnsequencedWindows     = 64
	peerUnsequencedWindowSize  = 1024
	peerFreeUnsequencedWindows = 32
	peerReliableWindows        = 16
	peerReliableWindowSize     = 0x1000
	peerFreeReliableWindows    = 8
)

// Version of the reference protocol this engine interoperates with.
const (
	VersionMajor = 1
	VersionMinor = 3
	VersionPatch = 13
)
