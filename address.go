package gdnet

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
)

// Sentinel hosts. HostAny binds to all interfaces; HostBroadcast addresses
// 255.255.255.255. Once a server responds to a broadcast the peer address is
// updated to the responder's real address.
const (
	HostAny       uint32 = 0
	HostBroadcast uint32 = 0xFFFFFFFF
	PortAny       uint16 = 0
)

// Address is an IPv4 endpoint: the host in network byte order packed into a
// uint32, and the port in host byte order.
type Address struct {
	Host uint32
	Port uint16
}

// ResolveAddress looks up hostName and returns it with the given port. An
// empty hostName resolves to HostAny.
func ResolveAddress(hostName string, port uint16) (Address, error) {
	if hostName == "" {
		return Address{Host: HostAny, Port: port}, nil
	}

	addrs, err := net.LookupIP(hostName)
	if err != nil {
		return Address{}, fmt.Errorf("%w: resolving %q: %v", ErrInvalidArgument, hostName, err)
	}

	for _, ip := range addrs {
		if v4 := ip.To4(); v4 != nil {
			return Address{Host: binary.BigEndian.Uint32(v4), Port: port}, nil
		}
	}

	return Address{}, fmt.Errorf("%w: %q has no IPv4 address", ErrInvalidArgument, hostName)
}

// SplitEndpoint breaks a "host:port" string into its parts.
func SplitEndpoint(endpoint string) (string, uint16, error) {
	host, portString, err := net.SplitHostPort(endpoint)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	port, err := strconv.ParseUint(portString, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("%w: port %q", ErrInvalidArgument, portString)
	}
	return host, uint16(port), nil
}

func addressFromUDP(addr *net.UDPAddr) Address {
	a := Address{Port: uint16(addr.Port)}
	if v4 := addr.IP.To4(); v4 != nil {
		a.Host = binary.BigEndian.Uint32(v4)
	}
	return a
}

func (a Address) udpAddr() *net.UDPAddr {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, a.Host)
	return &net.UDPAddr{IP: ip, Port: int(a.Port)}
}

func (a Address) String() string {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, a.Host)
	return fmt.Sprintf("%s:%d", ip, a.Port)
}
