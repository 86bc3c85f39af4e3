package transport

import (
	"encoding/binary"
	"errors"
	"net"
	"strconv"

	"github.com/meshwire/rudp/crypto"
)

// Endpoint is an (ip, port) pair.
type Endpoint struct {
	IP   net.IP
	Port uint16
}

// EndpointFromUDPAddr converts a resolved UDP address to an Endpoint.
func EndpointFromUDPAddr(addr *net.UDPAddr) Endpoint {
	if addr == nil {
		return Endpoint{}
	}
	return Endpoint{IP: addr.IP, Port: uint16(addr.Port)}
}

// ParseEndpoint parses "host:port" into an Endpoint.
func ParseEndpoint(s string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, err
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return Endpoint{}, errors.New("invalid IP address")
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Endpoint{}, err
	}

	return Endpoint{IP: ip, Port: uint16(port)}, nil
}

// IsValid reports whether the endpoint is routable: non-zero port and a
// specified address.
func (e Endpoint) IsValid() bool {
	return e.Port != 0 && e.IP != nil && !e.IP.IsUnspecified()
}

// OnPrivateNetwork classifies RFC 1918, link-local, and loopback
// addresses.
func (e Endpoint) OnPrivateNetwork() bool {
	if e.IP == nil {
		return false
	}
	return e.IP.IsPrivate() || e.IP.IsLinkLocalUnicast() || e.IP.IsLoopback()
}

// Equal compares by address value and port.
func (e Endpoint) Equal(other Endpoint) bool {
	return e.Port == other.Port && e.IP.Equal(other.IP)
}

// UDPAddr converts the endpoint to a *net.UDPAddr.
func (e Endpoint) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: e.IP, Port: int(e.Port)}
}

// String returns "host:port", or "<invalid>" for an unusable endpoint.
func (e Endpoint) String() string {
	if !e.IsValid() {
		return "<invalid>"
	}
	return net.JoinHostPort(e.IP.String(), strconv.Itoa(int(e.Port)))
}

// marshalEndpoint encodes an endpoint as 16 address bytes plus a
// big-endian port, the fixed 18-byte wire form used in handshake
// payloads.
func marshalEndpoint(e Endpoint) []byte {
	buf := make([]byte, 18)
	if ip := e.IP.To16(); ip != nil {
		copy(buf[:16], ip)
	}
	binary.BigEndian.PutUint16(buf[16:], e.Port)
	return buf
}

// unmarshalEndpoint decodes the 18-byte wire form.
func unmarshalEndpoint(data []byte) (Endpoint, error) {
	if len(data) < 18 {
		return Endpoint{}, errors.New("endpoint encoding too short")
	}
	ip := make(net.IP, 16)
	copy(ip, data[:16])
	return Endpoint{IP: ip, Port: binary.BigEndian.Uint16(data[16:18])}, nil
}

// EndpointPair carries a node's local and external endpoints. Either
// may be invalid, but a useable transport never has both invalid.
type EndpointPair struct {
	Local    Endpoint
	External Endpoint
}

// IsValid reports whether at least one half of the pair is routable.
func (p EndpointPair) IsValid() bool {
	return p.Local.IsValid() || p.External.IsValid()
}

// Preferred returns the external endpoint when valid, else the local.
func (p EndpointPair) Preferred() Endpoint {
	if p.External.IsValid() {
		return p.External
	}
	return p.Local
}

// Contact identifies a reachable peer.
type Contact struct {
	ID           crypto.NodeID
	EndpointPair EndpointPair
	PublicKey    [32]byte
}

// IsValid reports whether the contact can be dialed.
func (c Contact) IsValid() bool {
	return c.ID.IsValid() && c.EndpointPair.IsValid()
}
