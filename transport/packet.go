package transport

import (
	"errors"

	"github.com/meshwire/rudp/crypto"
)

// PacketType identifies the type of a wire packet.
type PacketType byte

const (
	// PacketHandshake carries the first Noise-IK handshake message.
	PacketHandshake PacketType = iota + 1
	// PacketHandshakeResponse carries the second handshake message.
	PacketHandshakeResponse
	// PacketValidate promotes an unvalidated connection; its payload is
	// encrypted with the handshake session ciphers.
	PacketValidate
	// PacketData carries application bytes for an established peer.
	PacketData
	// PacketPing probes reachability of an endpoint.
	PacketPing
	// PacketPingResponse answers a ping.
	PacketPingResponse
	// PacketClose announces an orderly connection shutdown.
	PacketClose
)

var (
	// ErrEmptyPacket indicates a datagram too short to carry a type byte.
	ErrEmptyPacket = errors.New("empty packet")
	// ErrNilPacketData indicates a packet built without a payload.
	ErrNilPacketData = errors.New("packet has no payload")
)

// Packet represents a wire packet: a one-byte type and a payload.
type Packet struct {
	PacketType PacketType
	Data       []byte
}

// Serialize renders the packet as a wire datagram, type byte first.
func (p *Packet) Serialize() ([]byte, error) {
	if p.Data == nil {
		return nil, ErrNilPacketData
	}

	buf := make([]byte, 0, 1+len(p.Data))
	buf = append(buf, byte(p.PacketType))
	return append(buf, p.Data...), nil
}

// ParsePacket splits a wire datagram into its type and payload. The
// payload is copied out of the caller's buffer.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPacket
	}

	payload := make([]byte, len(data)-1)
	copy(payload, data[1:])
	return &Packet{PacketType: PacketType(data[0]), Data: payload}, nil
}

// Handshake purposes carried in the first payload byte.
const (
	purposeConnect              byte = 0
	purposeBootstrap            byte = 1
	purposeBootstrapOffExisting byte = 2
)

// handshakePayload is the plaintext carried inside the first Noise
// message: a purpose flag and the initiator's node ID.
type handshakePayload struct {
	Purpose byte
	NodeID  crypto.NodeID
}

func (h handshakePayload) marshal() []byte {
	buf := make([]byte, 1+crypto.NodeIDSize)
	buf[0] = h.Purpose
	copy(buf[1:], h.NodeID[:])
	return buf
}

func parseHandshakePayload(data []byte) (handshakePayload, error) {
	if len(data) < 1+crypto.NodeIDSize {
		return handshakePayload{}, errors.New("handshake payload too short")
	}
	var h handshakePayload
	h.Purpose = data[0]
	copy(h.NodeID[:], data[1:1+crypto.NodeIDSize])
	return h, nil
}

// responsePayload is the plaintext carried inside the second Noise
// message: the responder's node ID and the initiator's endpoint as the
// responder observed it. The observed endpoint is how a joining node
// learns its external address.
type responsePayload struct {
	NodeID   crypto.NodeID
	Observed Endpoint
}

func (r responsePayload) marshal() []byte {
	buf := make([]byte, 0, crypto.NodeIDSize+18)
	buf = append(buf, r.NodeID[:]...)
	buf = append(buf, marshalEndpoint(r.Observed)...)
	return buf
}

func parseResponsePayload(data []byte) (responsePayload, error) {
	if len(data) < crypto.NodeIDSize+18 {
		return responsePayload{}, errors.New("handshake response payload too short")
	}
	var r responsePayload
	copy(r.NodeID[:], data[:crypto.NodeIDSize])
	ep, err := unmarshalEndpoint(data[crypto.NodeIDSize:])
	if err != nil {
		return responsePayload{}, err
	}
	r.Observed = ep
	return r, nil
}

// dataPayload frames a data packet: sender node ID then ciphertext.
func marshalDataPayload(sender crypto.NodeID, body []byte) []byte {
	buf := make([]byte, 0, crypto.NodeIDSize+len(body))
	buf = append(buf, sender[:]...)
	buf = append(buf, body...)
	return buf
}

func parseDataPayload(data []byte) (crypto.NodeID, []byte, error) {
	var id crypto.NodeID
	if len(data) < crypto.NodeIDSize {
		return id, nil, errors.New("data payload too short")
	}
	copy(id[:], data[:crypto.NodeIDSize])
	return id, data[crypto.NodeIDSize:], nil
}
