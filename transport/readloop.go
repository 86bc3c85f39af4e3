package transport

import (
	"encoding/binary"
	"errors"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meshwire/rudp/crypto"
)

// Ping payload flags.
const (
	pingPlain     byte = 0
	pingNATDetect byte = 1
)

// validateToken is the session-encrypted body of a validate packet.
var validateToken = []byte("validated")

// readLoop pulls packets off the socket and dispatches each one to the
// owner's execution context.
func (t *UDPTransport) readLoop() {
	buffer := make([]byte, 65535)

	for {
		if t.isClosed() {
			return
		}

		_ = t.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, addr, err := t.conn.ReadFrom(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if t.isClosed() {
				return
			}
			continue
		}

		if t.cfg.Loss.Drop() {
			continue
		}

		packet, err := ParsePacket(buffer[:n])
		if err != nil {
			continue
		}

		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		from := EndpointFromUDPAddr(udpAddr)

		t.dispatch(func() { t.handlePacket(packet, from) })
	}
}

func (t *UDPTransport) handlePacket(packet *Packet, from Endpoint) {
	switch packet.PacketType {
	case PacketHandshake:
		t.handleHandshake(packet.Data, from)
	case PacketHandshakeResponse:
		t.handleHandshakeResponse(packet.Data, from)
	case PacketValidate:
		t.handleValidate(packet.Data, from)
	case PacketData:
		t.handleData(packet.Data)
	case PacketPing:
		t.handlePing(packet.Data, from)
	case PacketPingResponse:
		t.handlePingResponse(from)
	case PacketClose:
		t.handleClose(from)
	default:
		logrus.WithFields(logrus.Fields{
			"function":  "handlePacket",
			"transport": t.id,
			"type":      packet.PacketType,
			"from":      from.String(),
		}).Debug("Dropping packet of unknown type")
	}
}

// handleHandshake answers an inbound rendezvous as the Noise responder.
func (t *UDPTransport) handleHandshake(data []byte, from Endpoint) {
	hs, err := crypto.NewIKHandshake(crypto.HandshakeResponder, t.cfg.Keys, [32]byte{})
	if err != nil {
		return
	}

	payload, _, err := hs.ReadMessage(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "handleHandshake",
			"transport": t.id,
			"from":      from.String(),
			"error":     err.Error(),
		}).Warn("Rejecting malformed handshake")
		return
	}

	hello, err := parseHandshakePayload(payload)
	if err != nil || !hello.NodeID.IsValid() {
		return
	}

	peerKey, ok := hs.PeerStatic()
	if !ok {
		return
	}

	resp := responsePayload{NodeID: t.cfg.NodeID, Observed: from}
	msg, session, err := hs.WriteMessage(resp.marshal())
	if err != nil || session == nil {
		return
	}

	temporary := hello.Purpose == purposeBootstrapOffExisting
	state := ConnStateUnvalidated
	if temporary {
		state = ConnStateTemporary
	}

	conn := NewConnection(hello.NodeID, peerKey, from, state)
	conn.setSession(session)

	t.mu.Lock()
	if t.closed || len(t.connections) >= t.cfg.MaxConnections {
		t.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":  "handleHandshake",
			"transport": t.id,
			"peer":      hello.NodeID.Short(),
		}).Warn("Rejecting handshake, transport unavailable")
		return
	}
	t.connections[hello.NodeID] = conn
	t.byAddr[from.String()] = hello.NodeID
	cb := t.callbacks
	t.mu.Unlock()

	if err := t.writePacket(PacketHandshakeResponse, msg, from); err != nil {
		return
	}

	if cb.OnAdded != nil {
		if cb.OnAdded(hello.NodeID, temporary) {
			conn.SetState(ConnStateDuplicate)
		}
	}

	t.sendValidate(conn)
}

// handleHandshakeResponse completes an outbound rendezvous.
func (t *UDPTransport) handleHandshakeResponse(data []byte, from Endpoint) {
	t.mu.Lock()
	att, ok := t.attempts[from.String()]
	if ok {
		delete(t.attempts, from.String())
	}
	t.mu.Unlock()

	if !ok {
		return
	}

	payload, session, err := att.handshake.ReadMessage(data)
	if err == nil && session == nil {
		err = errors.New("handshake response did not complete the exchange")
	}
	if err != nil {
		att.result <- err
		return
	}

	resp, err := parseResponsePayload(payload)
	if err != nil {
		att.result <- err
		return
	}

	if att.peerID.IsValid() && resp.NodeID != att.peerID {
		logrus.WithFields(logrus.Fields{
			"function":  "handleHandshakeResponse",
			"transport": t.id,
			"expected":  att.peerID.Short(),
			"got":       resp.NodeID.Short(),
		}).Warn("Handshake answered by unexpected node")
		att.result <- errors.New("handshake answered by unexpected node")
		return
	}

	att.conn.setSession(session)
	att.conn.SetObserved(resp.Observed)

	if resp.Observed.IsValid() {
		t.mu.Lock()
		t.external = resp.Observed
		t.mu.Unlock()
	}

	t.sendValidate(att.conn)
	att.result <- nil
}

// sendValidate encrypts the validation token with the fresh session so
// the peer can promote the connection.
func (t *UDPTransport) sendValidate(conn *Connection) {
	session := conn.getSession()
	if session == nil {
		return
	}

	body, err := session.Send.Encrypt(nil, nil, validateToken)
	if err != nil {
		return
	}
	_ = t.writePacket(PacketValidate, body, conn.PeerEndpoint())
}

// handleValidate promotes a connection to Permanent once the peer
// proves it holds the session keys.
func (t *UDPTransport) handleValidate(data []byte, from Endpoint) {
	conn := t.connByAddr(from)
	if conn == nil {
		return
	}

	session := conn.getSession()
	if session == nil {
		return
	}

	plain, err := session.Recv.Decrypt(nil, nil, data)
	if err != nil || string(plain) != string(validateToken) {
		logrus.WithFields(logrus.Fields{
			"function":  "handleValidate",
			"transport": t.id,
			"peer":      conn.PeerNodeID().Short(),
		}).Warn("Dropping validation that failed authentication")
		return
	}

	conn.touch()
	switch conn.State() {
	case ConnStateBootstrapping, ConnStateUnvalidated:
		conn.SetState(ConnStatePermanent)
	}
}

func (t *UDPTransport) handleData(data []byte) {
	sender, body, err := parseDataPayload(data)
	if err != nil {
		return
	}

	t.mu.RLock()
	conn, ok := t.connections[sender]
	cb := t.callbacks
	t.mu.RUnlock()
	if !ok {
		return
	}

	conn.touch()
	if cb.OnMessage != nil {
		cb.OnMessage(sender, body)
	}
}

func (t *UDPTransport) handlePing(data []byte, from Endpoint) {
	if len(data) < 1+crypto.NodeIDSize {
		return
	}

	var sender crypto.NodeID
	copy(sender[:], data[1:1+crypto.NodeIDSize])

	var port uint16
	if data[0] == pingNATDetect && len(data) >= 1+crypto.NodeIDSize+18 {
		target, err := unmarshalEndpoint(data[1+crypto.NodeIDSize:])
		if err == nil {
			cb := t.snapshotCallbacks()
			if cb.OnNATDetect != nil {
				port = cb.OnNATDetect(t.local, sender, target)
			}
		}
	}

	resp := make([]byte, 2)
	binary.BigEndian.PutUint16(resp, port)
	_ = t.writePacket(PacketPingResponse, resp, from)
}

func (t *UDPTransport) handlePingResponse(from Endpoint) {
	if conn := t.connByAddr(from); conn != nil {
		conn.touch()
	}
}

func (t *UDPTransport) handleClose(from Endpoint) {
	t.mu.Lock()
	id, ok := t.byAddr[from.String()]
	var conn *Connection
	if ok {
		conn = t.connections[id]
		delete(t.connections, id)
		delete(t.byAddr, from.String())
	}
	cb := t.callbacks
	t.mu.Unlock()

	if conn == nil {
		return
	}

	if cb.OnLost != nil {
		cb.OnLost(id, conn.Temporary())
	}
}

func (t *UDPTransport) connByAddr(from Endpoint) *Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.byAddr[from.String()]
	if !ok {
		return nil
	}
	return t.connections[id]
}
