// Package transport implements the UDP transport layer of the
// managed-connections core.
//
// A transport owns one UDP endpoint and multiplexes up to a configured
// number of peer connections over it. It performs the Noise-IK
// rendezvous handshake, carries data packets for established peers,
// answers pings, and reports connection lifecycle events to the owner
// through registered callbacks.
//
// Example:
//
//	cell := transport.NewNATTypeCell()
//	tr, err := transport.NewUDPTransport(transport.Config{
//	    Keys:           keys,
//	    NodeID:         keys.NodeID(),
//	    NATCell:        cell,
//	    MaxConnections: 50,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tr.Close()
package transport
