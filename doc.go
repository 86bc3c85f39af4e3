// Package rudp implements the managed-connections core of a reliable-UDP
// peer-to-peer transport.
//
// A ManagedConnections instance multiplexes many logical peer
// connections over a small pool of UDP transports, coordinates
// bootstrap into an existing overlay, tracks pending connection
// attempts with deadlines, and surfaces message and lifecycle events to
// an upstream listener.
//
// Example:
//
//	mc := rudp.New(rudp.NewOptions())
//	defer mc.Close()
//
//	chosen, err := mc.Bootstrap(bootstrapContacts, listener, keys, keys.NodeID(), transport.Endpoint{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	pair, exists, err := mc.GetAvailableEndpoint(peer.ID, peer.EndpointPair)
//	if err == nil && !exists {
//	    err = mc.Add(peer, func(err error) { ... })
//	}
package rudp
