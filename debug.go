package rudp

import (
	"fmt"
	"strings"
)

// debugStringThrottle is the registry size past which DebugString goes
// quiet to avoid log flooding.
const debugStringThrottle = 8

// DebugString renders the registry, idle pool, and pending table for
// diagnostics. Returns the empty string once the registry grows past
// the throttle.
func (mc *ManagedConnections) DebugString() string {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if len(mc.connections) > debugStringThrottle {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "node %s, NAT %s\n", mc.nodeID.Short(), mc.natCell.Get())

	fmt.Fprintf(&b, "connections (%d):\n", len(mc.connections))
	for peer, t := range mc.connections {
		state := "?"
		if conn, ok := t.GetConnection(peer); ok {
			state = conn.State().String()
		}
		fmt.Fprintf(&b, "  %s via %s [%s]\n", peer.Short(), t.ID(), state)
	}

	fmt.Fprintf(&b, "idle transports (%d):\n", len(mc.idle))
	for _, t := range mc.idle {
		fmt.Fprintf(&b, "  %s local %s\n", t.ID(), t.LocalEndpoint())
	}

	fmt.Fprintf(&b, "pending (%d):\n", len(mc.pendings))
	for peer, rec := range mc.pendings {
		fmt.Fprintf(&b, "  %s via %s connecting=%v\n", peer.Short(), rec.transport.ID(), rec.connecting)
	}

	return b.String()
}
