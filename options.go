package rudp

import "time"

// Options contains the tunable parameters of a ManagedConnections
// instance.
type Options struct {
	// WorkerCount sizes the execution context servicing transport
	// callbacks, deadline timers, and user handlers.
	WorkerCount int

	// MaxTransports is the soft cap on transports in cone-NAT mode.
	// Behind a symmetric NAT the effective cap is
	// MaxTransports * MaxConnectionsPerTransport connections.
	MaxTransports int

	// MaxConnectionsPerTransport is the hard per-transport peer cap.
	MaxConnectionsPerTransport int

	// RendezvousConnectTimeout bounds the life of a pending connection
	// reservation: a reservation not consumed by Add within this window
	// is garbage-collected.
	RendezvousConnectTimeout time.Duration

	// Encrypt toggles message-level encryption. Test only; production
	// instances always encrypt.
	Encrypt bool

	// ConstantLossRate and BurstyLossRate inject inbound packet loss at
	// the transport multiplexer. Test only.
	ConstantLossRate float64
	BurstyLossRate   float64
}

// NewOptions creates the default configuration.
func NewOptions() *Options {
	return &Options{
		WorkerCount:                4,
		MaxTransports:              10,
		MaxConnectionsPerTransport: 50,
		RendezvousConnectTimeout:   10 * time.Second,
		Encrypt:                    true,
	}
}
