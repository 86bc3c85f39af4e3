package rudp

import "errors"

// Error kinds surfaced across the public API.
var (
	// ErrInvalidParameter indicates a nil listener, invalid node ID, or
	// missing key pair at bootstrap.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrNoBootstrapEndpoints indicates an empty bootstrap list.
	ErrNoBootstrapEndpoints = errors.New("no bootstrap endpoints")

	// ErrFailedToBootstrap indicates no bootstrap contact answered.
	ErrFailedToBootstrap = errors.New("failed to bootstrap")

	// ErrFailedToGetLocalAddress indicates the first transport produced
	// no usable local endpoint.
	ErrFailedToGetLocalAddress = errors.New("failed to get local address")

	// ErrOperationNotSupported indicates a self-peer or an operation
	// attempted without the required reservation.
	ErrOperationNotSupported = errors.New("operation not supported")

	// ErrAlreadyConnected indicates the peer is already in the registry.
	ErrAlreadyConnected = errors.New("already connected")

	// ErrConnectionAlreadyInProgress indicates a second Add raced an
	// unfinished one for the same peer.
	ErrConnectionAlreadyInProgress = errors.New("connection already in progress")

	// ErrNotConnected indicates the peer has no established connection.
	ErrNotConnected = errors.New("not connected")

	// ErrNoAvailableEndpoint indicates every allocation strategy failed.
	ErrNoAvailableEndpoint = errors.New("no available endpoint")
)
