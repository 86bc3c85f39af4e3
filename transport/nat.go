// NAT classification for the managed-connections core.
//
// The transport fan-out policy depends on whether the local NAT maps
// one source port to one destination (symmetric) or reuses a mapping
// for many destinations (cone variants).
package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/pion/stun"
	"github.com/sirupsen/logrus"
)

// NATType represents the classification of the local NAT device.
type NATType uint8

const (
	// NATTypeUnknown means the NAT type hasn't been determined yet.
	NATTypeUnknown NATType = iota
	// NATTypeFullCone means a full cone NAT is present (least restrictive).
	NATTypeFullCone
	// NATTypeRestricted means an address-restricted NAT is present.
	NATTypeRestricted
	// NATTypePortRestricted means a port-restricted NAT is present.
	NATTypePortRestricted
	// NATTypeSymmetric means a symmetric NAT is present (most restrictive).
	NATTypeSymmetric
)

// String returns a human-readable name for the NAT type.
func (t NATType) String() string {
	switch t {
	case NATTypeUnknown:
		return "Unknown"
	case NATTypeFullCone:
		return "Full Cone NAT"
	case NATTypeRestricted:
		return "Restricted NAT"
	case NATTypePortRestricted:
		return "Port-Restricted NAT"
	case NATTypeSymmetric:
		return "Symmetric NAT"
	default:
		return "Invalid"
	}
}

// NATTypeCell is the shared, mutex-guarded cell holding the current
// classification. Every transport of a node references the same cell.
type NATTypeCell struct {
	mu sync.RWMutex
	t  NATType
}

// NewNATTypeCell creates a cell initialized to NATTypeUnknown.
func NewNATTypeCell() *NATTypeCell {
	return &NATTypeCell{t: NATTypeUnknown}
}

// Get returns the current classification.
func (c *NATTypeCell) Get() NATType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.t
}

// Set records a new classification.
func (c *NATTypeCell) Set(t NATType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.t != t {
		logrus.WithFields(logrus.Fields{
			"function": "NATTypeCell.Set",
			"old":      c.t.String(),
			"new":      t.String(),
		}).Info("NAT classification updated")
	}
	c.t = t
}

// NATEstimator refines the NAT classification by probing external STUN
// servers from a single local socket and comparing the mappings each
// server reports.
type NATEstimator struct {
	cell    *NATTypeCell
	servers []string
	timeout time.Duration
}

// NewNATEstimator creates an estimator feeding the given cell.
func NewNATEstimator(cell *NATTypeCell) *NATEstimator {
	return &NATEstimator{
		cell: cell,
		servers: []string{
			"stun.l.google.com:19302",
			"stun1.l.google.com:19302",
		},
		timeout: 3 * time.Second,
	}
}

// SetServers overrides the probe servers.
func (e *NATEstimator) SetServers(servers []string) {
	e.servers = make([]string, len(servers))
	copy(e.servers, servers)
}

// Probe queries each server from the same local socket. Differing
// mapped addresses mean the NAT allocates one mapping per destination
// (symmetric); identical mappings mean a cone NAT, reported as
// port-restricted, the most common cone variant. The mapped endpoint
// of the first responding server is returned.
func (e *NATEstimator) Probe(ctx context.Context) (NATType, Endpoint, error) {
	if len(e.servers) < 2 {
		return NATTypeUnknown, Endpoint{}, errors.New("need at least two STUN servers")
	}

	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return NATTypeUnknown, Endpoint{}, err
	}
	defer conn.Close()

	var mapped []Endpoint
	for _, server := range e.servers {
		ep, err := e.queryServer(ctx, conn, server)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "NATEstimator.Probe",
				"server":   server,
				"error":    err.Error(),
			}).Debug("STUN query failed")
			continue
		}
		mapped = append(mapped, ep)
	}

	if len(mapped) < 2 {
		return NATTypeUnknown, Endpoint{}, errors.New("not enough STUN responses to classify")
	}

	detected := NATTypePortRestricted
	if !mapped[0].Equal(mapped[1]) {
		detected = NATTypeSymmetric
	}

	e.cell.Set(detected)
	return detected, mapped[0], nil
}

// queryServer sends one binding request to server from conn and extracts
// the mapped address from the response.
func (e *NATEstimator) queryServer(ctx context.Context, conn *net.UDPConn, server string) (Endpoint, error) {
	addr, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return Endpoint{}, err
	}

	msg, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return Endpoint{}, err
	}

	deadline := time.Now().Add(e.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return Endpoint{}, err
	}

	if _, err := conn.WriteTo(msg.Raw, addr); err != nil {
		return Endpoint{}, err
	}

	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	if err != nil {
		if ctx.Err() != nil {
			return Endpoint{}, ctx.Err()
		}
		return Endpoint{}, err
	}

	res := new(stun.Message)
	res.Raw = buf[:n]
	if err := res.Decode(); err != nil {
		return Endpoint{}, err
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(res); err != nil {
		var mappedAddr stun.MappedAddress
		if err := mappedAddr.GetFrom(res); err != nil {
			return Endpoint{}, errors.New("no mapped address in response")
		}
		return Endpoint{IP: mappedAddr.IP, Port: uint16(mappedAddr.Port)}, nil
	}

	return Endpoint{IP: xorAddr.IP, Port: uint16(xorAddr.Port)}, nil
}
