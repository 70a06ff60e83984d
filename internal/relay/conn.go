package relay

import (
	"net"
	"sync"
	"sync/atomic"
)

// BufSize is the per-connection forwarding buffer capacity. A single
// forwarded payload larger than this is rejected outright.
const BufSize = 64 * 1024

// epochNever marks a peer reference that must not be followed.
const epochNever = ^uint32(0)

// Conn is one side of a relay tunnel: either a downstream connection
// accepted from the local RPC client or an upstream connection dialed to
// the remote node. Conn objects are pooled; the epoch counter
// distinguishes a live pairing from a reference to a recycled object.
//
// Pairing state (peer, peerEpoch) is guarded by the owning Server's
// pairMu, never by the Conn itself.
type Conn struct {
	sock     net.Conn
	incoming bool

	// epoch increments every time this object is taken from the pool.
	epoch atomic.Uint32

	// peer and peerEpoch are guarded by Server.pairMu.
	peer      *Conn
	peerEpoch uint32

	// wmu serializes writes; buf is the bounded staging buffer.
	wmu sync.Mutex
	buf []byte

	closed atomic.Bool
}

// paired reports whether the peer reference is still live. Caller must
// hold Server.pairMu.
func (c *Conn) paired() bool {
	return c.peer != nil && c.peer.epoch.Load() == c.peerEpoch
}

// unpair clears the peer reference. Caller must hold Server.pairMu.
func (c *Conn) unpair() {
	c.peer = nil
	c.peerEpoch = epochNever
}

// closeSocket closes the underlying socket exactly once per pooled use.
func (c *Conn) closeSocket() {
	if c.closed.CompareAndSwap(false, true) && c.sock != nil {
		c.sock.Close()
	}
}

// RemoteAddr returns the peer address of the underlying socket.
func (c *Conn) RemoteAddr() net.Addr {
	if c.sock == nil {
		return nil
	}
	return c.sock.RemoteAddr()
}

// Incoming reports whether this connection was accepted (downstream)
// rather than dialed (upstream).
func (c *Conn) Incoming() bool {
	return c.incoming
}
