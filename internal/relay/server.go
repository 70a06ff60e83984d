// Package relay implements the loopback TCP relay that tunnels the local
// RPC client's traffic to the remote auxiliary node, optionally through a
// SOCKS5 proxy. Each accepted downstream connection is paired with a
// freshly dialed upstream connection and bytes are forwarded verbatim in
// both directions.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/net/proxy"
	"golang.org/x/time/rate"

	"github.com/coinstash/auxrelay/internal/hostspec"
	"github.com/coinstash/auxrelay/internal/logging"
	"github.com/coinstash/auxrelay/internal/metrics"
)

// Listen port selection, matching the IANA ephemeral range.
const (
	portRangeStart = 49152
	portRangeSize  = 16384
	bindAttempts   = 10
)

// Sentinel errors returned by Send and the forwarding path.
var (
	ErrPayloadTooLarge = errors.New("relay: payload exceeds buffer capacity")
	ErrNotPaired       = errors.New("relay: connection is not paired")
)

// Config holds relay server configuration.
type Config struct {
	// Upstream is the remote node endpoint. It must be fully resolved
	// before the server is constructed and is never mutated afterwards.
	Upstream hostspec.Endpoint

	// SOCKS5Proxy is an optional host:port of a SOCKS5 proxy to tunnel
	// upstream connections through.
	SOCKS5Proxy string

	// ConnectTimeout bounds upstream dialing. Zero means 30 seconds.
	ConnectTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Server accepts downstream connections on an ephemeral loopback port and
// pairs each with an upstream connection to the configured node.
type Server struct {
	upstream       hostspec.Endpoint
	dialer         proxy.Dialer
	connectTimeout time.Duration
	log            *slog.Logger
	mx             *metrics.Metrics

	// dialCtx is canceled on Stop so pending upstream dials do not hold
	// shutdown for the full connect timeout.
	dialCtx    context.Context
	dialCancel context.CancelFunc

	listener   net.Listener
	listenPort int

	// pairMu guards the conns set and all pairing state.
	pairMu sync.Mutex
	conns  map[*Conn]struct{}

	pool sync.Pool

	acceptErrLog *rate.Limiter

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	bytesToNode   atomic.Uint64
	bytesToClient atomic.Uint64
}

// NewServer creates a relay server for the given upstream endpoint. The
// endpoint must already be resolved; construction fails on a missing
// endpoint or an unusable proxy address.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Upstream.Address == "" || cfg.Upstream.Port == 0 {
		return nil, fmt.Errorf("relay: upstream endpoint not set")
	}

	timeout := cfg.ConnectTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	dialer, err := buildDialer(cfg.SOCKS5Proxy, timeout)
	if err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = logging.NopLogger()
	}
	mx := cfg.Metrics
	if mx == nil {
		mx = metrics.Default()
	}

	s := &Server{
		upstream:       cfg.Upstream,
		dialer:         dialer,
		connectTimeout: timeout,
		log:            log.With(logging.KeyComponent, "relay"),
		mx:             mx,
		conns:          make(map[*Conn]struct{}),
		acceptErrLog:   rate.NewLimiter(rate.Every(time.Second), 5),
		stopCh:         make(chan struct{}),
	}
	s.dialCtx, s.dialCancel = context.WithCancel(context.Background())
	s.pool.New = func() any { return &Conn{} }
	return s, nil
}

// Start binds a loopback listener on a random high-ephemeral port and
// begins accepting connections. Bind attempts are bounded; exhausting
// them is a startup failure.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("relay: server already running")
	}

	for i := 0; i < bindAttempts; i++ {
		port := portRangeStart + rand.Intn(portRangeSize)
		l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err != nil {
			continue
		}
		s.listener = l
		s.listenPort = port
		break
	}
	if s.listener == nil {
		return fmt.Errorf("relay: failed to bind a loopback port after %d attempts", bindAttempts)
	}

	s.running.Store(true)
	s.wg.Add(1)
	go s.acceptLoop()

	s.log.Info("listening",
		logging.KeyListenPort, s.listenPort,
		logging.KeyUpstream, s.upstream.String())
	return nil
}

// Port returns the bound loopback port. Valid after Start.
func (s *Server) Port() int {
	return s.listenPort
}

// Addr returns the loopback address the local RPC client should dial.
func (s *Server) Addr() string {
	return "127.0.0.1:" + strconv.Itoa(s.listenPort)
}

// IsRunning reports whether the server is accepting connections.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// BytesForwarded returns the total bytes forwarded in each direction.
func (s *Server) BytesForwarded() (toNode, toClient uint64) {
	return s.bytesToNode.Load(), s.bytesToClient.Load()
}

// Stop closes the listener, tears down every tunnel and waits for all
// connection goroutines to exit.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.running.Store(false)
		close(s.stopCh)
		s.dialCancel()

		if s.listener != nil {
			err = s.listener.Close()
		}

		s.pairMu.Lock()
		for c := range s.conns {
			c.closeSocket()
		}
		s.pairMu.Unlock()
	})

	s.wg.Wait()

	toNode, toClient := s.BytesForwarded()
	s.log.Info("stopped",
		"forwarded_to_node", humanize.Bytes(toNode),
		"forwarded_to_client", humanize.Bytes(toClient))
	return err
}

// acceptLoop accepts downstream connections until the server stops.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				if s.acceptErrLog.Allow() {
					s.log.Warn("accept failed", logging.KeyError, err)
				}
				continue
			}
		}

		s.wg.Add(1)
		go s.handleDownstream(conn)
	}
}

// handleDownstream pairs an accepted connection with a new upstream
// connection and pumps both directions until either side closes.
func (s *Server) handleDownstream(nc net.Conn) {
	defer s.wg.Done()

	down := s.getConn(nc, true)

	up, err := s.connectUpstream(down)
	if err != nil {
		s.log.Warn("dropping downstream connection",
			logging.KeyRemoteAddr, nc.RemoteAddr().String(),
			logging.KeyError, err)
		s.teardown(down)
		return
	}

	s.mx.RecordTunnelOpen()
	s.log.Debug("tunnel established",
		logging.KeyRemoteAddr, nc.RemoteAddr().String(),
		logging.KeyUpstream, s.upstream.String())

	s.wg.Add(2)
	go s.readLoop(up)
	s.readLoop(down)
}

// connectUpstream allocates an upstream Conn from the pool and dials the
// fixed upstream endpoint, then establishes symmetric pairing. On dial
// failure the allocated Conn is returned to the pool.
func (s *Server) connectUpstream(down *Conn) (*Conn, error) {
	up := s.getConn(nil, false)

	ctx, cancel := context.WithTimeout(s.dialCtx, s.connectTimeout)
	defer cancel()

	addr := s.upstream.String()
	nc, err := dialContext(ctx, s.dialer, "tcp", addr)
	if err != nil {
		s.mx.UpstreamConnectErrors.Inc()
		s.teardown(up)
		return nil, fmt.Errorf("connect upstream %s: %w", addr, err)
	}

	up.wmu.Lock()
	up.sock = nc
	up.wmu.Unlock()

	s.pair(down, up)
	return up, nil
}

// pair links two connections symmetrically, each recording the other's
// current epoch.
func (s *Server) pair(down, up *Conn) {
	s.pairMu.Lock()
	defer s.pairMu.Unlock()

	down.peer = up
	down.peerEpoch = up.epoch.Load()
	up.peer = down
	up.peerEpoch = down.epoch.Load()
}

// readLoop pumps bytes from one connection to its pair. readLoop exits,
// tearing the tunnel down, on read error, forward error or shutdown.
func (s *Server) readLoop(c *Conn) {
	defer s.wg.Done()

	buf := make([]byte, BufSize)
	for {
		n, err := c.sock.Read(buf)
		if n > 0 {
			if ferr := s.forwardFrom(c, buf[:n]); ferr != nil {
				s.log.Debug("forward failed", logging.KeyError, ferr)
				break
			}
		}
		if err != nil {
			break
		}
	}

	s.teardown(c)
}

// forwardFrom sends received bytes, unmodified and in order, to the
// connection paired with src. A missing or stale pairing is an error.
func (s *Server) forwardFrom(src *Conn, data []byte) error {
	s.pairMu.Lock()
	var (
		dst      *Conn
		dstEpoch uint32
	)
	if src.paired() {
		dst = src.peer
		dstEpoch = src.peerEpoch
	}
	s.pairMu.Unlock()

	if dst == nil {
		s.mx.RecordForwardError(metrics.ReasonNotPaired)
		return ErrNotPaired
	}

	if err := s.Send(dst, dstEpoch, data); err != nil {
		return err
	}

	if src.incoming {
		s.bytesToNode.Add(uint64(len(data)))
		s.mx.RecordForward(metrics.DirectionToNode, len(data))
	} else {
		s.bytesToClient.Add(uint64(len(data)))
		s.mx.RecordForward(metrics.DirectionToClient, len(data))
	}
	return nil
}

// Send copies payload into target's staging buffer and writes it to the
// socket. A payload larger than the buffer capacity fails without any
// partial write; the caller must treat that as a connection error.
//
// epoch is the target epoch the caller observed when it resolved the
// pairing. Between that check and this write the target may be torn
// down and recycled from the pool for an unrelated connection, so the
// epoch is re-verified under wmu, which getConn also holds while
// recycling.
func (s *Server) Send(target *Conn, epoch uint32, payload []byte) error {
	if len(payload) > BufSize {
		s.mx.RecordForwardError(metrics.ReasonOversized)
		return ErrPayloadTooLarge
	}

	target.wmu.Lock()
	defer target.wmu.Unlock()

	if target.closed.Load() || target.epoch.Load() != epoch {
		s.mx.RecordForwardError(metrics.ReasonNotPaired)
		return ErrNotPaired
	}

	if target.buf == nil {
		target.buf = make([]byte, BufSize)
	}
	n := copy(target.buf, payload)

	if _, err := target.sock.Write(target.buf[:n]); err != nil {
		s.mx.RecordForwardError(metrics.ReasonWriteFailed)
		return fmt.Errorf("relay: write: %w", err)
	}
	return nil
}

// teardown resets a connection. If it is paired, the peer is unpaired
// and its socket closed in the same operation, so no observable state
// exists where only one side of a tunnel is torn down.
func (s *Server) teardown(c *Conn) {
	s.pairMu.Lock()
	if _, tracked := s.conns[c]; !tracked {
		s.pairMu.Unlock()
		return
	}
	delete(s.conns, c)

	wasPaired := false
	if c.paired() {
		sibling := c.peer
		sibling.unpair()
		sibling.closeSocket()
		wasPaired = true
	}
	c.unpair()
	s.pairMu.Unlock()

	c.closeSocket()
	if wasPaired {
		s.mx.RecordTunnelClose()
	}
	s.releaseConn(c)
}

// getConn takes a Conn from the reuse pool, advancing its epoch so any
// stale peer references to the previous use are invalidated. The epoch
// and socket are swapped under wmu so an in-flight Send against the
// previous use cannot observe the new socket.
func (s *Server) getConn(nc net.Conn, incoming bool) *Conn {
	c := s.pool.Get().(*Conn)

	c.wmu.Lock()
	c.epoch.Add(1)
	c.sock = nc
	c.closed.Store(false)
	c.wmu.Unlock()

	c.incoming = incoming
	c.peer = nil
	c.peerEpoch = epochNever

	s.pairMu.Lock()
	s.conns[c] = struct{}{}
	s.pairMu.Unlock()
	return c
}

// releaseConn returns a Conn to the pool.
func (s *Server) releaseConn(c *Conn) {
	c.wmu.Lock()
	c.sock = nil
	c.wmu.Unlock()
	s.pool.Put(c)
}
