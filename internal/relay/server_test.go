package relay

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/coinstash/auxrelay/internal/hostspec"
	"github.com/coinstash/auxrelay/internal/logging"
	"github.com/coinstash/auxrelay/internal/metrics"
)

func newTestServer(t *testing.T, ep hostspec.Endpoint) *Server {
	t.Helper()
	s, err := NewServer(Config{
		Upstream:       ep,
		ConnectTimeout: 5 * time.Second,
		Logger:         logging.NopLogger(),
		Metrics:        metrics.NewMetricsWithRegistry(prometheus.NewRegistry()),
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s
}

// startEchoNode runs a fake remote node that echoes everything back.
func startEchoNode(t *testing.T) hostspec.Endpoint {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()

	return hostspec.Endpoint{
		Address: "127.0.0.1",
		Port:    uint16(l.Addr().(*net.TCPAddr).Port),
	}
}

// newTCPPair returns two ends of a real loopback TCP connection.
func newTCPPair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := l.Accept()
		if err != nil {
			return
		}
		accepted <- c
	}()

	client, err = net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server = <-accepted
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestNewServer_RequiresUpstream(t *testing.T) {
	_, err := NewServer(Config{})
	if err == nil {
		t.Fatal("NewServer accepted empty upstream endpoint")
	}
}

func TestNewServer_RejectsBadProxyAddress(t *testing.T) {
	_, err := NewServer(Config{
		Upstream:    hostspec.Endpoint{Address: "10.0.0.5", Port: 18142},
		SOCKS5Proxy: "not-a-host-port",
	})
	if err == nil {
		t.Fatal("NewServer accepted malformed proxy address")
	}
}

func TestStart_BindsEphemeralLoopbackPort(t *testing.T) {
	s := newTestServer(t, hostspec.Endpoint{Address: "10.0.0.5", Port: 18142})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	if s.Port() < portRangeStart || s.Port() >= portRangeStart+portRangeSize {
		t.Errorf("Port() = %d, want within [%d, %d)", s.Port(), portRangeStart, portRangeStart+portRangeSize)
	}
	if want := "127.0.0.1"; s.Addr() == "" || s.listener.Addr().(*net.TCPAddr).IP.String() != want {
		t.Errorf("listener not bound to loopback: %v", s.listener.Addr())
	}
}

func TestPairingSymmetry(t *testing.T) {
	s := newTestServer(t, hostspec.Endpoint{Address: "10.0.0.5", Port: 18142})

	dc, _ := newTCPPair(t)
	uc, _ := newTCPPair(t)

	down := s.getConn(dc, true)
	up := s.getConn(uc, false)
	s.pair(down, up)

	s.pairMu.Lock()
	defer s.pairMu.Unlock()
	if down.peer != up || up.peer != down {
		t.Fatal("pairing is not symmetric")
	}
	if !down.paired() || !up.paired() {
		t.Fatal("freshly paired connections report stale pairing")
	}
}

func TestTeardown_ResetsBothSidesAtOnce(t *testing.T) {
	s := newTestServer(t, hostspec.Endpoint{Address: "10.0.0.5", Port: 18142})

	dc, dcPeer := newTCPPair(t)
	uc, ucPeer := newTCPPair(t)
	_ = dcPeer

	down := s.getConn(dc, true)
	up := s.getConn(uc, false)
	s.pair(down, up)

	s.teardown(down)

	s.pairMu.Lock()
	if up.peer != nil || up.peerEpoch != epochNever {
		t.Error("sibling still paired after teardown")
	}
	s.pairMu.Unlock()

	// The sibling socket must be closed within the same reset operation.
	ucPeer.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := ucPeer.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("sibling socket not closed: read err = %v, want EOF", err)
	}
}

func TestForward_StaleEpochFails(t *testing.T) {
	s := newTestServer(t, hostspec.Endpoint{Address: "10.0.0.5", Port: 18142})

	dc, _ := newTCPPair(t)
	uc, _ := newTCPPair(t)

	down := s.getConn(dc, true)
	up := s.getConn(uc, false)
	s.pair(down, up)

	// Simulate the peer object being recycled for a new connection.
	up.epoch.Add(1)

	err := s.forwardFrom(down, []byte("stale"))
	if !errors.Is(err, ErrNotPaired) {
		t.Errorf("forwardFrom with stale epoch = %v, want ErrNotPaired", err)
	}
}

func TestForward_UnpairedFails(t *testing.T) {
	s := newTestServer(t, hostspec.Endpoint{Address: "10.0.0.5", Port: 18142})

	dc, _ := newTCPPair(t)
	down := s.getConn(dc, true)

	if err := s.forwardFrom(down, []byte("x")); !errors.Is(err, ErrNotPaired) {
		t.Errorf("forwardFrom unpaired = %v, want ErrNotPaired", err)
	}
}

func TestSend_OversizedPayloadLeavesTargetUnmodified(t *testing.T) {
	s := newTestServer(t, hostspec.Endpoint{Address: "10.0.0.5", Port: 18142})

	uc, ucPeer := newTCPPair(t)
	up := s.getConn(uc, false)

	err := s.Send(up, up.epoch.Load(), make([]byte, BufSize+1))
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("Send oversized = %v, want ErrPayloadTooLarge", err)
	}

	// Nothing may have been written.
	ucPeer.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if n, err := ucPeer.Read(make([]byte, 1)); n != 0 || err == nil {
		t.Errorf("oversized Send leaked %d bytes (err=%v)", n, err)
	}
}

func TestSend_ExactCapacitySucceeds(t *testing.T) {
	s := newTestServer(t, hostspec.Endpoint{Address: "10.0.0.5", Port: 18142})

	uc, ucPeer := newTCPPair(t)
	up := s.getConn(uc, false)

	payload := make([]byte, BufSize)
	rand.Read(payload)

	done := make(chan error, 1)
	go func() { done <- s.Send(up, up.epoch.Load(), payload) }()

	got := make([]byte, BufSize)
	ucPeer.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(ucPeer, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("payload corrupted in transit")
	}
}

func TestSend_StaleEpochAfterRecycleFails(t *testing.T) {
	s := newTestServer(t, hostspec.Endpoint{Address: "10.0.0.5", Port: 18142})

	dc, _ := newTCPPair(t)
	uc, _ := newTCPPair(t)

	down := s.getConn(dc, true)
	up := s.getConn(uc, false)
	s.pair(down, up)

	// Resolve the peer the way forwardFrom does, then lose the race: the
	// tunnel is torn down and the peer object recycled for an unrelated
	// connection before the write happens.
	s.pairMu.Lock()
	dst := down.peer
	dstEpoch := down.peerEpoch
	s.pairMu.Unlock()

	s.teardown(up)

	nc, ncPeer := newTCPPair(t)
	s.getConn(nc, false)

	if err := s.Send(dst, dstEpoch, []byte("leftover")); !errors.Is(err, ErrNotPaired) {
		t.Fatalf("Send with stale epoch = %v, want ErrNotPaired", err)
	}

	// The unrelated connection must not see the dead tunnel's bytes.
	ncPeer.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if n, err := ncPeer.Read(make([]byte, 16)); err == nil {
		t.Errorf("recycled connection received %d stray bytes", n)
	}
}

func TestForwardingFidelity_EndToEnd(t *testing.T) {
	node := startEchoNode(t)
	s := newTestServer(t, node)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	conn, err := net.Dial("tcp", s.Addr())
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	defer conn.Close()

	payload := make([]byte, 32*1024)
	rand.Read(payload)

	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := make([]byte, len(payload))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("echoed bytes differ from sent bytes")
	}

	toNode, toClient := s.BytesForwarded()
	if toNode < uint64(len(payload)) || toClient < uint64(len(payload)) {
		t.Errorf("byte counters too low: to_node=%d to_client=%d", toNode, toClient)
	}
}

func TestUpstreamConnectFailure_DropsDownstream(t *testing.T) {
	// Grab a port that is guaranteed closed.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	dead := hostspec.Endpoint{
		Address: "127.0.0.1",
		Port:    uint16(l.Addr().(*net.TCPAddr).Port),
	}
	l.Close()

	s := newTestServer(t, dead)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	conn, err := net.Dial("tcp", s.Addr())
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("downstream connection survived upstream connect failure")
	}
}

func TestDownstreamClose_PropagatesToNode(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	nodeConns := make(chan net.Conn, 1)
	go func() {
		c, err := l.Accept()
		if err != nil {
			return
		}
		nodeConns <- c
	}()

	node := hostspec.Endpoint{
		Address: "127.0.0.1",
		Port:    uint16(l.Addr().(*net.TCPAddr).Port),
	}
	s := newTestServer(t, node)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	conn, err := net.Dial("tcp", s.Addr())
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}

	var nodeConn net.Conn
	select {
	case nodeConn = <-nodeConns:
	case <-time.After(5 * time.Second):
		t.Fatal("node never saw an upstream connection")
	}
	defer nodeConn.Close()

	conn.Close()

	nodeConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := nodeConn.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("node side not closed after downstream close: %v", err)
	}
}

func TestStop_InterruptsPendingUpstreamDial(t *testing.T) {
	// A SOCKS5 proxy that accepts and then never answers the handshake,
	// so the upstream dial hangs until its context is canceled.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go io.Copy(io.Discard, c)
		}
	}()

	s, err := NewServer(Config{
		Upstream:       hostspec.Endpoint{Address: "10.0.0.5", Port: 18142},
		SOCKS5Proxy:    l.Addr().String(),
		ConnectTimeout: time.Minute,
		Logger:         logging.NopLogger(),
		Metrics:        metrics.NewMetricsWithRegistry(prometheus.NewRegistry()),
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	conn, err := net.Dial("tcp", s.Addr())
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	defer conn.Close()

	// Let the relay reach the proxy handshake before stopping.
	time.Sleep(100 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop blocked on a pending upstream dial")
	}
}

func TestStop_ClosesActiveTunnels(t *testing.T) {
	node := startEchoNode(t)
	s := newTestServer(t, node)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	conn, err := net.Dial("tcp", s.Addr())
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	defer conn.Close()

	// Make sure the tunnel is up before stopping.
	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.IsRunning() {
		t.Error("IsRunning() true after Stop")
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("downstream connection survived Stop")
	}
}
