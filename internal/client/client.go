// Package client implements the merge-mining client for the auxiliary
// chain. It owns the loopback relay, the RPC stub bound to it, and the
// chain parameter cache, and wires them together in dependency order:
// resolve the node endpoint, start the relay, point the stub at the
// relay's loopback port, then fetch the chain parameters in the
// background.
package client

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/coinstash/auxrelay/internal/chainparams"
	"github.com/coinstash/auxrelay/internal/hostspec"
	"github.com/coinstash/auxrelay/internal/logging"
	"github.com/coinstash/auxrelay/internal/metrics"
	"github.com/coinstash/auxrelay/internal/noderpc"
	"github.com/coinstash/auxrelay/internal/relay"
)

// ErrNotImplemented is returned by SubmitSolution until solution
// forwarding is built.
var ErrNotImplemented = errors.New("client: solution submission not implemented")

// Options configures a merge-mining client.
type Options struct {
	// Host is the scheme-prefixed node host specification, e.g.
	// "tari://10.0.0.5:18142/".
	Host string

	// Wallet is the auxiliary chain wallet address.
	Wallet string

	// ResolveDNS resolves hostnames at construction time. When false,
	// hostnames are passed to the dialer as-is.
	ResolveDNS bool

	// Lookup overrides DNS resolution. Nil means the system resolver.
	Lookup func(host string) ([]net.IP, error)

	// SOCKS5Proxy optionally tunnels upstream connections.
	SOCKS5Proxy string

	// ConnectTimeout bounds upstream dialing.
	ConnectTimeout time.Duration

	// RPCTimeout bounds each call of the refresh handshake.
	RPCTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Client is the merge-mining integration for one auxiliary node.
type Client struct {
	host   string
	wallet string

	cache  *chainparams.Cache
	server *relay.Server
	node   *noderpc.Client

	log *slog.Logger
	mx  *metrics.Metrics

	refreshWG sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// New constructs a client. Construction fails on an unusable host
// specification, an unresolvable endpoint, or relay startup failure;
// no partially initialized client escapes.
func New(opts Options) (*Client, error) {
	log := opts.Logger
	if log == nil {
		log = logging.NopLogger()
	}
	mx := opts.Metrics
	if mx == nil {
		mx = metrics.Default()
	}

	// Endpoint resolution completes strictly before the relay starts, so
	// the upstream endpoint is immutable once connections can arrive.
	endpoint, err := hostspec.Resolve(opts.Host, hostspec.Options{
		ResolveDNS: opts.ResolveDNS,
		Lookup:     opts.Lookup,
	})
	if err != nil {
		return nil, err
	}

	server, err := relay.NewServer(relay.Config{
		Upstream:       endpoint,
		SOCKS5Proxy:    opts.SOCKS5Proxy,
		ConnectTimeout: opts.ConnectTimeout,
		Logger:         log,
		Metrics:        mx,
	})
	if err != nil {
		return nil, err
	}

	if err := server.Start(); err != nil {
		return nil, fmt.Errorf("start relay: %w", err)
	}

	c := &Client{
		host:   opts.Host,
		wallet: opts.Wallet,
		cache:  chainparams.NewCache(log),
		server: server,
		node:   noderpc.NewClient(server.Addr(), opts.RPCTimeout, log),
		log:    log.With(logging.KeyComponent, "client"),
		mx:     mx,
	}

	c.refreshWG.Add(1)
	go c.refreshChainParams()

	return c, nil
}

// GetParams returns a copy of the latest auxiliary chain parameters.
// ok is false until a refresh has populated both the identifier and the
// difficulty.
func (c *Client) GetParams() (chainparams.Params, bool) {
	return c.cache.Get()
}

// SubmitSolution accepts a mined auxiliary block and its merkle
// inclusion proof. Forwarding to the node is not built yet; the call is
// logged so downstream mining logic can observe completion.
func (c *Client) SubmitSolution(blob []byte, merkleProof [][]byte) error {
	c.log.Warn("solution submission not implemented, dropping block",
		logging.KeyHost, c.host,
		logging.KeySize, len(blob),
		"proof_hashes", len(merkleProof))
	return ErrNotImplemented
}

// RelayPort returns the relay's loopback listen port, for diagnostics.
func (c *Client) RelayPort() int {
	return c.server.Port()
}

// RelayBytes returns the total bytes forwarded through the relay in each
// direction.
func (c *Client) RelayBytes() (toNode, toClient uint64) {
	return c.server.BytesForwarded()
}

// Host returns the configured host specification string.
func (c *Client) Host() string {
	return c.host
}

// Close stops the relay and waits for an in-flight refresh to finish.
// A refresh that outlives the relay fails its RPC calls against the
// closed loopback port and completes without updating the cache.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.server.Stop()
		c.refreshWG.Wait()
		c.log.Info("stopped", logging.KeyHost, c.host)
	})
	return c.closeErr
}
