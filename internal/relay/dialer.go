package relay

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/proxy"
)

// buildDialer returns the dialer used for upstream connections. With an
// empty proxy address it dials directly; otherwise it tunnels through
// the given SOCKS5 proxy.
func buildDialer(socks5Addr string, timeout time.Duration) (proxy.Dialer, error) {
	base := &net.Dialer{Timeout: timeout}

	if socks5Addr == "" {
		return base, nil
	}

	if _, _, err := net.SplitHostPort(socks5Addr); err != nil {
		return nil, fmt.Errorf("invalid SOCKS5 proxy address %q: %w", socks5Addr, err)
	}

	dialer, err := proxy.SOCKS5("tcp", socks5Addr, nil, base)
	if err != nil {
		return nil, fmt.Errorf("create SOCKS5 dialer: %w", err)
	}
	return dialer, nil
}

// dialContext dials through d, honoring ctx cancellation. Both the plain
// net.Dialer and the SOCKS5 dialer implement proxy.ContextDialer, so the
// fallback only covers exotic Dialer implementations.
func dialContext(ctx context.Context, d proxy.Dialer, network, addr string) (net.Conn, error) {
	if cd, ok := d.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, network, addr)
	}
	return d.Dial(network, addr)
}
