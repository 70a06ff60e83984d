// Package hostspec resolves auxiliary node host specifications.
//
// A host specification is a scheme-prefixed string naming one or more
// candidate hosts separated by commas, each as host:port and optionally
// trailed by slash characters, e.g. "tari://10.0.0.5:18142/". Resolution
// selects the first candidate that yields a usable endpoint.
package hostspec

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Scheme is the required prefix of a host specification.
const Scheme = "tari://"

// Endpoint is a selected (address, port, family) tuple. It is immutable
// once returned from Resolve.
type Endpoint struct {
	Address string
	Port    uint16
	IsV6    bool
}

// String formats the endpoint as a dialable host:port.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(int(e.Port)))
}

// Options controls endpoint resolution.
type Options struct {
	// ResolveDNS enables resolving hostnames to IP addresses. When false,
	// hostnames are accepted verbatim and resolved at dial time.
	ResolveDNS bool

	// Lookup overrides the DNS resolver. Nil means net.LookupIP.
	Lookup func(host string) ([]net.IP, error)
}

// Resolve parses a host specification and selects the first usable
// endpoint. It fails when the scheme prefix is missing, the remainder is
// empty after trimming trailing slashes, or no candidate yields a valid
// address and port.
func Resolve(raw string, opts Options) (Endpoint, error) {
	if !strings.HasPrefix(raw, Scheme) {
		return Endpoint{}, fmt.Errorf("invalid host %q: missing %q prefix", raw, Scheme)
	}

	rest := strings.TrimRight(strings.TrimPrefix(raw, Scheme), "/")
	if rest == "" {
		return Endpoint{}, fmt.Errorf("invalid host %q: empty after prefix", raw)
	}

	lookup := opts.Lookup
	if lookup == nil {
		lookup = net.LookupIP
	}

	var lastErr error
	for _, candidate := range strings.Split(rest, ",") {
		candidate = strings.TrimRight(strings.TrimSpace(candidate), "/")
		if candidate == "" {
			continue
		}

		ep, err := parseCandidate(candidate, opts.ResolveDNS, lookup)
		if err != nil {
			lastErr = err
			continue
		}
		return ep, nil
	}

	if lastErr != nil {
		return Endpoint{}, fmt.Errorf("invalid host %q: %w", raw, lastErr)
	}
	return Endpoint{}, fmt.Errorf("invalid host %q: no usable candidate", raw)
}

func parseCandidate(candidate string, resolveDNS bool, lookup func(string) ([]net.IP, error)) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(candidate)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse %q: %w", candidate, err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse port %q: %w", portStr, err)
	}
	if port < 1 || port > 65535 {
		return Endpoint{}, fmt.Errorf("port %d out of range", port)
	}

	// IP literals are accepted as-is.
	if ip := net.ParseIP(host); ip != nil {
		return Endpoint{
			Address: host,
			Port:    uint16(port),
			IsV6:    ip.To4() == nil,
		}, nil
	}

	if !resolveDNS {
		return Endpoint{Address: host, Port: uint16(port)}, nil
	}

	ips, err := lookup(host)
	if err != nil {
		return Endpoint{}, fmt.Errorf("resolve %q: %w", host, err)
	}
	if len(ips) == 0 {
		return Endpoint{}, fmt.Errorf("resolve %q: no addresses", host)
	}

	ip := ips[0]
	return Endpoint{
		Address: ip.String(),
		Port:    uint16(port),
		IsV6:    ip.To4() == nil,
	}, nil
}
