package hostspec

import (
	"errors"
	"net"
	"strings"
	"testing"
)

func TestResolve_MissingPrefix(t *testing.T) {
	tests := []string{
		"",
		"10.0.0.5:18142",
		"http://10.0.0.5:18142",
		"tari:/10.0.0.5:18142",
		"TARI://10.0.0.5:18142",
	}

	for _, raw := range tests {
		t.Run(raw, func(t *testing.T) {
			if _, err := Resolve(raw, Options{}); err == nil {
				t.Errorf("Resolve(%q) succeeded, want prefix error", raw)
			}
		})
	}
}

func TestResolve_EmptyAfterPrefix(t *testing.T) {
	for _, raw := range []string{"tari://", "tari:///", "tari://////"} {
		if _, err := Resolve(raw, Options{}); err == nil {
			t.Errorf("Resolve(%q) succeeded, want error", raw)
		}
	}
}

func TestResolve_TrailingSlashesIrrelevant(t *testing.T) {
	want, err := Resolve("tari://10.0.0.5:18142", Options{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	for _, raw := range []string{
		"tari://10.0.0.5:18142/",
		"tari://10.0.0.5:18142//",
		"tari://10.0.0.5:18142/////",
	} {
		got, err := Resolve(raw, Options{})
		if err != nil {
			t.Fatalf("Resolve(%q): %v", raw, err)
		}
		if got != want {
			t.Errorf("Resolve(%q) = %+v, want %+v", raw, got, want)
		}
	}
}

func TestResolve_IPv4Literal(t *testing.T) {
	ep, err := Resolve("tari://10.0.0.5:18142/", Options{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ep.Address != "10.0.0.5" || ep.Port != 18142 || ep.IsV6 {
		t.Errorf("unexpected endpoint %+v", ep)
	}
	if ep.String() != "10.0.0.5:18142" {
		t.Errorf("String() = %q", ep.String())
	}
}

func TestResolve_IPv6Literal(t *testing.T) {
	ep, err := Resolve("tari://[2001:db8::1]:18142", Options{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !ep.IsV6 {
		t.Error("expected IsV6")
	}
	if ep.Address != "2001:db8::1" || ep.Port != 18142 {
		t.Errorf("unexpected endpoint %+v", ep)
	}
	if ep.String() != "[2001:db8::1]:18142" {
		t.Errorf("String() = %q", ep.String())
	}
}

func TestResolve_PortRange(t *testing.T) {
	for _, raw := range []string{
		"tari://10.0.0.5:0",
		"tari://10.0.0.5:65536",
		"tari://10.0.0.5:-1",
		"tari://10.0.0.5:port",
	} {
		if _, err := Resolve(raw, Options{}); err == nil {
			t.Errorf("Resolve(%q) succeeded, want port error", raw)
		}
	}
}

func TestResolve_HostnameWithoutDNS(t *testing.T) {
	ep, err := Resolve("tari://node.example.com:18142/", Options{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ep.Address != "node.example.com" || ep.Port != 18142 || ep.IsV6 {
		t.Errorf("unexpected endpoint %+v", ep)
	}
}

func TestResolve_HostnameWithDNS(t *testing.T) {
	lookup := func(host string) ([]net.IP, error) {
		if host != "node.example.com" {
			return nil, errors.New("unknown host")
		}
		return []net.IP{net.ParseIP("192.0.2.7")}, nil
	}

	ep, err := Resolve("tari://node.example.com:18142", Options{ResolveDNS: true, Lookup: lookup})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ep.Address != "192.0.2.7" || ep.IsV6 {
		t.Errorf("unexpected endpoint %+v", ep)
	}
}

func TestResolve_FirstUsableCandidateWins(t *testing.T) {
	lookup := func(host string) ([]net.IP, error) {
		switch host {
		case "dead.example.com":
			return nil, errors.New("NXDOMAIN")
		case "live.example.com":
			return []net.IP{net.ParseIP("192.0.2.9")}, nil
		}
		return nil, errors.New("unexpected host")
	}

	ep, err := Resolve("tari://dead.example.com:1000,live.example.com:2000,10.0.0.5:3000",
		Options{ResolveDNS: true, Lookup: lookup})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ep.Address != "192.0.2.9" || ep.Port != 2000 {
		t.Errorf("expected second candidate, got %+v", ep)
	}
}

func TestResolve_AllCandidatesFail(t *testing.T) {
	lookup := func(string) ([]net.IP, error) {
		return nil, errors.New("NXDOMAIN")
	}

	_, err := Resolve("tari://a.invalid:1,b.invalid:2", Options{ResolveDNS: true, Lookup: lookup})
	if err == nil {
		t.Fatal("Resolve succeeded, want error")
	}
	if !strings.Contains(err.Error(), "NXDOMAIN") {
		t.Errorf("error %q does not mention resolution failure", err)
	}
}
