package mdns

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"slices"
	"sync/atomic"
	"testing"
	"time"
)

func TestSplitServiceType(t *testing.T) {
	tests := []struct {
		in, svc, domain string
	}{
		{"_http._tcp.local.", "_http._tcp", "local"},
		{"_http._tcp.local", "_http._tcp", "local"},
		{"_http._tcp", "_http._tcp", "local"},
		{"_ipp._tcp.example.org.", "_ipp._tcp", "example.org"},
	}
	for _, tt := range tests {
		svc, domain := splitServiceType(tt.in)
		if svc != tt.svc || domain != tt.domain {
			t.Errorf("splitServiceType(%q) = (%q, %q), want (%q, %q)", tt.in, svc, domain, tt.svc, tt.domain)
		}
	}
}

func TestEscapeInstance(t *testing.T) {
	if got := escapeInstance("Airhive (2)"); got != `Airhive\ (2)` {
		t.Fatalf("escapeInstance = %q", got)
	}
	if got := escapeInstance("a.b"); got != `a\.b` {
		t.Fatalf("escapeInstance = %q", got)
	}
}

func TestAddressConversion(t *testing.T) {
	addrs := []netip.Addr{netip.MustParseAddr("127.0.0.1"), netip.MustParseAddr("fe80::1")}
	ips := toIPs(addrs)
	if !ips[0].Equal(net.IPv4(127, 0, 0, 1)) {
		t.Fatalf("toIPs[0] = %v", ips[0])
	}
	if got := fromIPs(ips); !slices.Equal(got, addrs) {
		t.Fatalf("fromIPs = %v, want %v", got, addrs)
	}
	// 16-byte IPv4 forms come back unmapped.
	if got := fromIPs([]net.IP{net.IPv4(10, 0, 0, 7)}); got[0] != netip.MustParseAddr("10.0.0.7") {
		t.Fatalf("fromIPs mapped = %v", got)
	}
}

func TestRegistrationCloseWithdrawsAndStops(t *testing.T) {
	var withdrawn atomic.Bool
	running := make(chan struct{})
	reg := newRegistration("Airhive (2)", func() { withdrawn.Store(true) }, func(ctx context.Context) error {
		close(running)
		<-ctx.Done()
		return ctx.Err()
	}, func(err error) { t.Errorf("unexpected failure: %v", err) })

	<-running
	if reg.Name() != "Airhive (2)" {
		t.Fatalf("Name = %q", reg.Name())
	}
	if err := reg.Close(); err != nil {
		t.Fatalf("Close = %v", err)
	}
	if !withdrawn.Load() {
		t.Fatal("service not withdrawn on Close")
	}
	select {
	case <-reg.Done():
		t.Fatal("Done closed by a normal Close")
	default:
	}
	if err := reg.Close(); err != nil {
		t.Fatalf("second Close = %v", err)
	}
}

func TestRegistrationReportsResponderFailure(t *testing.T) {
	respondErr := errors.New("bind 5353: address in use")
	failures := make(chan error, 1)
	reg := newRegistration("Airhive", func() {}, func(context.Context) error {
		return respondErr
	}, func(err error) { failures <- err })

	select {
	case <-reg.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after responder failure")
	}
	if !errors.Is(reg.Err(), respondErr) {
		t.Fatalf("Err = %v, want responder error", reg.Err())
	}
	if err := <-failures; !errors.Is(err, respondErr) {
		t.Fatalf("failure callback got %v", err)
	}
	if err := reg.Close(); !errors.Is(err, respondErr) {
		t.Fatalf("Close = %v, want responder error", err)
	}
}
