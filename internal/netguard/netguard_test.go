package netguard

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"testing"

	"github.com/crane-dl/crane/internal/craneerr"
)

func TestCheckHost_BlocksLoopback(t *testing.T) {
	g := New()
	err := g.CheckHost(context.Background(), "127.0.0.1")
	if err == nil {
		t.Fatal("expected SSRFBlocked for loopback address")
	}
	if craneerr.KindOf(err) != craneerr.SSRFBlocked {
		t.Errorf("expected SSRFBlocked, got %v", craneerr.KindOf(err))
	}
}

func TestCheckHost_BlocksPrivateRanges(t *testing.T) {
	g := New()
	for _, host := range []string{"10.0.0.5", "172.16.4.4", "192.168.1.1", "169.254.1.1"} {
		if err := g.CheckHost(context.Background(), host); err == nil {
			t.Errorf("expected %s to be blocked", host)
		}
	}
}

func TestCheckHost_AllowsPublicIP(t *testing.T) {
	g := New()
	if err := g.CheckHost(context.Background(), "93.184.216.34"); err != nil {
		t.Errorf("expected public IP allowed, got %v", err)
	}
}

func TestCheckHost_BlocksMulticastAndUnspecified(t *testing.T) {
	g := New()
	for _, host := range []string{"224.0.0.1", "0.0.0.0"} {
		if err := g.CheckHost(context.Background(), host); err == nil {
			t.Errorf("expected %s to be blocked", host)
		}
	}
}

func TestCheckHost_DNSFailure(t *testing.T) {
	g := &Guard{Resolver: &net.Resolver{PreferGo: true}}
	err := g.CheckHost(context.Background(), "this-host-does-not-exist.invalid")
	if err == nil {
		t.Fatal("expected a DNS failure")
	}
	if craneerr.KindOf(err) != craneerr.DNSFailure {
		t.Errorf("expected DNSFailure, got %v", craneerr.KindOf(err))
	}
}

func TestCheckRedirect_StopsAfterMaxHops(t *testing.T) {
	g := New()
	fn := g.CheckRedirect(2)
	u, _ := url.Parse("https://example.com/")
	req := &http.Request{URL: u}
	via := []*http.Request{req, req}
	if err := fn(req, via); err == nil {
		t.Fatal("expected an error once the redirect chain hits the cap")
	}
}

func TestCheckRedirect_BlocksPrivateHop(t *testing.T) {
	g := New()
	fn := g.CheckRedirect(10)
	u, _ := url.Parse("http://127.0.0.1/secret")
	req := &http.Request{URL: u}
	req = req.WithContext(context.Background())
	if err := fn(req, nil); err == nil {
		t.Fatal("expected redirect to loopback host to be blocked")
	} else if craneerr.KindOf(err) != craneerr.SSRFBlocked {
		t.Errorf("expected SSRFBlocked, got %v", craneerr.KindOf(err))
	}
}
