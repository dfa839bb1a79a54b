package protocol

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/crane-dl/crane/internal/craneerr"
	"github.com/crane-dl/crane/internal/netguard"
)

func allowAllGuard() *netguard.Guard {
	return &netguard.Guard{AllowLoopback: true}
}

func TestOpen_FullRangeAccepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "bytes=0-99" {
			t.Errorf("expected Range header, got %q", r.Header.Get("Range"))
		}
		w.Header().Set("Content-Range", "bytes 0-99/1000")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(make([]byte, 100))
	}))
	defer srv.Close()

	c := NewHTTPClient(allowAllGuard())
	stream, err := c.Open(context.Background(), srv.URL, Range{Start: 0, End: 99}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer stream.Close()

	if !stream.Info().Accepted206 {
		t.Error("expected Accepted206 true")
	}
	data, err := io.ReadAll(stream)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(data) != 100 {
		t.Errorf("expected 100 bytes, got %d", len(data))
	}
}

func TestOpen_ServerLiesAboutRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Ignores the Range header entirely and returns 200 with full body.
		w.WriteHeader(http.StatusOK)
		w.Write(make([]byte, 1000))
	}))
	defer srv.Close()

	c := NewHTTPClient(allowAllGuard())
	stream, err := c.Open(context.Background(), srv.URL, Range{Start: 0, End: 99}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer stream.Close()

	if stream.Info().Accepted206 {
		t.Error("expected Accepted206 false when server returns 200 to a ranged request")
	}
}

func TestOpen_FatalStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewHTTPClient(allowAllGuard())
	_, err := c.Open(context.Background(), srv.URL, Range{}, nil)
	if err == nil {
		t.Fatal("expected an error for 403")
	}
	if craneerr.KindOf(err) != craneerr.HTTPStatus {
		t.Errorf("expected HTTPStatus, got %v", craneerr.KindOf(err))
	}
	if !craneerr.Fatal(err) {
		t.Error("expected 403 to be fatal")
	}
}

func TestOpen_RetryableStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTPClient(allowAllGuard())
	_, err := c.Open(context.Background(), srv.URL, Range{}, nil)
	if err == nil {
		t.Fatal("expected an error for 503")
	}
	if !craneerr.Retryable(err) {
		t.Error("expected 503 to be retryable")
	}
}

func TestOpen_BlocksSSRFTarget(t *testing.T) {
	c := NewHTTPClient(netguard.New())
	_, err := c.Open(context.Background(), "http://127.0.0.1:1/whatever", Range{}, nil)
	if err == nil {
		t.Fatal("expected SSRF block")
	}
	if craneerr.KindOf(err) != craneerr.SSRFBlocked {
		t.Errorf("expected SSRFBlocked, got %v", craneerr.KindOf(err))
	}
}
