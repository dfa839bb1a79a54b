package analyzer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/crane-dl/crane/internal/model"
	"github.com/crane-dl/crane/internal/netguard"
	"github.com/crane-dl/crane/internal/protocol"
)

func TestAnalyze_ResumableWithContentDisposition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", "2048")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := New(protocol.NewHTTPClient(&netguard.Guard{AllowLoopback: true}))
	res, err := a.Analyze(context.Background(), srv.URL+"/report.pdf", nil)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !res.Resumable {
		t.Error("expected resumable when Accept-Ranges: bytes and known length")
	}
	if res.Filename != "report.pdf" {
		t.Errorf("expected filename derived from URL path, got %q", res.Filename)
	}
	if res.Category != model.CategoryDocuments {
		t.Errorf("expected documents category, got %v", res.Category)
	}
}

func TestAnalyze_NonResumableWithoutAcceptRanges(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "2048")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := New(protocol.NewHTTPClient(&netguard.Guard{AllowLoopback: true}))
	res, err := a.Analyze(context.Background(), srv.URL+"/video.mp4", nil)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.Resumable {
		t.Error("expected non-resumable without Accept-Ranges header")
	}
	if res.Category != model.CategoryVideo {
		t.Errorf("expected video category, got %v", res.Category)
	}
}

func TestDeriveFilename_FallsBackToDownload(t *testing.T) {
	if got := deriveFilename("", "/"); got != "download" {
		t.Errorf("expected 'download' fallback, got %q", got)
	}
}

func TestDeriveFilename_FromContentDisposition(t *testing.T) {
	got := deriveFilename(`attachment; filename="archive.zip"`, "/x/report.pdf")
	if got != "archive.zip" {
		t.Errorf("expected Content-Disposition filename to win, got %q", got)
	}
}

func TestClassify_UnknownExtensionIsOther(t *testing.T) {
	if got := classify("", "mystery.xyz"); got != model.CategoryOther {
		t.Errorf("expected other category, got %v", got)
	}
}

func TestAnalyze_MalformedURL(t *testing.T) {
	a := New(protocol.NewHTTPClient(netguard.New()))
	_, err := a.Analyze(context.Background(), "gopher://example.com/x", nil)
	if err == nil {
		t.Fatal("expected unsupported scheme to be rejected")
	}
}
