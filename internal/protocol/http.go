package protocol

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/crane-dl/crane/internal/craneerr"
	"github.com/crane-dl/crane/internal/netguard"
)

// HTTPClient issues HEAD for analysis and ranged GET for chunk transfer,
// per spec.md §4.4. Grounded on the teacher's probeRangeSupport/
// probeWithHEAD/downloadChunkOnce trio in internal/core/downloader/
// multistream.go, rebuilt around the typed craneerr taxonomy and the
// shared network guard instead of ad hoc string matching.
type HTTPClient struct {
	Guard   *netguard.Guard
	Client  *http.Client
	Headers map[string]string // default headers merged under per-call headers

	ConnectTimeout time.Duration
	HeaderTimeout  time.Duration
	IdleTimeout    time.Duration // between-bytes stall timeout
}

const (
	defaultConnectTimeout = 10 * time.Second
	defaultHeaderTimeout  = 15 * time.Second
	defaultIdleTimeout    = 30 * time.Second
	maxRedirects          = 10
)

// NewHTTPClient builds an HTTPClient that checks the target host against
// guard before each request and re-validates every redirect hop. The
// transport's own dialer is not wrapped by the guard.
func NewHTTPClient(guard *netguard.Guard) *HTTPClient {
	h := &HTTPClient{
		Guard:          guard,
		ConnectTimeout: defaultConnectTimeout,
		HeaderTimeout:  defaultHeaderTimeout,
		IdleTimeout:    defaultIdleTimeout,
	}
	h.Client = &http.Client{
		CheckRedirect: guard.CheckRedirect(maxRedirects),
	}
	return h
}

// Head performs the analysis probe: it issues a HEAD request and reports
// what came back. No ranged-GET fallback is attempted here or by the
// analyzer.
func (h *HTTPClient) Head(ctx context.Context, url string, headers map[string]string) (ResponseInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, h.HeaderTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return ResponseInfo{}, craneerr.Wrap(craneerr.Malformed, "building HEAD request", err)
	}
	h.applyHeaders(req, headers)

	if err := h.validateHost(ctx, req); err != nil {
		return ResponseInfo{}, err
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return ResponseInfo{}, classifyTransportError(err)
	}
	defer resp.Body.Close()

	return infoFromResponse(resp), nil
}

// Open issues a ranged GET and returns a live stream, per spec.md §4.4.
// Accepts 200 only when rng is the zero-value full range; otherwise
// requires 206. A 200 to a ranged request is reported via Accepted206=false
// so callers can detect the "server lies about ranges" scenario themselves.
func (h *HTTPClient) Open(ctx context.Context, url string, rng Range, headers map[string]string) (Stream, error) {
	// The connect timeout bounds only the wait for response headers; the
	// request context must stay live while the body streams, so it is
	// released by the stream's Close rather than right after Do.
	reqCtx, cancel := context.WithCancel(ctx)
	connectTimer := time.AfterFunc(h.ConnectTimeout, cancel)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, craneerr.Wrap(craneerr.Malformed, "building GET request", err)
	}
	h.applyHeaders(req, headers)
	if rng.Start != 0 || rng.End != 0 {
		req.Header.Set("Range", rng.String())
	}

	if err := h.validateHost(reqCtx, req); err != nil {
		cancel()
		return nil, err
	}

	resp, err := h.Client.Do(req)
	connectTimer.Stop()
	if err != nil {
		cancel()
		return nil, classifyTransportError(err)
	}

	wantsRange := rng.Start != 0 || rng.End != 0
	if wantsRange {
		if resp.StatusCode != http.StatusPartialContent {
			if resp.StatusCode == http.StatusOK {
				// Server lied: advertised Accept-Ranges but returned the
				// full body. Caller (engine) falls back to single-chunk.
				return &httpStream{resp: resp, info: infoFromResponse(resp), idleTimeout: h.IdleTimeout, cancel: cancel}, nil
			}
			resp.Body.Close()
			cancel()
			return nil, statusToError(resp.StatusCode)
		}
	} else if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, statusToError(resp.StatusCode)
	}

	info := infoFromResponse(resp)
	if wantsRange {
		info.Accepted206 = resp.StatusCode == http.StatusPartialContent
	}
	return &httpStream{resp: resp, info: info, idleTimeout: h.IdleTimeout, cancel: cancel}, nil
}

func (h *HTTPClient) applyHeaders(req *http.Request, headers map[string]string) {
	for k, v := range h.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
}

func (h *HTTPClient) validateHost(ctx context.Context, req *http.Request) error {
	if h.Guard == nil {
		return nil
	}
	return h.Guard.CheckHost(ctx, req.URL.Hostname())
}

func infoFromResponse(resp *http.Response) ResponseInfo {
	return ResponseInfo{
		StatusCode:         resp.StatusCode,
		ContentLength:      resp.ContentLength,
		Accepted206:        resp.StatusCode == http.StatusPartialContent,
		AcceptRanges:       resp.Header.Get("Accept-Ranges") == "bytes",
		ETag:               resp.Header.Get("ETag"),
		LastModified:       resp.Header.Get("Last-Modified"),
		ContentDisposition: resp.Header.Get("Content-Disposition"),
		ContentType:        resp.Header.Get("Content-Type"),
	}
}

func statusToError(code int) error {
	if code == http.StatusRequestedRangeNotSatisfiable {
		return craneerr.New(craneerr.RangeNotSupported, "server rejected range request")
	}
	return craneerr.HTTPStatusError(code, fmt.Sprintf("unexpected status %d", code))
}

func classifyTransportError(err error) error {
	if err == nil {
		return nil
	}
	if ue, ok := err.(interface{ Timeout() bool }); ok && ue.Timeout() {
		return craneerr.Wrap(craneerr.ConnectTimeout, "connecting", err)
	}
	return craneerr.Wrap(craneerr.ConnectTimeout, "connecting", err)
}

// httpStream wraps an *http.Response body, enforcing the idle-between-bytes
// timeout described in spec.md §4.4 via a watchdog timer around each Read
// call.
type httpStream struct {
	resp        *http.Response
	info        ResponseInfo
	idleTimeout time.Duration
	cancel      context.CancelFunc // releases the request context on Close
}

func (s *httpStream) Info() ResponseInfo { return s.info }

func (s *httpStream) Read(p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := s.resp.Body.Read(p)
		done <- result{n, err}
	}()

	timeout := s.idleTimeout
	if timeout <= 0 {
		timeout = defaultIdleTimeout
	}
	select {
	case r := <-done:
		return r.n, r.err
	case <-time.After(timeout):
		s.resp.Body.Close()
		return 0, craneerr.New(craneerr.ReadTimeout, "idle timeout waiting for bytes")
	}
}

func (s *httpStream) Close() error {
	err := s.resp.Body.Close()
	if s.cancel != nil {
		s.cancel()
	}
	return err
}

var _ io.ReadCloser = (*httpStream)(nil)
