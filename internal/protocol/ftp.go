package protocol

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/crane-dl/crane/internal/craneerr"
	"github.com/crane-dl/crane/internal/netguard"
)

// FTPClient handles the FTP branch of spec.md §4.4: passive mode, REST for
// offset, RETR for transfer, single worker per download — no parallel
// ranges on FTP, still metered by the shared bandwidth limiter by the
// caller. Grounded on github.com/jlaffaye/ftp, the FTP library validated
// present in the pack's forest6511-gdl and KilimcininKorOglu-burkut
// manifests.
type FTPClient struct {
	Guard          *netguard.Guard
	ConnectTimeout time.Duration
}

// NewFTPClient builds an FTPClient.
func NewFTPClient(guard *netguard.Guard) *FTPClient {
	return &FTPClient{Guard: guard, ConnectTimeout: defaultConnectTimeout}
}

// Open connects to an ftp:// URL, authenticates (anonymous unless the URL
// carries credentials), and begins a RETR starting at rng.Start.
func (c *FTPClient) Open(ctx context.Context, rawURL string, rng Range, headers map[string]string) (Stream, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, craneerr.Wrap(craneerr.Malformed, "parsing FTP URL", err)
	}

	if c.Guard != nil {
		if err := c.Guard.CheckHost(ctx, u.Hostname()); err != nil {
			return nil, err
		}
	}

	addr := u.Host
	if u.Port() == "" {
		addr = fmt.Sprintf("%s:21", u.Hostname())
	}

	timeout := c.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}

	conn, err := ftp.Dial(addr, ftp.DialWithTimeout(timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, craneerr.Wrap(craneerr.ConnectTimeout, "dialing FTP server", err)
	}

	user, pass := "anonymous", "anonymous@"
	if u.User != nil {
		user = u.User.Username()
		if p, ok := u.User.Password(); ok {
			pass = p
		}
	}
	if err := conn.Login(user, pass); err != nil {
		conn.Quit()
		return nil, craneerr.Wrap(craneerr.PermissionDenied, "FTP login failed", err)
	}

	size, sizeErr := conn.FileSize(u.Path)
	if sizeErr != nil {
		size = -1
	}

	resp, err := conn.RetrFrom(u.Path, uint64(rng.Start))
	if err != nil {
		conn.Quit()
		if rng.Start > 0 {
			return nil, craneerr.New(craneerr.RangeNotSupported, "server rejected REST offset")
		}
		return nil, craneerr.Wrap(craneerr.ReadTimeout, "RETR failed", err)
	}

	total := int64(-1)
	if size >= 0 {
		total = size - rng.Start
	}

	return &ftpStream{conn: conn, resp: resp, info: ResponseInfo{StatusCode: 226, ContentLength: total, Accepted206: rng.Start > 0}}, nil
}

type ftpStream struct {
	conn *ftp.ServerConn
	resp *ftp.Response
	info ResponseInfo
}

func (s *ftpStream) Info() ResponseInfo { return s.info }

func (s *ftpStream) Read(p []byte) (int, error) {
	return s.resp.Read(p)
}

func (s *ftpStream) Close() error {
	err := s.resp.Close()
	s.conn.Quit()
	return err
}
