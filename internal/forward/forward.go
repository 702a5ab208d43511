// Package forward implements the byte-for-byte bidirectional copy used
// by both the egress dispatcher and the direct-forward bypass.
package forward

import (
	"context"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/effective-security/xlog"
	"github.com/openanolis/tng/internal/metrics"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

var logger = xlog.NewPackageLogger("github.com/openanolis/tng/internal", "forward")

// HalfCloser is implemented by connections that support shutting down
// one direction without closing the whole connection (net.TCPConn,
// tls.Conn); Bidirectional uses it, where available, to let one
// direction finish (e.g. a client sending EOF) without killing the
// other.
type HalfCloser interface {
	CloseWrite() error
}

// Bidirectional copies bytes in both directions between a and b. Each
// direction runs until its source hits EOF or an error and then
// half-closes its destination where supported; once both directions
// have finished, both ends are closed. The two io.Copy loops are joined
// with golang.org/x/sync/errgroup's Group.Go+Wait; ctx does not
// interrupt a copy in progress.
func Bidirectional(ctx context.Context, a, b io.ReadWriteCloser) {
	BidirectionalLabeled(ctx, a, b, "", "")
}

// BidirectionalLabeled is Bidirectional with endpoint labels attached to
// the bytes-forwarded metric.
func BidirectionalLabeled(ctx context.Context, a, b io.ReadWriteCloser, srcLabel, dstLabel string) {
	g, _ := errgroup.WithContext(ctx)

	g.Go(func() error {
		return copyAndHalfClose(a, b, dstLabel, "out")
	})
	g.Go(func() error {
		return copyAndHalfClose(b, a, srcLabel, "in")
	})

	if err := g.Wait(); err != nil && err != io.EOF {
		logger.KV(xlog.DEBUG, "reason", "forward_ended", "err", err.Error())
	}

	_ = a.Close()
	_ = b.Close()
}

func copyAndHalfClose(dst io.Writer, src io.Reader, endpointLabel, direction string) error {
	n, err := io.Copy(dst, src)
	if n > 0 {
		metrics.RecordBytes(direction, endpointLabel, n)
	}

	if hc, ok := dst.(HalfCloser); ok {
		_ = hc.CloseWrite()
	}

	if err == io.EOF {
		return nil
	}
	return err
}

// DialTimeout is the default upstream connect timeout used by adapters
// that build their own net.Dialer; exposed here so tests and the
// direct-forward bypass share one default instead of each hard-coding
// it.
var DialTimeout = 10 * time.Second

// DialUpstream is a small net.Dialer wrapper used by the direct-forward
// bypass and the egress mapping/netfilter adapters to connect to a
// fixed destination with a bounded timeout.
func DialUpstream(ctx context.Context, network, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: DialTimeout}
	return d.DialContext(ctx, network, addr)
}

// DialUpstreamMarked dials like DialUpstream but stamps SO_MARK on the
// socket before connecting, so a netfilter-capture REDIRECT rule that
// excludes the mark never redirects the gateway's own upstream
// connections back into itself.
func DialUpstreamMarked(ctx context.Context, network, addr string, mark int) (net.Conn, error) {
	if mark == 0 {
		return DialUpstream(ctx, network, addr)
	}
	d := net.Dialer{
		Timeout: DialTimeout,
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, mark)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	return d.DialContext(ctx, network, addr)
}
