package acquisition

import (
	"context"
	"fmt"
	"net"

	"github.com/effective-security/xlog"
	"github.com/openanolis/tng/internal/config"
	"github.com/openanolis/tng/internal/endpoint"
	"github.com/openanolis/tng/internal/iptables"
	"github.com/pkg/errors"
)

// Netfilter accepts connections redirected by an iptables REDIRECT rule
// and recovers the connection's original destination via the kernel
// socket option.
type Netfilter struct {
	ln       net.Listener
	teardown func() error
}

// NewNetfilter binds the redirect target port (an ephemeral one when
// listen_port is unset) and installs the redirect rule set described by
// cfg via internal/iptables. The listener comes first so an
// auto-assigned port is known before any rule names it.
func NewNetfilter(ctx context.Context, cfg *config.NetfilterConfig) (*Netfilter, error) {
	lc := listenConfig()
	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", cfg.ListenPort))
	if err != nil {
		return nil, errors.WithMessagef(err, "acquisition: netfilter listen on port %d", cfg.ListenPort)
	}
	port := uint16(ln.Addr().(*net.TCPAddr).Port)

	teardown, err := iptables.InstallRedirect(iptables.RedirectSpec{
		DstHost:      cfg.CaptureDst.Host,
		DstPort:      cfg.CaptureDst.Port,
		CaptureLocal: cfg.CaptureLocalTraffic,
		RedirectPort: port,
		SoMark:       cfg.EffectiveSoMark(),
	})
	if err != nil {
		_ = ln.Close()
		return nil, errors.WithMessage(err, "acquisition: install netfilter rules")
	}

	return &Netfilter{ln: ln, teardown: teardown}, nil
}

// Accept blocks for the next redirected connection. A connection whose
// original destination cannot be recovered is closed and skipped, not
// surfaced as a loop-terminal error: one unredirected or already-reset
// peer must never stop the adapter from serving the rest.
func (n *Netfilter) Accept(ctx context.Context) (Accepted, error) {
	for {
		conn, err := acceptWithContext(ctx, n.ln)
		if err != nil {
			return Accepted{}, err
		}

		tcpConn, ok := conn.(*net.TCPConn)
		if !ok {
			logger.KV(xlog.DEBUG, "reason", "not_a_tcp_conn", "peer", conn.RemoteAddr().String())
			_ = conn.Close()
			continue
		}

		dst, err := iptables.OriginalDst(tcpConn)
		if err != nil {
			logger.KV(xlog.DEBUG, "reason", "original_dst_failed", "peer", conn.RemoteAddr().String(), "err", err.Error())
			_ = conn.Close()
			continue
		}

		return Accepted{Conn: conn, Destination: endpoint.New(dst.IP.String(), uint16(dst.Port))}, nil
	}
}

func (n *Netfilter) Close() error {
	err := n.ln.Close()
	if tErr := n.teardown(); tErr != nil && err == nil {
		err = tErr
	}
	return err
}
