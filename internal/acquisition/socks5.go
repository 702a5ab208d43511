package acquisition

import (
	"context"
	"encoding/binary"
	"io"
	"net"

	"github.com/effective-security/xlog"
	"github.com/openanolis/tng/internal/config"
	"github.com/openanolis/tng/internal/endpoint"
	"github.com/pkg/errors"
)

// Socks5 implements the subset of RFC 1928 the gateway needs: no-auth
// only, CONNECT method, endpoint taken from the request's address
// field.
type Socks5 struct {
	ln net.Listener
}

// NewSocks5 binds cfg.Listen.
func NewSocks5(ctx context.Context, cfg *config.Socks5Config) (*Socks5, error) {
	lc := listenConfig()
	ln, err := lc.Listen(ctx, "tcp", cfg.Listen)
	if err != nil {
		return nil, errors.WithMessagef(err, "acquisition: socks5 listen %s", cfg.Listen)
	}
	return &Socks5{ln: ln}, nil
}

func (s *Socks5) Accept(ctx context.Context) (Accepted, error) {
	for {
		conn, err := acceptWithContext(ctx, s.ln)
		if err != nil {
			return Accepted{}, err
		}
		ep, err := socks5Handshake(conn)
		if err != nil {
			logger.KV(xlog.DEBUG, "reason", "handshake_failed", "err", err.Error())
			_ = conn.Close()
			continue
		}
		return Accepted{Conn: conn, Destination: ep}, nil
	}
}

func (s *Socks5) Close() error { return s.ln.Close() }

const (
	socks5Version      = 0x05
	socks5AuthNone     = 0x00
	socks5CmdConnect   = 0x01
	socks5AtypIPv4     = 0x01
	socks5AtypDomain   = 0x03
	socks5AtypIPv6     = 0x04
	socks5ReplySuccess = 0x00
	socks5ReplyGeneral = 0x01
)

// socks5Handshake runs the version-identifier/method-selection exchange
// (no-auth only), reads the CONNECT request, and replies with success
// before handing the now-tunneling connection back to the caller.
func socks5Handshake(conn net.Conn) (endpoint.Endpoint, error) {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return endpoint.Endpoint{}, errors.WithMessage(err, "socks5: read greeting header")
	}
	if hdr[0] != socks5Version {
		return endpoint.Endpoint{}, errors.Errorf("socks5: unsupported version %d", hdr[0])
	}
	methods := make([]byte, hdr[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return endpoint.Endpoint{}, errors.WithMessage(err, "socks5: read auth methods")
	}

	hasNoAuth := false
	for _, m := range methods {
		if m == socks5AuthNone {
			hasNoAuth = true
		}
	}
	if !hasNoAuth {
		_, _ = conn.Write([]byte{socks5Version, 0xFF})
		return endpoint.Endpoint{}, errors.New("socks5: client does not offer no-auth")
	}
	if _, err := conn.Write([]byte{socks5Version, socks5AuthNone}); err != nil {
		return endpoint.Endpoint{}, errors.WithMessage(err, "socks5: write method selection")
	}

	req := make([]byte, 4)
	if _, err := io.ReadFull(conn, req); err != nil {
		return endpoint.Endpoint{}, errors.WithMessage(err, "socks5: read request header")
	}
	if req[0] != socks5Version || req[1] != socks5CmdConnect {
		writeReply(conn, socks5ReplyGeneral)
		return endpoint.Endpoint{}, errors.Errorf("socks5: unsupported command %d", req[1])
	}

	var host string
	switch req[3] {
	case socks5AtypIPv4:
		b := make([]byte, 4)
		if _, err := io.ReadFull(conn, b); err != nil {
			return endpoint.Endpoint{}, errors.WithMessage(err, "socks5: read ipv4 address")
		}
		host = net.IP(b).String()
	case socks5AtypIPv6:
		b := make([]byte, 16)
		if _, err := io.ReadFull(conn, b); err != nil {
			return endpoint.Endpoint{}, errors.WithMessage(err, "socks5: read ipv6 address")
		}
		host = net.IP(b).String()
	case socks5AtypDomain:
		l := make([]byte, 1)
		if _, err := io.ReadFull(conn, l); err != nil {
			return endpoint.Endpoint{}, errors.WithMessage(err, "socks5: read domain length")
		}
		b := make([]byte, l[0])
		if _, err := io.ReadFull(conn, b); err != nil {
			return endpoint.Endpoint{}, errors.WithMessage(err, "socks5: read domain")
		}
		host = string(b)
	default:
		writeReply(conn, socks5ReplyGeneral)
		return endpoint.Endpoint{}, errors.Errorf("socks5: unsupported address type %d", req[3])
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBuf); err != nil {
		return endpoint.Endpoint{}, errors.WithMessage(err, "socks5: read port")
	}
	port := binary.BigEndian.Uint16(portBuf)

	writeReply(conn, socks5ReplySuccess)
	return endpoint.New(host, port), nil
}

func writeReply(conn net.Conn, code byte) {
	// BND.ADDR/BND.PORT are zeroed: this gateway never reports a
	// meaningful bind address back to the SOCKS client.
	_, _ = conn.Write([]byte{socks5Version, code, 0x00, socks5AtypIPv4, 0, 0, 0, 0, 0, 0})
}
