package acquisition

import (
	"bufio"
	"context"
	"net"
	"net/http"

	"github.com/effective-security/xlog"
	"github.com/openanolis/tng/internal/config"
	"github.com/openanolis/tng/internal/endpoint"
	"github.com/pkg/errors"
)

// HTTPProxy accepts an explicit "CONNECT host:port" upgrade, and
// absolute-form/reverse-proxy requests whose destination is derived
// from the Host header. Built on net/http.Server's Hijacker rather than
// a hand-rolled HTTP/1 parser, since the hijack-then-raw-copy pattern
// is exactly what a CONNECT proxy needs and net/http already implements
// request-line/header parsing.
type HTTPProxy struct {
	ln         net.Listener
	srv        *http.Server
	dstFilters []config.EndpointFilter
	selfHost   string
	selfPort   uint16

	accepted chan Accepted
	errs     chan error
}

// NewHTTPProxy binds cfg.ProxyListen and starts serving immediately;
// Accept drains connections as http.Server hands them off via Hijack.
func NewHTTPProxy(ctx context.Context, cfg *config.HTTPProxyConfig) (*HTTPProxy, error) {
	lc := listenConfig()
	ln, err := lc.Listen(ctx, "tcp", cfg.ProxyListen)
	if err != nil {
		return nil, errors.WithMessagef(err, "acquisition: http_proxy listen %s", cfg.ProxyListen)
	}

	// The recursion guard compares against the actually bound address,
	// not the raw config string: ":41000" and "127.0.0.1:41000" must
	// both be recognized as ourselves.
	bound := ln.Addr().(*net.TCPAddr)
	p := &HTTPProxy{
		ln:         ln,
		dstFilters: cfg.DstFilters,
		selfHost:   bound.IP.String(),
		selfPort:   uint16(bound.Port),
		accepted:   make(chan Accepted, 16),
		errs:       make(chan error, 1),
	}
	p.srv = &http.Server{Handler: http.HandlerFunc(p.handle)}

	go func() {
		if err := p.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.errs <- err
		}
	}()

	return p, nil
}

func (p *HTTPProxy) handle(w http.ResponseWriter, r *http.Request) {
	var target string
	if r.Method == http.MethodConnect {
		target = r.Host
	} else {
		target = r.Host
		if target == "" {
			http.Error(w, "missing Host header", http.StatusBadRequest)
			return
		}
	}

	ep, err := parseTargetEndpoint(target)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if p.isSelf(ep) {
		http.Error(w, "recursive proxy destination", http.StatusBadRequest)
		return
	}

	bypass := !matchesAnyFilter(p.dstFilters, ep)
	if bypass {
		logger.KV(xlog.DEBUG, "reason", "dst_filter_miss", "target", target)
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijack unsupported", http.StatusInternalServerError)
		return
	}
	conn, buf, err := hj.Hijack()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if r.Method == http.MethodConnect {
		if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
			_ = conn.Close()
			return
		}
	} else {
		// Absolute-form request: replay the request line and headers to
		// whatever reads the hijacked connection next (the tunnel or the
		// bypass dialer), since Hijack only returns the raw socket.
		if err := r.Write(buf); err != nil || buf.Flush() != nil {
			_ = conn.Close()
			return
		}
	}
	if buf.Reader.Buffered() > 0 {
		conn = &bufferedConn{Conn: conn, br: buf.Reader}
	}

	p.accepted <- Accepted{Conn: conn, Destination: ep, Bypass: bypass}
}

func (p *HTTPProxy) Accept(ctx context.Context) (Accepted, error) {
	select {
	case <-ctx.Done():
		return Accepted{}, ctx.Err()
	case err := <-p.errs:
		return Accepted{}, err
	case a := <-p.accepted:
		return a, nil
	}
}

func (p *HTTPProxy) Close() error {
	return p.srv.Close()
}

// isSelf reports whether ep names this proxy's own listener, the
// classic proxy-to-itself recursion. Ports must match; the host matches
// when it equals the bound address, when both are loopback, or when the
// proxy is bound to a wildcard address (in which case any loopback or
// unspecified host on the same port reaches us).
func (p *HTTPProxy) isSelf(ep endpoint.Endpoint) bool {
	if ep.Port != p.selfPort {
		return false
	}
	if ep.Host == p.selfHost {
		return true
	}
	if isWildcardHost(p.selfHost) {
		return isLoopbackHost(ep.Host) || isWildcardHost(ep.Host)
	}
	return isLoopbackHost(p.selfHost) && isLoopbackHost(ep.Host)
}

func isWildcardHost(host string) bool {
	if host == "" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsUnspecified()
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// parseTargetEndpoint accepts either "host:port" (CONNECT) or a bare
// host (absolute-form/reverse-proxy, defaulting to port 80).
func parseTargetEndpoint(hostport string) (endpoint.Endpoint, error) {
	if ep, err := endpoint.Parse(hostport); err == nil {
		return ep, nil
	}
	return endpoint.New(hostport, 80), nil
}

func matchesAnyFilter(filters []config.EndpointFilter, ep endpoint.Endpoint) bool {
	if len(filters) == 0 {
		return true
	}
	for i := range filters {
		if filters[i].Match(ep.Host, ep.Port) {
			return true
		}
	}
	return false
}

// bufferedConn prepends bytes already buffered by http.Server's
// bufio.Reader (headers/body read ahead of the hijack point) to
// whatever reads the connection next.
type bufferedConn struct {
	net.Conn
	br *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	if b.br.Buffered() > 0 {
		return b.br.Read(p)
	}
	return b.Conn.Read(p)
}
