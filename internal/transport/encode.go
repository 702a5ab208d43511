package transport

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"

	"github.com/openanolis/tng/internal/config"
	"github.com/pkg/errors"
	"golang.org/x/net/http2"
)

// Encode wraps conn (an already-established connection to the egress
// peer, secured or not) into the byte stream the wrapping layer reads
// and writes. When cfg is nil conn is returned unchanged (the Tcp
// variant: identity).
func Encode(conn net.Conn, cfg *config.EncapConfig) (io.ReadWriteCloser, error) {
	if cfg == nil {
		return conn, nil
	}
	return encodeHTTP(conn, cfg)
}

// encodeHTTP sends the wrapping layer's bytes inside a single
// long-lived HTTP/2 POST request body: method POST, path rewritten via
// cfg.PathRewrites (first match wins, else "/"), header "tng: {}". The
// response body carries the reverse direction.
func encodeHTTP(conn net.Conn, cfg *config.EncapConfig) (io.ReadWriteCloser, error) {
	tr := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(_ context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return conn, nil
		},
	}
	cc, err := tr.NewClientConn(conn)
	if err != nil {
		return nil, errors.WithMessage(err, "transport: establish http/2 connection for encap")
	}

	path := rewritePath("/", cfg)
	pr, pw := io.Pipe()
	req, err := http.NewRequest(http.MethodPost, "https://tng.internal"+path, pr)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	req.Header.Set("Tng", "{}")
	req.ContentLength = -1

	respc := make(chan *http.Response, 1)
	errc := make(chan error, 1)
	go func() {
		resp, err := cc.RoundTrip(req)
		if err != nil {
			errc <- err
			return
		}
		respc <- resp
	}()

	select {
	case resp := <-respc:
		if resp.StatusCode != http.StatusOK {
			return nil, errors.Errorf("transport: encap response status %d", resp.StatusCode)
		}
		return &httpEncodedStream{w: pw, r: resp.Body}, nil
	case err := <-errc:
		return nil, errors.WithMessage(err, "transport: encap round trip failed")
	}
}

// rewritePath applies cfg's first matching path_rewrites entry to base,
// returning base unchanged if none match. encodeHTTP does not know the
// inner L7 path (the ingress adapters do not parse application
// payload), so it always passes "/" as base.
func rewritePath(base string, cfg *config.EncapConfig) string {
	if cfg == nil {
		return base
	}
	for i := range cfg.PathRewrites {
		if rewritten, matched := cfg.PathRewrites[i].Rewrite(base); matched {
			return rewritten
		}
	}
	return base
}

// httpEncodedStream adapts an HTTP/2 request/response pair into a
// single duplex byte stream for the wrapping layer.
type httpEncodedStream struct {
	w *io.PipeWriter
	r io.ReadCloser
}

func (h *httpEncodedStream) Read(p []byte) (int, error)  { return h.r.Read(p) }
func (h *httpEncodedStream) Write(p []byte) (int, error) { return h.w.Write(p) }
func (h *httpEncodedStream) Close() error {
	_ = h.w.Close()
	return h.r.Close()
}
