// Package wrapping implements the wrapping layer: once the security
// layer's attested TLS connection is up, it multiplexes many
// application streams over that one connection using HTTP/2 CONNECT,
// built directly on golang.org/x/net/http2 rather than the stdlib
// net/http.Server's limited CONNECT handling.
package wrapping

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"

	"github.com/effective-security/xlog"
	"github.com/pkg/errors"
	"golang.org/x/net/http2"
)

var logger = xlog.NewPackageLogger("github.com/openanolis/tng/internal", "wrapping")

// tngAuthority is the fixed :authority the ingress side opens every
// inner CONNECT stream against.
const tngAuthority = "tng.internal"

const (
	headerAttestation = "Tng-Attestation"
	headerLocalAddr   = "Tng-Local-Addr"
)

// Stream is one multiplexed inner application connection.
type Stream struct {
	r    io.ReadCloser
	w    io.WriteCloser
	once sync.Once

	// AttestationResult is the egress side's short summary of its
	// attestation verdict (ra.Result.String: verdict and shortened
	// token), empty when the egress side verified nothing; for
	// observability only, never access control.
	AttestationResult string
	// LocalAddr is the peer-reported local socket address, carried for
	// access logs only.
	LocalAddr string
}

func (s *Stream) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *Stream) Write(p []byte) (int, error) { return s.w.Write(p) }

func (s *Stream) Close() error {
	var err error
	s.once.Do(func() {
		werr := s.w.Close()
		rerr := s.r.Close()
		if werr != nil {
			err = werr
		} else {
			err = rerr
		}
	})
	return err
}

// Client is the ingress side of the wrapping layer: one Client wraps one
// live attested TLS connection and opens inner CONNECT streams over it.
type Client struct {
	cc *http2.ClientConn
}

// NewClient takes over conn (already past the security layer's TLS
// handshake, negotiated with ALPN "h2") and prepares it to open inner
// streams. The HTTP/2 client preface and settings are written to conn
// before NewClient returns.
func NewClient(conn net.Conn) (*Client, error) {
	tr := &http2.Transport{}
	cc, err := tr.NewClientConn(conn)
	if err != nil {
		return nil, errors.WithMessage(err, "wrapping: establish http/2 client connection")
	}
	return &Client{cc: cc}, nil
}

// Alive reports whether the underlying HTTP/2 connection can still
// accept new streams; it goes false after a GOAWAY or fatal I/O error.
func (c *Client) Alive() bool {
	return c.cc.CanTakeNewRequest()
}

// OpenStream opens one inner CONNECT stream: method CONNECT, authority
// "tng.internal", empty request body. The returned Stream carries the
// egress-reported AttestationResult/LocalAddr.
func (c *Client) OpenStream(ctx context.Context) (*Stream, error) {
	pr, pw := io.Pipe()
	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Host: tngAuthority},
		Host:   tngAuthority,
		Header: make(http.Header),
		Body:   pr,
	}
	req = req.WithContext(ctx)

	resp, err := c.cc.RoundTrip(req)
	if err != nil {
		return nil, errors.WithMessage(err, "wrapping: open inner stream")
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, errors.Errorf("wrapping: inner stream rejected with status %d", resp.StatusCode)
	}

	return &Stream{
		r:                 resp.Body,
		w:                 pw,
		AttestationResult: resp.Header.Get(headerAttestation),
		LocalAddr:         resp.Header.Get(headerLocalAddr),
	}, nil
}

// Close tears down the underlying HTTP/2 connection and every stream
// still open on it.
func (c *Client) Close() error {
	return c.cc.Close()
}

// Accepted is one inner stream accepted by the egress side, paired with
// the extension metadata the handler should stamp on the CONNECT
// response before the stream manager starts forwarding bytes.
type Accepted struct {
	Stream io.ReadWriteCloser
	// SetExtensions, when non-nil, lets the stream manager attach the
	// AttestationResult/local address for this connection before the
	// 200 response (and the first byte of the upgraded body) is
	// flushed to the ingress peer.
	SetExtensions func(attestationResult, localAddr string)
}

// Server is the egress side of the wrapping layer: it serves one
// already-attested TLS connection and hands every inner CONNECT stream
// it accepts to streams.
type Server struct {
	streams chan<- Accepted
}

// NewServer returns a Server that publishes accepted inner streams onto
// streams. The channel should be generously buffered (the stream
// manager's unbounded fan-out queue sits downstream of it); a full
// channel blocks the HTTP/2 handler goroutine for the offending stream
// only, never the whole connection.
func NewServer(streams chan<- Accepted) *Server {
	return &Server{streams: streams}
}

// Serve runs the HTTP/2 server loop over conn until the connection
// closes or ctx is done. It blocks; callers run it in its own goroutine
// per accepted TLS connection.
func (s *Server) Serve(ctx context.Context, conn net.Conn) error {
	h2s := &http2.Server{}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodConnect {
			logger.KV(xlog.DEBUG, "reason", "non_connect_method", "method", r.Method)
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		stream := &Stream{r: r.Body, w: &responseBodyWriter{w: w}}
		wait := make(chan struct{})
		headerOnce := sync.Once{}
		setExt := func(attestationResult, localAddr string) {
			headerOnce.Do(func() {
				if attestationResult != "" {
					w.Header().Set(headerAttestation, attestationResult)
				}
				if localAddr != "" {
					w.Header().Set(headerLocalAddr, localAddr)
				}
				w.WriteHeader(http.StatusOK)
				if f, ok := w.(http.Flusher); ok {
					f.Flush()
				}
			})
		}

		s.streams <- Accepted{
			Stream: &closeNotifyStream{Stream: stream, notify: wait},
			SetExtensions: func(attestationResult, localAddr string) {
				setExt(attestationResult, localAddr)
			},
		}
		<-wait // keep the handler (and the HTTP/2 stream) alive until Close
	})

	h2s.ServeConn(conn, &http2.ServeConnOpts{Handler: handler})
	return nil
}

// closeNotifyStream signals wait once the stream manager is done with
// the inner stream, releasing the blocked HTTP/2 handler goroutine.
type closeNotifyStream struct {
	*Stream
	notify chan struct{}
	once   sync.Once
}

func (c *closeNotifyStream) Close() error {
	err := c.Stream.Close()
	c.once.Do(func() { close(c.notify) })
	return err
}

// responseBodyWriter adapts an http.ResponseWriter into a flushing
// io.WriteCloser for the duration of an upgraded CONNECT stream.
type responseBodyWriter struct {
	w http.ResponseWriter
}

func (r *responseBodyWriter) Write(p []byte) (int, error) {
	n, err := r.w.Write(p)
	if f, ok := r.w.(http.Flusher); ok {
		f.Flush()
	}
	return n, err
}

func (r *responseBodyWriter) Close() error { return nil }
