// Package transport implements the outermost framing layer of the
// attested tunnel: on egress it peeks the first bytes of a freshly
// accepted connection and classifies it as HTTP-encapsulated tng
// traffic, a direct-forward bypass, or raw tng TCP traffic; on ingress
// it optionally wraps the wrapping layer's bytes inside a long-lived
// HTTP/2 POST request body. The sniff classifies one already-accepted
// connection, not a whole listener.
package transport

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/effective-security/xlog"
	"github.com/openanolis/tng/internal/config"
	"github.com/pkg/errors"
)

var logger = xlog.NewPackageLogger("github.com/openanolis/tng/internal", "transport")

// FirstByteTimeout guards idle accepted connections while Decode peeks
// the classification bytes. A var, not a const, so tests can shrink it
// instead of waiting out the real default.
var FirstByteTimeout = 10 * time.Second

// Kind is the outcome of Decode's classification.
type Kind int

const (
	// KindTngHTTP is ContinueAsTngTrafficHttp: an HTTP/1 or HTTP/2
	// request with the "tng" header; its body carries the wrapping
	// layer's bytes.
	KindTngHTTP Kind = iota
	// KindDirectForward is DirectlyForward: the connection bypasses the
	// security layer entirely and is forwarded in plaintext.
	KindDirectForward
	// KindTngTCP is ContinueAsTngTrafficTcp: raw bytes, handed directly
	// to the security layer.
	KindTngTCP
)

func (k Kind) String() string {
	switch k {
	case KindTngHTTP:
		return "tng_http"
	case KindDirectForward:
		return "direct_forward"
	case KindTngTCP:
		return "tng_tcp"
	default:
		return "unknown"
	}
}

// Result is Decode's classification outcome.
type Result struct {
	Kind Kind
	// Stream is the byte stream to hand to the next layer: for
	// KindTngTCP/KindDirectForward on a raw or HTTP/1 connection this is
	// the raw connection (with any peeked bytes replayed); for
	// KindTngHTTP, and for every kind on an HTTP/2 connection, it is the
	// inner HTTP request/response body pair.
	Stream io.ReadWriteCloser
	// Path is the HTTP request path that drove the classification, set
	// for KindTngHTTP and KindDirectForward.
	Path string
}

// Decode classifies conn in a fixed order: tng-header HTTP request,
// then direct-forward rule, then allow-list regex, else raw TCP.
// directForward and decap may be nil (no rules configured).
func Decode(conn net.Conn, directForward []config.DirectForward, decap *config.DecapConfig) (*Result, error) {
	if err := conn.SetReadDeadline(time.Now().Add(FirstByteTimeout)); err != nil {
		return nil, errors.WithMessage(err, "transport: set first-byte deadline")
	}
	defer conn.SetReadDeadline(time.Time{}) //nolint:errcheck

	sc := newSniffConn(conn)

	prefix, err := sc.br.Peek(len(http2ClientPreface))
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, errors.WithMessage(ne, "transport: first-byte read timeout")
		}
		if errors.Is(err, io.EOF) {
			return nil, errors.WithMessage(err, "transport: connection closed before first byte")
		}
		// Fewer bytes than the HTTP/2 preface but no hard error (e.g. a
		// short HTTP/1 request): fall through to the HTTP/1 attempt,
		// which re-reads from the same buffered reader.
	} else if bytes.Equal(prefix, []byte(http2ClientPreface)) {
		return decodeHTTP2(sc, directForward, decap)
	}

	if looksLikeHTTP1(sc.br) {
		req, err := http.ReadRequest(sc.br)
		if err != nil {
			// Looked like an HTTP method but did not parse: it cannot
			// be a TLS record stream either, so drop it as a protocol
			// error rather than guessing.
			return nil, errors.WithMessage(err, "transport: malformed http/1 request")
		}
		return classifyHTTPRequest(sc, req, req.URL.Path, directForward, decap)
	}

	// Neither HTTP/1 nor HTTP/2: raw tng TCP traffic.
	return &Result{Kind: KindTngTCP, Stream: sc}, nil
}

// http1Methods are the request-line prefixes the HTTP/1 sniff accepts.
var http1Methods = []string{
	"GET ", "POST ", "PUT ", "DELETE ", "HEAD ",
	"OPTIONS ", "CONNECT ", "PATCH ", "TRACE ",
}

// looksLikeHTTP1 peeks (never consumes) the first few bytes and reports
// whether they open with an HTTP/1 method. The destructive
// http.ReadRequest parse only runs after this check passes, so a TLS
// record stream is never damaged by a failed parse attempt.
func looksLikeHTTP1(br *bufio.Reader) bool {
	prefix, _ := br.Peek(8)
	if len(prefix) == 0 {
		return false
	}
	s := string(prefix)
	for _, m := range http1Methods {
		if strings.HasPrefix(s, m) {
			return true
		}
		// A short peek that is itself a prefix of a method (e.g. "GET"
		// with no trailing space yet) still counts.
		if len(s) < len(m) && strings.HasPrefix(m, s) {
			return true
		}
	}
	return false
}

// classifyHTTPRequest applies the tng-header / direct-forward / allow-list
// decision for an already-parsed HTTP/1 request.
func classifyHTTPRequest(sc *sniffConn, req *http.Request, path string, directForward []config.DirectForward, decap *config.DecapConfig) (*Result, error) {
	if req.Header.Get("Tng") != "" {
		logger.KV(xlog.DEBUG, "reason", "tng_header_present", "path", path)
		return &Result{Kind: KindTngHTTP, Stream: &http1Stream{req: req, conn: sc}, Path: path}, nil
	}
	for _, rule := range directForward {
		if rule.Match(path) {
			logger.KV(xlog.DEBUG, "reason", "direct_forward_match", "path", path)
			return &Result{Kind: KindDirectForward, Stream: replayHTTPRequest(sc, req), Path: path}, nil
		}
	}
	if decap != nil && decap.AllowsPlaintext(path) {
		logger.KV(xlog.DEBUG, "reason", "allow_non_tng_match", "path", path)
		return &Result{Kind: KindDirectForward, Stream: replayHTTPRequest(sc, req), Path: path}, nil
	}
	// An HTTP request that matched none of the rules is still tng
	// traffic; the outer bytes are replayed verbatim to the security
	// layer, which will see them as opaque TLS record bytes.
	return &Result{Kind: KindTngTCP, Stream: replayHTTPRequest(sc, req)}, nil
}

// replayHTTPRequest reconstructs the exact bytes of an already-parsed
// HTTP/1 request (request line, headers, and any buffered body bytes)
// followed by sc's continuing live stream, for callers that need the
// raw bytes rather than a parsed *http.Request (direct-forward and
// fallback-to-raw-TCP paths).
func replayHTTPRequest(sc *sniffConn, req *http.Request) io.ReadWriteCloser {
	var buf bytes.Buffer
	_ = req.Write(&buf)
	return &prefixedConn{prefix: bytes.NewReader(buf.Bytes()), Conn: sc}
}

// http2ClientPreface is the fixed byte sequence that opens every HTTP/2
// connection (RFC 7540 §3.5), used here only to distinguish an
// HTTP-encapsulated outer connection from an HTTP/1 or raw one.
const http2ClientPreface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// sniffConn wraps a net.Conn with a bufio.Reader so Decode can Peek
// without losing bytes for whichever layer consumes the connection
// next.
type sniffConn struct {
	net.Conn
	br *bufio.Reader
}

func newSniffConn(c net.Conn) *sniffConn {
	return &sniffConn{Conn: c, br: bufio.NewReaderSize(c, 4096)}
}

func (s *sniffConn) Read(p []byte) (int, error) { return s.br.Read(p) }

// prefixedConn replays prefix before reading from the embedded net.Conn.
type prefixedConn struct {
	prefix io.Reader
	net.Conn
}

func (p *prefixedConn) Read(b []byte) (int, error) {
	if p.prefix != nil {
		n, err := p.prefix.Read(b)
		if err == io.EOF {
			p.prefix = nil
			if n == 0 {
				return p.Conn.Read(b)
			}
			return n, nil
		}
		return n, err
	}
	return p.Conn.Read(b)
}

// http1Stream bridges an inner HTTP/1 request's body (outbound-from-peer
// bytes) and the underlying connection (used to write the response
// carrying inbound-to-peer bytes) as a single duplex stream for the
// wrapping layer.
type http1Stream struct {
	req        *http.Request
	conn       net.Conn
	wroteReply bool
}

func (h *http1Stream) Read(p []byte) (int, error) { return h.req.Body.Read(p) }

func (h *http1Stream) Write(p []byte) (int, error) {
	if !h.wroteReply {
		if _, err := io.WriteString(h.conn, "HTTP/1.1 200 OK\r\nConnection: upgrade\r\n\r\n"); err != nil {
			return 0, errors.WithMessage(err, "transport: write encap response header")
		}
		h.wroteReply = true
	}
	return h.conn.Write(p)
}

func (h *http1Stream) Close() error {
	_ = h.req.Body.Close()
	return h.conn.Close()
}
