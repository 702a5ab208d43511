package transport

import (
	"io"
	"net/http"
	"sync"

	"github.com/openanolis/tng/internal/config"
	"github.com/pkg/errors"
	"golang.org/x/net/http2"
)

// decodeHTTP2 classifies an HTTP/2-encapsulated connection by running a
// single-request http2.Server over it and capturing the first request
// that arrives; the outer connection carries exactly one long-lived
// request per inner session, so there is never a second request to
// dispatch. ServeConn keeps running in the background for the life of
// the connection; the stream it hands back to the caller is backed by
// the live request/response pair.
func decodeHTTP2(sc *sniffConn, directForward []config.DirectForward, decap *config.DecapConfig) (*Result, error) {
	out := make(chan *Result, 1)
	errc := make(chan error, 1)
	served := make(chan struct{})

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stream := &h2Stream{w: w, body: r.Body, done: make(chan struct{})}
		res, err := classifyHTTPRequest2(stream, r, directForward, decap)
		if err != nil {
			errc <- err
			return
		}
		out <- res
		<-stream.done // keep the HTTP/2 stream (and handler goroutine) alive until Close
	})

	go func() {
		defer close(served)
		(&http2.Server{}).ServeConn(sc, &http2.ServeConnOpts{Handler: handler})
	}()

	select {
	case res := <-out:
		return res, nil
	case err := <-errc:
		return nil, err
	case <-served:
		return nil, errors.New("transport: http/2 connection closed before any request arrived")
	}
}

func classifyHTTPRequest2(stream *h2Stream, r *http.Request, directForward []config.DirectForward, decap *config.DecapConfig) (*Result, error) {
	path := r.URL.Path
	if r.Header.Get("Tng") != "" {
		stream.writeHeader(http.StatusOK)
		return &Result{Kind: KindTngHTTP, Stream: stream, Path: path}, nil
	}
	for _, rule := range directForward {
		if rule.Match(path) {
			return &Result{Kind: KindDirectForward, Stream: stream, Path: path}, nil
		}
	}
	if decap != nil && decap.AllowsPlaintext(path) {
		return &Result{Kind: KindDirectForward, Stream: stream, Path: path}, nil
	}
	return &Result{Kind: KindTngTCP, Stream: stream}, nil
}

// h2Stream bridges an HTTP/2 request's body and its ResponseWriter as a
// single duplex byte stream, the same shape http1Stream gives the
// HTTP/1 path.
type h2Stream struct {
	w          http.ResponseWriter
	body       io.ReadCloser
	headerOnce sync.Once
	done       chan struct{}
	doneOnce   sync.Once
}

func (s *h2Stream) writeHeader(code int) {
	s.headerOnce.Do(func() {
		s.w.WriteHeader(code)
		if f, ok := s.w.(http.Flusher); ok {
			f.Flush()
		}
	})
}

func (s *h2Stream) Read(p []byte) (int, error) { return s.body.Read(p) }

func (s *h2Stream) Write(p []byte) (int, error) {
	s.writeHeader(http.StatusOK)
	n, err := s.w.Write(p)
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
	return n, err
}

func (s *h2Stream) Close() error {
	err := s.body.Close()
	s.doneOnce.Do(func() { close(s.done) })
	return err
}
