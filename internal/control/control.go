// Package control implements the gateway's control interface: /livez
// and /readyz.
package control

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/effective-security/xlog"
	"github.com/openanolis/tng/internal/config"
	"github.com/openanolis/tng/xhttp/correlation"
	"github.com/openanolis/tng/xhttp/httperror"
	"github.com/openanolis/tng/xhttp/marshal"
	"github.com/pkg/errors"
)

var logger = xlog.NewPackageLogger("github.com/openanolis/tng/internal", "control")

var errNotReady = httperror.New(http.StatusServiceUnavailable, httperror.CodeNotReady, "the gateway is not ready yet")

// ReadinessState is an atomic, concurrency-safe flip the instance
// wiring sets once every acquisition adapter is listening and the first
// CertManager issuance (where configured) has succeeded.
type ReadinessState struct {
	ready atomic.Bool
}

// IsReady reports whether startup has fully completed.
func (r *ReadinessState) IsReady() bool { return r.ready.Load() }

// SetReady flips the readiness flag; called once by the instance once
// startup has fully completed.
func (r *ReadinessState) SetReady(v bool) { r.ready.Store(v) }

// Server serves /livez (always 200 once the process is up) and /readyz
// (delegates to a ReadinessState).
type Server struct {
	httpSrv *http.Server
	ln      net.Listener
}

// NewServer binds cfg's listener and wires the two endpoints. cfg may
// be nil (control interface disabled): in that case NewServer returns
// (nil, nil) and the caller skips Serve/Close entirely.
func NewServer(cfg *config.ControlConfig, state *ReadinessState) (*Server, error) {
	if cfg == nil || cfg.Restful == nil {
		return nil, nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/livez", func(w http.ResponseWriter, r *http.Request) {
		marshal.WriteJSON(w, r, map[string]string{"status": "ok"})
	})
	mux.Handle("/readyz", readyHandler(state))

	addr := net.JoinHostPort(cfg.Restful.Host, strconv.Itoa(int(cfg.Restful.Port)))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.WithMessagef(err, "control: listen %s", addr)
	}

	return &Server{
		httpSrv: &http.Server{Handler: correlation.NewHandler(mux)},
		ln:      ln,
	}, nil
}

func readyHandler(state *ReadinessState) http.Handler {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		marshal.WriteJSON(w, r, map[string]string{"status": "ready"})
	})
	notReady := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		marshal.WriteJSON(w, r, errNotReady)
	})
	return &readyVerifier{state: state, ready: ok, notReady: notReady}
}

// readyVerifier mirrors restserver/ready.ServiceReadyVerifier's
// shape: check the status, then delegate.
type readyVerifier struct {
	state    *ReadinessState
	ready    http.Handler
	notReady http.Handler
}

func (v *readyVerifier) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if v.state.IsReady() {
		v.ready.ServeHTTP(w, r)
	} else {
		v.notReady.ServeHTTP(w, r)
	}
}

// Serve blocks until ctx is done or the listener errors.
func (s *Server) Serve(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- s.httpSrv.Serve(s.ln) }()

	select {
	case <-ctx.Done():
		_ = s.httpSrv.Close()
		return nil
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		logger.KV(xlog.ERROR, "reason", "control_server_error", "err", err.Error())
		return err
	}
}

// Close stops serving immediately.
func (s *Server) Close() error {
	return s.httpSrv.Close()
}
