package acquisition

import (
	"context"
	"net"

	"github.com/openanolis/tng/internal/config"
	"github.com/openanolis/tng/internal/endpoint"
	"github.com/pkg/errors"
)

// Mapping listens on a fixed local port and forwards every accepted
// connection to a fixed upstream endpoint.
type Mapping struct {
	ln  net.Listener
	out endpoint.Endpoint
}

// NewMapping binds cfg.In and resolves cfg.Out once at construction.
func NewMapping(ctx context.Context, cfg *config.MappingConfig) (*Mapping, error) {
	lc := listenConfig()
	ln, err := lc.Listen(ctx, "tcp", cfg.In)
	if err != nil {
		return nil, errors.WithMessagef(err, "acquisition: mapping listen %s", cfg.In)
	}
	out, err := endpoint.Parse(cfg.Out)
	if err != nil {
		_ = ln.Close()
		return nil, errors.WithMessagef(err, "acquisition: mapping out %s", cfg.Out)
	}
	return &Mapping{ln: ln, out: out}, nil
}

func (m *Mapping) Accept(ctx context.Context) (Accepted, error) {
	conn, err := acceptWithContext(ctx, m.ln)
	if err != nil {
		return Accepted{}, err
	}
	return Accepted{Conn: conn, Destination: m.out}, nil
}

func (m *Mapping) Close() error { return m.ln.Close() }

// acceptWithContext makes a blocking net.Listener.Accept cancellable by
// ctx, closing the listener (which unblocks Accept with an error) if ctx
// is done first. Every listener-backed adapter shares this helper.
func acceptWithContext(ctx context.Context, ln net.Listener) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- result{conn, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.conn, r.err
	}
}
