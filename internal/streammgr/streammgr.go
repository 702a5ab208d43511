// Package streammgr implements the stream manager: on ingress, a cache
// of per-endpoint wrapping.Client connections shared
// across concurrent callers; on egress, a stateless dispatcher handing
// every accepted inner stream to internal/forward.
package streammgr

import (
	"context"
	"net"
	"sync"

	"github.com/effective-security/xlog"
	"github.com/openanolis/tng/internal/endpoint"
	"github.com/openanolis/tng/internal/forward"
	"github.com/openanolis/tng/internal/wrapping"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

var logger = xlog.NewPackageLogger("github.com/openanolis/tng/internal", "streammgr")

// Dialer establishes the transport+security layers to an egress
// endpoint and hands back a net.Conn ready for the wrapping layer
// (i.e. already past the attested TLS handshake). Implemented by the
// ingress wiring in internal/tng, which knows the per-mapping encap and
// TLS configuration.
type Dialer func(ctx context.Context, ep endpoint.Endpoint) (net.Conn, error)

// client is one cache entry: a cell guarding lazy construction,
// deduplicated across concurrent builders by the manager's
// singleflight.Group.
type client struct {
	mu   sync.RWMutex
	conn *wrapping.Client
}

// TrustedStreamManager is the ingress side: a per-endpoint cache of
// secure channels, keyed by Endpoint.String(), guarded by a read-write
// lock for the long-lived cache and a singleflight.Group for in-flight
// construction.
type TrustedStreamManager struct {
	dial Dialer

	mu      sync.RWMutex
	clients map[string]*client

	group singleflight.Group
}

// NewTrustedStreamManager builds a stream manager that dials fresh
// connections to egress endpoints via dial.
func NewTrustedStreamManager(dial Dialer) *TrustedStreamManager {
	return &TrustedStreamManager{
		dial:    dial,
		clients: make(map[string]*client),
	}
}

// NewStream looks up (or lazily builds, exactly once under
// concurrency) the cached wrapping client for ep, then opens a fresh
// inner CONNECT stream on it. A dead cached client is evicted and
// rebuilt once, transparently to the caller.
func (m *TrustedStreamManager) NewStream(ctx context.Context, ep endpoint.Endpoint) (*wrapping.Stream, error) {
	c, err := m.getClient(ctx, ep)
	if err != nil {
		return nil, err
	}

	stream, err := c.open(ctx)
	if err == nil {
		return stream, nil
	}

	// The cached connection may have gone away (GOAWAY, idle peer
	// reset); invalidate it and retry exactly once with a freshly
	// dialed one.
	logger.KV(xlog.DEBUG, "reason", "cached_client_dead_retrying", "endpoint", ep.String())
	m.evict(ep, c)

	c, err = m.getClient(ctx, ep)
	if err != nil {
		return nil, err
	}
	return c.open(ctx)
}

func (m *TrustedStreamManager) getClient(ctx context.Context, ep endpoint.Endpoint) (*client, error) {
	key := ep.String()

	m.mu.RLock()
	c, ok := m.clients[key]
	m.mu.RUnlock()
	if ok && c.alive() {
		return c, nil
	}

	v, err, _ := m.group.Do(key, func() (interface{}, error) {
		m.mu.RLock()
		existing, ok := m.clients[key]
		m.mu.RUnlock()
		if ok && existing.alive() {
			return existing, nil
		}

		conn, err := m.dial(ctx, ep)
		if err != nil {
			return nil, errors.WithMessage(err, "streammgr: dial egress endpoint")
		}
		wc, err := wrapping.NewClient(conn)
		if err != nil {
			_ = conn.Close()
			return nil, errors.WithMessage(err, "streammgr: establish wrapping client")
		}

		nc := &client{conn: wc}
		m.mu.Lock()
		m.clients[key] = nc
		m.mu.Unlock()
		return nc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*client), nil
}

func (m *TrustedStreamManager) evict(ep endpoint.Endpoint, stale *client) {
	key := ep.String()
	m.mu.Lock()
	if cur, ok := m.clients[key]; ok && cur == stale {
		delete(m.clients, key)
	}
	m.mu.Unlock()
	_ = stale.conn.Close()
}

// Close tears down every cached client, for orderly shutdown.
func (m *TrustedStreamManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, c := range m.clients {
		_ = c.conn.Close()
		delete(m.clients, key)
	}
	return nil
}

func (c *client) alive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn.Alive()
}

func (c *client) open(ctx context.Context) (*wrapping.Stream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn.OpenStream(ctx)
}

// EgressDispatcher is the egress side: stateless, it reads every
// wrapping.Accepted inner stream handed to it and forwards it to a
// fixed upstream endpoint.
type EgressDispatcher struct {
	upstream func(ctx context.Context) (net.Conn, error)
}

// NewEgressDispatcher builds a dispatcher that connects every accepted
// inner stream to whatever dial returns (normally a single fixed
// upstream per egress mapping entry).
func NewEgressDispatcher(dial func(ctx context.Context) (net.Conn, error)) *EgressDispatcher {
	return &EgressDispatcher{upstream: dial}
}

// Run drains accepted from streams until ctx is done, forwarding each
// one to the configured upstream concurrently.
func (d *EgressDispatcher) Run(ctx context.Context, accepted <-chan wrapping.Accepted) {
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-accepted:
			if !ok {
				return
			}
			go d.handle(ctx, a)
		}
	}
}

func (d *EgressDispatcher) handle(ctx context.Context, a wrapping.Accepted) {
	defer a.Stream.Close()

	up, err := d.upstream(ctx)
	if err != nil {
		logger.KV(xlog.ERROR, "reason", "upstream_dial_failed", "err", err.Error())
		return
	}
	defer up.Close()

	if a.SetExtensions != nil {
		local := ""
		if tc, ok := up.(interface{ LocalAddr() net.Addr }); ok {
			local = tc.LocalAddr().String()
		}
		a.SetExtensions("", local)
	}

	forward.Bidirectional(ctx, a.Stream, up)
}

