// Package acquisition implements the ingress/egress acquisition
// adapters: mapping, netfilter, http_proxy and socks5. Each adapter
// wraps a net.Listener and exposes a single Accept method; the accept
// loop itself is owned by the caller rather than the adapter spinning
// its own loop.
package acquisition

import (
	"context"
	"net"
	"time"

	"github.com/effective-security/xlog"
	"github.com/openanolis/tng/internal/endpoint"
)

var logger = xlog.NewPackageLogger("github.com/openanolis/tng/internal", "acquisition")

// Accepted is one acquired application connection paired with the
// destination endpoint it should ultimately reach, as resolved by the
// specific adapter (fixed for mapping, read from the kernel for
// netfilter, parsed from the wire for http_proxy/socks5).
type Accepted struct {
	Conn        net.Conn
	Destination endpoint.Endpoint
	// Bypass is set when the adapter itself has already determined the
	// connection should skip the tunnel entirely (http_proxy's
	// dst_filters miss) and be forwarded in plaintext.
	Bypass bool
}

// Adapter is implemented by every acquisition adapter.
type Adapter interface {
	// Accept blocks until one application connection is available or
	// ctx is done.
	Accept(ctx context.Context) (Accepted, error)
	// Close stops accepting and releases the underlying listener.
	Close() error
}

// listenConfig is shared by every listener-backed adapter so accepted
// sockets get TCP keepalive (30s idle, 10s probe interval, 5 probes),
// applied via net.ListenConfig rather than per-connection SetKeepAlive
// calls after the fact.
func listenConfig() net.ListenConfig {
	return net.ListenConfig{
		KeepAliveConfig: net.KeepAliveConfig{
			Enable:   true,
			Idle:     30 * time.Second,
			Interval: 10 * time.Second,
			Count:    5,
		},
	}
}
