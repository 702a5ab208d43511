// Package endpoint defines the (host, port) addressing primitive shared by
// every acquisition adapter, the transport layer and the stream manager.
package endpoint

import (
	"fmt"
	"net"
	"strconv"
)

// Endpoint is an immutable (host, port) pair. Host is either a DNS name or
// an IP literal. Two endpoints are equal iff both fields are equal, which
// makes Endpoint safe to use as a map key and as a cache key for the
// ingress RatsTlsClient cache.
type Endpoint struct {
	Host string
	Port uint16
}

// New builds an Endpoint from a host and port.
func New(host string, port uint16) Endpoint {
	return Endpoint{Host: host, Port: port}
}

// Parse splits "host:port" into an Endpoint.
func Parse(hostport string) (Endpoint, error) {
	h, p, err := net.SplitHostPort(hostport)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: %w", hostport, err)
	}
	port, err := strconv.ParseUint(p, 10, 16)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint port %q: %w", hostport, err)
	}
	return Endpoint{Host: h, Port: uint16(port)}, nil
}

// String renders the endpoint as "host:port", suitable both for dialing and
// for use as a cache key.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.FormatUint(uint64(e.Port), 10))
}

// IsZero reports whether e is the zero Endpoint.
func (e Endpoint) IsZero() bool {
	return e.Host == "" && e.Port == 0
}
