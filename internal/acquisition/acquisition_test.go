package acquisition

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/openanolis/tng/internal/config"
	"github.com/openanolis/tng/internal/endpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapping_AcceptReturnsFixedDestination(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	m, err := NewMapping(ctx, &config.MappingConfig{In: "127.0.0.1:0", Out: "10.0.0.5:9443"})
	require.NoError(t, err)
	defer m.Close()

	addr := m.ln.Addr().String()
	go func() {
		c, err := net.Dial("tcp", addr)
		if err == nil {
			defer c.Close()
		}
	}()

	a, err := m.Accept(ctx)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", a.Destination.Host)
	assert.Equal(t, uint16(9443), a.Destination.Port)
}

func TestSocks5Handshake_NoAuthConnectIPv4(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	go func() {
		_, _ = client.Write([]byte{0x05, 0x01, 0x00})
		reply := make([]byte, 2)
		_, _ = client.Read(reply)
		_, _ = client.Write([]byte{0x05, 0x01, 0x00, 0x01, 10, 0, 0, 1, 0x1F, 0x90})
		resp := make([]byte, 10)
		_, _ = client.Read(resp)
	}()

	ep, err := socks5Handshake(server)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", ep.Host)
	assert.Equal(t, uint16(8080), ep.Port)
}

func TestMatchesAnyFilter_EmptyMatchesAll(t *testing.T) {
	assert.True(t, matchesAnyFilter(nil, endpoint.New("example.com", 443)))
}

func TestHTTPProxy_RecursionGuardFailsFast(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := NewHTTPProxy(ctx, &config.HTTPProxyConfig{ProxyListen: "127.0.0.1:0"})
	require.NoError(t, err)
	defer p.Close()

	// A request whose destination is the proxy itself must be rejected
	// immediately, not proxied into a self-connect loop.
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + p.ln.Addr().String() + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTPProxy_isSelf(t *testing.T) {
	bound := &HTTPProxy{selfHost: "127.0.0.1", selfPort: 41000}
	assert.True(t, bound.isSelf(endpoint.New("127.0.0.1", 41000)))
	assert.True(t, bound.isSelf(endpoint.New("localhost", 41000)))
	assert.False(t, bound.isSelf(endpoint.New("127.0.0.1", 7711)))
	assert.False(t, bound.isSelf(endpoint.New("10.0.0.5", 41000)))

	wildcard := &HTTPProxy{selfHost: "0.0.0.0", selfPort: 41000}
	assert.True(t, wildcard.isSelf(endpoint.New("127.0.0.1", 41000)))
	assert.True(t, wildcard.isSelf(endpoint.New("localhost", 41000)))
	assert.False(t, wildcard.isSelf(endpoint.New("10.0.0.5", 41000)))
}
