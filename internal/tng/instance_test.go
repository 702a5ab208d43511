package tng

import (
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/openanolis/tng/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// freePort binds an ephemeral TCP port, closes it immediately and
// returns the number, so config documents built in tests can reference
// a fixed address before the real listener exists.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// echoServer accepts one connection and echoes every byte back until EOF.
func echoServer(t *testing.T, addr string) {
	t.Helper()
	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = io.Copy(conn, conn)
	}()
}

// TestNoRA_TCPPassthrough: an ingress mapping forwards through a no_ra
// egress mapping to a plain TCP echo server, and a client dialing the
// ingress listener must see its bytes echoed back unchanged end to end.
func TestNoRA_TCPPassthrough(t *testing.T) {
	ingressPort := freePort(t)
	egressPort := freePort(t)
	upstreamPort := freePort(t)

	echoServer(t, fmt.Sprintf("127.0.0.1:%d", upstreamPort))

	cfg := &config.Config{
		AddIngress: []config.IngressEntry{{
			NoRA: true,
			Mapping: &config.MappingConfig{
				In:  fmt.Sprintf("127.0.0.1:%d", ingressPort),
				Out: fmt.Sprintf("127.0.0.1:%d", egressPort),
			},
		}},
		AddEgress: []config.EgressEntry{{
			NoRA: true,
			Mapping: &config.MappingConfig{
				In:  fmt.Sprintf("127.0.0.1:%d", egressPort),
				Out: fmt.Sprintf("127.0.0.1:%d", upstreamPort),
			},
		}},
	}
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inst, err := New(ctx, cfg)
	require.NoError(t, err)

	runDone := make(chan error, 1)
	go func() { runDone <- inst.Run(ctx) }()

	require.Eventually(t, func() bool {
		c, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", ingressPort), 50*time.Millisecond)
		if err != nil {
			return false
		}
		c.Close()
		return true
	}, 2*time.Second, 20*time.Millisecond, "ingress listener never came up")

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", ingressPort))
	require.NoError(t, err)
	defer conn.Close()

	const msg = "Hello World TCP!"
	_, err = conn.Write([]byte(msg))
	require.NoError(t, err)

	buf := make([]byte, len(msg))
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, msg, string(buf))

	cancel()
	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("instance did not shut down after cancellation")
	}
}
