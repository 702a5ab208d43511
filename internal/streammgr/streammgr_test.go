package streammgr

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openanolis/tng/internal/endpoint"
	"github.com/openanolis/tng/internal/wrapping"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newLoopbackDialer returns a Dialer that, each call, spins up a fresh
// in-memory wrapping.Server over a net.Pipe and dials the matching
// wrapping.Client, counting how many times it was actually invoked.
func newLoopbackDialer(t *testing.T) (Dialer, *int32) {
	var calls int32
	dial := func(ctx context.Context, ep endpoint.Endpoint) (net.Conn, error) {
		atomic.AddInt32(&calls, 1)
		clientConn, serverConn := net.Pipe()

		streams := make(chan wrapping.Accepted, 8)
		srv := wrapping.NewServer(streams)
		go func() { _ = srv.Serve(context.Background(), serverConn) }()
		go func() {
			for a := range streams {
				a.SetExtensions("passed:token", "127.0.0.1:1")
				go func(a wrapping.Accepted) {
					buf := make([]byte, 4)
					n, _ := io.ReadFull(a.Stream, buf)
					_, _ = a.Stream.Write(buf[:n])
					_ = a.Stream.Close()
				}(a)
			}
		}()

		return clientConn, nil
	}
	return dial, &calls
}

func TestNewStream_SingleFlightDedup(t *testing.T) {
	dial, calls := newLoopbackDialer(t)
	mgr := NewTrustedStreamManager(dial)
	defer mgr.Close()

	ep := endpoint.New("127.0.0.1", 30001)

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			stream, err := mgr.NewStream(context.Background(), ep)
			errs[i] = err
			if err == nil {
				stream.Close()
			}
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(calls), "dial should be invoked at most once across concurrent callers")
}

func TestNewStream_RoundTripsBytes(t *testing.T) {
	dial, _ := newLoopbackDialer(t)
	mgr := NewTrustedStreamManager(dial)
	defer mgr.Close()

	stream, err := mgr.NewStream(context.Background(), endpoint.New("127.0.0.1", 30001))
	require.NoError(t, err)
	defer stream.Close()

	assert.Equal(t, "passed:token", stream.AttestationResult)

	_, err = stream.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = io.ReadFull(stream, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

func TestEgressDispatcher_ForwardsAcceptedStreams(t *testing.T) {
	upConn, downConn := net.Pipe()
	dispatcher := NewEgressDispatcher(func(ctx context.Context) (net.Conn, error) {
		return downConn, nil
	})

	// Build one real Accepted inner stream the same way the egress
	// wrapping server produces one: a live client/server HTTP/2 CONNECT
	// pair over a pipe.
	appClientConn, appServerConn := net.Pipe()
	acceptedCh := make(chan wrapping.Accepted, 1)
	srv := wrapping.NewServer(acceptedCh)
	go func() { _ = srv.Serve(context.Background(), appServerConn) }()

	wc, err := wrapping.NewClient(appClientConn)
	require.NoError(t, err)
	defer wc.Close()

	openErrCh := make(chan error, 1)
	var innerStream *wrapping.Stream
	go func() {
		s, err := wc.OpenStream(context.Background())
		innerStream = s
		openErrCh <- err
	}()

	var accepted wrapping.Accepted
	select {
	case accepted = <-acceptedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accepted inner stream")
	}
	accepted.SetExtensions("", "")
	require.NoError(t, <-openErrCh)
	require.NotNil(t, innerStream)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dispatched := make(chan wrapping.Accepted, 1)
	dispatched <- accepted
	go dispatcher.Run(ctx, dispatched)

	_, err = innerStream.Write([]byte("hi"))
	require.NoError(t, err)

	buf := make([]byte, 2)
	upConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := upConn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(buf[:n]))
}
