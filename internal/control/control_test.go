package control

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/openanolis/tng/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer_LivezAlwaysReady_ReadyzReflectsState(t *testing.T) {
	state := &ReadinessState{}
	srv, err := NewServer(&config.ControlConfig{Restful: &config.RestfulConfig{Host: "127.0.0.1", Port: 0}}, state)
	require.NoError(t, err)

	addr := srv.ln.Addr().String()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx) }()
	defer srv.Close()

	time.Sleep(20 * time.Millisecond)

	resp, err := http.Get(fmt.Sprintf("http://%s/livez", addr))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(fmt.Sprintf("http://%s/readyz", addr))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()

	state.SetReady(true)

	resp, err = http.Get(fmt.Sprintf("http://%s/readyz", addr))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestNewServer_NilConfigDisablesControlInterface(t *testing.T) {
	srv, err := NewServer(nil, &ReadinessState{})
	require.NoError(t, err)
	assert.Nil(t, srv)
}
