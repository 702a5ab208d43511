package metrics

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/openanolis/tng/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_NilConfig(t *testing.T) {
	shutdown, err := Setup(nil)
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetup_RecognizedExporters(t *testing.T) {
	metric := config.ExporterList{
		json.RawMessage(`{"name":"prometheus"}`),
	}
	trace := config.ExporterList{
		json.RawMessage(`{"name":"stdout"}`),
	}
	cfg := &config.Config{Metric: &metric, Trace: &trace}

	shutdown, err := Setup(cfg)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetup_UnrecognizedExporterIsConfigError(t *testing.T) {
	metric := config.ExporterList{json.RawMessage(`{"name":"made-up-exporter"}`)}
	cfg := &config.Config{Metric: &metric}

	_, err := Setup(cfg)
	assert.Error(t, err)
}

func TestRecordFunctions_DoNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		RecordBytes("up", "127.0.0.1:80", 128)
		RecordInnerStream("ingress", "127.0.0.1:80")
		RecordHandshake("ingress", "success", time.Now())
		RecordAttestationVerify("passed")
		RecordCertRefresh("success")
	})
}
