package tlsutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_DummyCertificate(t *testing.T) {
	require.NotEmpty(t, DummyCertificate.Certificate)
	require.NotNil(t, DummyCertificate.PrivateKey)
}

func Test_AcceptorConfig_fallsBackToDummy(t *testing.T) {
	cfg := AcceptorConfig(nil, nil)
	cert, err := cfg.GetCertificate(nil)
	require.NoError(t, err)
	assert.Equal(t, DummyCertificate.Certificate, cert.Certificate)
}

func Test_ConnectorConfig_setsServerName(t *testing.T) {
	cfg := ConnectorConfig(nil, "tng.internal", nil)
	assert.Equal(t, "tng.internal", cfg.ServerName)
	cert, err := cfg.GetClientCertificate(nil)
	require.NoError(t, err)
	assert.Equal(t, DummyCertificate.Certificate, cert.Certificate)
}
