package tlsutil

import (
	"crypto/tls"
	"crypto/x509"

	"github.com/effective-security/xlog"
)

// VerifyFunc matches tls.Config.VerifyPeerCertificate's signature; it is
// the seam internal/tlsverify plugs its sync/async bridge into.
type VerifyFunc = func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error

// CertSource supplies the current leaf certificate for a GetCertificate /
// GetClientCertificate callback. internal/certmgr implements it so that a
// refreshed attested certificate takes effect on the next handshake without
// rebuilding the tls.Config.
type CertSource interface {
	Current() *tls.Certificate
}

// AcceptorConfig builds the tls.Config used by an egress gateway's listener
// (or an ingress gateway's loopback listener, when it also has attest
// configured). verify may be nil when the peer's evidence is not checked
// (attest-only sides).
func AcceptorConfig(src CertSource, verify VerifyFunc) *tls.Config {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"h2"},
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return currentOrDummy(src), nil
		},
	}
	if verify != nil {
		cfg.ClientAuth = tls.RequireAnyClientCert
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = verify
	}
	return cfg
}

// ConnectorConfig builds the tls.Config used by the dialer side of a
// tunnel. serverName is the peer's expected authority (the fixed
// "tng.internal"-style literal, not a real DNS name).
func ConnectorConfig(src CertSource, serverName string, verify VerifyFunc) *tls.Config {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		NextProtos:         []string{"h2"},
		ServerName:         serverName,
		InsecureSkipVerify: true,
		GetClientCertificate: func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
			return currentOrDummy(src), nil
		},
	}
	if verify != nil {
		cfg.VerifyPeerCertificate = verify
	}
	return cfg
}

func currentOrDummy(src CertSource) *tls.Certificate {
	if src != nil {
		if cur := src.Current(); cur != nil {
			return cur
		}
	}
	logger.KV(xlog.DEBUG, "reason", "no_attested_cert_yet", "using", "dummy")
	return &DummyCertificate
}
