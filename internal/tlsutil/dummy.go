// Package tlsutil builds the tls.Config instances used by the acceptor and
// connector sides of a tunnel, and holds the dummy trust anchor the gateway
// presents before any attestation result is available.
package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"time"

	"github.com/effective-security/xlog"
	"github.com/pkg/errors"
)

var logger = xlog.NewPackageLogger("github.com/openanolis/tng/internal", "tlsutil")

// DummyCertificate is a package-level, process-lifetime self-signed
// certificate generated once at init. It never authorizes anything: its
// only purpose is to give the GetCertificate/GetClientCertificate
// callbacks a certificate to present while no attested one exists, so a
// handshake can proceed up to the point where VerifyPeerCertificate (or the
// peer's own verification of our attested leaf) makes the real decision.
var DummyCertificate tls.Certificate

func init() {
	cert, err := generateDummyCertificate()
	if err != nil {
		panic(errors.WithMessage(err, "tlsutil: failed to generate dummy certificate"))
	}
	DummyCertificate = cert
}

func generateDummyCertificate() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, errors.WithStack(err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, errors.WithStack(err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "tng-dummy-trust-anchor"},
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Now().AddDate(100, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		IsCA:         true,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, errors.WithStack(err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}, nil
}
