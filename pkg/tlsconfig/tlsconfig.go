// Package tlsconfig builds tls.Config instances from PEM files on disk.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/effective-security/xlog"
	"github.com/pkg/errors"
)

var logger = xlog.NewPackageLogger("github.com/openanolis/tng/pkg", "tlsconfig")

// NewServerTLSFromFiles will build a tls.Config from the supplied certificate, key
// and optional trust roots files, these files are all expected to be PEM encoded.
// The file paths are relative to the working directory if not specified in absolute
// format.
// rootsFile is optional, if not specified the standard OS CA roots will be used.
func NewServerTLSFromFiles(certFile, keyFile, rootsFile string, clientAuthType tls.ClientAuthType) (*tls.Config, error) {
	tlscert, err := LoadX509KeyPairWithOCSP(certFile, keyFile)
	if err != nil {
		return nil, err
	}

	var roots *x509.CertPool
	if rootsFile != "" {
		roots, err = LoadCertPool(rootsFile)
		if err != nil {
			return nil, err
		}
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"h2", "http/1.1"},
		Certificates: []tls.Certificate{*tlscert},
		ClientAuth:   clientAuthType,
		ClientCAs:    roots,
		RootCAs:      roots,
	}, nil
}

// NewClientTLSFromFiles will build a tls.Config from the supplied certificate, key
// and optional trust roots files, these files are all expected to be PEM encoded.
// certFile/keyFile are optional: an empty certFile produces a client config
// with no client certificate.
// rootsFile is optional, if not specified the standard OS CA roots will be used.
func NewClientTLSFromFiles(certFile, keyFile, rootsFile string) (*tls.Config, error) {
	var roots *x509.CertPool
	if rootsFile != "" {
		var err error
		roots, err = LoadCertPool(rootsFile)
		if err != nil {
			return nil, err
		}
	}

	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"h2", "http/1.1"},
		ClientCAs:  roots,
		RootCAs:    roots,
	}

	if certFile != "" {
		tlscert, err := LoadX509KeyPairWithOCSP(certFile, keyFile)
		if err != nil {
			return nil, err
		}
		if tlscert.Leaf == nil && len(tlscert.Certificate) > 0 {
			tlscert.Leaf, err = x509.ParseCertificate(tlscert.Certificate[0])
			if err != nil {
				logger.KV(xlog.WARNING, "reason", "ParseCertificate", "err", err)
			}
		}
		cfg.Certificates = []tls.Certificate{*tlscert}
	}

	return cfg, nil
}

// LoadCertPool reads one or more PEM files and returns a pool containing
// every certificate found in them. Used both for a single CA bundle
// (NewClientTLSFromFiles/NewServerTLSFromFiles) and for the attestation
// verifier's pinned Attestation Service trust roots, which are configured
// as a list of individual PEM files rather than one bundle.
func LoadCertPool(paths ...string) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, errors.WithMessagef(err, "tlsconfig: read trust root %q", p)
		}
		if !pool.AppendCertsFromPEM(data) {
			return nil, errors.Errorf("tlsconfig: no certificates found in %q", p)
		}
	}
	return pool, nil
}
