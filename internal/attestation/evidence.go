package attestation

import (
	"crypto/x509"
	"encoding/asn1"

	"github.com/openanolis/tng/pkg/tlsconfig"
)

// evidenceExtensionOID identifies the X.509 extension carrying remote
// attestation evidence inside an attested leaf certificate. There is no
// publicly registered OID for this extension, so TNG mints its own
// under the IANA private enterprise arc reserved for unregistered
// experimental use.
var evidenceExtensionOID = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 99999, 1, 1}

func loadTrustedCerts(paths []string) (*x509.CertPool, error) {
	return tlsconfig.LoadCertPool(paths...)
}
