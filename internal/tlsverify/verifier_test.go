package tlsverify

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"testing"
	"time"

	"github.com/openanolis/tng/internal/ra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// evidenceExtensionOID mirrors internal/attestation's unexported OID
// (1.3.6.1.4.1.99999.1.1) so tests here can mint certificates carrying
// the same evidence extension attestation.EvidenceFromCertificate looks
// for, without reaching into that package's internals.
var evidenceExtensionOID = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 99999, 1, 1}

func leafWithEvidence(t *testing.T, evidence []byte) [][]byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "attested-peer"},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(time.Hour),
	}
	if evidence != nil {
		tmpl.ExtraExtensions = []pkix.Extension{{Id: evidenceExtensionOID, Value: evidence}}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return [][]byte{der}
}

type fakeServiceVerifier struct {
	result ra.Result
	err    error
	calls  int
}

func (f *fakeServiceVerifier) Verify(_ context.Context, evidence []byte) (ra.Result, error) {
	f.calls++
	return f.result, f.err
}

func TestCallback_PassedVerdict(t *testing.T) {
	svc := &fakeServiceVerifier{result: ra.Result{Verdict: ra.VerdictPassed, Token: "tok"}}
	v := New(svc, 2, time.Second)
	defer v.Stop()

	var out ra.Result
	cb := v.Callback(context.Background(), &out)

	err := cb(leafWithEvidence(t, []byte("evidence-blob")), nil)
	assert.NoError(t, err)
	assert.Equal(t, ra.VerdictPassed, out.Verdict)
	assert.Equal(t, 1, svc.calls)
}

func TestCallback_FailedVerdict(t *testing.T) {
	svc := &fakeServiceVerifier{result: ra.Result{Verdict: ra.VerdictFailed}}
	v := New(svc, 2, time.Second)
	defer v.Stop()

	var out ra.Result
	cb := v.Callback(context.Background(), &out)

	err := cb(leafWithEvidence(t, []byte("evidence-blob")), nil)
	assert.Error(t, err)
}

func TestCallback_TransportError(t *testing.T) {
	svc := &fakeServiceVerifier{err: assert.AnError}
	v := New(svc, 2, time.Second)
	defer v.Stop()

	var out ra.Result
	cb := v.Callback(context.Background(), &out)

	err := cb(leafWithEvidence(t, []byte("evidence-blob")), nil)
	assert.Error(t, err)
}

func TestCallback_NoEvidenceExtension(t *testing.T) {
	svc := &fakeServiceVerifier{result: ra.Result{Verdict: ra.VerdictPassed}}
	v := New(svc, 2, time.Second)
	defer v.Stop()

	var out ra.Result
	cb := v.Callback(context.Background(), &out)

	err := cb(leafWithEvidence(t, nil), nil)
	assert.Error(t, err)
	assert.Equal(t, 0, svc.calls)
}

func TestCallback_HandshakeContextCancelled(t *testing.T) {
	svc := &fakeServiceVerifier{result: ra.Result{Verdict: ra.VerdictPassed}}
	v := New(svc, 2, time.Second)
	defer v.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out ra.Result
	cb := v.Callback(ctx, &out)
	err := cb(leafWithEvidence(t, []byte("evidence-blob")), nil)
	assert.Error(t, err)
}
