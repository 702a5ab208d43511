package attestation

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/openanolis/tng/internal/ra"
	"github.com/openanolis/tng/pkg/retriable"
	"github.com/pkg/errors"
)

// httpVerifier calls an Attestation Service over plain HTTP through
// pkg/retriable rather than a bare http.Client: the AS is an external
// dependency on the hot path of every attested handshake, and
// pkg/retriable already encodes "retry transient failures, give up on
// permanent ones".
type httpVerifier struct {
	client *retriable.Client
	asAddr string
}

func newHTTPVerifier(cfg ra.VerifyConfig) (*httpVerifier, error) {
	opts := []retriable.ClientOption{retriable.WithName("tng-as-client")}

	if len(cfg.TrustedCertsPaths) > 0 {
		pool, err := loadTrustedCerts(cfg.TrustedCertsPaths)
		if err != nil {
			return nil, err
		}
		opts = append(opts, retriable.WithTLS(&tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}))
	}

	opts = append(opts, retriable.WithPolicy(retriable.Policy{
		TotalRetryLimit: 3,
		RequestTimeout:  10 * time.Second,
	}))

	return &httpVerifier{client: retriable.New(opts...), asAddr: cfg.AsAddr}, nil
}

func (v *httpVerifier) verify(ctx context.Context, req VerifyRequest) (VerifyResponse, error) {
	var resp VerifyResponse
	_, status, err := v.client.RequestURL(ctx, http.MethodPost, v.asAddr, &req, &resp)
	if err != nil {
		return VerifyResponse{}, errors.WithMessage(err, "attestation: as http request failed")
	}
	if status >= 300 {
		return VerifyResponse{}, errors.Errorf("attestation: as returned status %d", status)
	}
	return resp, nil
}
