// Package attestation talks to the two external services the gateway
// depends on: a local Attestation Agent that issues attested certificates,
// and an Attestation Service that appraises a peer's evidence against a
// set of policies. Neither protocol has a published .proto contract;
// gRPC transport is still used where configured, carrying a small
// hand-registered JSON codec instead of generated stubs.
package attestation

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"strings"
	"time"

	"github.com/effective-security/xlog"
	"github.com/openanolis/tng/internal/ra"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var logger = xlog.NewPackageLogger("github.com/openanolis/tng/internal", "attestation")

// removePrefix strips the URL-scheme-like prefixes aa_addr/as_addr
// values carry ("unix://", "unixs://", "http://", "https://").
var removePrefix = strings.NewReplacer("https://", "", "http://", "", "unixs://", "", "unix://", "", "tcp://", "")

func dialTarget(addr string) string {
	target := removePrefix.Replace(addr)
	if strings.HasPrefix(addr, "unix://") || strings.HasPrefix(addr, "unixs://") {
		return "unix://" + target
	}
	if !strings.Contains(target, ":") {
		target += ":443"
	}
	return target
}

// IssueRequest is what AgentClient.Issue sends to the Attestation Agent:
// a keypair/nonce pair the agent should bind an attestation quote to.
type IssueRequest struct {
	PublicKeyDER []byte `json:"public_key_der"`
	Nonce        []byte `json:"nonce"`
}

// IssueResponse is the Attestation Agent's reply: an attested leaf
// certificate, its private key, and its expiry.
type IssueResponse struct {
	CertDER []byte    `json:"cert_der"`
	KeyDER  []byte    `json:"key_der"`
	Expiry  time.Time `json:"expiry"`
}

// AgentClient issues attested certificates via the local Attestation
// Agent, dialed at aa_addr (unix:// or tcp://).
type AgentClient struct {
	conn *grpc.ClientConn
}

// NewAgentClient dials the Attestation Agent. Connection setup follows
// pkg/rpcclient.Client.dial's unix://-stripping / default-port behavior,
// simplified since AA calls carry no bearer/DPoP credentials.
func NewAgentClient(ctx context.Context, cfg ra.AttestConfig) (*AgentClient, error) {
	target := dialTarget(cfg.AaAddr)
	conn, err := grpc.DialContext(ctx, target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodecName)),
	)
	if err != nil {
		return nil, errors.WithMessagef(err, "attestation: dial aa_addr %q", cfg.AaAddr)
	}
	logger.KV(xlog.DEBUG, "aa_addr", cfg.AaAddr, "target", target)
	return &AgentClient{conn: conn}, nil
}

// Issue requests an attested certificate bound to pubKeyDER/nonce.
func (c *AgentClient) Issue(ctx context.Context, req IssueRequest) (*IssueResponse, error) {
	var resp IssueResponse
	err := c.conn.Invoke(ctx, "/tng.attestation.Agent/Issue", &req, &resp)
	if err != nil {
		return nil, errors.WithMessage(err, "attestation: agent issue call failed")
	}
	return &resp, nil
}

// Close releases the underlying connection.
func (c *AgentClient) Close() error {
	return c.conn.Close()
}

// VerifyRequest is what ServiceClient.Verify sends to the Attestation
// Service.
type VerifyRequest struct {
	Evidence  []byte   `json:"evidence"`
	PolicyIDs []string `json:"policy_ids"`
}

// VerifyResponse is the Attestation Service's appraisal result.
type VerifyResponse struct {
	Verdict ra.Verdict      `json:"verdict"`
	Token   string          `json:"token"`
	Claims  json.RawMessage `json:"claims,omitempty"`
}

// ServiceClient verifies peer evidence against policies, via either gRPC
// or HTTP depending on as_is_grpc.
type ServiceClient struct {
	cfg  ra.VerifyConfig
	conn *grpc.ClientConn // set when cfg.AsIsGRPC
	http *httpVerifier    // set otherwise
}

// NewServiceClient builds a ServiceClient for cfg. The HTTP backend
// goes through pkg/retriable so transient Attestation Service failures
// are retried under a policy rather than failing the handshake outright.
func NewServiceClient(ctx context.Context, cfg ra.VerifyConfig) (*ServiceClient, error) {
	sc := &ServiceClient{cfg: cfg}
	if cfg.AsIsGRPC {
		target := dialTarget(cfg.AsAddr)
		conn, err := grpc.DialContext(ctx, target,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodecName)),
		)
		if err != nil {
			return nil, errors.WithMessagef(err, "attestation: dial as_addr %q", cfg.AsAddr)
		}
		sc.conn = conn
		return sc, nil
	}

	hv, err := newHTTPVerifier(cfg)
	if err != nil {
		return nil, err
	}
	sc.http = hv
	return sc, nil
}

// Verify appraises evidence against the configured policy_ids.
func (c *ServiceClient) Verify(ctx context.Context, evidence []byte) (ra.Result, error) {
	req := VerifyRequest{Evidence: evidence, PolicyIDs: c.cfg.PolicyIDs}

	var resp VerifyResponse
	var err error
	if c.conn != nil {
		err = c.conn.Invoke(ctx, "/tng.attestation.Service/Verify", &req, &resp)
	} else {
		resp, err = c.http.verify(ctx, req)
	}
	if err != nil {
		return ra.Result{}, errors.WithMessage(err, "attestation: service verify call failed")
	}

	return ra.Result{
		Verdict:    resp.Verdict,
		Token:      resp.Token,
		Claims:     resp.Claims,
		VerifiedAt: time.Now(),
	}, nil
}

// Close releases the underlying connection, if gRPC-backed.
func (c *ServiceClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// EvidenceFromCertificate extracts the attestation evidence extension
// from a peer leaf certificate. The OID lives under a private-use arc;
// both sides of a tunnel agree on it by construction.
func EvidenceFromCertificate(cert *x509.Certificate) ([]byte, bool) {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(evidenceExtensionOID) {
			return ext.Value, true
		}
	}
	return nil, false
}
