// Package ra holds the remote-attestation configuration and result types
// shared by the security layer, the certificate manager and the custom
// certificate verifier.
package ra

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// VerifyConfig describes the peer-is-attester side: we call the
// Attestation Service to validate the peer's evidence.
type VerifyConfig struct {
	// AsAddr is the Attestation Service URL, e.g. "http://127.0.0.1:8080/".
	AsAddr string `json:"as_addr"`
	// PolicyIDs is the list of policy identifiers passed to the AS.
	PolicyIDs []string `json:"policy_ids"`
	// TrustedCertsPaths optionally pins AS trust roots.
	TrustedCertsPaths []string `json:"trusted_certs_paths,omitempty"`
	// AsIsGRPC selects gRPC transport to the AS instead of HTTP.
	AsIsGRPC bool `json:"as_is_grpc,omitempty"`
}

// AttestConfig describes the we-are-attester side: a local Attestation
// Agent issues our certificate.
type AttestConfig struct {
	// AaAddr is the Attestation Agent address, e.g. "unix:///tmp/attestation.sock".
	AaAddr string `json:"aa_addr"`
}

// Config is exactly one of NoRa, Verify, Attest or (Verify and Attest
// both set, i.e. AttestAndVerify). The zero value is invalid; Validate
// enforces the exclusivity invariant.
type Config struct {
	NoRa   bool          `json:"no_ra,omitempty"`
	Attest *AttestConfig `json:"attest,omitempty"`
	Verify *VerifyConfig `json:"verify,omitempty"`
}

// Validate enforces: no_ra=true is incompatible with either attest or
// verify being set, and at least one of the three must hold.
func (c Config) Validate() error {
	hasAttest := c.Attest != nil
	hasVerify := c.Verify != nil

	if c.NoRa && (hasAttest || hasVerify) {
		return errors.New("ra config: no_ra is incompatible with attest or verify")
	}
	if !c.NoRa && !hasAttest && !hasVerify {
		return errors.New("ra config: one of no_ra, attest or verify must be set")
	}
	if hasVerify {
		if c.Verify.AsAddr == "" {
			return errors.New("ra config: verify.as_addr is required")
		}
		if len(c.Verify.PolicyIDs) == 0 {
			return errors.New("ra config: verify.policy_ids is required")
		}
	}
	if hasAttest && c.Attest.AaAddr == "" {
		return errors.New("ra config: attest.aa_addr is required")
	}
	return nil
}

// IsAttester reports whether this side must produce an attested certificate.
func (c Config) IsAttester() bool { return c.Attest != nil }

// IsVerifier reports whether this side must verify the peer's evidence.
func (c Config) IsVerifier() bool { return c.Verify != nil }

// Mutual reports whether both attest and verify are configured.
func (c Config) Mutual() bool { return c.IsAttester() && c.IsVerifier() }

// Verdict is the outcome of an Attestation Service appraisal.
type Verdict string

const (
	// VerdictPassed means the AS accepted the evidence against the
	// requested policies.
	VerdictPassed Verdict = "passed"
	// VerdictFailed means the AS rejected the evidence.
	VerdictFailed Verdict = "failed"
)

// Result is the opaque token returned by the Attestation Service for a
// verified peer. It is cheap to copy (holds a verdict, a token string,
// the verifier's raw JSON claims and the verification time) and is attached to each accepted inner
// stream for observability; the core never uses it for access control.
type Result struct {
	Verdict    Verdict         `json:"verdict"`
	Token      string          `json:"token,omitempty"`
	Claims     json.RawMessage `json:"claims,omitempty"`
	VerifiedAt time.Time       `json:"verified_at"`
}

// Passed reports whether the verdict was "passed".
func (r Result) Passed() bool { return r.Verdict == VerdictPassed }

// IsZero reports whether r carries no verdict (e.g. no_ra or attest-only
// sides, where no AS call is ever made).
func (r Result) IsZero() bool { return r.Verdict == "" }

// String renders a short, claim-free summary suitable for access logs.
func (r Result) String() string {
	if r.IsZero() {
		return "none"
	}
	return string(r.Verdict) + ":" + shortToken(r.Token)
}

// Raw decodes the verifier's claims into a generic map for callers that
// need a specific claim (policy evaluation, debugging) rather than the
// redacted summary String returns. Returns nil if no claims were set.
func (r Result) Raw() map[string]any {
	if len(r.Claims) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(r.Claims, &m); err != nil {
		return nil
	}
	return m
}

func shortToken(tok string) string {
	const n = 8
	if len(tok) <= n {
		return tok
	}
	return tok[:n] + "…"
}
