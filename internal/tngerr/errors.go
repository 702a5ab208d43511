// Package tngerr defines the fatal/non-fatal error-kind sentinels used
// throughout the gateway, matching the shape (not content) of
// xhttp/httperror.Error: a small typed wrapper the rest of the codebase
// tests against with errors.Is, built on github.com/pkg/errors so every
// wrap keeps a stack trace for the "error: %+v" logging style already
// used in internal/tlsverify and internal/attestation.
package tngerr

import "github.com/pkg/errors"

// Kind classifies an error by how far it propagates. Config,
// acquisition and attester errors are fatal to the process; the rest
// close only the offending connection.
type Kind string

const (
	KindConfig            Kind = "config_error"
	KindAcquisition       Kind = "acquisition_error"
	KindAttester          Kind = "attester_error"
	KindHandshake         Kind = "handshake_error"
	KindVerifierTransport Kind = "verifier_transport_error"
	KindPolicyFailure     Kind = "policy_failure"
	KindUpstreamConnect   Kind = "upstream_connect_error"
	KindTunnelIO          Kind = "tunnel_io_error"
	KindProtocol          Kind = "protocol_error"
)

// Fatal sentinels: reaching the process root cancels the instance.
var (
	ErrConfig      = errors.New(string(KindConfig))
	ErrAcquisition = errors.New(string(KindAcquisition))
	ErrAttester    = errors.New(string(KindAttester))
)

// Per-connection sentinels: logged and the connection is closed; they
// never propagate past the connection task.
var (
	ErrHandshake         = errors.New(string(KindHandshake))
	ErrVerifierTransport = errors.New(string(KindVerifierTransport))
	ErrPolicyFailure     = errors.New(string(KindPolicyFailure))
	ErrUpstreamConnect   = errors.New(string(KindUpstreamConnect))
	ErrTunnelIO          = errors.New(string(KindTunnelIO))
	ErrProtocol          = errors.New(string(KindProtocol))
)

// IsFatal reports whether err's kind belongs to the fatal set (config,
// acquisition, first-contact attester failure).
func IsFatal(err error) bool {
	return errors.Is(err, ErrConfig) || errors.Is(err, ErrAcquisition) || errors.Is(err, ErrAttester)
}

// Wrap attaches kind to err as its cause, preserving err's stack if it
// already carries one (errors.WithMessage does not re-stack).
func Wrap(kind error, err error, message string) error {
	if err == nil {
		return nil
	}
	return errors.WithMessage(joinCause{kind: kind, cause: err}, message)
}

type joinCause struct {
	kind  error
	cause error
}

func (j joinCause) Error() string { return j.cause.Error() }
func (j joinCause) Unwrap() error { return j.cause }
func (j joinCause) Is(target error) bool {
	return target == j.kind || errors.Is(j.cause, target)
}
