// Package tlsverify bridges tls.Config's synchronous VerifyPeerCertificate
// callback to the Attestation Service's asynchronous, network-bound
// appraisal call. A handshake goroutine cannot block the whole listener
// while it waits on an external HTTP/gRPC round trip, so the callback only
// submits a job and blocks on its own private result channel; a small
// worker pool does the actual AS call. Every connection handshakes on
// its own goroutine, so one slow peer never stalls another.
package tlsverify

import (
	"context"
	"crypto/x509"
	"sync"
	"time"

	"github.com/effective-security/xlog"
	"github.com/openanolis/tng/internal/attestation"
	"github.com/openanolis/tng/internal/ra"
	"github.com/pkg/errors"
)

var logger = xlog.NewPackageLogger("github.com/openanolis/tng/internal", "tlsverify")

// ServiceVerifier is the subset of *attestation.ServiceClient a Verifier
// needs; satisfied by the real client and by test doubles.
type ServiceVerifier interface {
	Verify(ctx context.Context, evidence []byte) (ra.Result, error)
}

// Result is delivered to the caller of Callback once the worker pool has
// appraised the peer's evidence.
type Result struct {
	Attestation ra.Result
	Err         error
}

type job struct {
	chain []*x509.Certificate
	reply chan Result
}

// Verifier owns the worker pool and exposes the VerifyPeerCertificate
// callback tls.Config needs. Callback is safe to call concurrently from
// many in-flight handshakes: each call gets its own buffered reply
// channel, consumed exactly once.
type Verifier struct {
	svc     ServiceVerifier
	jobs    chan job
	timeout time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New starts a Verifier with workers workers, each servicing AS verify
// calls sequentially. workers should scale with runtime.GOMAXPROCS since
// each job blocks on network I/O, not CPU. svc is usually a
// *attestation.ServiceClient; the narrower ServiceVerifier interface
// lets tests substitute a fake without a live Attestation Service.
func New(svc ServiceVerifier, workers int, timeout time.Duration) *Verifier {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	v := &Verifier{
		svc:     svc,
		jobs:    make(chan job, workers*4),
		timeout: timeout,
		cancel:  cancel,
	}
	for i := 0; i < workers; i++ {
		v.wg.Add(1)
		go v.runWorker(ctx)
	}
	return v
}

// Stop drains and stops the worker pool. In-flight Callback calls whose
// job already left the queue still complete; anything left queued fails
// with a context-cancellation error once its worker observes the
// cancellation.
func (v *Verifier) Stop() {
	v.cancel()
	v.wg.Wait()
}

func (v *Verifier) runWorker(ctx context.Context) {
	defer v.wg.Done()
	for {
		select {
		case <-ctx.Done():
			// Answer every job still queued so its Callback returns
			// instead of waiting out its handshakeCtx.
			for {
				select {
				case j := <-v.jobs:
					j.reply <- Result{Err: errors.WithStack(ctx.Err())}
				default:
					return
				}
			}
		case j := <-v.jobs:
			v.handle(ctx, j)
		}
	}
}

func (v *Verifier) handle(ctx context.Context, j job) {
	callCtx := ctx
	var cancel context.CancelFunc
	if v.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	evidence, ok := evidenceFrom(j.chain)
	if !ok {
		j.reply <- Result{Err: errors.New("tlsverify: peer certificate carries no attestation evidence")}
		return
	}

	res, err := v.svc.Verify(callCtx, evidence)
	if err != nil {
		j.reply <- Result{Err: errors.WithMessage(err, "tlsverify: attestation service call failed")}
		return
	}
	if !res.Passed() {
		j.reply <- Result{Attestation: res, Err: errors.Errorf("tlsverify: attestation verdict %q", res.Verdict)}
		return
	}
	j.reply <- Result{Attestation: res}
}

func evidenceFrom(chain []*x509.Certificate) ([]byte, bool) {
	if len(chain) == 0 {
		return nil, false
	}
	return attestation.EvidenceFromCertificate(chain[0])
}

// Callback returns a tls.Config.VerifyPeerCertificate function that, on a
// passing verdict, stores the appraisal into *out before returning nil.
// handshakeCtx bounds how long the handshake goroutine is willing to wait;
// internal/tng passes the dial context (ingress) or the instance context
// (egress). out
// must not be read until the handshake that invoked this callback has
// completed.
func (v *Verifier) Callback(handshakeCtx context.Context, out *ra.Result) func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		chain, err := parseChain(rawCerts)
		if err != nil {
			return err
		}

		reply := make(chan Result, 1)
		j := job{chain: chain, reply: reply}

		select {
		case v.jobs <- j:
		case <-handshakeCtx.Done():
			return errors.WithStack(handshakeCtx.Err())
		}

		select {
		case res := <-reply:
			if res.Err != nil {
				logger.KV(xlog.WARNING, "reason", "verify_failed", "err", res.Err)
				return res.Err
			}
			if out != nil {
				*out = res.Attestation
			}
			return nil
		case <-handshakeCtx.Done():
			return errors.WithStack(handshakeCtx.Err())
		}
	}
}

func parseChain(rawCerts [][]byte) ([]*x509.Certificate, error) {
	chain := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return nil, errors.WithMessage(err, "tlsverify: parse peer certificate")
		}
		chain = append(chain, cert)
	}
	return chain, nil
}
