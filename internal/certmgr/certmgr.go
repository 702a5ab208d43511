// Package certmgr owns the attester side's currently valid attested
// certificate and keeps it fresh. Refresh is a one-shot-then-reschedule
// job whose next run time moves with every issuance ("expiry - safety
// margin"); internal/tasks only runs fixed-interval jobs, so the loop
// here owns its own time.Timer instead, still supervised by the
// instance's root cancellation the same way internal/tasks's goroutines
// are.
package certmgr

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"sync"
	"time"

	"github.com/effective-security/xlog"
	"github.com/openanolis/tng/internal/attestation"
	"github.com/openanolis/tng/internal/metrics"
	"github.com/openanolis/tng/internal/ra"
	"github.com/openanolis/tng/internal/tlsutil"
	"github.com/pkg/errors"
)

var logger = xlog.NewPackageLogger("github.com/openanolis/tng/internal", "certmgr")

// SafetyMargin is how long before expiry a refresh is attempted.
const SafetyMargin = 2 * time.Minute

// agentClient is the subset of *attestation.AgentClient CertManager needs.
type agentClient interface {
	Issue(ctx context.Context, req attestation.IssueRequest) (*attestation.IssueResponse, error)
}

// CertManager owns the currently valid attested certificate, refreshing
// it in the background before expiry. One instance per attester-side
// tunnel; constructed with the Attestation Agent address from
// ra.AttestConfig.
type CertManager struct {
	agent agentClient

	mu      sync.RWMutex
	current *tls.Certificate
	expiry  time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

var _ tlsutil.CertSource = (*CertManager)(nil)

// New constructs a CertManager and performs the first, synchronous
// attested-certificate issuance: a first-contact failure is fatal to
// the tunnel instance, so it must happen before New returns rather than
// silently in the background.
func New(ctx context.Context, agent agentClient) (*CertManager, error) {
	cm := &CertManager{agent: agent, done: make(chan struct{})}
	if err := cm.refresh(ctx); err != nil {
		return nil, errors.WithMessage(err, "certmgr: first attested certificate issuance failed")
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	cm.cancel = cancel
	go cm.refreshLoop(loopCtx)
	return cm, nil
}

// Current returns the currently valid attested certificate. Implements
// tlsutil.CertSource.
func (cm *CertManager) Current() *tls.Certificate {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.current
}

// Stop stops the background refresher. The last-issued certificate
// remains valid (and Current() keeps returning it) until its own expiry.
func (cm *CertManager) Stop() error {
	if cm.cancel == nil {
		return nil
	}
	cm.cancel()
	<-cm.done
	return nil
}

func (cm *CertManager) nextRefreshAt() time.Time {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.expiry.Add(-SafetyMargin)
}

// refreshLoop sleeps until the next scheduled refresh (expiry - safety
// margin), refreshes, and reschedules itself against the new expiry.
// Refresh failures are logged and non-fatal; the loop
// retries again after a short backoff rather than the full interval so
// a transient Attestation Agent outage does not risk missing the real
// expiry.
func (cm *CertManager) refreshLoop(ctx context.Context) {
	defer close(cm.done)
	for {
		wait := time.Until(cm.nextRefreshAt())
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		refreshCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := cm.refresh(refreshCtx)
		cancel()
		if err != nil {
			logger.KV(xlog.ERROR, "reason", "refresh_failed", "err", err)
			metrics.RecordCertRefresh("failure")
			select {
			case <-ctx.Done():
				return
			case <-time.After(30 * time.Second):
			}
			continue
		}
		metrics.RecordCertRefresh("success")
	}
}

func (cm *CertManager) refresh(ctx context.Context) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return errors.WithStack(err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return errors.WithStack(err)
	}
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return errors.WithStack(err)
	}

	resp, err := cm.agent.Issue(ctx, attestation.IssueRequest{PublicKeyDER: pubDER, Nonce: nonce})
	if err != nil {
		return errors.WithMessage(err, "certmgr: attestation agent issue call failed")
	}

	cert := tls.Certificate{
		Certificate: [][]byte{resp.CertDER},
		PrivateKey:  key,
	}

	cm.mu.Lock()
	cm.current = &cert
	cm.expiry = resp.Expiry
	cm.mu.Unlock()

	logger.KV(xlog.INFO, "reason", "cert_refreshed", "expiry", resp.Expiry)
	return nil
}

// WithAttestConfig is a convenience constructor building the
// *attestation.AgentClient dial for cfg.AaAddr and wrapping it in a
// CertManager; cfg must already have passed ra.Config.Validate.
func WithAttestConfig(ctx context.Context, cfg ra.AttestConfig) (*CertManager, *attestation.AgentClient, error) {
	agent, err := attestation.NewAgentClient(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	cm, err := New(ctx, agent)
	if err != nil {
		_ = agent.Close()
		return nil, nil, err
	}
	return cm, agent, nil
}
