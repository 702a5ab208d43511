// Package tng wires every layer together into one running gateway
// instance: acquisition adapters feed the transport/security/wrapping
// pipeline, the stream manager glues ingress and egress sides together,
// and the control interface reports readiness. Everything hangs off one
// root context.Context/CancelCauseFunc threaded down to every
// adapter and task.
package tng

import (
	"context"
	"crypto/tls"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/effective-security/xlog"
	"github.com/openanolis/tng/internal/acquisition"
	"github.com/openanolis/tng/internal/certmgr"
	"github.com/openanolis/tng/internal/config"
	"github.com/openanolis/tng/internal/control"
	"github.com/openanolis/tng/internal/endpoint"
	"github.com/openanolis/tng/internal/forward"
	"github.com/openanolis/tng/internal/metrics"
	"github.com/openanolis/tng/internal/ra"
	"github.com/openanolis/tng/internal/streammgr"
	"github.com/openanolis/tng/internal/tasks"
	"github.com/openanolis/tng/internal/tlsutil"
	"github.com/openanolis/tng/internal/tlsverify"
	"github.com/openanolis/tng/internal/tngerr"
	"github.com/openanolis/tng/internal/transport"
	"github.com/openanolis/tng/internal/wrapping"
	"github.com/pkg/errors"
)

// diagnosticsInterval is how often the background scheduler logs a
// liveness heartbeat, independent of /livez being polled externally.
const diagnosticsInterval = 30

// shutdownGrace bounds how long Run waits for in-flight connections to
// drain after cancellation before returning with them still open.
const shutdownGrace = 10 * time.Second

var logger = xlog.NewPackageLogger("github.com/openanolis/tng/internal", "tng")

// verifierWorkers scales the Attestation Service worker pool with
// available CPUs; AS calls are blocking network I/O offloaded from the
// handshake goroutine.
func verifierWorkers() int {
	n := runtime.GOMAXPROCS(0)
	if n < 2 {
		return 2
	}
	return n
}

// tngAuthority is the fixed server name ingress dials against.
const tngAuthority = "tng.internal"

// Instance owns every listener, adapter and background task built from
// one loaded Config, and the single root cancellation used to tear them
// all down together.
type Instance struct {
	cfg    *config.Config
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup

	ready      *control.ReadinessState
	controlSrv *control.Server
	sched      *tasks.Scheduler

	starters []func(ctx context.Context)
	closers  []func() error
}

// New builds every configured ingress/egress entry and the control
// interface, but does not start accepting yet; call Run for that.
// Fatal construction errors (bad config, a first-contact attestation
// failure) are returned directly so cmd/tng can exit non-zero before
// anything is listening.
func New(ctx context.Context, cfg *config.Config) (*Instance, error) {
	inst := &Instance{cfg: cfg, ready: &control.ReadinessState{}}

	ctrlSrv, err := control.NewServer(cfg.ControlInterface, inst.ready)
	if err != nil {
		return nil, tngerr.Wrap(tngerr.ErrConfig, err, "build control interface")
	}
	inst.controlSrv = ctrlSrv

	if _, err := metrics.Setup(cfg); err != nil {
		return nil, tngerr.Wrap(tngerr.ErrConfig, err, "set up metrics exporters")
	}

	for i := range cfg.AddIngress {
		if err := inst.buildIngress(ctx, &cfg.AddIngress[i]); err != nil {
			inst.closeAll()
			return nil, err
		}
	}
	for i := range cfg.AddEgress {
		if err := inst.buildEgress(ctx, &cfg.AddEgress[i]); err != nil {
			inst.closeAll()
			return nil, err
		}
	}

	inst.sched = tasks.NewScheduler()
	inst.sched.Add(tasks.NewTaskAtIntervals(diagnosticsInterval, tasks.Seconds).
		Do("diagnostics_heartbeat", inst.logDiagnostics))

	return inst, nil
}

// logDiagnostics is the scheduled heartbeat task body: a periodic,
// low-cardinality log line confirming the instance is still alive
// between external /livez polls.
func (inst *Instance) logDiagnostics() {
	logger.KV(xlog.INFO, "status", "diagnostics_heartbeat",
		"ready", inst.ready.IsReady(),
		"ingress", len(inst.cfg.AddIngress),
		"egress", len(inst.cfg.AddEgress),
	)
}

// Run starts every adapter's accept loop and the control interface, and
// blocks until ctx is cancelled. Once every adapter is running it flips
// the instance to ready. On cancellation the listeners close first so
// accept loops unblock, then in-flight connections get shutdownGrace to
// drain before Run returns regardless.
func (inst *Instance) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancelCause(ctx)
	inst.cancel = cancel
	defer cancel(nil)

	if inst.controlSrv != nil {
		inst.wg.Add(1)
		go func() {
			defer inst.wg.Done()
			if err := inst.controlSrv.Serve(runCtx); err != nil {
				logger.KV(xlog.ERROR, "reason", "control_interface_error", "err", err.Error())
			}
		}()
	}

	for _, start := range inst.starters {
		start := start
		inst.wg.Add(1)
		go func() {
			defer inst.wg.Done()
			start(runCtx)
		}()
	}

	if inst.sched != nil {
		if err := inst.sched.Start(); err != nil {
			logger.KV(xlog.ERROR, "reason", "scheduler_start_failed", "err", err.Error())
		}
	}

	inst.ready.SetReady(true)
	<-runCtx.Done()
	inst.ready.SetReady(false)

	if inst.sched != nil {
		_ = inst.sched.Stop()
	}

	inst.closeAll()

	drained := make(chan struct{})
	go func() {
		inst.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(shutdownGrace):
		logger.KV(xlog.WARNING, "reason", "shutdown_grace_elapsed")
	}

	if err := context.Cause(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Stop cancels the root context, unwinding Run.
func (inst *Instance) Stop() {
	if inst.cancel != nil {
		inst.cancel(nil)
	}
}

func (inst *Instance) closeAll() {
	for i := len(inst.closers) - 1; i >= 0; i-- {
		if err := inst.closers[i](); err != nil {
			logger.KV(xlog.DEBUG, "reason", "close_error", "err", err.Error())
		}
	}
	inst.closers = nil
}

func (inst *Instance) addCloser(c func() error) {
	inst.closers = append(inst.closers, c)
}

// raConfig builds the common ra.Config shared by ingress and egress
// entries.
func raConfig(noRA bool, attest *ra.AttestConfig, verify *ra.VerifyConfig) ra.Config {
	return ra.Config{NoRa: noRA, Attest: attest, Verify: verify}
}

// security bundles the pieces the security layer needs on one side of
// one tunnel entry: an optional CertManager (attest configured) and an
// optional tlsverify.Verifier (verify configured).
type security struct {
	certSource tlsutil.CertSource
	verifier   *tlsverify.Verifier
	closers    []func() error
}

func buildSecurity(ctx context.Context, cfg ra.Config) (*security, error) {
	if err := cfg.Validate(); err != nil {
		return nil, tngerr.Wrap(tngerr.ErrConfig, err, "ra config")
	}
	if cfg.NoRa {
		return &security{}, nil
	}

	s := &security{}
	if cfg.Attest != nil {
		cm, agent, err := certmgr.WithAttestConfig(ctx, *cfg.Attest)
		if err != nil {
			return nil, tngerr.Wrap(tngerr.ErrAttester, err, "first attested certificate issuance")
		}
		s.certSource = cm
		s.closers = append(s.closers, cm.Stop, agent.Close)
	}
	if cfg.Verify != nil {
		svc, err := newServiceClientFromConfig(ctx, *cfg.Verify)
		if err != nil {
			return nil, tngerr.Wrap(tngerr.ErrConfig, err, "build attestation service client")
		}
		v := tlsverify.New(svc, verifierWorkers(), 30*time.Second)
		s.verifier = v
		s.closers = append(s.closers, func() error { v.Stop(); return nil }, svc.Close)
	}
	return s, nil
}

func (s *security) verifyFunc(ctx context.Context, out *ra.Result) tlsutil.VerifyFunc {
	if s.verifier == nil {
		return nil
	}
	return s.verifier.Callback(ctx, out)
}

func (s *security) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i]()
	}
}

// buildIngress wires one add_ingress entry: acquisition adapter +
// security layer + a TrustedStreamManager dialing the configured egress
// endpoint for every accepted application connection.
func (inst *Instance) buildIngress(ctx context.Context, e *config.IngressEntry) error {
	adapter, err := buildAdapter(ctx, e)
	if err != nil {
		return tngerr.Wrap(tngerr.ErrAcquisition, err, "build ingress acquisition adapter")
	}
	inst.addCloser(adapter.Close)

	sec, err := buildSecurity(ctx, raConfig(e.NoRA, e.Attest, e.Verify))
	if err != nil {
		return err
	}
	inst.addCloser(func() error { sec.close(); return nil })

	tlsCfg := tlsutil.ConnectorConfig(sec.certSource, tngAuthority, nil)
	encap := e.EncapInHTTP
	soMark := entrySoMark(e.Netfilter)

	dial := func(dialCtx context.Context, ep endpoint.Endpoint) (net.Conn, error) {
		raw, err := forward.DialUpstreamMarked(dialCtx, "tcp", ep.String(), soMark)
		if err != nil {
			return nil, tngerr.Wrap(tngerr.ErrUpstreamConnect, err, "dial egress endpoint")
		}

		encoded, err := transport.Encode(raw, encap)
		if err != nil {
			_ = raw.Close()
			return nil, tngerr.Wrap(tngerr.ErrProtocol, err, "http-encapsulate outer connection")
		}
		outer := encoded
		var plainConn net.Conn = raw
		if encap != nil {
			plainConn = transport.ToConn(outer, raw)
		}

		var handshakeResult ra.Result
		tc := tlsCfg.Clone()
		if sec.verifier != nil {
			tc.VerifyPeerCertificate = sec.verifyFunc(dialCtx, &handshakeResult)
		}

		start := time.Now()
		tlsConn := tls.Client(plainConn, tc)
		if err := tlsConn.HandshakeContext(dialCtx); err != nil {
			_ = plainConn.Close()
			metrics.RecordHandshake("ingress", "failure", start)
			return nil, tngerr.Wrap(tngerr.ErrHandshake, err, "attested tls handshake")
		}
		metrics.RecordHandshake("ingress", "success", start)
		if sec.verifier != nil {
			metrics.RecordAttestationVerify(string(handshakeResult.Verdict))
			logger.KV(xlog.INFO, "status", "peer_attested",
				"endpoint", ep.String(),
				"attestation", handshakeResult.String(),
			)
		}

		return tlsConn, nil
	}

	smgr := streammgr.NewTrustedStreamManager(dial)
	inst.addCloser(smgr.Close)

	inst.starters = append(inst.starters, func(ctx context.Context) {
		inst.runIngressAcceptLoop(ctx, adapter, smgr)
	})

	return nil
}

func (inst *Instance) runIngressAcceptLoop(ctx context.Context, adapter acquisition.Adapter, smgr *streammgr.TrustedStreamManager) {
	for {
		accepted, err := adapter.Accept(ctx)
		if err != nil {
			logger.KV(xlog.DEBUG, "reason", "ingress_accept_loop_exiting", "err", err.Error())
			return
		}
		inst.wg.Add(1)
		go func() {
			defer inst.wg.Done()
			inst.handleIngressConn(ctx, accepted, smgr)
		}()
	}
}

func (inst *Instance) handleIngressConn(ctx context.Context, accepted acquisition.Accepted, smgr *streammgr.TrustedStreamManager) {
	defer accepted.Conn.Close()

	if accepted.Bypass {
		up, err := forward.DialUpstream(ctx, "tcp", accepted.Destination.String())
		if err != nil {
			logger.KV(xlog.ERROR, "reason", "bypass_dial_failed", "err", err.Error())
			return
		}
		defer up.Close()
		forward.Bidirectional(ctx, accepted.Conn, up)
		return
	}

	stream, err := smgr.NewStream(ctx, accepted.Destination)
	if err != nil {
		logger.KV(xlog.ERROR, "reason", "new_stream_failed", "endpoint", accepted.Destination.String(), "err", err.Error())
		return
	}
	metrics.RecordInnerStream("ingress", accepted.Destination.String())
	forward.BidirectionalLabeled(ctx, accepted.Conn, stream, accepted.Destination.String(), accepted.Destination.String())
}

// buildEgress wires one add_egress entry: acquisition adapter accepting
// the outer tunnel connection, transport decode, security handshake and
// verification, the wrapping-layer server, and the egress dispatcher
// forwarding every inner stream to the entry's fixed upstream.
func (inst *Instance) buildEgress(ctx context.Context, e *config.EgressEntry) error {
	adapter, err := buildEgressAdapter(ctx, e)
	if err != nil {
		return tngerr.Wrap(tngerr.ErrAcquisition, err, "build egress acquisition adapter")
	}
	inst.addCloser(adapter.Close)

	sec, err := buildSecurity(ctx, raConfig(e.NoRA, e.Attest, e.Verify))
	if err != nil {
		return err
	}
	inst.addCloser(func() error { sec.close(); return nil })

	acceptorCfg := tlsutil.AcceptorConfig(sec.certSource, nil)
	decap := e.DecapFromHTTP
	directForward := e.DirectForward
	soMark := entrySoMark(e.Netfilter)

	inst.starters = append(inst.starters, func(ctx context.Context) {
		inst.runEgressAcceptLoop(ctx, adapter, acceptorCfg, sec, decap, directForward, soMark)
	})

	return nil
}

// entrySoMark resolves the SO_MARK for an entry's own upstream sockets:
// non-zero only for netfilter capture, where unmarked dials would be
// redirected straight back into the gateway.
func entrySoMark(nf *config.NetfilterConfig) int {
	if nf == nil {
		return 0
	}
	return nf.EffectiveSoMark()
}

func (inst *Instance) runEgressAcceptLoop(ctx context.Context, adapter acquisition.Adapter, acceptorCfg *tls.Config, sec *security, decap *config.DecapConfig, directForward []config.DirectForward, soMark int) {
	for {
		accepted, err := adapter.Accept(ctx)
		if err != nil {
			logger.KV(xlog.DEBUG, "reason", "egress_accept_loop_exiting", "err", err.Error())
			return
		}
		inst.wg.Add(1)
		go func() {
			defer inst.wg.Done()
			inst.handleEgressConn(ctx, accepted, acceptorCfg, sec, decap, directForward, soMark)
		}()
	}
}

func (inst *Instance) handleEgressConn(ctx context.Context, accepted acquisition.Accepted, acceptorCfg *tls.Config, sec *security, decap *config.DecapConfig, directForward []config.DirectForward, soMark int) {
	conn := accepted.Conn
	defer conn.Close()

	res, err := transport.Decode(conn, directForward, decap)
	if err != nil {
		logger.KV(xlog.DEBUG, "reason", "transport_decode_failed", "err", err.Error())
		return
	}

	if res.Kind == transport.KindDirectForward {
		up, err := forward.DialUpstreamMarked(ctx, "tcp", accepted.Destination.String(), soMark)
		if err != nil {
			logger.KV(xlog.ERROR, "reason", "direct_forward_dial_failed", "err", err.Error())
			return
		}
		defer up.Close()
		forward.Bidirectional(ctx, res.Stream, up)
		return
	}

	securedConn := res.Stream
	var plainConn net.Conn
	if res.Kind == transport.KindTngTCP {
		if nc, ok := securedConn.(net.Conn); ok {
			plainConn = nc
		}
	}
	if plainConn == nil {
		plainConn = transport.ToConn(securedConn, conn)
	}

	var handshakeResult ra.Result
	tc := acceptorCfg.Clone()
	if sec.verifier != nil {
		tc.VerifyPeerCertificate = sec.verifyFunc(ctx, &handshakeResult)
		tc.ClientAuth = tls.RequireAnyClientCert
		tc.InsecureSkipVerify = true
	}

	start := time.Now()
	tlsConn := tls.Server(plainConn, tc)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		metrics.RecordHandshake("egress", "failure", start)
		logger.KV(xlog.DEBUG, "reason", "egress_handshake_failed", "err", err.Error())
		return
	}
	metrics.RecordHandshake("egress", "success", start)

	streams := make(chan wrapping.Accepted, 64)
	srv := wrapping.NewServer(streams)

	go func() {
		if err := srv.Serve(ctx, tlsConn); err != nil {
			logger.KV(xlog.DEBUG, "reason", "wrapping_server_error", "err", err.Error())
		}
		close(streams)
	}()

	dispatcher := streammgr.NewEgressDispatcher(func(dialCtx context.Context) (net.Conn, error) {
		return forward.DialUpstreamMarked(dialCtx, "tcp", accepted.Destination.String(), soMark)
	})

	var attestationResult string
	if !handshakeResult.IsZero() {
		attestationResult = handshakeResult.String()
		logger.KV(xlog.INFO, "status", "peer_attested",
			"peer", conn.RemoteAddr().String(),
			"attestation", attestationResult,
		)
	}
	metrics.RecordAttestationVerify(attestationResultOrUnverified(string(handshakeResult.Verdict)))

	wrappedDispatch := make(chan wrapping.Accepted, 64)
	go func() {
		for a := range streams {
			if orig := a.SetExtensions; orig != nil {
				// The dispatcher knows the upstream local address but not
				// the handshake's attestation result; merge both into the
				// one response-header flush.
				a.SetExtensions = func(_, localAddr string) {
					orig(attestationResult, localAddr)
				}
			}
			metrics.RecordInnerStream("egress", accepted.Destination.String())
			wrappedDispatch <- a
		}
		close(wrappedDispatch)
	}()

	dispatcher.Run(ctx, wrappedDispatch)
}

func attestationResultOrUnverified(v string) string {
	if v == "" {
		return "unverified"
	}
	return v
}
