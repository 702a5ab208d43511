// Package iptables installs and tears down the REDIRECT rule set the
// netfilter acquisition adapter depends on, and recovers a redirected
// connection's original destination via the SO_ORIGINAL_DST socket
// option. Install runs the iptables binary rule by rule; on any
// mid-sequence failure it unwinds whatever was already applied.
package iptables

import (
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"unsafe"

	"github.com/effective-security/xlog"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var logger = xlog.NewPackageLogger("github.com/openanolis/tng/internal", "iptables")

// netnsLock serializes rule installation within this process. A single
// network namespace's iptables rule set is process-wide shared state;
// the abstract Unix socket it binds on first use additionally excludes
// other processes on the same netns, a bound socket serving as the
// advisory lock rather than a flock(2) file. A second gateway process
// requesting netfilter capture on the same netns fails at startup when
// the bind is refused.
var netnsLock = &netnsMutex{}

// RedirectSpec describes one netfilter acquisition adapter's capture
// rule; see config.NetfilterConfig.
type RedirectSpec struct {
	// DstHost/DstPort restrict capture to traffic destined for this
	// host:port; both empty/zero captures everything.
	DstHost string
	DstPort uint16
	// CaptureLocal additionally redirects locally-originated traffic
	// (OUTPUT chain), not just traffic routed through this host
	// (PREROUTING chain).
	CaptureLocal bool
	// RedirectPort is the local port the netfilter adapter listens on;
	// captured connections land here.
	RedirectPort uint16
	// SoMark, when non-zero, is both applied to traffic this gateway's
	// own egress dialer originates (so it is never re-captured, the
	// classic netfilter REDIRECT loop) and excluded from the REDIRECT
	// rules here via "-m mark ! --mark".
	SoMark int
}

// InstallRedirect applies spec's REDIRECT rule set and returns a
// teardown func that removes exactly the rules this call added. Rules
// already applied before a later failure are unwound before returning
// the error.
func InstallRedirect(spec RedirectSpec) (func() error, error) {
	netnsLock.Lock()
	defer netnsLock.Unlock()

	if err := netnsLock.acquireOwnership(); err != nil {
		return nil, err
	}

	var applied [][]string
	install := func(args []string) error {
		if err := run(args); err != nil {
			return err
		}
		applied = append(applied, args)
		return nil
	}

	unwind := func() error {
		var firstErr error
		for i := len(applied) - 1; i >= 0; i-- {
			del := deleteForm(applied[i])
			if err := run(del); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	chains := []string{"PREROUTING"}
	if spec.CaptureLocal {
		chains = append(chains, "OUTPUT")
	}

	for _, chain := range chains {
		args := []string{"-t", "nat", "-A", chain, "-p", "tcp"}
		if spec.DstHost != "" {
			args = append(args, "-d", spec.DstHost)
		}
		if spec.DstPort != 0 {
			args = append(args, "--dport", strconv.Itoa(int(spec.DstPort)))
		}
		if spec.SoMark != 0 {
			args = append(args, "-m", "mark", "!", "--mark", strconv.Itoa(spec.SoMark))
		}
		args = append(args, "-j", "REDIRECT", "--to-port", strconv.Itoa(int(spec.RedirectPort)))

		if err := install(args); err != nil {
			_ = unwind()
			return nil, errors.WithMessagef(err, "iptables: install %s redirect rule", chain)
		}
	}

	return func() error {
		netnsLock.Lock()
		defer netnsLock.Unlock()
		return unwind()
	}, nil
}

// deleteForm turns an "-A chain ..." rule spec into its "-D chain ..."
// removal form.
func deleteForm(args []string) []string {
	out := make([]string, len(args))
	copy(out, args)
	for i, a := range out {
		if a == "-A" {
			out[i] = "-D"
			break
		}
	}
	return out
}

func run(args []string) error {
	cmd := exec.Command("iptables", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Errorf("iptables %v failed: %v (output: %s)", args, err, out)
	}
	logger.KV(xlog.DEBUG, "args", fmt.Sprint(args))
	return nil
}

// solIP/soOriginalDst are the Linux constants for the SO_ORIGINAL_DST
// socket option (netfilter's nf_conntrack module exposes the pre-NAT
// destination through it); golang.org/x/sys/unix declares the generic
// getsockopt primitives but not this option itself, so the numeric
// values (IPPROTO_IP/SOL_IP is 0, SO_ORIGINAL_DST is 80, both stable
// across kernel versions) are used directly.
const (
	solIP         = 0
	soOriginalDst = 80
)

// OriginalDst recovers the pre-redirect destination address of conn,
// i.e. the address the peer originally dialed before an iptables
// REDIRECT rule rewrote it to this process's listening port.
func OriginalDst(conn *net.TCPConn) (*net.TCPAddr, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, errors.WithMessage(err, "iptables: obtain raw connection")
	}

	var addr unix.RawSockaddrInet4
	size := uint32(unsafe.Sizeof(addr))
	var sockErr error

	ctrlErr := raw.Control(func(fd uintptr) {
		_, _, errno := unix.Syscall6(
			unix.SYS_GETSOCKOPT,
			fd,
			uintptr(solIP),
			uintptr(soOriginalDst),
			uintptr(unsafe.Pointer(&addr)),
			uintptr(unsafe.Pointer(&size)),
			0,
		)
		if errno != 0 {
			sockErr = errno
		}
	})
	if ctrlErr != nil {
		return nil, errors.WithMessage(ctrlErr, "iptables: control raw connection")
	}
	if sockErr != nil {
		return nil, errors.WithMessage(sockErr, "iptables: getsockopt SO_ORIGINAL_DST")
	}

	ip := net.IPv4(addr.Addr[0], addr.Addr[1], addr.Addr[2], addr.Addr[3])
	port := int(addr.Port>>8) | int(addr.Port<<8)&0xff00
	return &net.TCPAddr{IP: ip, Port: port}, nil
}

// netnsMutex combines an in-process mutex with an abstract Unix socket
// bound at first netfilter use, giving this process (and any sibling
// process on the same network namespace that tries the same bind)
// mutual exclusion over iptables rule mutation without a filesystem
// lock file. The socket is held for the life of the process.
type netnsMutex struct {
	mu sync.Mutex
	ln net.Listener
}

// acquireOwnership binds the abstract socket if this process does not
// hold it yet. A refused bind means another gateway already owns
// netfilter capture on this netns. Callers hold mu.
func (m *netnsMutex) acquireOwnership() error {
	if m.ln != nil {
		return nil
	}
	// "@" prefix requests Linux's abstract namespace: no filesystem
	// entry, automatically released when this process exits.
	ln, err := net.Listen("unix", "@tng-netfilter")
	if err != nil {
		return errors.WithMessage(err, "iptables: netfilter capture already owned by another process on this netns")
	}
	m.ln = ln
	return nil
}

func (m *netnsMutex) Lock()   { m.mu.Lock() }
func (m *netnsMutex) Unlock() { m.mu.Unlock() }
