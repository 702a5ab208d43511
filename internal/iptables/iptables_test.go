package iptables

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeleteForm(t *testing.T) {
	in := []string{"-t", "nat", "-A", "PREROUTING", "-p", "tcp", "-j", "REDIRECT"}
	out := deleteForm(in)

	assert.Equal(t, []string{"-t", "nat", "-D", "PREROUTING", "-p", "tcp", "-j", "REDIRECT"}, out)
	// the input slice must not be mutated
	assert.Equal(t, "-A", in[2])
}

func TestDeleteForm_NoActionFlag(t *testing.T) {
	in := []string{"-t", "nat", "-L"}
	out := deleteForm(in)
	assert.Equal(t, in, out)
}

func TestNetnsMutex_LockUnlock(t *testing.T) {
	m := &netnsMutex{}
	assert.NotPanics(t, func() {
		m.Lock()
		m.Unlock()
	})
}

func TestNetnsMutex_AcquireOwnershipIdempotent(t *testing.T) {
	m := &netnsMutex{}
	m.Lock()
	defer m.Unlock()

	if err := m.acquireOwnership(); err != nil {
		// Another process (or a parallel test binary) already holds the
		// abstract socket; the conflict error is the contract.
		assert.Contains(t, err.Error(), "already owned")
		return
	}
	defer m.ln.Close()

	// A second acquire by the same owner is a no-op.
	assert.NoError(t, m.acquireOwnership())

	// A second mutex in the same netns must be refused.
	other := &netnsMutex{}
	other.Lock()
	defer other.Unlock()
	assert.Error(t, other.acquireOwnership())
}
