package appinit

import (
	"runtime/pprof"

	"github.com/cockroachdb/errors"
)

// cpuProfileCloser stops the process-wide CPU profile started by
// CPUProfiler exactly once; a second Close is a caller bug, not a
// no-op, since pprof.StopCPUProfile itself is not idempotent.
type cpuProfileCloser struct {
	file   string
	closed bool
}

func (c *cpuProfileCloser) Close() error {
	if c.closed {
		return errors.Newf("cpu profile %q already closed", c.file)
	}
	pprof.StopCPUProfile()
	c.closed = true
	return nil
}
