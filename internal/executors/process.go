// Copyright 2023-2024 (c) The Open Judge Authors. All rights reserved. Issued under the Apache 2.0 License.

package executors

// This file contains the running child process wrapper.  The wrapper owns
// the single wait-with-deadline a launched program receives along with the
// best effort resident memory sampling used for memory accounting.

import (
	"os/exec"
	"sync"
	"time"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	"github.com/shirou/gopsutil/process"
)

// memorySampleInterval paces the resident set polling of running children
const memorySampleInterval = 20 * time.Millisecond

// Process is a launched submission program.  The measurement fields are
// valid once Wait has returned.
type Process struct {
	cmd     *exec.Cmd
	started time.Time

	// MemoryLimitKB is the limit the child was launched under, zero when
	// unconstrained.  Enforcement is best effort via sampling.
	MemoryLimitKB int64

	// IsTLE is set when the wall clock deadline expired before the child
	IsTLE bool
	// ExecutionTime is the observed elapsed seconds until exit or kill
	ExecutionTime float64
	// WallClockTime matches ExecutionTime, the engine has no separate
	// cpu time accounting without a tracing sandbox
	WallClockTime float64
	// MaxMemoryKB is the largest sampled resident set, zero if unmeasured
	MaxMemoryKB int64
	// ExitCode is the childs exit status, negative when signalled
	ExitCode int

	killed bool
	waited bool
	sync.Mutex
}

// Pid returns the operating system process id of the child
func (p *Process) Pid() (pid int) {
	if p.cmd.Process == nil {
		return -1
	}
	return p.cmd.Process.Pid
}

// Kill forcibly terminates the child.  Safe to call from any goroutine
// and at any point in the child lifecycle, later calls are no-ops.
func (p *Process) Kill() {
	p.Lock()
	defer p.Unlock()
	p.kill()
}

func (p *Process) kill() {
	if p.killed || p.cmd.Process == nil {
		return
	}
	p.killed = true
	// The error is unactionable, the child may have already exited
	_ = p.cmd.Process.Kill()
}

// sampleMemory polls the resident set of the child recording the high
// water mark.  Failures are expected once the child exits and are simply
// dropped.
func (p *Process) sampleMemory() {
	pid := p.Pid()
	if pid <= 0 {
		return
	}
	proc, errGo := process.NewProcess(int32(pid))
	if errGo != nil {
		return
	}
	info, errGo := proc.MemoryInfo()
	if errGo != nil || info == nil {
		return
	}
	rssKB := int64(info.RSS / 1024)
	if rssKB > p.MaxMemoryKB {
		p.MaxMemoryKB = rssKB
	}
}

// Wait blocks until the child exits or the wall clock deadline passes.
// On expiry the child is killed, reaped and the TLE marker set.  Wait must
// be called exactly once per launched process.
func (p *Process) Wait(wallTime time.Duration) (err kv.Error) {
	p.Lock()
	if p.waited {
		p.Unlock()
		return kv.NewError("process already waited on").With("stack", stack.Trace().TrimRuntime())
	}
	p.waited = true
	p.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- p.cmd.Wait()
	}()

	deadline := time.NewTimer(wallTime)
	defer deadline.Stop()
	probe := time.NewTicker(memorySampleInterval)
	defer probe.Stop()

	var waitErr error
	func() {
		for {
			select {
			case waitErr = <-done:
				return
			case <-deadline.C:
				p.Lock()
				p.IsTLE = true
				p.kill()
				p.Unlock()
				waitErr = <-done
				return
			case <-probe.C:
				p.sampleMemory()
			}
		}
	}()

	p.ExecutionTime = time.Since(p.started).Seconds()
	p.WallClockTime = p.ExecutionTime

	if p.cmd.ProcessState != nil {
		p.ExitCode = p.cmd.ProcessState.ExitCode()
	}

	// A non zero exit or kill surfaces as an *exec.ExitError which is a
	// verdict, not a fault, and is reported through the exit code
	if waitErr != nil {
		if _, isExit := waitErr.(*exec.ExitError); !isExit {
			return kv.Wrap(waitErr).With("stack", stack.Trace().TrimRuntime())
		}
	}
	return nil
}
