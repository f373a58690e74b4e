// Copyright 2023-2024 (c) The Open Judge Authors. All rights reserved. Issued under the Apache 2.0 License.

package judge

// Worker spawning.  The supervisor talks to its worker through the
// Spawner seam so the production re-exec transport and the in process
// transport used by tests share the protocol code unchanged.

import (
	"context"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/leaf-ai/go-service/pkg/log"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// Inbound and outbound channel descriptors inherited by a spawned worker.
// Stdout and stderr stay free for the workers own logging.
const (
	WorkerInboundFD  = 3
	WorkerOutboundFD = 4
)

// WorkerHandle is a running worker as seen by the supervisor
type WorkerHandle interface {
	// Conn is the message channel to the worker
	Conn() *Conn
	// Kill forcefully terminates the worker
	Kill()
	// Wait blocks until the worker exits or the timeout lapses, reporting
	// whether it exited.  A zero timeout waits indefinitely.
	Wait(timeout time.Duration) (exited bool)
}

// Spawner produces workers.  The submission itself is delivered by the
// supervisor as the first frame, not by the spawner.
type Spawner interface {
	Spawn(ctx context.Context) (handle WorkerHandle, err kv.Error)
}

// ExecSpawner runs the worker as a child process, by default re-execing
// the current binary with the supplied arguments selecting worker mode
type ExecSpawner struct {
	// Binary is the executable to spawn, the current executable when empty
	Binary string
	// Args are the arguments selecting the binaries worker mode
	Args []string

	logger *log.Logger
}

// NewExecSpawner builds a re-exec spawner
func NewExecSpawner(args []string, logger *log.Logger) (spawner *ExecSpawner) {
	return &ExecSpawner{
		Args:   args,
		logger: logger,
	}
}

type execHandle struct {
	cmd  *exec.Cmd
	conn *Conn
	done chan struct{}
}

func (h *execHandle) Conn() *Conn {
	return h.conn
}

func (h *execHandle) Kill() {
	if h.cmd.Process != nil {
		h.cmd.Process.Kill()
	}
}

func (h *execHandle) Wait(timeout time.Duration) (exited bool) {
	if timeout == 0 {
		<-h.done
		return true
	}
	select {
	case <-h.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Spawn starts the worker process with the channel pipes on fds 3 and 4
func (s *ExecSpawner) Spawn(ctx context.Context) (handle WorkerHandle, err kv.Error) {
	binary := s.Binary
	if len(binary) == 0 {
		executable, errGo := os.Executable()
		if errGo != nil {
			return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
		}
		binary = executable
	}

	inboundRead, inboundWrite, errGo := os.Pipe()
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	outboundRead, outboundWrite, errGo := os.Pipe()
	if errGo != nil {
		inboundRead.Close()
		inboundWrite.Close()
		return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}

	cmd := exec.CommandContext(ctx, binary, s.Args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// Appear in the child as fds 3 and 4 in order
	cmd.ExtraFiles = []*os.File{inboundRead, outboundWrite}

	if errGo = cmd.Start(); errGo != nil {
		inboundRead.Close()
		inboundWrite.Close()
		outboundRead.Close()
		outboundWrite.Close()
		return nil, kv.Wrap(errGo).With("binary", binary).With("stack", stack.Trace().TrimRuntime())
	}

	// The childs ends live on in the child only
	inboundRead.Close()
	outboundWrite.Close()

	h := &execHandle{
		cmd:  cmd,
		conn: NewConn(outboundRead, inboundWrite),
		done: make(chan struct{}),
	}
	go func() {
		cmd.Wait()
		close(h.done)
	}()

	if s.logger != nil {
		s.logger.Debug("worker spawned", "pid", cmd.Process.Pid)
	}
	return h, nil
}

// WorkerConn builds the channel from the fds inherited by a spawned
// worker process
func WorkerConn() (conn *Conn) {
	in := os.NewFile(WorkerInboundFD, "judge-inbound")
	out := os.NewFile(WorkerOutboundFD, "judge-outbound")
	return NewConn(in, out)
}

// PipeSpawner runs the worker protocol loop as a goroutine over in
// memory pipes, used by tests to exercise the supervisor and worker
// together without process machinery
type PipeSpawner struct {
	Deps   *WorkerDeps
	Logger *log.Logger
}

type pipeHandle struct {
	conn   *Conn
	cancel context.CancelFunc
	closer []io.Closer
	done   chan struct{}
}

func (h *pipeHandle) Conn() *Conn {
	return h.conn
}

func (h *pipeHandle) Kill() {
	h.cancel()
	for _, c := range h.closer {
		c.Close()
	}
}

func (h *pipeHandle) Wait(timeout time.Duration) (exited bool) {
	if timeout == 0 {
		<-h.done
		return true
	}
	select {
	case <-h.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Spawn starts an in process worker goroutine
func (s *PipeSpawner) Spawn(ctx context.Context) (handle WorkerHandle, err kv.Error) {
	toWorkerRead, toWorkerWrite := io.Pipe()
	toSupervisorRead, toSupervisorWrite := io.Pipe()

	workerCtx, cancel := context.WithCancel(context.Background())

	h := &pipeHandle{
		conn:   NewConn(toSupervisorRead, toWorkerWrite),
		cancel: cancel,
		closer: []io.Closer{toWorkerRead, toWorkerWrite, toSupervisorRead, toSupervisorWrite},
		done:   make(chan struct{}),
	}

	workerConn := NewConn(toWorkerRead, toSupervisorWrite)
	go func() {
		defer close(h.done)
		defer cancel()
		RunWorker(workerCtx, s.Deps, workerConn)
		toSupervisorWrite.Close()
		toWorkerRead.Close()
	}()
	return h, nil
}
