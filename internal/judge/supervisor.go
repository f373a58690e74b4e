// Copyright 2023-2024 (c) The Open Judge Authors. All rights reserved. Issued under the Apache 2.0 License.

package judge

// This file contains the supervisor side of the grading protocol.  The
// supervisor spawns one worker per submission, validates the event stream
// against the protocol grammar, and reaps the worker on every exit path.

import (
	"context"
	"sync"
	"time"

	"github.com/openjudge/judged/internal/result"

	"github.com/leaf-ai/go-service/pkg/log"

	"github.com/rs/xid"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// IPCTimeout bounds every channel level wait that is not covered by a
// submissions own time limit
const IPCTimeout = 60 * time.Second

// GradedCase is one per case outcome relayed from the worker
type GradedCase struct {
	Batch  int
	Case   int
	Result *result.Result
}

// Outcome is the accumulated product of one grading run
type Outcome struct {
	Cases          []GradedCase
	CompileError   []byte
	CompileMessage []byte
	PretestsOnly   bool
	Aborted        bool
	Exception      string
}

// Supervisor owns the worker lifecycle.  One submission grades at a
// time, callers serialize on the grading lock implicitly.
type Supervisor struct {
	logger  *log.Logger
	spawner Spawner

	// recvFloor is the minimum per message receive deadline, zero means
	// IPCTimeout.  Tests lower it to exercise the silence kill path.
	recvFloor time.Duration

	gradingMtx sync.Mutex

	current *workerRef
	sync.Mutex
}

type workerRef struct {
	sub    *Submission
	handle WorkerHandle
}

// NewSupervisor builds a supervisor over a worker spawner
func NewSupervisor(spawner Spawner, logger *log.Logger) (s *Supervisor) {
	return &Supervisor{
		logger:  logger,
		spawner: spawner,
	}
}

// CurrentSubmission reports the submission being graded, nil when idle
func (s *Supervisor) CurrentSubmission() (sub *Submission) {
	s.Lock()
	defer s.Unlock()
	if s.current == nil {
		return nil
	}
	return s.current.sub
}

func (s *Supervisor) setCurrent(ref *workerRef) {
	s.Lock()
	s.current = ref
	s.Unlock()
}

// AbortGrading asks the in flight worker to stop, escalating to a kill
// if it fails to wind down within the channel timeout.  A no-op when no
// submission is grading.
func (s *Supervisor) AbortGrading() {
	s.Lock()
	ref := s.current
	s.Unlock()
	if ref == nil {
		return
	}

	s.logger.Info("aborting submission", "submission", ref.sub.ID)
	ref.handle.Conn().Send(&Message{Tag: TagRequestAbort})
	if !ref.handle.Wait(IPCTimeout) {
		s.logger.Warn("worker ignored abort, killing", "submission", ref.sub.ID)
		ref.handle.Kill()
	}
}

type inbound struct {
	msg *Message
	err kv.Error
}

// BeginGrading runs one submission to completion.  Every event that
// survives protocol validation is offered to the sink as it arrives, and
// the accumulated outcome is returned once the worker says BYE.  Channel
// failures, protocol violations and silence beyond the receive deadline
// are errors, and the worker is reaped on every path out.
func (s *Supervisor) BeginGrading(ctx context.Context, sub *Submission, sink func(msg *Message)) (outcome *Outcome, err kv.Error) {
	s.gradingMtx.Lock()
	defer s.gradingMtx.Unlock()

	// Distinguishes this grading run in logs shared with retries of the
	// same submission id
	runID := xid.New().String()
	s.logger.Info("grading", "run", runID, "submission", sub.ID, "problem", sub.ProblemID, "language", sub.Language)

	handle, err := s.spawner.Spawn(ctx)
	if err != nil {
		return nil, err
	}
	s.setCurrent(&workerRef{sub: sub, handle: handle})
	defer s.setCurrent(nil)
	defer func() {
		if !handle.Wait(IPCTimeout) {
			s.logger.Warn("worker failed to exit, killing", "submission", sub.ID)
			handle.Kill()
			handle.Wait(IPCTimeout)
		}
	}()

	conn := handle.Conn()
	defer conn.Close()
	if err = conn.Send(&Message{Tag: TagSubmission, Submission: sub}); err != nil {
		handle.Kill()
		return nil, err
	}

	frames := make(chan inbound)
	readerDone := make(chan struct{})
	defer close(readerDone)
	go func() {
		for {
			msg, recvErr := conn.Recv()
			select {
			case frames <- inbound{msg: msg, err: recvErr}:
			case <-readerDone:
				return
			}
			if recvErr != nil {
				return
			}
		}
	}()

	// A worker that produces nothing for longer than twice the time limit
	// is wedged, the floor covers compile time on an idle machine
	recvTimeout := s.recvFloor
	if recvTimeout <= 0 {
		recvTimeout = IPCTimeout
	}
	if limit := time.Duration(2 * sub.TimeLimit * float64(time.Second)); limit > recvTimeout {
		recvTimeout = limit
	}

	outcome = &Outcome{Cases: []GradedCase{}}
	tracker := &protocolTracker{}

	for {
		var f inbound
		select {
		case f = <-frames:
		case <-time.After(recvTimeout):
			handle.Kill()
			return nil, kv.NewError("worker went silent").With("submission", sub.ID, "timeout", recvTimeout.String()).With("stack", stack.Trace().TrimRuntime())
		case <-ctx.Done():
			handle.Kill()
			return nil, kv.Wrap(ctx.Err()).With("submission", sub.ID).With("stack", stack.Trace().TrimRuntime())
		}
		if f.err != nil {
			handle.Kill()
			return nil, f.err.With("submission", sub.ID)
		}

		if err = tracker.observe(f.msg); err != nil {
			handle.Kill()
			return nil, err.With("submission", sub.ID)
		}

		switch f.msg.Tag {
		case TagHello:
			s.logger.Debug("worker ready", "submission", sub.ID)
		case TagCompileError:
			outcome.CompileError = f.msg.Note
		case TagCompileMessage:
			outcome.CompileMessage = f.msg.Note
		case TagGradingBegin:
			outcome.PretestsOnly = f.msg.PretestsOnly
		case TagGradingAborted:
			outcome.Aborted = true
		case TagUnhandledException:
			outcome.Exception = string(f.msg.Note)
		case TagResult:
			outcome.Cases = append(outcome.Cases, GradedCase{
				Batch:  f.msg.Batch,
				Case:   f.msg.Case,
				Result: f.msg.Result,
			})
		case TagBye:
			// Release the worker from its closing handshake
			conn.Send(&Message{Tag: TagBye})
			if sink != nil {
				sink(f.msg)
			}
			s.logger.Info("grading finished", "run", runID, "submission", sub.ID, "cases", len(outcome.Cases))
			return outcome, nil
		}
		if sink != nil {
			sink(f.msg)
		}
	}
}

// protocolTracker validates the worker event stream against the grammar
//
//	HELLO
//	  ( COMPILE-ERROR
//	  | COMPILE-MESSAGE? GRADING-BEGIN
//	      ( BATCH-BEGIN RESULT+ BATCH-END | RESULT )*
//	      ( GRADING-END | GRADING-ABORTED )
//	  | UNHANDLED-EXCEPTION )
//	BYE
//
// with the exception that UNHANDLED-EXCEPTION is additionally accepted
// mid grading, a fault can surface after cases have already been judged.
type protocolTracker struct {
	state     trackerState
	openBatch int
}

type trackerState int

const (
	stateStart trackerState = iota
	stateGreeted
	stateGrading
	stateDone
	stateClosed
)

func (t *protocolTracker) violation(msg *Message) kv.Error {
	return kv.NewError("protocol violation").With("tag", msg.Tag.String(), "state", int(t.state)).With("stack", stack.Trace().TrimRuntime())
}

func (t *protocolTracker) observe(msg *Message) (err kv.Error) {
	switch msg.Tag {
	case TagHello:
		if t.state != stateStart {
			return t.violation(msg)
		}
		t.state = stateGreeted
	case TagCompileError:
		if t.state != stateGreeted {
			return t.violation(msg)
		}
		t.state = stateDone
	case TagCompileMessage:
		if t.state != stateGreeted {
			return t.violation(msg)
		}
	case TagGradingBegin:
		if t.state != stateGreeted {
			return t.violation(msg)
		}
		t.state = stateGrading
	case TagBatchBegin:
		if t.state != stateGrading || t.openBatch != 0 || msg.Batch == 0 {
			return t.violation(msg)
		}
		t.openBatch = msg.Batch
	case TagBatchEnd:
		if t.state != stateGrading || t.openBatch == 0 || msg.Batch != t.openBatch {
			return t.violation(msg)
		}
		t.openBatch = 0
	case TagResult:
		if t.state != stateGrading || msg.Batch != t.openBatch || msg.Result == nil {
			return t.violation(msg)
		}
	case TagGradingEnd, TagGradingAborted:
		if t.state != stateGrading || t.openBatch != 0 {
			return t.violation(msg)
		}
		t.state = stateDone
	case TagUnhandledException:
		if t.state != stateGreeted && t.state != stateGrading {
			return t.violation(msg)
		}
		t.openBatch = 0
		t.state = stateDone
	case TagBye:
		if t.state != stateDone {
			return t.violation(msg)
		}
		t.state = stateClosed
	default:
		return t.violation(msg)
	}
	return nil
}
