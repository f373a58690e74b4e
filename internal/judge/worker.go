// Copyright 2023-2024 (c) The Open Judge Authors. All rights reserved. Issued under the Apache 2.0 License.

package judge

// This file contains the worker side of the grading protocol.  A worker
// receives exactly one submission, streams grading events back to its
// supervisor, and exits after the closing BYE exchange.

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openjudge/judged/internal/checker"
	"github.com/openjudge/judged/internal/executors"
	"github.com/openjudge/judged/internal/grader"
	"github.com/openjudge/judged/internal/judgeenv"
	"github.com/openjudge/judged/internal/problem"
	"github.com/openjudge/judged/internal/result"

	"github.com/leaf-ai/go-service/pkg/log"

	"go.uber.org/atomic"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// WorkerDeps carries the runtime services a worker grades with
type WorkerDeps struct {
	Env      *judgeenv.Environment
	Registry *executors.Registry
	Checkers *checker.Registry
	Dirs     *judgeenv.ProblemDirs
	Logger   *log.Logger
}

type worker struct {
	deps *WorkerDeps
	conn *Conn

	aborted *atomic.Bool
	grader  *grader.Standard
	byeAck  chan struct{}
	sync.Mutex
}

// RunWorker services one submission over the supplied channel and
// returns once the closing handshake completes or the channel fails
func RunWorker(ctx context.Context, deps *WorkerDeps, conn *Conn) (err kv.Error) {
	w := &worker{
		deps:    deps,
		conn:    conn,
		aborted: atomic.NewBool(false),
		byeAck:  make(chan struct{}),
	}
	return w.run(ctx)
}

func (w *worker) setGrader(g *grader.Standard) {
	w.Lock()
	w.grader = g
	w.Unlock()
}

// abort marks the run aborted and interrupts the case in flight
func (w *worker) abort() {
	w.aborted.Store(true)
	w.Lock()
	g := w.grader
	w.Unlock()
	if g != nil {
		g.Abort()
	}
}

// listen drains inbound frames for the rest of the run.  The only frames
// a worker can receive after the submission are abort requests and the
// supervisors closing BYE.
func (w *worker) listen() {
	for {
		msg, err := w.conn.Recv()
		if err != nil {
			// Channel gone, unblock the closing handshake
			close(w.byeAck)
			return
		}
		switch msg.Tag {
		case TagRequestAbort:
			w.deps.Logger.Info("abort requested")
			w.abort()
		case TagBye:
			close(w.byeAck)
			return
		default:
			w.deps.Logger.Warn("unexpected frame", "tag", msg.Tag.String())
		}
	}
}

func (w *worker) run(ctx context.Context) (err kv.Error) {
	msg, err := w.conn.Recv()
	if err != nil {
		return err
	}
	if msg.Tag != TagSubmission || msg.Submission == nil {
		return kv.NewError("protocol violation").With("expected", TagSubmission.String(), "received", msg.Tag.String()).With("stack", stack.Trace().TrimRuntime())
	}
	sub := msg.Submission

	if err = w.conn.Send(&Message{Tag: TagHello}); err != nil {
		return err
	}

	go w.listen()

	// Cancellation of the hosting context is treated as an abort request
	go func() {
		<-ctx.Done()
		w.abort()
	}()

	if gradeErr := w.grade(ctx, sub); gradeErr != nil {
		w.deps.Logger.Error("grading failed", "submission", sub.ID, "error", gradeErr.Error())
		w.conn.Send(&Message{Tag: TagUnhandledException, Note: []byte(gradeErr.Error())})
	}

	if err = w.conn.Send(&Message{Tag: TagBye}); err != nil {
		return err
	}

	// Wait for the supervisors closing BYE so our side of the channel is
	// not torn down under its reply
	select {
	case <-w.byeAck:
	case <-time.After(IPCTimeout):
	}
	return nil
}

// grade runs the submission through compilation and the case loop,
// emitting protocol events as it goes.  Environment faults are returned,
// submission faults become result flags.
func (w *worker) grade(ctx context.Context, sub *Submission) (err kv.Error) {
	defer func() {
		if r := recover(); r != nil {
			err = kv.NewError(fmt.Sprintf("panic during grading: %v", r)).With("stack", stack.Trace().TrimRuntime())
		}
	}()

	prob, err := problem.New(w.deps.Dirs, sub.ProblemID, sub.TimeLimit, sub.MemoryLimitKB, sub.Meta)
	if err != nil {
		return err
	}

	g, compileErr, err := grader.NewStandard(ctx, w.deps.Registry, w.deps.Checkers, prob, sub.Language, sub.Source, w.deps.Logger)
	if err != nil {
		return err
	}
	if compileErr != nil {
		return w.conn.Send(&Message{Tag: TagCompileError, Note: compileErr.Output})
	}
	defer g.Cleanup()

	w.setGrader(g)
	defer w.setGrader(nil)

	if warning := g.Binary().Warning(); len(warning) != 0 {
		if err = w.conn.Send(&Message{Tag: TagCompileMessage, Note: warning}); err != nil {
			return err
		}
	}

	cases, err := prob.Cases()
	if err != nil {
		return err
	}

	if err = w.conn.Send(&Message{Tag: TagGradingBegin, PretestsOnly: prob.PretestsOnly}); err != nil {
		return err
	}

	// A batch left open must be closed before the aborted event
	sendAborted := func(openBatch int) (err kv.Error) {
		if openBatch != 0 {
			if err = w.conn.Send(&Message{Tag: TagBatchEnd, Batch: openBatch}); err != nil {
				return err
			}
		}
		return w.conn.Send(&Message{Tag: TagGradingAborted})
	}

	lastBatch := 0
	shortCircuiting := false
	batchFailed := false
	for i, c := range cases {
		if w.aborted.Load() {
			return sendAborted(lastBatch)
		}

		if c.Batch != lastBatch {
			if lastBatch != 0 {
				if err = w.conn.Send(&Message{Tag: TagBatchEnd, Batch: lastBatch}); err != nil {
					return err
				}
			}
			if c.Batch != 0 {
				if err = w.conn.Send(&Message{Tag: TagBatchBegin, Batch: c.Batch}); err != nil {
					return err
				}
				batchFailed = false
			}
			lastBatch = c.Batch
		}

		var res *result.Result
		if shortCircuiting || (c.Batch != 0 && batchFailed) {
			res = result.New(c.Position, c.Batch, c.Points)
			res.Flags = result.SC
		} else {
			if res, err = g.Grade(c); err != nil {
				return err
			}
			if w.aborted.Load() {
				return sendAborted(lastBatch)
			}
			if !res.Flags.Has(result.AC) {
				if c.Batch != 0 {
					batchFailed = true
				}
				if sub.ShortCircuit {
					shortCircuiting = true
				}
			}
		}

		w.deps.Logger.Debug("case graded", "submission", sub.ID, "case", i+1,
			"verdict", res.Flags.String(), "time", res.ExecutionTime)
		if err = w.conn.Send(&Message{Tag: TagResult, Batch: c.Batch, Case: i + 1, Result: res}); err != nil {
			return err
		}
	}
	if lastBatch != 0 {
		if err = w.conn.Send(&Message{Tag: TagBatchEnd, Batch: lastBatch}); err != nil {
			return err
		}
	}

	return w.conn.Send(&Message{Tag: TagGradingEnd})
}
