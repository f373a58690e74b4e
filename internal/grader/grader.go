// Copyright 2023-2024 (c) The Open Judge Authors. All rights reserved. Issued under the Apache 2.0 License.

package grader

// This file contains the standard grader, the per test case execution
// loop that launches the submissions binary, applies the wall clock
// deadline, and folds the checker outcome into a verdict.

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/openjudge/judged/internal/checker"
	"github.com/openjudge/judged/internal/executors"
	"github.com/openjudge/judged/internal/problem"
	"github.com/openjudge/judged/internal/result"

	"github.com/leaf-ai/go-service/pkg/log"

	"github.com/karlmutch/circbuf"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

var (
	gradedCases = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "judge_graded_cases_total",
			Help: "Number of test cases graded, by dominant verdict",
		},
		[]string{"verdict"},
	)

	metricsOnce sync.Once
)

const (
	// caseOutputLimit bounds the stdout bytes a submission may produce on
	// one case before it is killed with an output limit verdict
	caseOutputLimit = 64 * 1024 * 1024
	// stderrLimit bounds retained stderr, older output is discarded
	stderrLimit = 64 * 1024
)

// failureMask covers the flags that suppress the checker unless it has
// opted into running on failed cases
const failureMask = result.RTE | result.TLE | result.MLE | result.OLE | result.IR

// Standard grades one submission against one problem, one case at a time
type Standard struct {
	logger   *log.Logger
	problem  *problem.Problem
	language string
	checkers *checker.Registry
	binary   *executors.Instance

	aborted *atomic.Bool
	current *executors.Process
	sync.Mutex
}

// NewStandard compiles the submission and produces a grader over it.  A
// compile failure is reported through the CompileError return, not the
// error, mirroring the executors registry contract.
func NewStandard(ctx context.Context, registry *executors.Registry, checkers *checker.Registry,
	prob *problem.Problem, language string, source []byte, logger *log.Logger) (g *Standard, compileErr *executors.CompileError, err kv.Error) {

	binary, compileErr, err := registry.New(ctx, language, prob.ID, source, &executors.Options{
		Cached:     true,
		Unbuffered: prob.Unbuffered,
		Hints:      prob.Hints,
	})
	if compileErr != nil || err != nil {
		return nil, compileErr, err
	}

	// Duplicate registration would only occur in tests sharing the
	// default registry
	metricsOnce.Do(func() {
		_ = prometheus.Register(gradedCases)
	})

	return &Standard{
		logger:   logger,
		problem:  prob,
		language: language,
		checkers: checkers,
		binary:   binary,
		aborted:  atomic.NewBool(false),
	}, nil, nil
}

// Binary exposes the compiled instance, used by the worker to relay any
// compiler warning
func (g *Standard) Binary() *executors.Instance {
	return g.binary
}

// Cleanup releases the compiled instance
func (g *Standard) Cleanup() {
	g.binary.Cleanup()
}

// Abort requests a best effort halt of grading, killing the currently
// running child if there is one.  The grading loop observes the flag once
// the current case completes.
func (g *Standard) Abort() {
	g.aborted.Store(true)
	g.Lock()
	if g.current != nil {
		g.current.Kill()
	}
	g.Unlock()
}

// Aborted reports whether an abort has been requested
func (g *Standard) Aborted() bool {
	return g.aborted.Load()
}

func (g *Standard) setCurrent(proc *executors.Process) {
	g.Lock()
	g.current = proc
	g.Unlock()
}

// boundedStdout captures the childs stdout up to a fixed budget, killing
// the child the moment the budget is exceeded.  Writes never error so the
// copier keeps draining the pipe while the kill takes effect.
type boundedStdout struct {
	limit      int
	buf        bytes.Buffer
	overflowed bool
	kill       func()
	sync.Mutex
}

func (b *boundedStdout) Write(p []byte) (n int, err error) {
	b.Lock()
	defer b.Unlock()

	n = len(p)
	if b.overflowed {
		return n, nil
	}
	room := b.limit - b.buf.Len()
	if len(p) > room {
		b.buf.Write(p[:room])
		b.overflowed = true
		if b.kill != nil {
			b.kill()
		}
		return n, nil
	}
	b.buf.Write(p)
	return n, nil
}

func (b *boundedStdout) setKill(kill func()) {
	b.Lock()
	b.kill = kill
	killNow := b.overflowed
	b.Unlock()
	if killNow {
		kill()
	}
}

func (b *boundedStdout) snapshot() (data []byte, overflowed bool) {
	b.Lock()
	defer b.Unlock()
	return append([]byte{}, b.buf.Bytes()...), b.overflowed
}

// Grade runs a single case to a result.  Failures of the environment are
// returned as errors, failures of the submission land in the result flags.
func (g *Standard) Grade(c *problem.TestCase) (res *result.Result, err kv.Error) {
	res = result.New(c.Position, c.Batch, c.Points)

	input, err := c.InputData()
	if err != nil {
		return nil, err
	}
	expected, err := c.OutputData()
	if err != nil {
		return nil, err
	}

	stdout := &boundedStdout{limit: caseOutputLimit}
	stderr, errGo := circbuf.NewBuffer(stderrLimit)
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}

	wallTime := c.WallTimeFactor * g.problem.TimeLimit

	proc, err := g.binary.Launch(&executors.LaunchOptions{
		Stdin:         bytes.NewReader(input),
		Stdout:        stdout,
		Stderr:        stderr,
		Symlinks:      c.Symlinks,
		WallTime:      wallTime,
		TimeLimit:     g.problem.TimeLimit,
		MemoryLimitKB: g.problem.MemoryLimit,
	})
	if err != nil {
		return nil, err
	}
	stdout.setKill(proc.Kill)
	g.setCurrent(proc)
	defer g.setCurrent(nil)

	if err = proc.Wait(time.Duration(wallTime * float64(time.Second))); err != nil {
		return nil, err
	}

	procOutput, overflowed := stdout.snapshot()
	res.ProcOutput = procOutput

	stderrBytes := append([]byte{}, stderr.Bytes()...)
	if overflowed {
		res.Flags |= result.OLE
		stderrBytes = nil
	}
	if proc.IsTLE {
		stderrBytes = nil
	}

	g.binary.PopulateResult(stderrBytes, res, proc)

	check, err := g.checkResult(c, res, expected)
	if err != nil {
		return nil, err
	}
	g.foldCheck(check, res)
	gradedCases.With(prometheus.Labels{"verdict": res.Flags.String()}).Inc()

	c.FreeData()
	return res, nil
}

// checkResult dispatches to the cases checker unless the case already
// failed and the checker did not opt into running on failures
func (g *Standard) checkResult(c *problem.TestCase, res *result.Result, expected []byte) (check *result.CheckerResult, err kv.Error) {
	spec, err := g.checkers.Get(c.CheckerName)
	if err != nil {
		return nil, err
	}

	if res.Flags&failureMask != 0 && !spec.RunOnError {
		return result.Lift(false, c.Points), nil
	}

	check, err = spec.Run(res.ProcOutput, expected, c.CheckerOptions(g.language))
	if err != nil {
		if err == checker.ErrInvalidUnicode {
			return &result.CheckerResult{Passed: false, Points: 0, Feedback: "invalid unicode"}, nil
		}
		return nil, err
	}
	if check == nil {
		check = result.Lift(false, c.Points)
	}
	return check, nil
}

// foldCheck merges the checker outcome into the result honoring the
// verdict invariants, points flow only to accepted cases and checker
// feedback wins over anything already recorded
func (g *Standard) foldCheck(check *result.CheckerResult, res *result.Result) {
	if res.Flags&failureMask == 0 {
		if check.Passed {
			res.Flags |= result.AC
		} else {
			res.Flags |= result.WA
		}
	}

	points := check.Points
	if !res.Flags.Has(result.AC) {
		points = 0
	}
	if points > res.CasePoints {
		points = res.CasePoints
	}
	if points < 0 {
		points = 0
	}
	res.Points = points

	if len(check.Feedback) != 0 {
		res.Feedback = check.Feedback
	}
	if len(check.ExtendedFeedback) != 0 {
		res.ExtendedFeedback = check.ExtendedFeedback
	}
}
