// Copyright 2023-2024 (c) The Open Judge Authors. All rights reserved. Issued under the Apache 2.0 License.

package executors

// This file contains the compile step for compiled recipes.  Compiler
// diagnostics are captured into a bounded ring so a pathological compiler
// cannot exhaust the worker, and the compiler itself runs under its own
// wall clock deadline with a single wait applied to the child.

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/karlmutch/circbuf"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// CompileError is the expected failure mode of a submission that does not
// compile.  It carries the bounded compiler output for relay to the user
// and is reported separately from environment faults.
type CompileError struct {
	Output []byte
}

func (e *CompileError) Error() string {
	return "compilation failed"
}

func newCommand(argv []string) (cmd *exec.Cmd) {
	if len(argv) == 1 {
		// #nosec
		return exec.Command(argv[0])
	}
	// #nosec
	return exec.Command(argv[0], argv[1:]...)
}

// compile runs the recipes compiler inside the working directory.  On
// success the produced executable path is recorded along with any non
// fatal diagnostics, on failure the bounded output is wrapped into a
// CompileError.
func (e *Instance) compile(ctx context.Context) (compileErr *CompileError, err kv.Error) {
	env := e.registry.env
	limit := env.CompilerOutputCharacterLimit

	src := filepath.Join(e.dir, e.recipe.SourceFileName(e.problemID))
	out := filepath.Join(e.dir, e.problemID)

	captured, errGo := circbuf.NewBuffer(limit)
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}

	argv := e.recipe.CompileArgs(e.recipe.resolved, src, out)
	cmd := newCommand(argv)
	cmd.Dir = e.dir
	cmd.Env = append(os.Environ(), "TMPDIR="+e.dir)
	cmd.Stdout = captured
	cmd.Stderr = captured

	proc := &Process{cmd: cmd}
	proc.started = time.Now()
	if errGo = cmd.Start(); errGo != nil {
		return nil, kv.Wrap(errGo).With("compiler", argv[0]).With("stack", stack.Trace().TrimRuntime())
	}

	deadline := time.Duration(env.CompilerTimeLimit * float64(time.Second))
	if err = proc.Wait(deadline); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, kv.Wrap(ctx.Err()).With("stack", stack.Trace().TrimRuntime())
	default:
	}

	output := append([]byte{}, captured.Bytes()...)
	if captured.TotalWritten() > limit {
		output = []byte("compiler output too long (> 64kb)")
	}
	if proc.IsTLE {
		output = []byte(fmt.Sprintf("compiler timed out (> %.0f seconds)", env.CompilerTimeLimit))
	}
	if proc.IsTLE || proc.ExitCode != 0 {
		return &CompileError{Output: output}, nil
	}

	info, errGo := os.Stat(out)
	if errGo != nil {
		return nil, kv.Wrap(errGo, "compiler produced no executable").With("executable", out).With("stack", stack.Trace().TrimRuntime())
	}
	if env.CompilerSizeLimit > 0 && info.Size() > env.CompilerSizeLimit*1024 {
		return &CompileError{Output: []byte(fmt.Sprintf("executable too large (> %d kb)", env.CompilerSizeLimit))}, nil
	}

	e.executable = out
	if warning := bytes.TrimSpace(output); len(warning) != 0 {
		e.warning = warning
	}
	return nil, nil
}
