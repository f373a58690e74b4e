// Copyright 2023-2024 (c) The Open Judge Authors. All rights reserved. Issued under the Apache 2.0 License.

package executors

// Per recipe self test.  A freshly registered recipe must echo a single
// line back through a real compile and launch before the registry will
// hand it submissions.

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

const selfTestMessage = "echo: Hello, World!"

// selfTest compiles and runs the recipes echo program, comparing the echo
// round trip under the environments self test limits
func (r *Registry) selfTest(ctx context.Context, recipe *Recipe) (err kv.Error) {
	inst, compileErr, err := r.New(ctx, recipe.Tag, "self_test", []byte(recipe.TestProgram), &Options{})
	if err != nil {
		return err
	}
	if compileErr != nil {
		return kv.NewError("self test failed to compile").With("output", string(compileErr.Output)).With("stack", stack.Trace().TrimRuntime())
	}
	defer inst.Cleanup()

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	proc, err := inst.Launch(&LaunchOptions{
		Stdin:         strings.NewReader(selfTestMessage + "\n"),
		Stdout:        stdout,
		Stderr:        stderr,
		WallTime:      r.env.SelftestTimeLimit,
		TimeLimit:     r.env.SelftestTimeLimit,
		MemoryLimitKB: r.env.SelftestMemoryLimit,
	})
	if err != nil {
		return err
	}
	if err = proc.Wait(time.Duration(r.env.SelftestTimeLimit * float64(time.Second))); err != nil {
		return err
	}

	if proc.IsTLE {
		return kv.NewError("self test timed out").With("stack", stack.Trace().TrimRuntime())
	}
	if proc.ExitCode != 0 {
		return kv.NewError("self test exited with an error").With("exit", proc.ExitCode, "stderr", stderr.String()).With("stack", stack.Trace().TrimRuntime())
	}
	if strings.TrimSpace(stdout.String()) != selfTestMessage {
		return kv.NewError("self test echoed unexpected output").With("stdout", stdout.String()).With("stack", stack.Trace().TrimRuntime())
	}
	if stderr.Len() != 0 {
		return kv.NewError("self test produced unexpected stderr output").With("stderr", stderr.String()).With("stack", stack.Trace().TrimRuntime())
	}

	r.logger.Info("self test passed", "language", recipe.Tag,
		"usage", proc.ExecutionTime, "versions", r.VersionString(recipe))
	return nil
}
