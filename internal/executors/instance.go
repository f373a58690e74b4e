// Copyright 2023-2024 (c) The Open Judge Authors. All rights reserved. Issued under the Apache 2.0 License.

package executors

// This file contains the executor instance, a submissions program bound to
// its own working directory and ready to be launched once per test case.

import (
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openjudge/judged/internal/result"

	"github.com/karlmutch/go-shortid"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// utf8Locale is handed to every launched child
const utf8Locale = "C.UTF-8"

// Instance is a submission bound to a working directory.  Compiled
// instances also carry the produced executable.  When entry is non nil
// the binary cache owns the working directory and Cleanup merely drops
// the cache reference.
type Instance struct {
	recipe    *Recipe
	registry  *Registry
	problemID string
	source    []byte

	tempRoot   string
	dir        string
	executable string
	warning    []byte
	unbuffered bool

	entry *artifact
}

// LaunchOptions configures a single run of the instances program
type LaunchOptions struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	// Symlinks maps names inside the working directory onto targets that
	// are created before the child starts
	Symlinks map[string]string
	// WallTime is the hard wall clock deadline in seconds the caller will
	// pass to Process.Wait
	WallTime float64
	// TimeLimit is the problems advertised limit in seconds
	TimeLimit float64
	// MemoryLimitKB bounds the childs resident memory, best effort
	MemoryLimitKB int64
	// Args are appended to the recipes run argv
	Args []string
}

// createFiles materializes the working directory and the source file
func (e *Instance) createFiles() (err kv.Error) {
	id, errGo := shortid.Generate()
	if errGo != nil {
		return kv.Wrap(errGo, "workdir id generation failed").With("stack", stack.Trace().TrimRuntime())
	}
	dir, errGo := ioutil.TempDir(e.tempRoot, "judge-"+id+"-")
	if errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	e.dir = dir

	src := filepath.Join(e.dir, e.recipe.SourceFileName(e.problemID))
	if errGo = ioutil.WriteFile(src, e.source, 0600); errGo != nil {
		return kv.Wrap(errGo).With("source", src).With("stack", stack.Trace().TrimRuntime())
	}
	if !e.recipe.Compiled {
		e.executable = src
	}
	return nil
}

// Dir exposes the working directory, primarily for tests
func (e *Instance) Dir() string {
	return e.dir
}

// Executable exposes the launched binary or script path
func (e *Instance) Executable() string {
	return e.executable
}

// Warning returns any non fatal compiler diagnostics retained for the
// submission
func (e *Instance) Warning() (warning []byte) {
	return e.warning
}

// Cleanup releases the working directory.  Cache owned directories are
// handed back to the cache, everything else is removed with missing
// treated as already clean.
func (e *Instance) Cleanup() {
	if e.entry != nil {
		e.registry.cache.release(e.entry)
		e.entry = nil
		e.dir = ""
		return
	}
	if len(e.dir) != 0 {
		os.RemoveAll(e.dir)
		e.dir = ""
	}
}

// setupSymlinks creates the per case symlink map inside the working
// directory, refusing any link whose name would escape it
func (e *Instance) setupSymlinks(symlinks map[string]string) (err kv.Error) {
	base := filepath.Clean(e.dir)
	for name, target := range symlinks {
		linkPath := filepath.Clean(filepath.Join(base, name))
		if linkPath != base && !strings.HasPrefix(linkPath, base+string(os.PathSeparator)) {
			return kv.NewError("cannot symlink outside of submission directory").With("link", name).With("stack", stack.Trace().TrimRuntime())
		}
		if _, errGo := os.Lstat(linkPath); errGo == nil {
			if errGo = os.Remove(linkPath); errGo != nil {
				return kv.Wrap(errGo).With("link", linkPath).With("stack", stack.Trace().TrimRuntime())
			}
		}
		if errGo := os.Symlink(target, linkPath); errGo != nil {
			return kv.Wrap(errGo).With("link", linkPath, "target", target).With("stack", stack.Trace().TrimRuntime())
		}
	}
	return nil
}

// childEnv produces the environment for launched programs, a UTF-8 locale
// plus any unbuffered output hints the recipe knows about
func (e *Instance) childEnv() (env []string) {
	env = []string{
		"LANG=" + utf8Locale,
		"LC_ALL=" + utf8Locale,
		"PATH=" + os.Getenv("PATH"),
		"TMPDIR=" + e.dir,
	}
	if e.unbuffered {
		env = append(env, e.recipe.UnbufferedEnv...)
	}
	return env
}

// Launch starts the instances program for a single test case.  The caller
// owns the returned process and must call Wait on it exactly once with
// the wall clock deadline from the launch options.
func (e *Instance) Launch(opts *LaunchOptions) (proc *Process, err kv.Error) {
	if len(e.dir) == 0 {
		return nil, kv.NewError("instance has no working directory").With("stack", stack.Trace().TrimRuntime())
	}
	if err = e.setupSymlinks(opts.Symlinks); err != nil {
		return nil, err
	}

	argv := e.recipe.RunArgs(e.recipe.resolved, e.executable)
	argv = append(argv, opts.Args...)

	// #nosec
	cmd := newCommand(argv)
	cmd.Dir = e.dir
	cmd.Env = e.childEnv()
	cmd.Stdin = opts.Stdin
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr

	proc = &Process{
		cmd:           cmd,
		MemoryLimitKB: opts.MemoryLimitKB,
	}
	proc.started = time.Now()
	if errGo := cmd.Start(); errGo != nil {
		return nil, kv.Wrap(errGo).With("executable", e.executable).With("stack", stack.Trace().TrimRuntime())
	}
	return proc, nil
}

// PopulateResult folds the process measurements and exit disposition into
// a case result
func (e *Instance) PopulateResult(stderr []byte, res *result.Result, proc *Process) {
	res.ExecutionTime = proc.ExecutionTime
	res.WallClockTime = proc.WallClockTime
	res.MaxMemoryKB = proc.MaxMemoryKB
	res.RuntimeVersion = e.registry.VersionString(e.recipe)

	if proc.ExitCode != 0 {
		res.Flags |= result.RTE
	}
	if proc.IsTLE {
		res.Flags |= result.TLE
	}
	if proc.MemoryLimitKB > 0 && proc.MaxMemoryKB > proc.MemoryLimitKB {
		res.Flags |= result.MLE
	}
}

// RuntimeVersions reports the probed runtime versions for the instances
// language
func (e *Instance) RuntimeVersions() (versions []RuntimeVersion) {
	return e.registry.RuntimeVersions(e.recipe)
}
