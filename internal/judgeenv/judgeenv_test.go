// Copyright 2023-2024 (c) The Open Judge Authors. All rights reserved. Issued under the Apache 2.0 License.

package judgeenv

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// TestLoadDefaults asserts that an absent configuration file name yields
// the shipped defaults
func TestLoadDefaults(t *testing.T) {
	env, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if env.CompilerTimeLimit != 10 || env.CompiledBinaryCacheSize != 100 {
		t.Fatal(kv.NewError("defaults were not applied").With("compiler_time_limit", env.CompilerTimeLimit).With("stack", stack.Trace().TrimRuntime()))
	}
	if len(env.ProblemGlobs) == 0 {
		t.Fatal(kv.NewError("default problem globs missing").With("stack", stack.Trace().TrimRuntime()))
	}
}

// TestLoadOverrides asserts that a configuration file overrides defaults
// while malformed zero values are guarded
func TestLoadOverrides(t *testing.T) {
	dir, errGo := ioutil.TempDir("", "judgeenv-test")
	if errGo != nil {
		t.Fatal(errGo)
	}
	defer os.RemoveAll(dir)

	fn := filepath.Join(dir, "judge.yml")
	cfg := `
compiler_time_limit: 20
compiled_binary_cache_size: 0
runtime:
  gcc: /usr/local/bin/gcc-12
problem_globs:
  - /data/problems/*/
`
	if errGo = ioutil.WriteFile(fn, []byte(cfg), 0600); errGo != nil {
		t.Fatal(errGo)
	}

	env, err := Load(fn)
	if err != nil {
		t.Fatal(err)
	}
	if env.CompilerTimeLimit != 20 {
		t.Fatal(kv.NewError("override was not applied").With("compiler_time_limit", env.CompilerTimeLimit).With("stack", stack.Trace().TrimRuntime()))
	}
	// A zeroed cache size falls back to the default
	if env.CompiledBinaryCacheSize != 100 {
		t.Fatal(kv.NewError("zeroed cache size was not guarded").With("size", env.CompiledBinaryCacheSize).With("stack", stack.Trace().TrimRuntime()))
	}
	if env.Runtime["gcc"] != "/usr/local/bin/gcc-12" {
		t.Fatal(kv.NewError("runtime override missing").With("stack", stack.Trace().TrimRuntime()))
	}
}

// TestLoadMissingFile asserts a named but absent file is an error rather
// than silent defaults
func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/no/such/judge.yml"); err == nil {
		t.Fatal(kv.NewError("missing configuration file was not reported").With("stack", stack.Trace().TrimRuntime()))
	}
}

// TestProblemDirs covers glob discovery, caching and rescans
func TestProblemDirs(t *testing.T) {
	root, errGo := ioutil.TempDir("", "problems-test")
	if errGo != nil {
		t.Fatal(errGo)
	}
	defer os.RemoveAll(root)

	mkProblem := func(id string) {
		dir := filepath.Join(root, id)
		if errGo := os.MkdirAll(dir, 0700); errGo != nil {
			t.Fatal(errGo)
		}
		if errGo := ioutil.WriteFile(filepath.Join(dir, "init.yml"), []byte("test_cases: []\n"), 0600); errGo != nil {
			t.Fatal(errGo)
		}
	}
	mkProblem("aplusb")
	mkProblem("knapsack")

	// A directory without an init.yml is not a problem
	if errGo := os.MkdirAll(filepath.Join(root, "notaproblem"), 0700); errGo != nil {
		t.Fatal(errGo)
	}

	env := Defaults()
	env.ProblemGlobs = []string{filepath.Join(root, "*") + string(os.PathSeparator)}
	dirs := NewProblemDirs(env)

	problems, err := dirs.Supported()
	if err != nil {
		t.Fatal(err)
	}
	if len(problems) != 2 {
		t.Fatal(kv.NewError("discovery found the wrong problems").With("count", len(problems)).With("stack", stack.Trace().TrimRuntime()))
	}
	if problems[0].ID != "aplusb" || problems[1].ID != "knapsack" {
		t.Fatal(kv.NewError("discovery order was not sorted").With("first", problems[0].ID, "second", problems[1].ID).With("stack", stack.Trace().TrimRuntime()))
	}

	if _, err = dirs.Root("aplusb"); err != nil {
		t.Fatal(err)
	}
	if _, err = dirs.Root("notaproblem"); err == nil {
		t.Fatal(kv.NewError("directory without init.yml resolved as a problem").With("stack", stack.Trace().TrimRuntime()))
	}

	// A problem added after the first scan appears once the cache clears
	mkProblem("sorting")
	dirs.Clear()
	if _, err = dirs.Root("sorting"); err != nil {
		t.Fatal(err)
	}
}
