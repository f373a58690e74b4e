// Copyright 2023-2024 (c) The Open Judge Authors. All rights reserved. Issued under the Apache 2.0 License.

package judgeenv

// This file contains the judge environment record.  All of the tunables
// that the reference judge kept as process globals are gathered into a
// single value that is constructed at the top level and injected into the
// components that need it.

import (
	"io/ioutil"
	"os"

	"github.com/go-stack/stack"
	"github.com/go-yaml/yaml"
	"github.com/jjeffery/kv" // MIT License
)

// Environment carries the grading engine configuration.  Zero values are
// replaced by the documented defaults when loaded through Load, or use
// Defaults directly for an all defaults instance.
type Environment struct {
	// SelftestTimeLimit bounds the wall clock of per language self tests, seconds
	SelftestTimeLimit float64 `yaml:"selftest_time_limit"`
	// SelftestMemoryLimit bounds self test memory, kilobytes
	SelftestMemoryLimit int64 `yaml:"selftest_memory_limit"`
	// CompilerTimeLimit bounds a single compiler invocation, seconds
	CompilerTimeLimit float64 `yaml:"compiler_time_limit"`
	// CompilerSizeLimit bounds produced executables, kilobytes
	CompilerSizeLimit int64 `yaml:"compiler_size_limit"`
	// CompilerOutputCharacterLimit caps retained compiler diagnostics, bytes
	CompilerOutputCharacterLimit int64 `yaml:"compiler_output_character_limit"`
	// CompiledBinaryCacheDir hosts cached compile working directories, empty
	// selects the system temporary directory
	CompiledBinaryCacheDir string `yaml:"compiled_binary_cache_dir"`
	// CompiledBinaryCacheSize is the LRU entry capacity of the binary cache
	CompiledBinaryCacheSize int `yaml:"compiled_binary_cache_size"`
	// Runtime overrides the command paths used by language recipes
	Runtime map[string]string `yaml:"runtime"`
	// ExtraFS carries per executor filesystem allow list hints.  Accepted
	// for configuration compatibility, enforcement needs a sandboxed
	// process backend which this engine does not run.
	ExtraFS map[string][]string `yaml:"extra_fs"`
	// TempDir hosts non cached working directories, empty selects the system default
	TempDir string `yaml:"tempdir"`
	// ProblemGlobs enumerate the directories searched for problems
	ProblemGlobs []string `yaml:"problem_globs"`
	// SkipSelfTest disables the echo round trip run at recipe registration
	SkipSelfTest bool `yaml:"skip_self_test"`
}

// Defaults returns an environment populated with the stock configuration
func Defaults() (env *Environment) {
	return &Environment{
		SelftestTimeLimit:            10,
		SelftestMemoryLimit:          131072,
		CompilerTimeLimit:            10,
		CompilerSizeLimit:            131072,
		CompilerOutputCharacterLimit: 65536,
		CompiledBinaryCacheDir:       "",
		CompiledBinaryCacheSize:      100,
		Runtime:                      map[string]string{},
		ExtraFS:                      map[string][]string{},
		TempDir:                      "",
		ProblemGlobs:                 []string{"problem/*/"},
		SkipSelfTest:                 false,
	}
}

// Load reads a YAML configuration file over the top of the defaults.  A
// missing file name returns the defaults untouched.
func Load(fn string) (env *Environment, err kv.Error) {
	env = Defaults()
	if len(fn) == 0 {
		return env, nil
	}

	data, errGo := ioutil.ReadFile(fn)
	if errGo != nil {
		if os.IsNotExist(errGo) {
			return nil, kv.NewError("configuration file not found").With("config", fn).With("stack", stack.Trace().TrimRuntime())
		}
		return nil, kv.Wrap(errGo).With("config", fn).With("stack", stack.Trace().TrimRuntime())
	}

	if errGo = yaml.Unmarshal(data, env); errGo != nil {
		return nil, kv.Wrap(errGo).With("config", fn).With("stack", stack.Trace().TrimRuntime())
	}

	// Guard the values a malformed file could zero out
	defaults := Defaults()
	if env.CompiledBinaryCacheSize <= 0 {
		env.CompiledBinaryCacheSize = defaults.CompiledBinaryCacheSize
	}
	if env.CompilerTimeLimit <= 0 {
		env.CompilerTimeLimit = defaults.CompilerTimeLimit
	}
	if env.CompilerOutputCharacterLimit <= 0 {
		env.CompilerOutputCharacterLimit = defaults.CompilerOutputCharacterLimit
	}
	if len(env.ProblemGlobs) == 0 {
		env.ProblemGlobs = defaults.ProblemGlobs
	}
	if env.Runtime == nil {
		env.Runtime = map[string]string{}
	}
	if env.ExtraFS == nil {
		env.ExtraFS = map[string][]string{}
	}
	return env, nil
}
