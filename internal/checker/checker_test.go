// Copyright 2023-2024 (c) The Open Judge Authors. All rights reserved. Issued under the Apache 2.0 License.

package checker

// This file contains tests for output normalization and the built in
// checkers

import (
	"testing"

	"github.com/openjudge/judged/internal/result"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

func testOptions() (opts *Options) {
	return &Options{
		PEAllowed:  true,
		PointValue: 1,
	}
}

// TestNormalize covers trailing whitespace stripping, line ending
// unification and trailing blank line removal
func TestNormalize(t *testing.T) {
	cases := []struct {
		input    string
		expected string
	}{
		{"", ""},
		{"hello", "hello"},
		{"hello\n", "hello"},
		{"hello  \t\n", "hello"},
		{"hello\r\nworld\r\n", "hello\nworld"},
		{"a\nb\n\n\n", "a\nb"},
		{"  leading stays\n", "  leading stays"},
		{"a \n b\t\n", "a\n b"},
	}
	for _, c := range cases {
		produced := string(Normalize([]byte(c.input)))
		if produced != c.expected {
			t.Fatal(kv.NewError("normalize mismatch").With("input", c.input, "expected", c.expected, "produced", produced).With("stack", stack.Trace().TrimRuntime()))
		}
	}
}

// TestNormalizeIdempotent asserts that normalizing twice is the same as
// normalizing once
func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{"", "a\r\nb  \n\n", "x\n\n\ny\t\n", "no trailing"}
	for _, input := range inputs {
		once := Normalize([]byte(input))
		twice := Normalize(once)
		if string(once) != string(twice) {
			t.Fatal(kv.NewError("normalize is not idempotent").With("input", input).With("stack", stack.Trace().TrimRuntime()))
		}
	}
}

// TestStandardChecker exercises the default checker over equivalent and
// divergent outputs
func TestStandardChecker(t *testing.T) {
	registry := NewRegistry()
	spec, err := registry.Get("standard")
	if err != nil {
		t.Fatal(err)
	}

	// Differences in trailing whitespace and line endings are not wrong
	check, err := spec.Run([]byte("1 2 3  \r\n4 5 6\r\n\r\n"), []byte("1 2 3\n4 5 6\n"), testOptions())
	if err != nil {
		t.Fatal(err)
	}
	if !check.Passed {
		t.Fatal(kv.NewError("equivalent output was rejected").With("stack", stack.Trace().TrimRuntime()))
	}
	if check.Points != 1 {
		t.Fatal(kv.NewError("accepted case earned no points").With("points", check.Points).With("stack", stack.Trace().TrimRuntime()))
	}

	// Content differences are wrong
	check, err = spec.Run([]byte("1 2 4\n"), []byte("1 2 3\n"), testOptions())
	if err != nil {
		t.Fatal(err)
	}
	if check.Passed {
		t.Fatal(kv.NewError("divergent output was accepted").With("stack", stack.Trace().TrimRuntime()))
	}
}

// TestStandardCheckerUnicode asserts that invalid unicode program output
// surfaces the sentinel rather than a comparison
func TestStandardCheckerUnicode(t *testing.T) {
	registry := NewRegistry()
	spec, err := registry.Get("standard")
	if err != nil {
		t.Fatal(err)
	}

	if _, err = spec.Run([]byte{0xff, 0xfe, 0xfd}, []byte("expected"), testOptions()); err != ErrInvalidUnicode {
		t.Fatal(kv.NewError("invalid unicode was not flagged").With("error", err).With("stack", stack.Trace().TrimRuntime()))
	}
}

// TestIdenticalChecker covers exact matching and the presentation error
// feedback path
func TestIdenticalChecker(t *testing.T) {
	registry := NewRegistry()
	spec, err := registry.Get("identical")
	if err != nil {
		t.Fatal(err)
	}

	check, err := spec.Run([]byte("a b\nc d\n"), []byte("a b\nc d\n"), testOptions())
	if err != nil {
		t.Fatal(err)
	}
	if !check.Passed {
		t.Fatal(kv.NewError("identical output was rejected").With("stack", stack.Trace().TrimRuntime()))
	}

	// Same tokens, different spacing, presentation feedback when allowed
	check, err = spec.Run([]byte("a  b\nc d\n"), []byte("a b\nc d\n"), testOptions())
	if err != nil {
		t.Fatal(err)
	}
	if check.Passed {
		t.Fatal(kv.NewError("whitespace variant was accepted by the identical checker").With("stack", stack.Trace().TrimRuntime()))
	}
	if check.Feedback != "Presentation Error, check your whitespace" {
		t.Fatal(kv.NewError("presentation feedback missing").With("feedback", check.Feedback).With("stack", stack.Trace().TrimRuntime()))
	}

	// With presentation errors disallowed the feedback disappears
	opts := testOptions()
	opts.PEAllowed = false
	check, err = spec.Run([]byte("a  b\nc d\n"), []byte("a b\nc d\n"), opts)
	if err != nil {
		t.Fatal(err)
	}
	if check.Passed || len(check.Feedback) != 0 {
		t.Fatal(kv.NewError("presentation feedback produced when disallowed").With("feedback", check.Feedback).With("stack", stack.Trace().TrimRuntime()))
	}
}

// TestRegistryRegister covers duplicate registration and unknown lookups
func TestRegistryRegister(t *testing.T) {
	registry := NewRegistry()

	if _, err := registry.Get("no-such-checker"); err == nil {
		t.Fatal(kv.NewError("unknown checker lookup succeeded").With("stack", stack.Trace().TrimRuntime()))
	}

	custom := Spec{
		Name: "always-pass",
		Run: func(procOutput []byte, judgeOutput []byte, opts *Options) (*result.CheckerResult, kv.Error) {
			return &result.CheckerResult{Passed: true, Points: opts.PointValue}, nil
		},
	}
	if err := registry.Register(custom); err != nil {
		t.Fatal(err)
	}
	if err := registry.Register(custom); err == nil {
		t.Fatal(kv.NewError("duplicate registration succeeded").With("stack", stack.Trace().TrimRuntime()))
	}
}
