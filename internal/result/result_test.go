// Copyright 2023-2024 (c) The Open Judge Authors. All rights reserved. Issued under the Apache 2.0 License.

package result

import (
	"testing"

	"github.com/go-test/deep"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// TestFlagCodes asserts the severity ordering of combined verdict bits
func TestFlagCodes(t *testing.T) {
	flags := WA | TLE | RTE

	expected := []string{"TLE", "RTE", "WA"}
	if diff := deep.Equal(flags.Codes(), expected); diff != nil {
		t.Fatal(kv.NewError("verdict codes were misordered").With("diff", diff).With("stack", stack.Trace().TrimRuntime()))
	}
	if flags.String() != "TLE" {
		t.Fatal(kv.NewError("most severe verdict was not reported first").With("verdict", flags.String()).With("stack", stack.Trace().TrimRuntime()))
	}

	if Flag(0).String() != "none" {
		t.Fatal(kv.NewError("empty bitset produced a verdict").With("verdict", Flag(0).String()).With("stack", stack.Trace().TrimRuntime()))
	}
}

// TestFlagHas asserts flag membership over disjoint bits
func TestFlagHas(t *testing.T) {
	flags := AC
	if !flags.Has(AC) || flags.Has(WA) || flags.Has(SC) {
		t.Fatal(kv.NewError("flag membership was wrong").With("flags", flags.Codes()).With("stack", stack.Trace().TrimRuntime()))
	}
}

// TestReadable covers the feedback carrying rendition
func TestReadable(t *testing.T) {
	res := New(3, 0, 10)
	res.Flags = WA
	res.Feedback = "Presentation Error, check your whitespace"

	if res.Readable() != "WA (Presentation Error, check your whitespace)" {
		t.Fatal(kv.NewError("readable rendition mismatch").With("readable", res.Readable()).With("stack", stack.Trace().TrimRuntime()))
	}
}

// TestLift covers bare decision promotion
func TestLift(t *testing.T) {
	check := Lift(true, 25)
	if !check.Passed || check.Points != 25 {
		t.Fatal(kv.NewError("pass was not lifted to full points").With("points", check.Points).With("stack", stack.Trace().TrimRuntime()))
	}
	check = Lift(false, 25)
	if check.Passed || check.Points != 0 {
		t.Fatal(kv.NewError("fail lifted with points").With("points", check.Points).With("stack", stack.Trace().TrimRuntime()))
	}
}
