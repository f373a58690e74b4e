// Copyright 2023-2024 (c) The Open Judge Authors. All rights reserved. Issued under the Apache 2.0 License.

package problem

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/openjudge/judged/internal/judgeenv"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// writeProblem materializes a problem directory under root along with the
// data files every case entry in the configuration names
func writeProblem(t *testing.T, root string, id string, initYML string, dataFiles []string) {
	dir := filepath.Join(root, id)
	if errGo := os.MkdirAll(dir, 0700); errGo != nil {
		t.Fatal(errGo)
	}
	if errGo := ioutil.WriteFile(filepath.Join(dir, "init.yml"), []byte(initYML), 0600); errGo != nil {
		t.Fatal(errGo)
	}
	for _, fn := range dataFiles {
		if errGo := ioutil.WriteFile(filepath.Join(dir, fn), []byte(fn+" data\n"), 0600); errGo != nil {
			t.Fatal(errGo)
		}
	}
}

func testDirs(t *testing.T, root string) (dirs *judgeenv.ProblemDirs) {
	env := judgeenv.Defaults()
	env.ProblemGlobs = []string{filepath.Join(root, "*")}
	return judgeenv.NewProblemDirs(env)
}

// TestProblemCases covers case flattening, batched groups and point
// inheritance
func TestProblemCases(t *testing.T) {
	root, errGo := ioutil.TempDir("", "problem-test")
	if errGo != nil {
		t.Fatal(errGo)
	}
	defer os.RemoveAll(root)

	writeProblem(t, root, "mixed", `
checker: standard
test_cases:
  - {in: c1.in, out: c1.out, points: 10}
  - points: 20
    batched:
      - {in: b1.in, out: b1.out}
      - {in: b2.in, out: b2.out, points: 5}
  - {in: c2.in, out: c2.out, points: 30, checker: identical, wall_time_factor: 3}
`, []string{"c1.in", "c1.out", "b1.in", "b1.out", "b2.in", "b2.out", "c2.in", "c2.out"})

	prob, err := New(testDirs(t, root), "mixed", 1.5, 65536, nil)
	if err != nil {
		t.Fatal(err)
	}

	cases, err := prob.Cases()
	if err != nil {
		t.Fatal(err)
	}
	if len(cases) != 4 {
		t.Fatal(kv.NewError("case flattening produced the wrong count").With("count", len(cases)).With("stack", stack.Trace().TrimRuntime()))
	}

	// Positions are 1 based across the flattened sequence
	for i, c := range cases {
		if c.Position != i+1 {
			t.Fatal(kv.NewError("case positions not sequential").With("position", c.Position, "index", i).With("stack", stack.Trace().TrimRuntime()))
		}
	}

	// Standalone cases carry the null batch, grouped cases share a number
	if cases[0].Batch != 0 || cases[3].Batch != 0 {
		t.Fatal(kv.NewError("standalone case carried a batch number").With("stack", stack.Trace().TrimRuntime()))
	}
	if cases[1].Batch != 1 || cases[2].Batch != 1 {
		t.Fatal(kv.NewError("batched cases not grouped").With("first", cases[1].Batch, "second", cases[2].Batch).With("stack", stack.Trace().TrimRuntime()))
	}

	// Inner cases inherit the groups point value unless they carry their own
	if cases[1].Points != 20 || cases[2].Points != 5 {
		t.Fatal(kv.NewError("batch point inheritance was wrong").With("inherited", cases[1].Points, "own", cases[2].Points).With("stack", stack.Trace().TrimRuntime()))
	}

	// Checker falls back from the case to the problem configuration
	if cases[0].CheckerName != "standard" || cases[3].CheckerName != "identical" {
		t.Fatal(kv.NewError("checker fallback was wrong").With("problem_level", cases[0].CheckerName, "case_level", cases[3].CheckerName).With("stack", stack.Trace().TrimRuntime()))
	}

	// The wall time factor floors at one
	if cases[0].WallTimeFactor != 1 || cases[3].WallTimeFactor != 3 {
		t.Fatal(kv.NewError("wall time factor was wrong").With("floored", cases[0].WallTimeFactor, "explicit", cases[3].WallTimeFactor).With("stack", stack.Trace().TrimRuntime()))
	}
}

// TestProblemMissingData asserts a configuration naming absent data files
// is rejected before grading starts
func TestProblemMissingData(t *testing.T) {
	root, errGo := ioutil.TempDir("", "problem-test")
	if errGo != nil {
		t.Fatal(errGo)
	}
	defer os.RemoveAll(root)

	writeProblem(t, root, "broken", `
test_cases:
  - {in: missing.in, out: missing.out, points: 10}
`, nil)

	prob, err := New(testDirs(t, root), "broken", 1, 65536, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = prob.Cases(); err == nil {
		t.Fatal(kv.NewError("missing data files were not reported").With("stack", stack.Trace().TrimRuntime()))
	}
}

// TestProblemNoCases asserts an empty configuration is rejected at parse
// time
func TestProblemNoCases(t *testing.T) {
	root, errGo := ioutil.TempDir("", "problem-test")
	if errGo != nil {
		t.Fatal(errGo)
	}
	defer os.RemoveAll(root)

	writeProblem(t, root, "empty", "test_cases: []\n", nil)

	if _, err := New(testDirs(t, root), "empty", 1, 65536, nil); err == nil {
		t.Fatal(kv.NewError("problem without cases was accepted").With("stack", stack.Trace().TrimRuntime()))
	}
}

// TestTestCaseData covers lazy loading and the mtime keyed cache refresh
func TestTestCaseData(t *testing.T) {
	root, errGo := ioutil.TempDir("", "problem-test")
	if errGo != nil {
		t.Fatal(errGo)
	}
	defer os.RemoveAll(root)

	writeProblem(t, root, "echoes", `
test_cases:
  - {in: e1.in, out: e1.out, points: 100}
`, []string{"e1.in", "e1.out"})

	prob, err := New(testDirs(t, root), "echoes", 1, 65536, nil)
	if err != nil {
		t.Fatal(err)
	}
	cases, err := prob.Cases()
	if err != nil {
		t.Fatal(err)
	}

	input, err := cases[0].InputData()
	if err != nil {
		t.Fatal(err)
	}
	if string(input) != "e1.in data\n" {
		t.Fatal(kv.NewError("input data mismatch").With("data", string(input)).With("stack", stack.Trace().TrimRuntime()))
	}

	// Data survives a free and reload round trip
	cases[0].FreeData()
	output, err := cases[0].OutputData()
	if err != nil {
		t.Fatal(err)
	}
	if string(output) != "e1.out data\n" {
		t.Fatal(kv.NewError("output data mismatch").With("data", string(output)).With("stack", stack.Trace().TrimRuntime()))
	}

	// Checker options carry the case context with presentation errors
	// allowed by default
	opts := cases[0].CheckerOptions("cpp")
	if !opts.PEAllowed || opts.PointValue != 100 || opts.SubmissionLanguage != "cpp" {
		t.Fatal(kv.NewError("checker options were wrong").With("pe_allowed", opts.PEAllowed, "points", opts.PointValue).With("stack", stack.Trace().TrimRuntime()))
	}
}

// TestDataCacheSizing asserts cached test data is weighed by its byte
// length so the cache budget bounds memory rather than file counts
func TestDataCacheSizing(t *testing.T) {
	data := caseData("ping\npong\n")
	if data.Size() != int64(len(data)) {
		t.Fatal(kv.NewError("cached data is not sized by its bytes").With("size", data.Size(), "bytes", len(data)).With("stack", stack.Trace().TrimRuntime()))
	}

	root, errGo := ioutil.TempDir("", "problem-test")
	if errGo != nil {
		t.Fatal(errGo)
	}
	defer os.RemoveAll(root)

	fn := filepath.Join(root, "1.in")
	if errGo = ioutil.WriteFile(fn, []byte(data), 0600); errGo != nil {
		t.Fatal(errGo)
	}

	// The wrapper must be transparent to readers of the cache
	dc := newDataCache()
	fetched, err := dc.fetch(fn)
	if err != nil {
		t.Fatal(err)
	}
	if string(fetched) != string(data) {
		t.Fatal(kv.NewError("fetched data mismatch").With("data", string(fetched)).With("stack", stack.Trace().TrimRuntime()))
	}
}
