// Copyright 2023-2024 (c) The Open Judge Authors. All rights reserved. Issued under the Apache 2.0 License.

package result

// This file contains the verdict flag bitset and the per test case result
// record that is exchanged between the grading worker and its supervisor.

import (
	"strings"
)

// Flag is a bitset over the verdicts a single test case can accumulate
// while being graded.  The bits are disjoint, exactly one of AC, WA, SC
// or a failure bit is expected to be present when a result is emitted.
type Flag uint32

const (
	AC  Flag = 1 << iota // Accepted
	WA                   // Wrong Answer
	RTE                  // Runtime Error, non zero exit
	TLE                  // Time Limit Exceeded
	MLE                  // Memory Limit Exceeded
	OLE                  // Output Limit Exceeded
	IR                   // Invalid Return
	SC                   // Short Circuited, case skipped
)

// verdictOrder lists flags in the precedence used when a result carries
// more than a single bit, the most severe verdict is reported first
var verdictOrder = []struct {
	flag Flag
	code string
}{
	{TLE, "TLE"},
	{MLE, "MLE"},
	{OLE, "OLE"},
	{RTE, "RTE"},
	{IR, "IR"},
	{WA, "WA"},
	{SC, "SC"},
	{AC, "AC"},
}

// Has tests for the presence of a single verdict bit
func (f Flag) Has(bit Flag) bool {
	return f&bit != 0
}

// Codes expands the bitset into readable verdict codes ordered by severity
func (f Flag) Codes() (codes []string) {
	codes = []string{}
	for _, v := range verdictOrder {
		if f.Has(v.flag) {
			codes = append(codes, v.code)
		}
	}
	return codes
}

// String returns the most severe verdict code carried by the bitset
func (f Flag) String() string {
	codes := f.Codes()
	if len(codes) == 0 {
		return "none"
	}
	return codes[0]
}

// Result is the outcome of grading one test case.  Instances travel from
// the worker process to the supervisor inside RESULT messages and so every
// field carries a msgpack tag.
type Result struct {
	Position         int     `msgpack:"position"`
	Batch            int     `msgpack:"batch"`
	Flags            Flag    `msgpack:"flags"`
	CasePoints       float64 `msgpack:"case_points"`
	Points           float64 `msgpack:"points"`
	ExecutionTime    float64 `msgpack:"execution_time"`
	WallClockTime    float64 `msgpack:"wall_clock_time"`
	MaxMemoryKB      int64   `msgpack:"max_memory_kb"`
	ProcOutput       []byte  `msgpack:"proc_output"`
	Feedback         string  `msgpack:"feedback"`
	ExtendedFeedback string  `msgpack:"extended_feedback"`
	RuntimeVersion   string  `msgpack:"runtime_version"`
}

// New creates a result bound to a case position carrying the point value
// the case is worth when fully accepted
func New(position int, batch int, casePoints float64) (res *Result) {
	return &Result{
		Position:   position,
		Batch:      batch,
		CasePoints: casePoints,
	}
}

// Readable produces a human oriented single line rendition of the result
func (res *Result) Readable() string {
	sb := strings.Builder{}
	sb.WriteString(res.Flags.String())
	if len(res.Feedback) != 0 {
		sb.WriteString(" (")
		sb.WriteString(res.Feedback)
		sb.WriteString(")")
	}
	return sb.String()
}

// CheckerResult is the outcome of running an output checker over the
// program and judge outputs for a single case
type CheckerResult struct {
	Passed           bool
	Points           float64
	Feedback         string
	ExtendedFeedback string
}

// Lift converts a bare pass or fail decision into a full checker result,
// awarding the entire case value on a pass and nothing otherwise
func Lift(passed bool, casePoints float64) (check *CheckerResult) {
	check = &CheckerResult{Passed: passed}
	if passed {
		check.Points = casePoints
	}
	return check
}
