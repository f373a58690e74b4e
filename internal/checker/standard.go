// Copyright 2023-2024 (c) The Open Judge Authors. All rights reserved. Issued under the Apache 2.0 License.

package checker

// Implementations of the two stock checkers.  The standard checker is
// tolerant of trailing whitespace and line ending differences, the
// identical checker demands byte equality but can diagnose presentation
// errors when the outputs agree modulo whitespace.

import (
	"bytes"
	"unicode"
	"unicode/utf8"

	"github.com/openjudge/judged/internal/result"

	"github.com/jjeffery/kv" // MIT License
)

// Normalize strips trailing whitespace from every line, normalizes CRLF
// line endings and drops trailing blank lines.  It is idempotent which the
// test suite relies upon.
func Normalize(data []byte) (normalized []byte) {
	lines := bytes.Split(bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n")), []byte("\n"))
	for i, line := range lines {
		lines[i] = bytes.TrimRightFunc(line, unicode.IsSpace)
	}
	for len(lines) != 0 && len(lines[len(lines)-1]) == 0 {
		lines = lines[:len(lines)-1]
	}
	return bytes.Join(lines, []byte("\n"))
}

// collapseWhitespace reduces every run of whitespace to a single space and
// trims the ends, the loosest equality the identical checker will use when
// looking for presentation errors
func collapseWhitespace(data []byte) (collapsed []byte) {
	return bytes.Join(bytes.Fields(data), []byte(" "))
}

// standardCheck compares outputs after normalization.  Both sides must be
// valid UTF-8, binary test data should use the identical checker instead.
func standardCheck(procOutput []byte, judgeOutput []byte, opts *Options) (check *result.CheckerResult, err kv.Error) {
	if !utf8.Valid(procOutput) || !utf8.Valid(judgeOutput) {
		return nil, ErrInvalidUnicode
	}
	passed := bytes.Equal(Normalize(procOutput), Normalize(judgeOutput))
	return result.Lift(passed, opts.PointValue), nil
}

// identicalCheck demands byte for byte equality.  When the pe_allowed
// option is set and the outputs differ only in whitespace the submission
// is still failed but with feedback pointing at the formatting.
func identicalCheck(procOutput []byte, judgeOutput []byte, opts *Options) (check *result.CheckerResult, err kv.Error) {
	if bytes.Equal(procOutput, judgeOutput) {
		return result.Lift(true, opts.PointValue), nil
	}
	check = &result.CheckerResult{Passed: false, Points: 0}
	if opts.PEAllowed && bytes.Equal(collapseWhitespace(procOutput), collapseWhitespace(judgeOutput)) {
		check.Feedback = "Presentation Error, check your whitespace"
	}
	return check, nil
}
