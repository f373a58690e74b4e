// Copyright 2023-2024 (c) The Open Judge Authors. All rights reserved. Issued under the Apache 2.0 License.

package checker

// This file contains the registry of output checkers.  A checker is a pure
// comparison function between the output produced by a submission and the
// judge supplied expected output.  Checkers are registered as values with
// their metadata rather than being discovered through reflection so the
// set of comparison behaviors in play is always explicit.

import (
	"fmt"
	"sync"

	"github.com/openjudge/judged/internal/result"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// ErrInvalidUnicode is returned by checkers that require well formed UTF-8
// when either output fails to decode.  The grader folds this sentinel into
// a failed checker result rather than treating it as an internal fault.
var ErrInvalidUnicode = kv.NewError("invalid unicode")

// Options carries the per case context a checker may consult when
// comparing outputs.  Args holds the raw checker_args mapping from the
// problem configuration for checkers with their own knobs.
type Options struct {
	PEAllowed          bool
	PointValue         float64
	CasePosition       int
	Batch              int
	ProblemID          string
	SubmissionLanguage string
	Args               map[string]interface{}
}

// RunFunc compares the submissions output against the judges expected
// output.  A nil checker result with a nil error means a bare fail, the
// caller lifts bare decisions into full results.
type RunFunc func(procOutput []byte, judgeOutput []byte, opts *Options) (check *result.CheckerResult, err kv.Error)

// Spec binds a comparison function to its registered name and declares
// whether the checker wants to run even when the case already carries a
// failure verdict such as a runtime error
type Spec struct {
	Name       string
	Run        RunFunc
	RunOnError bool
}

// Registry is a mapping of checker names to their specifications
type Registry struct {
	specs map[string]Spec
	sync.Mutex
}

// NewRegistry produces a registry pre-populated with the standard
// comparison behaviors shipped with the judge
func NewRegistry() (r *Registry) {
	r = &Registry{
		specs: map[string]Spec{},
	}
	r.specs["identical"] = Spec{Name: "identical", Run: identicalCheck}
	r.specs["standard"] = Spec{Name: "standard", Run: standardCheck}
	return r
}

// Register adds a custom checker, refusing to silently shadow one that is
// already present
func (r *Registry) Register(spec Spec) (err kv.Error) {
	r.Lock()
	defer r.Unlock()

	if len(spec.Name) == 0 || spec.Run == nil {
		return kv.NewError("incomplete checker specification").With("stack", stack.Trace().TrimRuntime())
	}
	if _, isPresent := r.specs[spec.Name]; isPresent {
		return kv.NewError(fmt.Sprintf("checker %s already registered", spec.Name)).With("stack", stack.Trace().TrimRuntime())
	}
	r.specs[spec.Name] = spec
	return nil
}

// Get retrieves a checker by its registered name
func (r *Registry) Get(name string) (spec Spec, err kv.Error) {
	r.Lock()
	defer r.Unlock()

	spec, isPresent := r.specs[name]
	if !isPresent {
		return Spec{}, kv.NewError("unknown checker").With("checker", name).With("stack", stack.Trace().TrimRuntime())
	}
	return spec, nil
}
