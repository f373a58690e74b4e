// Copyright 2023-2024 (c) The Open Judge Authors. All rights reserved. Issued under the Apache 2.0 License.

package judge

// Submission is the unit of work a supervisor hands to a worker.  It is
// delivered as the first inbound frame after spawning and fully describes
// one grading run.
type Submission struct {
	// ID is the platform assigned submission identifier, carried for
	// logging only
	ID int64 `msgpack:"id"`
	// ProblemID names the problem directory, resolved through discovery
	ProblemID string `msgpack:"problem_id"`
	// Language is the registered recipe tag to grade with
	Language string `msgpack:"language"`
	// Source is the submitted program text
	Source []byte `msgpack:"source"`
	// TimeLimit is the per case CPU limit in seconds
	TimeLimit float64 `msgpack:"time_limit"`
	// MemoryLimitKB is the per case memory limit in kilobytes
	MemoryLimitKB int64 `msgpack:"memory_limit_kb"`
	// ShortCircuit stops grading after the first case that is not
	// accepted, remaining cases are reported as skipped
	ShortCircuit bool `msgpack:"short_circuit"`
	// Meta carries opaque platform metadata handed through to the problem
	Meta map[string]string `msgpack:"meta,omitempty"`
}
