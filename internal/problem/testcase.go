// Copyright 2023-2024 (c) The Open Judge Authors. All rights reserved. Issued under the Apache 2.0 License.

package problem

// Test cases and the bounded in memory cache backing their data files.
// Input and expected output bytes are loaded lazily and dropped once a
// case has been graded so large data sets do not accumulate in the worker.

import (
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"github.com/openjudge/judged/internal/checker"

	"github.com/karlmutch/ccache"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// dataCacheSize bounds the total bytes of test data held in memory at
// once across the problems cases
const dataCacheSize = 64 * 1024 * 1024

// dataCacheTTL ages out data files that have not been touched between
// submissions of the same problem
const dataCacheTTL = time.Hour

// caseData satisfies the caches size accounting so the configured limit
// counts bytes, an unwrapped byte slice would be weighed as one unit
type caseData []byte

func (d caseData) Size() int64 {
	return int64(len(d))
}

type dataCache struct {
	cache *ccache.Cache
}

func newDataCache() (dc *dataCache) {
	return &dataCache{
		cache: ccache.New(ccache.Configure().MaxSize(dataCacheSize).GetsPerPromote(1).ItemsToPrune(4)),
	}
}

// fetch loads a data file through the cache keyed by path and modification
// time so edited test data is never served stale
func (dc *dataCache) fetch(fn string) (data []byte, err kv.Error) {
	info, errGo := os.Stat(fn)
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("file", fn).With("stack", stack.Trace().TrimRuntime())
	}
	key := fmt.Sprintf("%s|%d", fn, info.ModTime().UnixNano())

	item, errGo := dc.cache.Fetch(key, dataCacheTTL, func() (interface{}, error) {
		contents, errGo := ioutil.ReadFile(fn)
		if errGo != nil {
			return nil, errGo
		}
		return caseData(contents), nil
	})
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("file", fn).With("stack", stack.Trace().TrimRuntime())
	}
	return []byte(item.Value().(caseData)), nil
}

// TestCase is a single graded input and expected output pair.  Batch is
// zero for standalone cases and a 1 based group number for batched cases.
type TestCase struct {
	Position       int
	Batch          int
	Points         float64
	CheckerName    string
	CheckerArgs    map[string]interface{}
	Symlinks       map[string]string
	WallTimeFactor float64

	inFile  string
	outFile string
	problem *Problem

	input  []byte
	output []byte
	loaded bool
}

func (c *TestCase) validate() (err kv.Error) {
	for _, fn := range []string{c.inFile, c.outFile} {
		if _, errGo := os.Stat(fn); errGo != nil {
			return kv.Wrap(errGo, "test data file missing").With("file", fn, "problem", c.problem.ID).With("stack", stack.Trace().TrimRuntime())
		}
	}
	return nil
}

// InputData lazily loads the cases input bytes
func (c *TestCase) InputData() (data []byte, err kv.Error) {
	if err = c.load(); err != nil {
		return nil, err
	}
	return c.input, nil
}

// OutputData lazily loads the cases expected output bytes
func (c *TestCase) OutputData() (data []byte, err kv.Error) {
	if err = c.load(); err != nil {
		return nil, err
	}
	return c.output, nil
}

func (c *TestCase) load() (err kv.Error) {
	if c.loaded {
		return nil
	}
	if c.input, err = c.problem.data.fetch(c.inFile); err != nil {
		return err
	}
	if c.output, err = c.problem.data.fetch(c.outFile); err != nil {
		return err
	}
	c.loaded = true
	return nil
}

// FreeData drops the cases loaded buffers once its result has been
// produced, the backing cache retains them subject to its own budget
func (c *TestCase) FreeData() {
	c.input = nil
	c.output = nil
	c.loaded = false
}

// CheckerOptions assembles the option record handed to the cases checker
func (c *TestCase) CheckerOptions(language string) (opts *checker.Options) {
	opts = &checker.Options{
		PEAllowed:          true,
		PointValue:         c.Points,
		CasePosition:       c.Position,
		Batch:              c.Batch,
		ProblemID:          c.problem.ID,
		SubmissionLanguage: language,
		Args:               c.CheckerArgs,
	}
	if v, isPresent := c.CheckerArgs["pe_allowed"]; isPresent {
		if allowed, isBool := v.(bool); isBool {
			opts.PEAllowed = allowed
		}
	}
	return opts
}
