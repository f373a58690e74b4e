// Copyright 2023-2024 (c) The Open Judge Authors. All rights reserved. Issued under the Apache 2.0 License.

package problem

// This file contains the on disk problem format.  A problem is a
// directory holding an init.yml configuration along with the test data
// files it references.

import (
	"io/ioutil"
	"path/filepath"

	"github.com/openjudge/judged/internal/judgeenv"

	"github.com/go-yaml/yaml"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// caseConfig is the YAML shape of a single test case entry.  An entry
// either names its data files directly or carries a batched list of inner
// cases scored all or nothing.
type caseConfig struct {
	In             string                 `yaml:"in"`
	Out            string                 `yaml:"out"`
	Points         float64                `yaml:"points"`
	Checker        string                 `yaml:"checker"`
	CheckerArgs    map[string]interface{} `yaml:"checker_args"`
	WallTimeFactor float64                `yaml:"wall_time_factor"`
	Symlinks       map[string]string      `yaml:"symlinks"`
	Batched        []caseConfig           `yaml:"batched"`
}

// config is the YAML shape of init.yml
type config struct {
	PretestsOnly bool              `yaml:"pretests_only"`
	Unbuffered   bool              `yaml:"unbuffered"`
	Checker      string            `yaml:"checker"`
	Hints        []string          `yaml:"hints"`
	Symlinks     map[string]string `yaml:"symlinks"`
	TestCases    []caseConfig      `yaml:"test_cases"`
}

// Problem binds a problem directory to the limits a submission is graded
// under.  Test case data is loaded lazily through a bounded in memory
// cache shared by the problems cases.
type Problem struct {
	ID          string
	TimeLimit   float64
	MemoryLimit int64
	Meta        map[string]string

	PretestsOnly bool
	Unbuffered   bool
	Hints        []string

	root string
	cfg  *config
	data *dataCache
}

// New locates the problem directory through discovery and parses its
// init.yml.  The limits come from the submission rather than the problem
// directory so a single problem can be graded under per language limits.
func New(dirs *judgeenv.ProblemDirs, problemID string, timeLimit float64, memoryLimit int64, meta map[string]string) (p *Problem, err kv.Error) {
	root, err := dirs.Root(problemID)
	if err != nil {
		return nil, err
	}

	data, errGo := ioutil.ReadFile(filepath.Join(root, "init.yml"))
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("problem", problemID).With("stack", stack.Trace().TrimRuntime())
	}
	cfg := &config{}
	if errGo = yaml.Unmarshal(data, cfg); errGo != nil {
		return nil, kv.Wrap(errGo).With("problem", problemID).With("stack", stack.Trace().TrimRuntime())
	}
	if len(cfg.TestCases) == 0 {
		return nil, kv.NewError("problem has no test cases").With("problem", problemID).With("stack", stack.Trace().TrimRuntime())
	}

	return &Problem{
		ID:           problemID,
		TimeLimit:    timeLimit,
		MemoryLimit:  memoryLimit,
		Meta:         meta,
		PretestsOnly: cfg.PretestsOnly,
		Unbuffered:   cfg.Unbuffered,
		Hints:        cfg.Hints,
		root:         root,
		cfg:          cfg,
		data:         newDataCache(),
	}, nil
}

// Root exposes the problems directory
func (p *Problem) Root() string {
	return p.root
}

func (p *Problem) newCase(cc *caseConfig, position int, batch int) (c *TestCase) {
	checkerName := cc.Checker
	if len(checkerName) == 0 {
		checkerName = p.cfg.Checker
	}
	if len(checkerName) == 0 {
		checkerName = "standard"
	}
	factor := cc.WallTimeFactor
	if factor < 1 {
		factor = 1
	}
	symlinks := map[string]string{}
	for name, target := range p.cfg.Symlinks {
		symlinks[name] = target
	}
	for name, target := range cc.Symlinks {
		symlinks[name] = target
	}

	return &TestCase{
		Position:       position,
		Batch:          batch,
		Points:         cc.Points,
		CheckerName:    checkerName,
		CheckerArgs:    cc.CheckerArgs,
		Symlinks:       symlinks,
		WallTimeFactor: factor,
		inFile:         filepath.Join(p.root, cc.In),
		outFile:        filepath.Join(p.root, cc.Out),
		problem:        p,
	}
}

// Cases returns the flattened test case sequence, batched groups expanded
// in order with their inner cases tagged by a 1 based batch number.
// Positions are 1 based across the whole sequence.
func (p *Problem) Cases() (cases []*TestCase, err kv.Error) {
	cases = []*TestCase{}
	position := 0
	batch := 0
	for i := range p.cfg.TestCases {
		cc := &p.cfg.TestCases[i]
		if len(cc.Batched) != 0 {
			batch++
			for j := range cc.Batched {
				inner := &cc.Batched[j]
				if inner.Points == 0 {
					inner.Points = cc.Points
				}
				position++
				cases = append(cases, p.newCase(inner, position, batch))
			}
			continue
		}
		position++
		cases = append(cases, p.newCase(cc, position, 0))
	}

	for _, c := range cases {
		if errGo := c.validate(); errGo != nil {
			return nil, errGo
		}
	}
	return cases, nil
}
