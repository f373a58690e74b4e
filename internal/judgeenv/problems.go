// Copyright 2023-2024 (c) The Open Judge Authors. All rights reserved. Issued under the Apache 2.0 License.

package judgeenv

// Problem directory discovery.  Problems live in directories matched by
// the configured globs, each one identified by an init.yml file at its
// root.  Directory modification times are surfaced so upstream callers
// can invalidate their own caches.

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// ProblemInfo identifies one discovered problem directory
type ProblemInfo struct {
	ID      string
	Root    string
	ModTime time.Time
}

// ProblemDirs scans the configured globs and caches the discovered
// directories until cleared
type ProblemDirs struct {
	env   *Environment
	found map[string]ProblemInfo
	sync.Mutex
}

// NewProblemDirs produces an empty discovery cache over the environments
// problem globs
func NewProblemDirs(env *Environment) (dirs *ProblemDirs) {
	return &ProblemDirs{
		env: env,
	}
}

// Clear drops the cached directory scan forcing the next lookup to rescan
func (dirs *ProblemDirs) Clear() {
	dirs.Lock()
	defer dirs.Unlock()
	dirs.found = nil
}

func (dirs *ProblemDirs) scan() (err kv.Error) {
	if dirs.found != nil {
		return nil
	}

	found := map[string]ProblemInfo{}
	for _, dirGlob := range dirs.env.ProblemGlobs {
		matches, errGo := filepath.Glob(filepath.Join(dirGlob, "init.yml"))
		if errGo != nil {
			return kv.Wrap(errGo).With("glob", dirGlob).With("stack", stack.Trace().TrimRuntime())
		}
		for _, cfg := range matches {
			root := filepath.Dir(cfg)
			id := filepath.Base(root)
			if _, isPresent := found[id]; isPresent {
				continue
			}
			info, errGo := os.Stat(root)
			if errGo != nil {
				continue
			}
			found[id] = ProblemInfo{ID: id, Root: root, ModTime: info.ModTime()}
		}
	}
	dirs.found = found
	return nil
}

// Supported returns every discovered problem along with the modification
// time of its directory, ordered by problem id
func (dirs *ProblemDirs) Supported() (problems []ProblemInfo, err kv.Error) {
	dirs.Lock()
	defer dirs.Unlock()

	if err = dirs.scan(); err != nil {
		return nil, err
	}

	problems = make([]ProblemInfo, 0, len(dirs.found))
	for _, info := range dirs.found {
		problems = append(problems, info)
	}
	sort.Slice(problems, func(i, j int) bool { return problems[i].ID < problems[j].ID })
	return problems, nil
}

// Root locates the directory for a single problem.  A cached entry whose
// init.yml has vanished triggers a rescan before failing.
func (dirs *ProblemDirs) Root(problemID string) (root string, err kv.Error) {
	dirs.Lock()
	defer dirs.Unlock()

	for attempt := 0; attempt != 2; attempt++ {
		if err = dirs.scan(); err != nil {
			return "", err
		}
		if info, isPresent := dirs.found[problemID]; isPresent {
			if _, errGo := os.Stat(filepath.Join(info.Root, "init.yml")); errGo == nil {
				return info.Root, nil
			}
		}
		dirs.found = nil
	}
	return "", kv.NewError("problem not found").With("problem", problemID).With("stack", stack.Trace().TrimRuntime())
}
