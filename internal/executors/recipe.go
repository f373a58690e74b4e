// Copyright 2023-2024 (c) The Open Judge Authors. All rights reserved. Issued under the Apache 2.0 License.

package executors

// This file contains the language recipe type and the registry that owns
// the recipes available to the grading engine.  Recipes are plain values
// registered explicitly at startup, the registry also owns the per
// process runtime version cache and the compiled binary cache so that no
// component reaches for package globals.

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/openjudge/judged/internal/judgeenv"

	"github.com/leaf-ai/go-service/pkg/log"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// Recipe declares everything the engine needs to compile and launch
// programs written in one language
type Recipe struct {
	// Tag is the language identifier submissions use, for example cpp
	Tag string
	// Ext is the source file extension without the dot
	Ext string
	// Command is the logical runtime name looked up in the environments
	// runtime map, for example gcc
	Command string
	// CommandPaths are candidate binaries tried in order when the runtime
	// map has no override, relative names are resolved on the PATH
	CommandPaths []string
	// Compiled indicates the recipe produces a separate executable
	Compiled bool
	// SourceTemplate names the materialized source file, {problem} and
	// {ext} are substituted
	SourceTemplate string
	// CompileArgs builds the compiler argv for a compiled recipe
	CompileArgs func(command string, source string, executable string) []string
	// RunArgs builds the argv used to launch the program
	RunArgs func(command string, executable string) []string
	// VersionFlags are tried in order when probing the runtime version
	VersionFlags []string
	// TestProgram is an echo round trip program used by the self test,
	// empty disables the self test for the recipe
	TestProgram string
	// UnbufferedEnv lists KEY=VALUE pairs added when a problem asks for
	// unbuffered output
	UnbufferedEnv []string

	// command path after resolution against the runtime map and PATH
	resolved string
}

// SourceFileName produces the materialized file name for a problem
func (recipe *Recipe) SourceFileName(problemID string) string {
	tmpl := recipe.SourceTemplate
	if len(tmpl) == 0 {
		tmpl = "{problem}.{ext}"
	}
	fn := strings.ReplaceAll(tmpl, "{problem}", problemID)
	return strings.ReplaceAll(fn, "{ext}", recipe.Ext)
}

// Identity contributes the executor half of the binary cache key.  Two
// recipes that could produce different binaries must differ here, so the
// resolved compiler path is included.
func (recipe *Recipe) Identity() string {
	return strings.Join([]string{recipe.Tag, recipe.Ext, recipe.resolved}, "\x00")
}

// Options modifies how an instance is produced for a submission
type Options struct {
	// Cached routes compiled recipes through the binary cache
	Cached bool
	// Unbuffered requests unbuffered program output where the runtime
	// supports a hint for it
	Unbuffered bool
	// Hints are free form executor hints from the problem configuration
	Hints []string
}

// Registry maps language tags onto their recipes
type Registry struct {
	env      *judgeenv.Environment
	logger   *log.Logger
	recipes  map[string]*Recipe
	versions map[string][]RuntimeVersion
	cache    *BinaryCache
	sync.Mutex
}

// NewRegistry produces an empty registry.  The supplied context bounds the
// lifetime of the binary cache groomer.
func NewRegistry(ctx context.Context, env *judgeenv.Environment, logger *log.Logger) (r *Registry, err kv.Error) {
	cache, err := NewBinaryCache(ctx, env.CompiledBinaryCacheSize, logger)
	if err != nil {
		return nil, err
	}
	return &Registry{
		env:      env,
		logger:   logger,
		recipes:  map[string]*Recipe{},
		versions: map[string][]RuntimeVersion{},
		cache:    cache,
	}, nil
}

// resolveCommand locates the runtime binary for a recipe using the
// environments runtime map first and the recipes own candidates second
func (r *Registry) resolveCommand(recipe *Recipe) (resolved string, err kv.Error) {
	if override, isPresent := r.env.Runtime[recipe.Command]; isPresent {
		if filepath.IsAbs(override) {
			return override, nil
		}
		if found, errGo := exec.LookPath(override); errGo == nil {
			return found, nil
		}
		return "", kv.NewError("configured runtime not found").With("runtime", recipe.Command, "command", override).With("stack", stack.Trace().TrimRuntime())
	}

	candidates := recipe.CommandPaths
	if len(candidates) == 0 {
		candidates = []string{recipe.Command}
	}
	for _, candidate := range candidates {
		if filepath.IsAbs(candidate) {
			if _, errGo := exec.LookPath(candidate); errGo == nil {
				return candidate, nil
			}
			continue
		}
		if found, errGo := exec.LookPath(candidate); errGo == nil {
			return found, nil
		}
	}
	return "", kv.NewError("no usable runtime found").With("runtime", recipe.Command).With("stack", stack.Trace().TrimRuntime())
}

// Register resolves a recipes runtime and, unless disabled by the
// environment, runs its echo self test before admitting it
func (r *Registry) Register(ctx context.Context, recipe *Recipe) (err kv.Error) {
	resolved, err := r.resolveCommand(recipe)
	if err != nil {
		return err.With("language", recipe.Tag)
	}
	recipe.resolved = resolved

	r.Lock()
	if _, isPresent := r.recipes[recipe.Tag]; isPresent {
		r.Unlock()
		return kv.NewError(fmt.Sprintf("language %s already registered", recipe.Tag)).With("stack", stack.Trace().TrimRuntime())
	}
	r.recipes[recipe.Tag] = recipe
	r.Unlock()

	if !r.env.SkipSelfTest && len(recipe.TestProgram) != 0 {
		if err = r.selfTest(ctx, recipe); err != nil {
			r.Lock()
			delete(r.recipes, recipe.Tag)
			r.Unlock()
			return err.With("language", recipe.Tag)
		}
	}

	r.logger.Info("language registered", "language", recipe.Tag, "command", recipe.resolved)
	return nil
}

// Get retrieves a recipe by its language tag
func (r *Registry) Get(tag string) (recipe *Recipe, err kv.Error) {
	r.Lock()
	defer r.Unlock()

	recipe, isPresent := r.recipes[tag]
	if !isPresent {
		return nil, kv.NewError("unsupported language").With("language", tag).With("stack", stack.Trace().TrimRuntime())
	}
	return recipe, nil
}

// Languages lists the registered language tags
func (r *Registry) Languages() (tags []string) {
	r.Lock()
	defer r.Unlock()

	tags = make([]string, 0, len(r.recipes))
	for tag := range r.recipes {
		tags = append(tags, tag)
	}
	return tags
}

// New binds a submission to a recipe producing a launchable instance.  A
// compile failure is an expected outcome and is returned separately from
// environment or programming faults.
func (r *Registry) New(ctx context.Context, tag string, problemID string, source []byte, opts *Options) (inst *Instance, compileErr *CompileError, err kv.Error) {
	recipe, err := r.Get(tag)
	if err != nil {
		return nil, nil, err
	}
	if opts == nil {
		opts = &Options{}
	}

	if recipe.Compiled && opts.Cached {
		return r.newCached(ctx, recipe, problemID, source, opts)
	}

	inst = r.newInstance(recipe, problemID, source, opts)
	if err = inst.createFiles(); err != nil {
		return nil, nil, err
	}
	if recipe.Compiled {
		if compileErr, err = inst.compile(ctx); compileErr != nil || err != nil {
			inst.Cleanup()
			return nil, compileErr, err
		}
	}
	return inst, nil, nil
}

// newCached routes instance construction through the binary cache so that
// repeated submissions of identical source reuse the compiled executable
func (r *Registry) newCached(ctx context.Context, recipe *Recipe, problemID string, source []byte, opts *Options) (inst *Instance, compileErr *CompileError, err kv.Error) {
	key := binaryCacheKey(recipe, problemID, source)

	ent, compileErr, err := r.cache.acquire(recipe.Tag, key, func() (ent *artifact, compileErr *CompileError, err kv.Error) {
		builder := r.newInstance(recipe, problemID, source, opts)
		builder.tempRoot = r.cacheRoot()
		if err = builder.createFiles(); err != nil {
			return nil, nil, err
		}
		if compileErr, err = builder.compile(ctx); compileErr != nil || err != nil {
			builder.Cleanup()
			return nil, compileErr, err
		}
		return &artifact{
			key:        key,
			dir:        builder.dir,
			executable: builder.executable,
			warning:    builder.warning,
		}, nil, nil
	})
	if compileErr != nil || err != nil {
		return nil, compileErr, err
	}

	inst = r.newInstance(recipe, problemID, source, opts)
	inst.dir = ent.dir
	inst.executable = ent.executable
	inst.warning = ent.warning
	inst.entry = ent
	return inst, nil, nil
}

func (r *Registry) newInstance(recipe *Recipe, problemID string, source []byte, opts *Options) (inst *Instance) {
	return &Instance{
		recipe:     recipe,
		registry:   r,
		problemID:  problemID,
		source:     source,
		unbuffered: opts.Unbuffered,
		tempRoot:   r.env.TempDir,
	}
}

// cacheRoot is the directory hosting cache owned working directories
func (r *Registry) cacheRoot() (dir string) {
	if len(r.env.CompiledBinaryCacheDir) != 0 {
		return r.env.CompiledBinaryCacheDir
	}
	return r.env.TempDir
}
