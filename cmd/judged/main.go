// Copyright 2023-2024 (c) The Open Judge Authors. All rights reserved. Issued under the Apache 2.0 License.

package main

// The judged command grades programming contest submissions.  It runs in
// two modes, a supervisor mode that spawns a worker per submission and
// relays grading events, and a worker mode entered by re-execing this
// binary, selected with the -worker option.

import (
	"context"
	"flag"
	"fmt"
	"io/ioutil"
	"net/http"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"

	"github.com/openjudge/judged/internal/checker"
	"github.com/openjudge/judged/internal/executors"
	"github.com/openjudge/judged/internal/judge"
	"github.com/openjudge/judged/internal/judgeenv"
	"github.com/openjudge/judged/internal/result"

	"github.com/leaf-ai/go-service/pkg/log"

	"github.com/karlmutch/envflag"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tebeka/atexit"

	"github.com/dustin/go-humanize"

	"github.com/jjeffery/kv" // MIT License
)

var (
	buildTime string
	gitHash   string

	logger = log.NewLogger("judged")

	configOpt = flag.String("config", "", "location of the judge environment YAML configuration file")
	workerOpt = flag.Bool("worker", false, "run as a grading worker over inherited pipes (internal, used by the supervisor)")

	problemOpt      = flag.String("problem", "", "identifier of the problem to grade against")
	languageOpt     = flag.String("language", "", "language tag of the submission")
	sourceOpt       = flag.String("source", "", "file containing the submission source")
	timeLimitOpt    = flag.Float64("time-limit", 2.0, "per case CPU time limit in seconds")
	memLimitOpt     = flag.String("memory-limit", "256mb", "per case memory limit using SI, ICE units, for example 256mb, 1gib")
	shortCircuitOpt = flag.Bool("short-circuit", false, "stop grading after the first case that is not accepted")

	listProblemsOpt = flag.Bool("list-problems", false, "print the problems visible through discovery and exit")
	versionsOpt     = flag.Bool("versions", false, "print the detected language runtimes and exit")

	promAddrOpt = flag.String("prometheus-addr", "", "address for the prometheus metrics endpoint, disabled when empty")
)

func usage() {
	fmt.Fprintln(os.Stderr, path.Base(os.Args[0]))
	fmt.Fprintln(os.Stderr, "usage: ", os.Args[0], "[arguments]      submission grading engine      ", gitHash, "    ", buildTime)
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Arguments:")
	fmt.Fprintln(os.Stderr, "")
	flag.PrintDefaults()
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Environment Variables:")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Options can also be extracted from environment variables by changing dashes '-' to underscores and using upper case.")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "To control log levels the LOGXI env variables can be used, these are documented at https://github.com/mgutz/logxi")
}

// newDeps assembles the shared grading services both modes run on
func newDeps(ctx context.Context) (deps *judge.WorkerDeps, err kv.Error) {
	env, err := judgeenv.Load(*configOpt)
	if err != nil {
		return nil, err
	}

	registry, err := executors.NewRegistry(ctx, env, logger)
	if err != nil {
		return nil, err
	}
	// Recipes whose toolchains are absent from this machine are skipped,
	// a judge grades with whatever runtimes it finds
	for _, recipe := range executors.Stock() {
		if err := registry.Register(ctx, recipe); err != nil {
			logger.Warn("language unavailable", "language", recipe.Tag, "error", err.Error())
		}
	}
	if len(registry.Languages()) == 0 {
		return nil, kv.NewError("no usable language runtimes were detected")
	}

	return &judge.WorkerDeps{
		Env:      env,
		Registry: registry,
		Checkers: checker.NewRegistry(),
		Dirs:     judgeenv.NewProblemDirs(env),
		Logger:   logger,
	}, nil
}

func runWorker(ctx context.Context) (err kv.Error) {
	deps, err := newDeps(ctx)
	if err != nil {
		return err
	}
	conn := judge.WorkerConn()
	defer conn.Close()
	return judge.RunWorker(ctx, deps, conn)
}

// printEvent relays one grading event to the console as it arrives
func printEvent(msg *judge.Message) {
	switch msg.Tag {
	case judge.TagCompileError:
		fmt.Printf("compile error:\n%s\n", string(msg.Note))
	case judge.TagCompileMessage:
		fmt.Printf("compiler output:\n%s\n", string(msg.Note))
	case judge.TagBatchBegin:
		fmt.Printf("batch %d\n", msg.Batch)
	case judge.TagResult:
		res := msg.Result
		fmt.Printf("case %3d: %-7s [%.3fs, %s] %s\n", msg.Case, res.Flags.String(),
			res.ExecutionTime, humanize.IBytes(uint64(res.MaxMemoryKB)*1024), res.Feedback)
	case judge.TagUnhandledException:
		fmt.Printf("internal error:\n%s\n", string(msg.Note))
	}
}

func gradeOnce(ctx context.Context) (err kv.Error) {
	source, errGo := ioutil.ReadFile(*sourceOpt)
	if errGo != nil {
		return kv.Wrap(errGo).With("source", *sourceOpt)
	}
	memLimit, errGo := humanize.ParseBytes(*memLimitOpt)
	if errGo != nil {
		return kv.Wrap(errGo).With("memory-limit", *memLimitOpt)
	}

	sub := &judge.Submission{
		ID:            1,
		ProblemID:     *problemOpt,
		Language:      *languageOpt,
		Source:        source,
		TimeLimit:     *timeLimitOpt,
		MemoryLimitKB: int64(memLimit / 1024),
		ShortCircuit:  *shortCircuitOpt,
	}

	spawnArgs := []string{"-worker"}
	if len(*configOpt) != 0 {
		spawnArgs = append(spawnArgs, "-config", *configOpt)
	}
	supervisor := judge.NewSupervisor(judge.NewExecSpawner(spawnArgs, logger), logger)

	// A second signal while grading aborts the submission rather than the
	// whole judge
	abortC := make(chan os.Signal, 1)
	signal.Notify(abortC, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(abortC)
	go func() {
		for range abortC {
			supervisor.AbortGrading()
		}
	}()

	outcome, err := supervisor.BeginGrading(ctx, sub, printEvent)
	if err != nil {
		return err
	}

	switch {
	case len(outcome.CompileError) != 0:
		fmt.Println("verdict: compile error")
	case len(outcome.Exception) != 0:
		fmt.Println("verdict: internal error")
	case outcome.Aborted:
		fmt.Println("verdict: aborted")
	default:
		points, total := 0.0, 0.0
		worst := result.Flag(0)
		for _, graded := range outcome.Cases {
			points += graded.Result.Points
			total += graded.Result.CasePoints
			worst |= graded.Result.Flags
		}
		fmt.Printf("verdict: %s, %s of %s points\n", worst.String(),
			humanize.Ftoa(points), humanize.Ftoa(total))
	}
	return nil
}

func main() {
	flag.Usage = usage

	// Use the go options parser to load command line options that have been set, and look
	// for these options inside the env variable table
	//
	envflag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	atexit.Register(cancel)

	if *workerOpt {
		// Workers log only, the console belongs to the supervisor
		if err := runWorker(ctx); err != nil {
			logger.Error("worker failed", "error", err.Error())
			atexit.Exit(1)
		}
		atexit.Exit(0)
	}

	fmt.Printf("%s built at %s, against commit id %s\n", os.Args[0], buildTime, gitHash)

	stopC := make(chan os.Signal, 1)
	signal.Notify(stopC, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stopC
		logger.Warn("interrupt seen")
		cancel()
	}()

	if len(*promAddrOpt) != 0 {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if errGo := http.ListenAndServe(*promAddrOpt, mux); errGo != nil {
				logger.Warn("metrics endpoint failed", "error", errGo.Error())
			}
		}()
	}

	deps, err := newDeps(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		atexit.Exit(1)
	}

	if *versionsOpt {
		for _, tag := range deps.Registry.Languages() {
			recipe, _ := deps.Registry.Get(tag)
			fmt.Printf("%-12s %s\n", tag, deps.Registry.VersionString(recipe))
		}
		atexit.Exit(0)
	}

	if *listProblemsOpt {
		problems, err := deps.Dirs.Supported()
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			atexit.Exit(1)
		}
		for _, info := range problems {
			fmt.Printf("%-24s %s\n", info.ID, info.Root)
		}
		atexit.Exit(0)
	}

	// First gather any and as many errors as we can before stopping to allow one pass at the user
	// fixing things rather than having them retrying multiple times
	fatalErr := false
	if len(*problemOpt) == 0 {
		fmt.Fprintln(os.Stderr, "the problem command line option must name the problem to grade against")
		fatalErr = true
	}
	if len(*sourceOpt) == 0 {
		fmt.Fprintln(os.Stderr, "the source command line option must name a submission file")
		fatalErr = true
	}
	if len(*languageOpt) == 0 {
		fmt.Fprintf(os.Stderr, "the language command line option must be one of %s\n", strings.Join(deps.Registry.Languages(), ", "))
		fatalErr = true
	}
	if fatalErr {
		atexit.Exit(1)
	}

	if err := gradeOnce(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		atexit.Exit(1)
	}
	atexit.Exit(0)
}
