// Copyright 2023-2024 (c) The Open Judge Authors. All rights reserved. Issued under the Apache 2.0 License.

package executors

// This file contains the content addressed cache of compiled submission
// binaries.  Entries are keyed by a SHA-384 over the executor identity,
// the problem id and the submission source.  Eviction hands ownership of
// the working directory back to the last active holder so directory
// removal never runs under the cache lock.

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"os"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/lthibault/jitterbug"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/leaf-ai/go-service/pkg/log"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

var (
	binaryCacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "judge_binary_cache_hits",
			Help: "Number of compiled binary cache hits.",
		},
		[]string{"language"},
	)
	binaryCacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "judge_binary_cache_misses",
			Help: "Number of compiled binary cache misses.",
		},
		[]string{"language"},
	)

	metricsRegister sync.Once
)

// binaryCacheKey derives the content address for a compiled submission
func binaryCacheKey(recipe *Recipe, problemID string, source []byte) (key string) {
	hasher := sha512.New384()
	hasher.Write([]byte(recipe.Identity()))
	hasher.Write([]byte{0})
	hasher.Write([]byte(problemID))
	hasher.Write([]byte{0})
	hasher.Write(source)
	return hex.EncodeToString(hasher.Sum(nil))
}

// artifact is one cached compile, the executable together with the
// working directory that contains it
type artifact struct {
	key        string
	dir        string
	executable string
	warning    []byte

	// holders counts instances currently adopted from this entry, the
	// directory is removed only when an evicted entry has no holders
	holders int
	evicted bool
}

// BinaryCache is the LRU of compiled artifacts shared by all cached
// compiled executors in the process
type BinaryCache struct {
	logger  *log.Logger
	entries *lru.Cache
	flights singleflight.Group

	// doomed collects entries evicted while the lock was held so their
	// directories can be removed outside of it
	doomed []*artifact
	sync.Mutex
}

// NewBinaryCache produces a cache of the requested entry capacity and
// starts its groomer which drops entries whose executables have been
// removed behind the caches back.  The groomer stops when ctx is done.
func NewBinaryCache(ctx context.Context, size int, logger *log.Logger) (cache *BinaryCache, err kv.Error) {
	metricsRegister.Do(func() {
		// Duplicate registration only occurs in tests and is benign
		_ = prometheus.Register(binaryCacheHits)
		_ = prometheus.Register(binaryCacheMisses)
	})

	cache = &BinaryCache{
		logger: logger,
	}
	entries, errGo := lru.NewWithEvict(size, cache.onEvict)
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("size", size).With("stack", stack.Trace().TrimRuntime())
	}
	cache.entries = entries

	go cache.groom(ctx)

	return cache, nil
}

// onEvict runs inside the LRU under the cache lock, it only flips state
// and defers any directory removal
func (c *BinaryCache) onEvict(key interface{}, value interface{}) {
	ent, isArtifact := value.(*artifact)
	if !isArtifact {
		return
	}
	ent.evicted = true
	if ent.holders == 0 {
		c.doomed = append(c.doomed, ent)
	}
}

// reap removes the working directories of doomed entries, called with the
// cache lock released
func (c *BinaryCache) reap(doomed []*artifact) {
	for _, ent := range doomed {
		if len(ent.dir) != 0 {
			os.RemoveAll(ent.dir)
		}
		c.logger.Debug("evicted compiled binary", "key", ent.key, "dir", ent.dir)
	}
}

type buildOutcome struct {
	ent        *artifact
	compileErr *CompileError
}

// acquire returns the cached artifact for key, compiling through build on
// a miss.  Concurrent acquisitions of the same key share a single compile
// but the flight carries no holder bookkeeping of its own, every caller
// the outcome fans out to adopts exactly one holder afterwards and must
// hand it back through release when the adopting instance is cleaned up.
func (c *BinaryCache) acquire(language string, key string, build func() (*artifact, *CompileError, kv.Error)) (ent *artifact, compileErr *CompileError, err kv.Error) {
	for {
		outcome, errGo, _ := c.flights.Do(key, func() (interface{}, error) {
			if ent, hit := c.lookup(language, key); hit {
				return &buildOutcome{ent: ent}, nil
			}

			built, compileErr, err := build()
			if err != nil {
				return nil, err
			}
			if compileErr != nil {
				return &buildOutcome{compileErr: compileErr}, nil
			}

			c.Lock()
			c.entries.Add(key, built)
			doomed := c.doomed
			c.doomed = nil
			c.Unlock()
			c.reap(doomed)

			return &buildOutcome{ent: built}, nil
		})
		if errGo != nil {
			if err, isKV := errGo.(kv.Error); isKV {
				return nil, nil, err
			}
			return nil, nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
		}

		result := outcome.(*buildOutcome)
		if result.compileErr != nil {
			return nil, result.compileErr, nil
		}

		// The entry can be evicted between the flight completing and this
		// caller adopting it, in which case its directory is already doomed
		// and the acquisition starts over as a miss
		c.Lock()
		if !result.ent.evicted {
			result.ent.holders++
			c.Unlock()
			return result.ent, nil, nil
		}
		c.Unlock()
	}
}

// lookup probes the LRU for a usable entry, verifying the executable is
// still present on disk.  Holder accounting happens in acquire, once per
// adopting caller, never here.
func (c *BinaryCache) lookup(language string, key string) (ent *artifact, hit bool) {
	c.Lock()
	value, isPresent := c.entries.Get(key)
	if isPresent {
		ent = value.(*artifact)
	}
	c.Unlock()

	if !isPresent {
		binaryCacheMisses.With(prometheus.Labels{"language": language}).Inc()
		return nil, false
	}

	// The executable may have been removed externally, treat as a miss
	if _, errGo := os.Stat(ent.executable); errGo != nil {
		c.Lock()
		c.entries.Remove(key)
		doomed := c.doomed
		c.doomed = nil
		c.Unlock()
		c.reap(doomed)

		binaryCacheMisses.With(prometheus.Labels{"language": language}).Inc()
		return nil, false
	}

	binaryCacheHits.With(prometheus.Labels{"language": language}).Inc()
	return ent, true
}

// release drops one holder from an artifact removing its directory if the
// cache has already evicted it
func (c *BinaryCache) release(ent *artifact) {
	c.Lock()
	ent.holders--
	doRemove := ent.evicted && ent.holders <= 0
	c.Unlock()

	if doRemove && len(ent.dir) != 0 {
		os.RemoveAll(ent.dir)
	}
}

// groom periodically drops cache entries whose executables have vanished
// from disk, running on a jittered cadence so multiple judge processes
// sharing a cache directory do not scan in lock step
func (c *BinaryCache) groom(ctx context.Context) {
	check := jitterbug.New(time.Second*30, &jitterbug.Norm{Stdev: time.Second * 3})
	defer check.Stop()

	for {
		select {
		case <-check.C:
			c.groomPass()
		case <-ctx.Done():
			return
		}
	}
}

func (c *BinaryCache) groomPass() {
	c.Lock()
	keys := c.entries.Keys()
	snapshot := make([]*artifact, 0, len(keys))
	for _, key := range keys {
		if value, isPresent := c.entries.Peek(key); isPresent {
			snapshot = append(snapshot, value.(*artifact))
		}
	}
	c.Unlock()

	vanished := []*artifact{}
	for _, ent := range snapshot {
		if _, errGo := os.Stat(ent.executable); errGo != nil {
			vanished = append(vanished, ent)
		}
	}
	if len(vanished) == 0 {
		return
	}

	c.Lock()
	for _, ent := range vanished {
		c.entries.Remove(ent.key)
	}
	doomed := c.doomed
	c.doomed = nil
	c.Unlock()
	c.reap(doomed)
}
