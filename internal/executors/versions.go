// Copyright 2023-2024 (c) The Open Judge Authors. All rights reserved. Issued under the Apache 2.0 License.

package executors

// Runtime version probing.  Each recipe is probed once per process by
// running its runtime with the declared version flags and scraping the
// first dotted version number from the output.

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// versionProbeTimeout bounds each short lived version probe subprocess
const versionProbeTimeout = 5 * time.Second

var versionRegex = regexp.MustCompile(`(\d+(?:\.\d+)+)`)

// RuntimeVersion is one probed runtime and its dotted version tuple
type RuntimeVersion struct {
	Runtime string
	Version []int
}

// String renders the version in the runtime X.Y.Z form
func (v RuntimeVersion) String() string {
	if len(v.Version) == 0 {
		return v.Runtime
	}
	parts := make([]string, 0, len(v.Version))
	for _, n := range v.Version {
		parts = append(parts, strconv.Itoa(n))
	}
	return fmt.Sprintf("%s %s", v.Runtime, strings.Join(parts, "."))
}

func parseVersion(output string) (version []int) {
	match := versionRegex.FindString(output)
	if len(match) == 0 {
		return nil
	}
	for _, part := range strings.Split(match, ".") {
		n, errGo := strconv.Atoi(part)
		if errGo != nil {
			return nil
		}
		version = append(version, n)
	}
	return version
}

// probeVersion runs the recipes runtime once per flag until a version is
// recognized in its output
func probeVersion(recipe *Recipe) (version []int) {
	flags := recipe.VersionFlags
	if len(flags) == 0 {
		flags = []string{"--version"}
	}
	for _, flag := range flags {
		ctx, cancel := context.WithTimeout(context.Background(), versionProbeTimeout)
		// #nosec
		cmd := exec.CommandContext(ctx, recipe.resolved, flag)
		output, errGo := cmd.CombinedOutput()
		cancel()
		if errGo != nil {
			continue
		}
		if version = parseVersion(string(output)); version != nil {
			return version
		}
	}
	return nil
}

// RuntimeVersions reports the probed versions for a recipe, memoized for
// the life of the registry
func (r *Registry) RuntimeVersions(recipe *Recipe) (versions []RuntimeVersion) {
	r.Lock()
	if versions, isPresent := r.versions[recipe.Tag]; isPresent {
		r.Unlock()
		return versions
	}
	r.Unlock()

	versions = []RuntimeVersion{{Runtime: recipe.Command, Version: probeVersion(recipe)}}

	r.Lock()
	r.versions[recipe.Tag] = versions
	r.Unlock()
	return versions
}

// VersionString renders every probed runtime for a recipe on one line
func (r *Registry) VersionString(recipe *Recipe) string {
	versions := r.RuntimeVersions(recipe)
	parts := make([]string, 0, len(versions))
	for _, v := range versions {
		parts = append(parts, v.String())
	}
	return strings.Join(parts, ", ")
}
