// SPDX-License-Identifier:Apache-2.0

package version

import (
	"fmt"
	"runtime"
)

var (
	version   = ""   // Filled out during release cutting
	gitCommit string // Provided by ldflags during build
	gitBranch string // Provided by ldflags during build
)

// String returns a human-readable version string.
func String() string {
	switch {
	case version != "" && gitCommit != "":
		return fmt.Sprintf("version %s (commit %s, branch %s)", version, gitCommit, gitBranch)
	case gitCommit != "":
		return fmt.Sprintf("(commit %s, branch %s)", gitCommit, gitBranch)
	case version != "":
		return fmt.Sprintf("version %s (no build information)", version)
	default:
		return "(no version or build info)"
	}
}

// Version returns the release version, empty for development builds.
func Version() string { return version }

// CommitHash returns the commit hash at which the binary was built.
func CommitHash() string { return gitCommit }

// Branch returns the branch at which the binary was built.
func Branch() string { return gitBranch }

// GoString returns the Go toolchain the binary was built with.
func GoString() string { return runtime.Version() }
