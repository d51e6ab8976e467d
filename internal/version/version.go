// Package version provides build-time version information for roxy.
package version

// These are set via -ldflags at build time; the zero values below are used
// for local, non-release builds.
var (
	version    = "v0.0.0-dev"
	revision   = ""
	branch     = ""
	commitTime = ""
)

// Version returns the semantic version string of this build.
func Version() string {
	return version
}

// Revision returns the VCS revision of this build, if known.
func Revision() string {
	return revision
}

// Branch returns the VCS branch of this build, if known.
func Branch() string {
	return branch
}

// CommitTime returns the commit timestamp of this build, if known.
func CommitTime() string {
	return commitTime
}
