// Package version carries build metadata injected via -ldflags.
package version

var (
	// Version is the release version of the adwatch binary.
	Version = "dev"
	// Commit is the git commit hash of the build.
	Commit = "unknown"
	// BuildDate is the UTC build timestamp.
	BuildDate = "unknown"
)
