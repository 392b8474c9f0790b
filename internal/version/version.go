// Package version holds the build-time version string, in the same
// Print(name) idiom the teacher imported from p4prometheus/version.
package version

import "fmt"

// Set via -ldflags at build time; "dev" otherwise.
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// Print returns a one-line "<name> version X, commit Y, built Z" string
// suitable for --version output and startup log lines.
func Print(name string) string {
	return fmt.Sprintf("%s version %s, commit %s, built %s", name, Version, Commit, BuildDate)
}
