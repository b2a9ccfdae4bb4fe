// Package version holds build information for conductor, injected with
// -ldflags "-X conductor/pkg/version.Version=v1.2.3".
package version

import "fmt"

//nolint:gochecknoglobals // ldflags targets.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String formats the build information for --version.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, Date)
}
