// Package version carries build metadata set with -ldflags, for example
//
//	-X github.com/banshee-data/radio.mesh/internal/version.Version=v0.3.0
package version

import "fmt"

var (
	Version   = "dev"
	GitSHA    = "unknown"
	BuildTime = "unknown"
)

// String formats the build metadata for a -version flag.
func String(command string) string {
	return fmt.Sprintf("%s %s (%s, built %s)", command, Version, GitSHA, BuildTime)
}
