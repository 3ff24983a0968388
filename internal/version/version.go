// Package version carries build information stamped in with -ldflags, e.g.
//
//	-X github.com/banshee-data/rvm.kiosk/internal/version.Version=v1.2.0
package version

import "fmt"

var (
	Version   = "dev"
	GitSHA    = "unknown"
	BuildTime = "unknown"
)

// String formats the build information for -version and the startup log.
func String() string {
	sha := GitSHA
	if len(sha) > 12 {
		sha = sha[:12]
	}
	return fmt.Sprintf("rvm-kiosk %s (%s, built %s)", Version, sha, BuildTime)
}
