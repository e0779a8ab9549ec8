// Package buildinfo contains build-time information that needs to be
// available at run time, populated via -ldflags by the release build.
package buildinfo

import "runtime"

var (
	Date string

	GitSHA string

	GoVersion = runtime.Version()

	Version string
)
