// Package version holds build metadata injected at link time.
package version

import "runtime"

// Set via -ldflags "-X github.com/planforge/planforge/version.GitRelease=..."
var (
	GitRelease    = "dev"
	GitCommit     = "unknown"
	GitCommitDate = "unknown"
)

// GoInfo reports the toolchain the binary was built with.
var GoInfo = runtime.Version()
