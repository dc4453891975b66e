// Package version holds build metadata injected with -ldflags.
package version

// Version is the release version of metrics-controller.
var Version = "dev"

// Commit is the git commit the binary was built from.
var Commit = "unknown"
