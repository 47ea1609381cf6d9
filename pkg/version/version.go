// Package version exposes build-time version information.
package version

// Version is the cpm release version, overridden at build time via
// -ldflags "-X github.com/cpmkit/cpm/pkg/version.Version=v1.2.3".
var Version = "dev"

// Commit is the git commit the binary was built from.
var Commit = "unknown"
