// Package build holds build-time metadata injected via -ldflags.
package build

var (
	// Version is the release version of the binary, set at build time.
	Version = "dev"

	// Commit is the git commit the binary was built from.
	Commit = "none"

	// Date is the build timestamp.
	Date = "unknown"
)
