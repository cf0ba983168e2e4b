// Package version carries build metadata injected at link time.
package version

var (
	// Version is set via -ldflags at build time.
	Version = "dev"

	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"

	// GitCommit is set via -ldflags at build time.
	GitCommit = "unknown"
)

// Full renders the complete version string for the version endpoint.
func Full() string {
	return Version + " (" + GitCommit + ") built at " + BuildTime
}
