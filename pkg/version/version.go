// Package version provides build version information.
// Version is set at build time via ldflags:
// go build -ldflags "-X github.com/Rorqualx/grubcrawl/pkg/version.Version=1.0.0"
package version

import "runtime"

// Version is the application version, set at build time.
var Version = "dev"

// UserAgent is the user agent of crawl contexts that have no pinned agent.
// It must track a current stable Chrome release.
var UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/140.0.0.0 Safari/537.36"

// Full returns the version string with the Go runtime it was built with.
func Full() string {
	return Version + " (" + runtime.Version() + ")"
}

// GoVersion returns the Go runtime version.
func GoVersion() string {
	return runtime.Version()
}
