// Package version reports the build version of the flow-cache binaries.
package version

import "runtime/debug"

// Version is set at build time with
// -ldflags "-X github.com/skupperproject/flowcache/internal/version.Version=..."
var Version = ""

// Get returns Version, falling back to the main module version recorded
// by the go toolchain.
func Get() string {
	if Version != "" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "undefined"
}
