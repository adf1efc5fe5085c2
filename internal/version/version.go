// Package version holds the build-time version string for the orchestra
// binary. Version is overridden at build time via:
//
//	go build -ldflags "-X github.com/orchestra-run/orchestra/internal/version.Version=v1.2.3"
package version

// Version is the orchestra release identifier. It defaults to "dev" for
// local builds that don't pass -ldflags.
var Version = "dev"
