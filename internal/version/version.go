// Package version holds the build version of previewbox.
package version

// Version is set at build time via -ldflags.
// Default value is "main" for development builds.
var Version = "main"

// Get returns the current version string
func Get() string {
	return Version
}
