package build

import "fmt"

// Commit is overridden at build time via -ldflags.
var Commit = ""

const (
	appMajor uint = 0
	appMinor uint = 4
	appPatch uint = 0
)

// Version returns the application version as a properly formed string.
func Version() string {
	version := fmt.Sprintf("%d.%d.%d", appMajor, appMinor, appPatch)
	if Commit != "" {
		version = fmt.Sprintf("%s commit=%s", version, Commit)
	}

	return version
}
