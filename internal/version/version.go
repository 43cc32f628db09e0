// Package version carries the build metadata injected with -ldflags.
package version

import (
	"fmt"
	"runtime"
)

// Set at link time, ex:
//
//	-X github.com/MrSnakeDoc/fleetmesh/internal/version.Version=v0.1.0
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// Info is the build metadata as reported by the admin surface.
type Info struct {
	Version   string `json:"version,omitempty"`
	Commit    string `json:"commit,omitempty"`
	BuildDate string `json:"build_date,omitempty"`
	GoVersion string `json:"go_version,omitempty"`
}

func Current() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
	}
}

// String renders the build metadata on one line for startup logs.
func String(binary string) string {
	i := Current()
	return fmt.Sprintf("%s %s (commit=%s, built=%s, go=%s)", binary, i.Version, i.Commit, i.BuildDate, i.GoVersion)
}
