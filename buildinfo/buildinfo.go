// Package buildinfo exposes properties stamped into the binary with ldflags:
//
//	go build -ldflags "-X github.com/nomis52/goingest/buildinfo.version=v1.2.0 \
//	  -X github.com/nomis52/goingest/buildinfo.gitCommit=$(git rev-parse HEAD)"
package buildinfo

import "fmt"

// Properties holds build-time properties injected via ldflags.
type Properties struct {
	Version   string `json:"version"`
	BuildTime string `json:"build_time"`
	GitCommit string `json:"git_commit"`
}

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// Get returns the current build properties.
func Get() Properties {
	return Properties{
		Version:   version,
		BuildTime: buildTime,
		GitCommit: gitCommit,
	}
}

// Version returns the release version, "dev" for unstamped builds.
func Version() string {
	return version
}

// String formats the properties for --version output.
func (p Properties) String() string {
	return fmt.Sprintf("goingest %s (commit %s, built %s)", p.Version, p.GitCommit, p.BuildTime)
}
