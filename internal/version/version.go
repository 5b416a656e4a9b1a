// Package version carries the build identity of the incident-medic binary.
package version

import "fmt"

// Set at build time:
//
//	-ldflags "-X github.com/bissquit/incident-medic/internal/version.Version=1.2.0 ..."
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info is the build identity served on /version.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Get returns the build identity of the running binary.
func Get() Info {
	return Info{Version: Version, Commit: GitCommit, BuildDate: BuildDate}
}

func (i Info) String() string {
	return fmt.Sprintf("incident-medic %s (commit %s, built %s)", i.Version, i.Commit, i.BuildDate)
}
