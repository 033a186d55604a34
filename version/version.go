// Package version provides build and release metadata for quarry binaries.
package version

import (
	"fmt"
	"runtime/debug"
)

// Version is the release version, overridable at build time:
//
//	go build -ldflags "-X github.com/quarryhq/quarry/version.Version=v0.1.0"
var Version = "dev"

// Commit is the VCS revision, filled from build info when available.
var Commit = ""

// Info contains resolved build metadata.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	GoVersion string `json:"go_version"`
}

// Get resolves build metadata from ldflags and the embedded build info.
func Get() Info {
	info := Info{Version: Version, Commit: Commit}

	if bi, ok := debug.ReadBuildInfo(); ok {
		info.GoVersion = bi.GoVersion
		if info.Commit == "" {
			for _, s := range bi.Settings {
				if s.Key == "vcs.revision" {
					info.Commit = s.Value
					break
				}
			}
		}
		if info.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			info.Version = bi.Main.Version
		}
	}

	return info
}

// String renders the metadata as a single line.
func (i Info) String() string {
	if i.Commit != "" {
		short := i.Commit
		if len(short) > 12 {
			short = short[:12]
		}
		return fmt.Sprintf("%s (%s, %s)", i.Version, short, i.GoVersion)
	}
	return fmt.Sprintf("%s (%s)", i.Version, i.GoVersion)
}
