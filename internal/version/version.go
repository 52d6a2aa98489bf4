// Package version carries build metadata, set at link time with
// -ldflags "-X github.com/banshee-data/resample/internal/version.Version=...".
package version

import (
	"fmt"
	"runtime/debug"
)

var (
	// Version is the release version.
	Version = "dev"
	// GitSHA is the git commit SHA.
	GitSHA = "unknown"
	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)

// readBuildInfo is swapped in tests.
var readBuildInfo = debug.ReadBuildInfo

// Info is the resolved build metadata.
type Info struct {
	Version   string
	GitSHA    string
	BuildTime string
	Modified  bool
}

// Get returns the link-time metadata, filling any field left at its default
// from the VCS stamp the go tool embeds in the binary.
func Get() Info {
	info := Info{Version: Version, GitSHA: GitSHA, BuildTime: BuildTime}
	bi, ok := readBuildInfo()
	if !ok {
		return info
	}
	if info.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.GitSHA == "unknown" {
				info.GitSHA = s.Value
			}
		case "vcs.time":
			if info.BuildTime == "unknown" {
				info.BuildTime = s.Value
			}
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
	return info
}

// String formats i for the version command.
func (i Info) String() string {
	sha := i.GitSHA
	if len(sha) > 12 {
		sha = sha[:12]
	}
	if i.Modified {
		sha += "-dirty"
	}
	return fmt.Sprintf("resample version %s (git %s, built %s)", i.Version, sha, i.BuildTime)
}
