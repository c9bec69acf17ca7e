// Package buildinfo reports how the running binary was built.
//
// Release builds set the version, commit and build time with ldflags:
//
//	go build -ldflags "-X github.com/nomis52/goactivate/buildinfo.version=v1.2.0 \
//	    -X github.com/nomis52/goactivate/buildinfo.gitCommit=$(git rev-parse HEAD)"
//
// Binaries built without them fall back to the VCS stamp the Go toolchain
// embeds.
package buildinfo

import (
	"runtime"
	"runtime/debug"
)

const unknown = "unknown"

// Properties holds the build properties of the binary.
type Properties struct {
	Version   string `json:"version"`
	BuildTime string `json:"build_time"`
	GitCommit string `json:"git_commit"`
	GoVersion string `json:"go_version"`
	Modified  bool   `json:"modified,omitempty"`
}

var (
	version   = ""
	buildTime = ""
	gitCommit = ""
)

// Get returns the build properties.
func Get() Properties {
	info, _ := debug.ReadBuildInfo()
	return resolve(info)
}

func resolve(info *debug.BuildInfo) Properties {
	p := Properties{
		Version:   version,
		BuildTime: buildTime,
		GitCommit: gitCommit,
		GoVersion: runtime.Version(),
	}
	if info != nil {
		if p.Version == "" && info.Main.Version != "" && info.Main.Version != "(devel)" {
			p.Version = info.Main.Version
		}
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				if p.GitCommit == "" {
					p.GitCommit = s.Value
				}
			case "vcs.time":
				if p.BuildTime == "" {
					p.BuildTime = s.Value
				}
			case "vcs.modified":
				p.Modified = s.Value == "true"
			}
		}
	}
	for _, f := range []*string{&p.Version, &p.BuildTime, &p.GitCommit} {
		if *f == "" {
			*f = unknown
		}
	}
	return p
}
