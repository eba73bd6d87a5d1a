// Package version exposes the build identity stamped into the binary.
//
// Release builds inject the variables below through -ldflags; development
// builds fall back to whatever debug.ReadBuildInfo recovers from module and
// VCS metadata.
package version

import (
	"fmt"
	"runtime/debug"
)

// Injected at release time. Zero values mean a local build.
var (
	Version    = "dev"
	Commit     = "none"
	CommitDate string
	BuildDate  string
	BuildID    string
	GoVersion  string
	VCSDirty   *bool
)

// Info is the resolved build identity, JSON-shaped for the ops endpoint.
// VCSDirty is tri-state: nil when the build carries no VCS verdict at all.
type Info struct {
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	CommitDate string `json:"commit_date"`
	BuildDate  string `json:"build_date"`
	BuildID    string `json:"build_id"`
	GoVersion  string `json:"go_version"`
	VCSDirty   *bool  `json:"vcs_dirty,omitempty"`
}

// Get merges the stamped variables with runtime build metadata. Stamped
// values win; VCS data fills the gaps for unstamped builds.
func Get() Info {
	out := Info{
		Version:    Version,
		Commit:     Commit,
		CommitDate: CommitDate,
		BuildDate:  BuildDate,
		BuildID:    BuildID,
		GoVersion:  GoVersion,
		VCSDirty:   VCSDirty,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		out.fillFromBuildInfo(bi)
	}
	return out
}

func (in *Info) fillFromBuildInfo(bi *debug.BuildInfo) {
	in.GoVersion = bi.GoVersion
	for _, s := range bi.Settings {
		if s.Value == "" {
			continue
		}
		switch s.Key {
		case "vcs.revision":
			if in.Commit == "none" {
				in.Commit = s.Value
			}
		case "vcs.time":
			in.CommitDate = s.Value
			if in.BuildDate == "" {
				in.BuildDate = s.Value
			}
		case "vcs.modified":
			switch s.Value {
			case "true", "false":
				dirty := s.Value == "true"
				in.VCSDirty = &dirty
			}
		}
	}
}

// String renders the single line printed for -V.
func (in Info) String() string {
	s := in.Version + " commit " + in.Commit
	if in.VCSDirty != nil && *in.VCSDirty {
		s += " (dirty)"
	}
	if in.BuildID != "" {
		s += " build " + in.BuildID
	}
	if in.BuildDate != "" {
		s += " built " + in.BuildDate
	}
	if in.GoVersion != "" {
		s += fmt.Sprintf(" (%s)", in.GoVersion)
	}
	return s
}
