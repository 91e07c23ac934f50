// Package version reports how the gateway binary was built.
package version

import (
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
)

// Set with -ldflags "-X github.com/lkarlslund/zimageproxy/pkg/version.Version=v1.2.3".
// Commit and Date fall back to the VCS stamp the Go toolchain embeds.
var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	Date      string `json:"date,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"go_version"`
}

var current = sync.OnceValue(func() Info {
	bi, _ := debug.ReadBuildInfo()
	return build(Version, Commit, Date, bi)
})

func Current() Info {
	return current()
}

func build(ver, commit, date string, bi *debug.BuildInfo) Info {
	info := Info{
		Version:   strings.TrimSpace(ver),
		Commit:    strings.TrimSpace(commit),
		Date:      strings.TrimSpace(date),
		GoVersion: runtime.Version(),
	}
	if info.Version == "" {
		info.Version = "dev"
	}
	if bi == nil {
		return info
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "" {
				info.Commit = s.Value
			}
		case "vcs.time":
			if info.Date == "" {
				info.Date = s.Value
			}
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
	return info
}

// String is the short form used in logs and /v1/health, e.g. "v1.2.0+3f2c9a1b7d0e".
func (i Info) String() string {
	out := i.Version
	if i.Commit != "" {
		out += "+" + shortCommit(i.Commit)
	}
	if i.Modified {
		out += "+modified"
	}
	return out
}

// Detailed is the multi-line form printed by the version command.
func (i Info) Detailed() string {
	var b strings.Builder
	b.WriteString("zimageproxy " + i.String() + "\n")
	if i.Date != "" {
		b.WriteString("built:  " + i.Date + "\n")
	}
	b.WriteString("go:     " + i.GoVersion)
	return b.String()
}

func String() string {
	return Current().String()
}

func shortCommit(c string) string {
	if len(c) > 12 {
		return c[:12]
	}
	return c
}
