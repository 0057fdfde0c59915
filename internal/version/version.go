// Package version reports the binary's build provenance. Values are
// stamped by the release pipeline via -ldflags and fall back to the
// build info the Go toolchain embeds in plain go-build binaries.
package version

import (
	"runtime"
	"runtime/debug"
	"time"
)

// Set at link time by the release build.
var (
	Version   = ""
	Commit    = ""
	BuildTime = ""
)

type Info struct {
	Version   string
	Commit    string
	BuildTime string
	GoVersion string
	Dirty     bool
}

// Resolve merges the linker-stamped values with whatever the Go
// toolchain recorded in the binary. Linker values win.
func Resolve() Info {
	info := Info{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
	}

	if bi, ok := debug.ReadBuildInfo(); ok {
		if info.Version == "" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			info.Version = bi.Main.Version
		}
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if info.Commit == "" {
					info.Commit = s.Value
				}
			case "vcs.time":
				if info.BuildTime == "" {
					info.BuildTime = s.Value
				}
			case "vcs.modified":
				info.Dirty = s.Value == "true"
			}
		}
	}

	switch {
	case info.Version != "":
	case info.BuildTime != "":
		info.Version = info.BuildTime
	default:
		info.Version = time.Now().UTC().Format("20060102T150405Z")
	}
	return info
}

// String renders a single line like "v0.3.1 (1a2b3c4d5e6f)".
func String() string {
	info := Resolve()
	s := info.Version
	if c := shortCommit(info.Commit); c != "" {
		s += " (" + c
		if info.Dirty {
			s += "+dirty"
		}
		s += ")"
	}
	return s
}

func shortCommit(commit string) string {
	if len(commit) > 12 {
		return commit[:12]
	}
	return commit
}
