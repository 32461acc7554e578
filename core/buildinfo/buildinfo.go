// Package buildinfo reports what binary is running.
//
// Release builds stamp the values with -ldflags:
//
//	-X 'github.com/m3rciful/accountbot/core/buildinfo.Version=v1.2.3'
//	-X 'github.com/m3rciful/accountbot/core/buildinfo.Commit=abcdef0'
//	-X 'github.com/m3rciful/accountbot/core/buildinfo.Date=2025-08-30T12:00:00Z'
//
// Otherwise the VCS stamp of the Go toolchain is used when present.
package buildinfo

import (
	"fmt"
	"runtime/debug"
)

var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

// Info is a resolved build stamp.
type Info struct {
	Version  string
	Commit   string
	Date     string
	Modified bool
}

// Read resolves the stamp once ldflags and the embedded build settings have
// both been consulted.
func Read() Info {
	info := Info{Version: Version, Commit: Commit, Date: Date}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	return fromSettings(info, bi.Settings)
}

func fromSettings(info Info, settings []debug.BuildSetting) Info {
	for _, s := range settings {
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
	if len(info.Commit) > 12 {
		info.Commit = info.Commit[:12]
	}
	return info
}

// String renders "v1.2.3 (abcdef0, 2025-08-30T12:00:00Z)".
func (i Info) String() string {
	commit := i.Commit
	if commit == "" {
		commit = "unknown"
	}
	if i.Modified {
		commit += "+dirty"
	}
	if i.Date == "" {
		return fmt.Sprintf("%s (%s)", i.Version, commit)
	}
	return fmt.Sprintf("%s (%s, %s)", i.Version, commit, i.Date)
}
