// Package version reports the crew release.
package version

import (
	_ "embed"
	"runtime/debug"
	"strings"
)

//go:embed VERSION
var versionContent string

// Override is set at link time (-ldflags "-X .../version.Override=v1.2.3")
// and wins over the embedded VERSION file.
var Override string

// Get returns the current version, with whitespace trimmed. Development
// builds carry the short VCS revision when the toolchain recorded one.
func Get() string {
	if Override != "" {
		return strings.TrimSpace(Override)
	}
	v := strings.TrimSpace(versionContent)
	if rev := revision(); rev != "" {
		return v + "+" + rev
	}
	return v
}

func revision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	var rev string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if len(rev) > 7 {
		rev = rev[:7]
	}
	if rev != "" && dirty {
		rev += "-dirty"
	}
	return rev
}
