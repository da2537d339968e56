// Package appversion provides build-time version information.
package appversion

import "runtime/debug"

// version is set at build time via -ldflags.
var version = "dev" //nolint:gochecknoglobals // ldflags requires package-level var

// String returns the current version. Builds without ldflags report the
// VCS revision recorded by the Go toolchain, when there is one.
func String() string {
	if version != "dev" {
		return version
	}
	if rev := Revision(); rev != "" {
		return "dev+" + rev
	}
	return version
}

// Revision returns the short VCS revision embedded in the binary, or "".
func Revision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			if len(s.Value) > 8 {
				return s.Value[:8]
			}
			return s.Value
		}
	}
	return ""
}
