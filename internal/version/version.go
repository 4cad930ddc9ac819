package version

import "runtime/debug"

// Version is set at build time with -ldflags.
var Version = "devel"

// `go install github.com/parley-ai/parley@latest` sets no ldflags, so fall
// back to the module version embedded in the build info.
func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	mainVersion := info.Main.Version
	if mainVersion != "" && mainVersion != "(devel)" {
		Version = mainVersion
	}
}
