// Package version provides the daemon's version information, injected at
// build time via ldflags.
package version

// Version is overridden by the release build via -ldflags; development
// builds report "dev".
var Version = "dev"

// PkgName is the identifier used in the SSH server version string
// ("SSH-2.0-<pkgname>_<pkgver>").
const PkgName = "furrow"

// Identification renders the SSH 2.0 server identification string.
func Identification() string {
	return "SSH-2.0-" + PkgName + "_" + Version
}
