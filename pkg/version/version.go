// Package version holds the version of the hudp binary.
package version

// Version is a "vSEMVER" string, inserted at build time using
//
//	--ldflags -X
var Version = "(unknown version)"
