//go:build dev
// +build dev

package build

// LogLevel specifies a default log level of debug for development builds.
var LogLevel = "debug"
