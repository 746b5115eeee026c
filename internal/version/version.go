// Package version exposes the build version of daybreak.
package version

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var versionContent string

// Get returns the current version, with whitespace trimmed
func Get() string {
	return strings.TrimSpace(versionContent)
}

// String returns the version in "daybreak version X" form.
func String() string {
	return "daybreak version " + Get()
}
