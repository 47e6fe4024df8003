package tillage

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var version string

// Version is the library version.
var Version = strings.TrimSpace(version)
