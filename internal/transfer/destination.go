package transfer

import (
	"os"
	"path/filepath"
	"strings"
)

// ResolveDestination maps a raw destination argument to a file path. Absolute
// paths are kept, "~/" is resolved under the home directory and anything else is
// resolved under the scratch directory. When the result is an existing directory,
// name is appended.
func (e *Env) ResolveDestination(dest, name string) string {
	var resolved string

	switch {
	case filepath.IsAbs(dest):
		resolved = dest
	case dest == "~":
		resolved = e.HomeDir
	case strings.HasPrefix(dest, "~/"):
		resolved = filepath.Join(e.HomeDir, dest[2:])
	default:
		resolved = filepath.Join(e.ScratchDir, dest)
	}

	if info, err := os.Stat(resolved); err == nil && info.IsDir() {
		resolved = filepath.Join(resolved, name)
	}

	return resolved
}

// ScratchPath returns a path for an intermediate pipeline artifact.
func (e *Env) ScratchPath(name string) string {
	return filepath.Join(e.ScratchDir, name)
}
